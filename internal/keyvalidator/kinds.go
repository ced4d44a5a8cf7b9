package keyvalidator

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding"
	"encoding/hex"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	cacrypto "github.com/remiblancher/cacore/internal/crypto"
)

// RSAValidator checks RSA key size, public exponent and modulus.
type RSAValidator struct {
	Base
	RSASettings
}

// RSASettings are the checks of an RSAValidator. Zero values disable a
// check.
type RSASettings struct {
	// BitLengths lists the allowed modulus sizes. Empty allows any size
	// within MinBits and MaxBits.
	BitLengths []int `xml:"rsa>bitLengths>bits,omitempty"`
	MinBits    int   `xml:"rsa>minBits,omitempty"`
	MaxBits    int   `xml:"rsa>maxBits,omitempty"`

	PublicExponentMin     int64 `xml:"rsa>publicExponentMin,omitempty"`
	PublicExponentMax     int64 `xml:"rsa>publicExponentMax,omitempty"`
	PublicExponentOddOnly bool  `xml:"rsa>publicExponentOddOnly,omitempty"`

	ModulusOddOnly bool `xml:"rsa>modulusOddOnly,omitempty"`
	// ModulusMinFactor rejects moduli with a factor smaller than it.
	ModulusMinFactor int `xml:"rsa>modulusMinFactor,omitempty"`
}

// maxTrialFactor bounds the trial division of ModulusMinFactor.
const maxTrialFactor = 1 << 16

func (v *RSAValidator) Validate(_ context.Context, pub crypto.PublicKey) ([]string, error) {
	k, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, nil
	}
	var msgs []string
	bits := k.N.BitLen()

	if len(v.BitLengths) > 0 && !slices.Contains(v.BitLengths, bits) {
		msgs = append(msgs, fmt.Sprintf("RSA key size %d is not one of %v", bits, v.BitLengths))
	}
	if v.MinBits > 0 && bits < v.MinBits {
		msgs = append(msgs, fmt.Sprintf("RSA key size %d is smaller than %d", bits, v.MinBits))
	}
	if v.MaxBits > 0 && bits > v.MaxBits {
		msgs = append(msgs, fmt.Sprintf("RSA key size %d is larger than %d", bits, v.MaxBits))
	}

	e := int64(k.E)
	if v.PublicExponentMin > 0 && e < v.PublicExponentMin {
		msgs = append(msgs, fmt.Sprintf("RSA public exponent %d is smaller than %d", e, v.PublicExponentMin))
	}
	if v.PublicExponentMax > 0 && e > v.PublicExponentMax {
		msgs = append(msgs, fmt.Sprintf("RSA public exponent %d is larger than %d", e, v.PublicExponentMax))
	}
	if v.PublicExponentOddOnly && e%2 == 0 {
		msgs = append(msgs, fmt.Sprintf("RSA public exponent %d is even", e))
	}

	if v.ModulusOddOnly && k.N.Bit(0) == 0 {
		msgs = append(msgs, "RSA modulus is even")
	}
	if v.ModulusMinFactor > 0 {
		if f := smallFactor(k.N, min(v.ModulusMinFactor, maxTrialFactor)); f > 0 {
			msgs = append(msgs, fmt.Sprintf("RSA modulus has a factor %d smaller than %d", f, v.ModulusMinFactor))
		}
	}
	return msgs, nil
}

// smallFactor returns the smallest factor of n below limit, or 0.
func smallFactor(n *big.Int, limit int) int64 {
	var (
		d   big.Int
		rem big.Int
	)
	for f := int64(2); f < int64(limit); f++ {
		d.SetInt64(f)
		if rem.Mod(n, &d).Sign() == 0 && n.Cmp(&d) != 0 {
			return f
		}
	}
	return 0
}

// ECCValidator restricts the curves of EC and EdDSA keys and checks that
// EC points lie on their curve.
type ECCValidator struct {
	Base
	ECCSettings
}

// ECCSettings are the checks of an ECCValidator.
type ECCSettings struct {
	// Curves lists allowed curve names (P-256, P-384, P-521, Ed25519).
	// Empty allows every supported curve.
	Curves []string `xml:"ecc>curves>curve,omitempty"`
	// FullPublicKeyValidation checks that the point is valid on the curve.
	FullPublicKeyValidation bool `xml:"ecc>fullPublicKeyValidation,omitempty"`
}

func (v *ECCValidator) Validate(_ context.Context, pub crypto.PublicKey) ([]string, error) {
	var (
		curve string
		msgs  []string
	)
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		curve = k.Curve.Params().Name
		if v.FullPublicKeyValidation {
			if _, err := k.ECDH(); err != nil {
				msgs = append(msgs, fmt.Sprintf("EC public key is not a valid %s point: %v", curve, err))
			}
		}
	case ed25519.PublicKey:
		curve = "Ed25519"
		if len(k) != ed25519.PublicKeySize {
			msgs = append(msgs, fmt.Sprintf("Ed25519 public key has %d bytes", len(k)))
		}
	default:
		return nil, nil
	}

	if len(v.Curves) > 0 && !slices.ContainsFunc(v.Curves, func(c string) bool { return strings.EqualFold(c, curve) }) {
		msgs = append(msgs, fmt.Sprintf("curve %s is not one of %v", curve, v.Curves))
	}
	return msgs, nil
}

// PQCValidator restricts ML-DSA (FIPS 204) parameter sets and checks the
// encoded key size of each set.
type PQCValidator struct {
	Base
	PQCSettings
}

// PQCSettings are the checks of a PQCValidator.
type PQCSettings struct {
	// Algorithms lists the allowed parameter sets (ml-dsa-44, ml-dsa-65,
	// ml-dsa-87). Empty allows all of them.
	Algorithms []string `xml:"pqc>algorithms>algorithm,omitempty"`
}

func (v *PQCValidator) Validate(_ context.Context, pub crypto.PublicKey) ([]string, error) {
	var size, want int
	switch k := pub.(type) {
	case *mldsa44.PublicKey:
		size, want = len(k.Bytes()), mldsa44.PublicKeySize
	case *mldsa65.PublicKey:
		size, want = len(k.Bytes()), mldsa65.PublicKeySize
	case *mldsa87.PublicKey:
		size, want = len(k.Bytes()), mldsa87.PublicKeySize
	default:
		return nil, nil
	}
	alg, err := cacrypto.AlgorithmOf(pub)
	if err != nil {
		return nil, err
	}

	var msgs []string
	if size != want {
		msgs = append(msgs, fmt.Sprintf("%s public key has %d bytes, want %d", alg, size, want))
	}
	if len(v.Algorithms) > 0 && !slices.Contains(v.Algorithms, alg.String()) {
		msgs = append(msgs, fmt.Sprintf("algorithm %s is not one of %v", alg, v.Algorithms))
	}
	return msgs, nil
}

// BlocklistValidator rejects known keys, listed by the hex SHA-256 of
// their DER SubjectPublicKeyInfo.
type BlocklistValidator struct {
	Base
	BlocklistSettings

	mu    sync.Mutex
	index map[string]struct{}
}

// BlocklistSettings are the checks of a BlocklistValidator.
type BlocklistSettings struct {
	Fingerprints []string `xml:"blocklist>fingerprints>sha256,omitempty"`
}

// Before builds the fingerprint index on first use.
func (v *BlocklistValidator) Before(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.index != nil {
		return nil
	}
	v.index = make(map[string]struct{}, len(v.Fingerprints))
	for _, fp := range v.Fingerprints {
		v.index[strings.ToLower(strings.TrimSpace(fp))] = struct{}{}
	}
	return nil
}

func (v *BlocklistValidator) Validate(_ context.Context, pub crypto.PublicKey) ([]string, error) {
	fp, err := PublicKeyFingerprint(pub)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	_, blocked := v.index[fp]
	v.mu.Unlock()
	if blocked {
		return []string{"public key " + fp + " is blocklisted"}, nil
	}
	return nil, nil
}

// PublicKeyFingerprint returns the hex SHA-256 of the DER
// SubjectPublicKeyInfo of pub. Keys crypto/x509 cannot encode (ML-DSA)
// are hashed in their raw binary encoding.
func PublicKeyFingerprint(pub crypto.PublicKey) (string, error) {
	data, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		bm, ok := pub.(encoding.BinaryMarshaler)
		if !ok {
			return "", fmt.Errorf("marshal public key: %w", err)
		}
		if data, err = bm.MarshalBinary(); err != nil {
			return "", fmt.Errorf("marshal public key: %w", err)
		}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
