// Package crypto provides CA key material: algorithms, key generation and
// crypto tokens (software and PKCS#11) that expose signing keys by alias.
// Post-quantum ML-DSA keys come from cloudflare/circl.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// AlgorithmID identifies a key algorithm.
type AlgorithmID string

// Classical signature algorithms.
const (
	AlgECDSAP256 AlgorithmID = "ecdsa-p256"
	AlgECDSAP384 AlgorithmID = "ecdsa-p384"
	AlgECDSAP521 AlgorithmID = "ecdsa-p521"
	AlgEd25519   AlgorithmID = "ed25519"
	AlgRSA2048   AlgorithmID = "rsa-2048"
	AlgRSA3072   AlgorithmID = "rsa-3072"
	AlgRSA4096   AlgorithmID = "rsa-4096"
)

// Post-quantum signature algorithms (FIPS 204 ML-DSA).
const (
	AlgMLDSA44 AlgorithmID = "ml-dsa-44"
	AlgMLDSA65 AlgorithmID = "ml-dsa-65"
	AlgMLDSA87 AlgorithmID = "ml-dsa-87"
)

type algorithmInfo struct {
	pqc         bool
	keyBits     int
	x509SigAlgo x509.SignatureAlgorithm
}

var algorithms = map[AlgorithmID]algorithmInfo{
	AlgECDSAP256: {keyBits: 256, x509SigAlgo: x509.ECDSAWithSHA256},
	AlgECDSAP384: {keyBits: 384, x509SigAlgo: x509.ECDSAWithSHA384},
	AlgECDSAP521: {keyBits: 521, x509SigAlgo: x509.ECDSAWithSHA512},
	AlgEd25519:   {keyBits: 256, x509SigAlgo: x509.PureEd25519},
	AlgRSA2048:   {keyBits: 2048, x509SigAlgo: x509.SHA256WithRSA},
	AlgRSA3072:   {keyBits: 3072, x509SigAlgo: x509.SHA256WithRSA},
	AlgRSA4096:   {keyBits: 4096, x509SigAlgo: x509.SHA256WithRSA},
	AlgMLDSA44:   {pqc: true},
	AlgMLDSA65:   {pqc: true},
	AlgMLDSA87:   {pqc: true},
}

// ParseAlgorithm parses an algorithm name.
func ParseAlgorithm(s string) (AlgorithmID, error) {
	alg := AlgorithmID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := algorithms[alg]; !ok {
		return "", fmt.Errorf("unknown algorithm: %s", s)
	}
	return alg, nil
}

func (a AlgorithmID) String() string { return string(a) }

// IsPQC reports whether the algorithm is post-quantum.
func (a AlgorithmID) IsPQC() bool {
	return algorithms[a].pqc
}

// X509SignatureAlgorithm returns the signature algorithm crypto/x509 uses
// for keys of this type. PQC algorithms return UnknownSignatureAlgorithm.
func (a AlgorithmID) X509SignatureAlgorithm() x509.SignatureAlgorithm {
	return algorithms[a].x509SigAlgo
}

// AlgorithmOf identifies the algorithm of a public key.
func AlgorithmOf(pub crypto.PublicKey) (AlgorithmID, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return AlgECDSAP256, nil
		case elliptic.P384():
			return AlgECDSAP384, nil
		case elliptic.P521():
			return AlgECDSAP521, nil
		}
		return "", fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
	case ed25519.PublicKey:
		return AlgEd25519, nil
	case *rsa.PublicKey:
		switch bits := k.N.BitLen(); {
		case bits <= 2048:
			return AlgRSA2048, nil
		case bits <= 3072:
			return AlgRSA3072, nil
		default:
			return AlgRSA4096, nil
		}
	case *mldsa44.PublicKey:
		return AlgMLDSA44, nil
	case *mldsa65.PublicKey:
		return AlgMLDSA65, nil
	case *mldsa87.PublicKey:
		return AlgMLDSA87, nil
	default:
		return "", fmt.Errorf("unsupported public key type %T", pub)
	}
}
