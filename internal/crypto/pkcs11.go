//go:build cgo

package crypto

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sort"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Token exposes the private keys of one HSM token by CKA_LABEL.
type PKCS11Token struct {
	cfg  PKCS11Config
	pool *sessionPool

	mu      sync.Mutex
	signers map[string]*pkcs11Signer
}

var _ Token = (*PKCS11Token)(nil)

// NewPKCS11Token loads the module and locates the configured slot.
func NewPKCS11Token(cfg PKCS11Config) (*PKCS11Token, error) {
	if cfg.ModulePath == "" {
		return nil, fmt.Errorf("PKCS#11 module path is required")
	}
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil && !isP11(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		ctx.Destroy()
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}
	slot, err := findSlot(ctx, cfg)
	if err != nil {
		ctx.Destroy()
		return nil, err
	}
	return &PKCS11Token{
		cfg:     cfg,
		pool:    newSessionPool(ctx, slot, cfg.PIN),
		signers: make(map[string]*pkcs11Signer),
	}, nil
}

func findSlot(ctx *pkcs11.Ctx, cfg PKCS11Config) (uint, error) {
	if cfg.SlotID != nil {
		return *cfg.SlotID, nil
	}
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to get slot list: %w", err)
	}
	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if cfg.TokenLabel != "" && info.Label == cfg.TokenLabel {
			return slot, nil
		}
		if cfg.TokenSerial != "" && info.SerialNumber == cfg.TokenSerial {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("token %q/%q not found", cfg.TokenLabel, cfg.TokenSerial)
}

func (t *PKCS11Token) ID() int      { return t.cfg.ID }
func (t *PKCS11Token) Name() string { return t.cfg.Name }
func (t *PKCS11Token) Type() string { return "pkcs11" }

// Status checks the token. A missing or uninitialized token is offline.
func (t *PKCS11Token) Status(context.Context) TokenStatus {
	info, err := t.pool.ctx.GetTokenInfo(t.pool.slotID)
	if err != nil || info.Flags&pkcs11.CKF_TOKEN_INITIALIZED == 0 {
		return TokenOffline
	}
	return TokenActive
}

func (t *PKCS11Token) Aliases() []string {
	session, release, err := t.pool.acquire()
	if err != nil {
		return nil
	}
	defer release()

	ctx := t.pool.ctx
	tmpl := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)}
	if err := ctx.FindObjectsInit(session, tmpl); err != nil {
		return nil
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, 256)
	if err != nil {
		return nil
	}
	var aliases []string
	for _, o := range objs {
		attrs, err := ctx.GetAttributeValue(session, o, []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil)})
		if err == nil && len(attrs) == 1 {
			aliases = append(aliases, string(attrs[0].Value))
		}
	}
	sort.Strings(aliases)
	return aliases
}

// Signer returns the key labelled alias. Session failures are reported as
// ErrTokenOffline so that CRL generation can be retried later.
func (t *PKCS11Token) Signer(ctx context.Context, alias string) (crypto.Signer, error) {
	if t.Status(ctx) != TokenActive {
		return nil, fmt.Errorf("token %q: %w", t.cfg.Name, ErrTokenOffline)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.signers[alias]; ok {
		return s, nil
	}

	session, release, err := t.pool.acquire()
	if err != nil {
		t.pool.discard()
		return nil, fmt.Errorf("token %q: %v: %w", t.cfg.Name, err, ErrTokenOffline)
	}
	defer release()

	handle, err := findPrivateKey(t.pool.ctx, session, alias)
	if err != nil {
		return nil, err
	}
	pub, err := extractPublicKey(t.pool.ctx, session, handle, alias)
	if err != nil {
		return nil, err
	}
	s := &pkcs11Signer{token: t, handle: handle, pub: pub}
	t.signers[alias] = s
	return s, nil
}

// Close releases all sessions and finalizes the module.
func (t *PKCS11Token) Close() error {
	t.mu.Lock()
	t.signers = make(map[string]*pkcs11Signer)
	t.mu.Unlock()
	return t.pool.close()
}

func findObject(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, class uint, label string) (pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := ctx.FindObjectsInit(session, tmpl); err != nil {
		return 0, fmt.Errorf("failed to init find objects: %w", err)
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, 2)
	if err != nil {
		return 0, fmt.Errorf("failed to find objects: %w", err)
	}
	switch len(objs) {
	case 0:
		return 0, fmt.Errorf("alias %q: %w", label, ErrKeyAliasNotFound)
	case 1:
		return objs[0], nil
	default:
		return 0, fmt.Errorf("alias %q matches several objects", label)
	}
}

func findPrivateKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, alias string) (pkcs11.ObjectHandle, error) {
	return findObject(ctx, session, pkcs11.CKO_PRIVATE_KEY, alias)
}

func extractPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, priv pkcs11.ObjectHandle, alias string) (crypto.PublicKey, error) {
	attrs, err := ctx.GetAttributeValue(session, priv, []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil)})
	if err != nil {
		return nil, fmt.Errorf("failed to get key type: %w", err)
	}
	pubHandle, err := findObject(ctx, session, pkcs11.CKO_PUBLIC_KEY, alias)
	if err != nil {
		return nil, err
	}

	switch keyType := bytesToUint(attrs[0].Value); keyType {
	case pkcs11.CKK_EC:
		attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get EC attributes: %w", err)
		}
		curve, err := parseECParams(attrs[0].Value)
		if err != nil {
			return nil, err
		}
		var point []byte
		if _, err := asn1.Unmarshal(attrs[1].Value, &point); err != nil {
			point = attrs[1].Value
		}
		x, y := elliptic.Unmarshal(curve, point) //nolint:staticcheck // PKCS#11 delivers uncompressed points
		if x == nil {
			return nil, fmt.Errorf("invalid EC point")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	case pkcs11.CKK_RSA:
		attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get RSA attributes: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(attrs[0].Value),
			E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type: 0x%X", keyType)
	}
}

func parseECParams(params []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, fmt.Errorf("failed to parse EC params OID: %w", err)
	}
	switch {
	case oid.Equal(asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}):
		return elliptic.P256(), nil
	case oid.Equal(asn1.ObjectIdentifier{1, 3, 132, 0, 34}):
		return elliptic.P384(), nil
	case oid.Equal(asn1.ObjectIdentifier{1, 3, 132, 0, 35}):
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported EC curve OID: %v", oid)
	}
}

// bytesToUint decodes a native-endian CK_ULONG.
func bytesToUint(b []byte) uint {
	var result uint
	for i := len(b) - 1; i >= 0; i-- {
		result = result<<8 | uint(b[i])
	}
	return result
}

type pkcs11Signer struct {
	token  *PKCS11Token
	handle pkcs11.ObjectHandle
	pub    crypto.PublicKey
}

func (s *pkcs11Signer) Public() crypto.PublicKey { return s.pub }

func (s *pkcs11Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	session, release, err := s.token.pool.acquire()
	if err != nil {
		s.token.pool.discard()
		return nil, fmt.Errorf("token %q: %v: %w", s.token.cfg.Name, err, ErrTokenOffline)
	}
	defer release()

	var mech *pkcs11.Mechanism
	data := digest
	switch s.pub.(type) {
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	case *rsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
		data = addDigestInfoPrefix(digest, opts.HashFunc())
	default:
		return nil, fmt.Errorf("unsupported key type for signing")
	}

	ctx := s.token.pool.ctx
	if err := ctx.SignInit(session, []*pkcs11.Mechanism{mech}, s.handle); err != nil {
		if isP11(err, pkcs11.CKR_DEVICE_REMOVED) || isP11(err, pkcs11.CKR_TOKEN_NOT_PRESENT) || isP11(err, pkcs11.CKR_SESSION_HANDLE_INVALID) {
			return nil, fmt.Errorf("token %q: %v: %w", s.token.cfg.Name, err, ErrTokenOffline)
		}
		return nil, fmt.Errorf("failed to init sign: %w", err)
	}
	sig, err := ctx.Sign(session, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return convertECDSASignature(sig)
	}
	return sig, nil
}

// DigestInfo prefixes for PKCS#1 v1.5 signatures (RFC 8017).
var digestInfoPrefixes = map[crypto.Hash][]byte{
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

func addDigestInfoPrefix(digest []byte, hash crypto.Hash) []byte {
	prefix, ok := digestInfoPrefixes[hash]
	if !ok {
		return digest
	}
	return append(append([]byte{}, prefix...), digest...)
}

// convertECDSASignature converts raw r||s to ASN.1 DER.
func convertECDSASignature(raw []byte) ([]byte, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length")
	}
	n := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(raw[:n]),
		new(big.Int).SetBytes(raw[n:]),
	})
}
