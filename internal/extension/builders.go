package extension

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // RFC 5280 key identifier method 1
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/remiblancher/cacore/internal/profile"
)

var (
	OIDBasicConstraints       = asn1.ObjectIdentifier{2, 5, 29, 19}
	OIDKeyUsage               = asn1.ObjectIdentifier{2, 5, 29, 15}
	OIDExtKeyUsage            = asn1.ObjectIdentifier{2, 5, 29, 37}
	OIDSubjectAltName         = asn1.ObjectIdentifier{2, 5, 29, 17}
	OIDSubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	OIDAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
	OIDCRLDistributionPoints  = asn1.ObjectIdentifier{2, 5, 29, 31}
	OIDAuthorityInfoAccess    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}
	OIDCertificatePolicies    = asn1.ObjectIdentifier{2, 5, 29, 32}
)

// basicConstraints marks CA certificates. End entity profiles always get
// cA=FALSE; CA profiles are path length constrained when the profile sets
// a path length.
type basicConstraints struct {
	critical bool
	ca       bool
	pathLen  *int
}

func (e *basicConstraints) Init(p *profile.Profile) {
	cfg := p.Ext().BasicConstraints
	if cfg == nil {
		cfg = &profile.BasicConstraintsConfig{}
	}
	e.critical = cfg.IsCritical()
	e.ca = p != nil && p.Type.IsCA()
	e.pathLen = cfg.PathLen
}

func (e *basicConstraints) OID() asn1.ObjectIdentifier { return OIDBasicConstraints }
func (e *basicConstraints) Critical() bool             { return e.critical }

func (e *basicConstraints) Value(*profile.EndEntity, Issuer, *profile.Profile, crypto.PublicKey, crypto.PublicKey) (Result, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if !e.ca {
			return
		}
		b.AddASN1Boolean(true)
		if e.pathLen != nil {
			b.AddASN1Int64(int64(*e.pathLen))
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

type keyUsage struct {
	critical bool
	usage    x509.KeyUsage
	err      error
}

func (e *keyUsage) Init(p *profile.Profile) {
	cfg := p.Ext().KeyUsage
	if cfg == nil {
		return
	}
	e.critical = cfg.IsCritical()
	e.usage, e.err = cfg.ToKeyUsage()
}

func (e *keyUsage) OID() asn1.ObjectIdentifier { return OIDKeyUsage }
func (e *keyUsage) Critical() bool             { return e.critical }

func (e *keyUsage) Value(*profile.EndEntity, Issuer, *profile.Profile, crypto.PublicKey, crypto.PublicKey) (Result, error) {
	if e.err != nil {
		return Result{}, e.err
	}
	if e.usage == 0 {
		return Absent(), nil
	}
	var a [2]byte
	a[0] = reverseBits(byte(e.usage))
	a[1] = reverseBits(byte(e.usage >> 8))
	n := 1
	if a[1] != 0 {
		n = 2
	}
	bits := a[:n]
	der, err := asn1.Marshal(asn1.BitString{Bytes: bits, BitLength: bitLength(bits)})
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r = r<<1 | b&1
		b >>= 1
	}
	return r
}

// bitLength drops trailing zero bits, as DER requires for named bit lists.
func bitLength(bs []byte) int {
	for i := len(bs) - 1; i >= 0; i-- {
		b := bs[i]
		for bit := 0; bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return (i+1)*8 - bit
			}
		}
	}
	return 0
}

type extKeyUsage struct {
	critical bool
	cfg      *profile.ExtKeyUsageConfig
}

func (e *extKeyUsage) Init(p *profile.Profile) {
	e.cfg = p.Ext().ExtKeyUsage
	if e.cfg != nil {
		e.critical = e.cfg.IsCritical()
	}
}

func (e *extKeyUsage) OID() asn1.ObjectIdentifier { return OIDExtKeyUsage }
func (e *extKeyUsage) Critical() bool             { return e.critical }

func (e *extKeyUsage) Value(*profile.EndEntity, Issuer, *profile.Profile, crypto.PublicKey, crypto.PublicKey) (Result, error) {
	if e.cfg == nil || len(e.cfg.Values) == 0 {
		return Absent(), nil
	}
	oids, err := e.cfg.ToOIDs()
	if err != nil {
		return Result{}, err
	}
	der, err := asn1.Marshal(oids)
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

type subjectKeyIdentifier struct{ critical bool }

func (e *subjectKeyIdentifier) Init(p *profile.Profile) {
	if cfg := p.Ext().SubjectKeyIdentifier; cfg != nil {
		e.critical = cfg.IsCritical()
	}
}

func (e *subjectKeyIdentifier) OID() asn1.ObjectIdentifier { return OIDSubjectKeyIdentifier }
func (e *subjectKeyIdentifier) Critical() bool             { return e.critical }

func (e *subjectKeyIdentifier) Value(_ *profile.EndEntity, _ Issuer, _ *profile.Profile, userPub, _ crypto.PublicKey) (Result, error) {
	if userPub == nil {
		return Absent(), nil
	}
	id, err := KeyIdentifier(userPub)
	if err != nil {
		return Result{}, err
	}
	der, err := asn1.Marshal(id)
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

type authorityKeyIdentifier struct{ critical bool }

func (e *authorityKeyIdentifier) Init(p *profile.Profile) {
	if cfg := p.Ext().AuthorityKeyIdentifier; cfg != nil {
		e.critical = cfg.IsCritical()
	}
}

func (e *authorityKeyIdentifier) OID() asn1.ObjectIdentifier { return OIDAuthorityKeyIdentifier }
func (e *authorityKeyIdentifier) Critical() bool             { return e.critical }

// Value prefers the SKI of the CA certificate over one computed from caPub.
func (e *authorityKeyIdentifier) Value(_ *profile.EndEntity, ca Issuer, _ *profile.Profile, _, caPub crypto.PublicKey) (Result, error) {
	var id []byte
	if ca != nil {
		if cert := ca.Certificate(); cert != nil {
			id = cert.SubjectKeyId
		}
	}
	if len(id) == 0 {
		if caPub == nil {
			return Absent(), nil
		}
		var err error
		if id, err = KeyIdentifier(caPub); err != nil {
			return Result{}, err
		}
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(id)
		})
	})
	der, err := b.Bytes()
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

// KeyIdentifier is the SHA-1 hash of the subjectPublicKey BIT STRING
// (RFC 5280 section 4.2.1.2, method 1).
func KeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	input := cryptobyte.String(spki)
	var (
		seq  cryptobyte.String
		bits asn1.BitString
	)
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) ||
		!seq.SkipASN1(cbasn1.SEQUENCE) ||
		!seq.ReadASN1BitString(&bits) {
		return nil, fmt.Errorf("malformed subjectPublicKeyInfo")
	}
	sum := sha1.Sum(bits.Bytes) //nolint:gosec
	return sum[:], nil
}
