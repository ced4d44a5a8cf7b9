package extension

import (
	"crypto"
	"encoding/asn1"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/net/publicsuffix"

	"github.com/remiblancher/cacore/internal/profile"
)

// GeneralName tags (RFC 5280 section 4.2.1.6).
const (
	tagRFC822Name = 1
	tagDNSName    = 2
	tagURI        = 6
	tagIPAddress  = 7
)

var (
	oidOCSP      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1}
	oidCAIssuers = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 2}
)

// subjectAltName encodes the requested names after the profile's subset
// transform. An empty result is absent.
type subjectAltName struct {
	critical bool
	cfg      *profile.SubjectAltNameConfig
}

func (e *subjectAltName) Init(p *profile.Profile) {
	e.cfg = p.Ext().SubjectAltName
	if e.cfg == nil {
		e.cfg = &profile.SubjectAltNameConfig{}
	}
	e.critical = e.cfg.IsCritical()
}

func (e *subjectAltName) OID() asn1.ObjectIdentifier { return OIDSubjectAltName }
func (e *subjectAltName) Critical() bool             { return e.critical }

func (e *subjectAltName) Value(ee *profile.EndEntity, _ Issuer, _ *profile.Profile, _, _ crypto.PublicKey) (Result, error) {
	names := e.names(ee)
	if len(names) == 0 {
		return Absent(), nil
	}

	var b cryptobyte.Builder
	var encErr error
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, n := range names {
			switch n.Kind {
			case profile.SANDNS:
				addTagged(b, tagDNSName, []byte(n.Value))
			case profile.SANEmail:
				addTagged(b, tagRFC822Name, []byte(n.Value))
			case profile.SANURI:
				if _, err := url.Parse(n.Value); err != nil {
					encErr = fmt.Errorf("invalid URI %q: %w", n.Value, err)
					return
				}
				addTagged(b, tagURI, []byte(n.Value))
			case profile.SANIP:
				ip := net.ParseIP(n.Value)
				if ip == nil {
					encErr = fmt.Errorf("invalid IP address %q", n.Value)
					return
				}
				if v4 := ip.To4(); v4 != nil {
					ip = v4
				}
				addTagged(b, tagIPAddress, ip)
			default:
				encErr = fmt.Errorf("unsupported name kind %q", n.Kind)
				return
			}
		}
	})
	if encErr != nil {
		return Result{}, encErr
	}
	der, err := b.Bytes()
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

// names applies the subset transform to the requested and static names.
func (e *subjectAltName) names(ee *profile.EndEntity) []profile.SANEntry {
	var all []profile.SANEntry
	if ee != nil {
		all = append(all, ee.SubjectAltName...)
		if ee.Email != "" {
			all = append(all, profile.SANEntry{Kind: profile.SANEmail, Value: ee.Email})
		}
	}
	for _, v := range e.cfg.DNS {
		all = append(all, profile.SANEntry{Kind: profile.SANDNS, Value: v})
	}
	for _, v := range e.cfg.Email {
		all = append(all, profile.SANEntry{Kind: profile.SANEmail, Value: v})
	}
	for _, v := range e.cfg.IP {
		all = append(all, profile.SANEntry{Kind: profile.SANIP, Value: v})
	}
	for _, v := range e.cfg.URI {
		all = append(all, profile.SANEntry{Kind: profile.SANURI, Value: v})
	}

	seen := make(map[profile.SANEntry]bool)
	out := all[:0:0]
	for _, n := range all {
		if n.Value == "" || !e.cfg.Allows(n.Kind) || seen[n] {
			continue
		}
		if n.Kind == profile.SANDNS && e.cfg.DropPublicSuffixes && isPublicSuffix(n.Value) {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// isPublicSuffix reports whether name (minus a leading wildcard) is itself
// an ICANN public suffix, e.g. "co.uk".
func isPublicSuffix(name string) bool {
	name = strings.TrimSuffix(strings.TrimPrefix(strings.ToLower(name), "*."), ".")
	suffix, icann := publicsuffix.PublicSuffix(name)
	return icann && suffix == name
}

func addTagged(b *cryptobyte.Builder, tag uint8, v []byte) {
	b.AddASN1(cbasn1.Tag(tag).ContextSpecific(), func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}

// crlDistributionPoints lists the profile's URLs, or the CA default.
type crlDistributionPoints struct {
	critical bool
	cfg      *profile.CRLDistributionPointsConfig
}

func (e *crlDistributionPoints) Init(p *profile.Profile) {
	e.cfg = p.Ext().CRLDistributionPoints
	if e.cfg != nil {
		e.critical = e.cfg.IsCritical()
	}
}

func (e *crlDistributionPoints) OID() asn1.ObjectIdentifier { return OIDCRLDistributionPoints }
func (e *crlDistributionPoints) Critical() bool             { return e.critical }

func (e *crlDistributionPoints) Value(_ *profile.EndEntity, ca Issuer, _ *profile.Profile, _, _ crypto.PublicKey) (Result, error) {
	if e.cfg == nil {
		return Absent(), nil
	}
	urls := e.cfg.URLs
	if len(urls) == 0 && ca != nil && ca.CRLDistributionPoint() != "" {
		urls = []string{ca.CRLDistributionPoint()}
	}
	if len(urls) == 0 {
		return Absent(), nil
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, u := range urls {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				AddDistributionPointName(b, u)
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

// AddDistributionPointName writes [0] DistributionPointName { [0] fullName { URI } }.
func AddDistributionPointName(b *cryptobyte.Builder, uri string) {
	b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			addTagged(b, tagURI, []byte(uri))
		})
	})
}

// authorityInfoAccess lists OCSP responders and CA issuer URLs. With no
// configured OCSP URL the CA's OCSP URL is used.
type authorityInfoAccess struct {
	critical bool
	cfg      *profile.AuthorityInfoAccessConfig
}

func (e *authorityInfoAccess) Init(p *profile.Profile) {
	e.cfg = p.Ext().AuthorityInfoAccess
	if e.cfg != nil {
		e.critical = e.cfg.IsCritical()
	}
}

func (e *authorityInfoAccess) OID() asn1.ObjectIdentifier { return OIDAuthorityInfoAccess }
func (e *authorityInfoAccess) Critical() bool             { return e.critical }

func (e *authorityInfoAccess) Value(_ *profile.EndEntity, ca Issuer, _ *profile.Profile, _, _ crypto.PublicKey) (Result, error) {
	if e.cfg == nil {
		return Absent(), nil
	}
	ocsp := e.cfg.OCSP
	if len(ocsp) == 0 && ca != nil && ca.OCSPURL() != "" {
		ocsp = []string{ca.OCSPURL()}
	}
	if len(ocsp) == 0 && len(e.cfg.CAIssuers) == 0 {
		return Absent(), nil
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addAccessDescriptions(b, oidOCSP, ocsp)
		addAccessDescriptions(b, oidCAIssuers, e.cfg.CAIssuers)
	})
	der, err := b.Bytes()
	if err != nil {
		return Result{}, err
	}
	return present(der), nil
}

func addAccessDescriptions(b *cryptobyte.Builder, method asn1.ObjectIdentifier, uris []string) {
	for _, u := range uris {
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(method)
			addTagged(b, tagURI, []byte(u))
		})
	}
}
