package profile

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestU_Profile_Validate(t *testing.T) {
	valid := func() *Profile {
		return &Profile{ID: 10, Name: "p", Type: TypeEndEntity, Validity: time.Hour}
	}
	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr bool
	}{
		{"valid", func(*Profile) {}, false},
		{"zero id", func(p *Profile) { p.ID = 0 }, true},
		{"no name", func(p *Profile) { p.Name = "" }, true},
		{"bad type", func(p *Profile) { p.Type = "ocsp" }, true},
		{"zero validity", func(p *Profile) { p.Validity = 0 }, true},
		{"bad key usage", func(p *Profile) {
			p.Extensions = &ExtensionsConfig{KeyUsage: &KeyUsageConfig{Values: []string{"fly"}}}
		}, true},
		{"bad eku", func(p *Profile) {
			p.Extensions = &ExtensionsConfig{ExtKeyUsage: &ExtKeyUsageConfig{Values: []string{"nope"}}}
		}, true},
		{"negative path len", func(p *Profile) {
			n := -1
			p.Extensions = &ExtensionsConfig{BasicConstraints: &BasicConstraintsConfig{PathLen: &n}}
		}, true},
		{"bad san subset", func(p *Profile) {
			p.Extensions = &ExtensionsConfig{SubjectAltName: &SubjectAltNameConfig{Subset: []SANKind{"x400"}}}
		}, true},
		{"bad policy oid", func(p *Profile) {
			p.Extensions = &ExtensionsConfig{CertificatePolicies: &CertificatePoliciesConfig{Policies: []PolicyConfig{{OID: "1.a"}}}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestU_Type_IsCA(t *testing.T) {
	assert.False(t, TypeEndEntity.IsCA())
	assert.True(t, TypeSubCA.IsCA())
	assert.True(t, TypeRootCA.IsCA())
}

func TestU_Extensions_IsCritical_Defaults(t *testing.T) {
	assert.True(t, (&KeyUsageConfig{}).IsCritical())
	assert.True(t, (&BasicConstraintsConfig{}).IsCritical())
	assert.False(t, (&ExtKeyUsageConfig{}).IsCritical())
	assert.False(t, (&SubjectAltNameConfig{}).IsCritical())
	assert.False(t, (&CRLDistributionPointsConfig{}).IsCritical())
	assert.False(t, (&AuthorityInfoAccessConfig{}).IsCritical())
	assert.False(t, (&CertificatePoliciesConfig{}).IsCritical())
	assert.False(t, (&SubjectKeyIdentifierConfig{}).IsCritical())
	assert.False(t, (&AuthorityKeyIdentifierConfig{}).IsCritical())
	assert.True(t, (&IssuingDistributionPointConfig{}).IsCritical())

	assert.False(t, (&KeyUsageConfig{Critical: boolPtr(false)}).IsCritical())
	assert.True(t, (&SubjectAltNameConfig{Critical: boolPtr(true)}).IsCritical())
}

func TestU_KeyUsageConfig_ToKeyUsage(t *testing.T) {
	ku, err := (&KeyUsageConfig{Values: []string{"digitalSignature", "key-cert-sign", "cRLSign"}}).ToKeyUsage()
	require.NoError(t, err)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageCertSign|x509.KeyUsageCRLSign, ku)
}

func TestU_ExtKeyUsageConfig_ToOIDs(t *testing.T) {
	oids, err := (&ExtKeyUsageConfig{Values: []string{"serverAuth", "client-auth"}}).ToOIDs()
	require.NoError(t, err)
	require.Len(t, oids, 2)
	assert.Equal(t, "1.3.6.1.5.5.7.3.1", oids[0].String())
	assert.Equal(t, "1.3.6.1.5.5.7.3.2", oids[1].String())
}

func TestU_SubjectAltNameConfig_Allows(t *testing.T) {
	all := &SubjectAltNameConfig{}
	assert.True(t, all.Allows(SANURI))

	dnsOnly := &SubjectAltNameConfig{Subset: []SANKind{SANDNS}}
	assert.True(t, dnsOnly.Allows(SANDNS))
	assert.False(t, dnsOnly.Allows(SANEmail))
}

func TestU_ParseOID(t *testing.T) {
	oid, err := ParseOID("2.5.29.32.0")
	require.NoError(t, err)
	assert.Equal(t, "2.5.29.32.0", oid.String())

	for _, bad := range []string{"", "1", "1..2", "1.-2", "a.b"} {
		_, err := ParseOID(bad)
		assert.Error(t, err, bad)
	}
}

func TestU_ParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"8760h", 8760 * time.Hour},
		{"365d", 365 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"30d12h", 30*24*time.Hour + 12*time.Hour},
		{"1y2d", 367 * 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	for _, bad := range []string{"", "xd", "d", "5q"} {
		_, err := parseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestU_BuiltinProfiles(t *testing.T) {
	builtins, err := BuiltinProfiles()
	require.NoError(t, err)
	require.Len(t, builtins, 3)

	assert.Equal(t, EndEntityProfileID, builtins[0].ID)
	assert.Equal(t, TypeEndEntity, builtins[0].Type)
	assert.True(t, builtins[0].Ext().SubjectAltName.DropPublicSuffixes)

	assert.Equal(t, SubCAProfileID, builtins[1].ID)
	require.NotNil(t, builtins[1].Ext().BasicConstraints.PathLen)
	assert.Equal(t, 0, *builtins[1].Ext().BasicConstraints.PathLen)

	assert.Equal(t, RootCAProfileID, builtins[2].ID)
	assert.Equal(t, 20*365*24*time.Hour, builtins[2].Validity)
}

func TestF_LoadStore_OverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	custom := `id: 1
name: end-entity
type: end_entity
validity: 90d
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ee.yaml"), []byte(custom), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0600))
	extra := `id: 42
name: short-lived
type: end_entity
validity: 24h
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.yml"), []byte(extra), 0600))

	s, err := LoadStore(dir)
	require.NoError(t, err)

	ee, ok := s.Lookup(EndEntityProfileID)
	require.True(t, ok)
	assert.Equal(t, 90*24*time.Hour, ee.Validity)
	assert.Nil(t, ee.Extensions)

	_, ok = s.Lookup(42)
	assert.True(t, ok)
	_, ok = s.Lookup(7)
	assert.False(t, ok)

	ids := []int{}
	for _, p := range s.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []int{1, 2, 3, 42}, ids)
}

func TestU_Store_DuplicateName(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Add(&Profile{ID: 1, Name: "a"}))
	assert.Error(t, s.Add(&Profile{ID: 2, Name: "a"}))
}

func TestU_LoadProfileFromBytes_Invalid(t *testing.T) {
	_, err := LoadProfileFromBytes([]byte("id: [oops"))
	assert.Error(t, err)

	_, err = LoadProfileFromBytes([]byte("id: 5\nname: x\ntype: end_entity\n"))
	assert.Error(t, err, "missing validity")
}

func TestU_LoadProfilesFromDirectory_Missing(t *testing.T) {
	ps, err := LoadProfilesFromDirectory(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, ps)
}
