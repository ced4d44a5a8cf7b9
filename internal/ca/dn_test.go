package ca

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU_ParseDN(t *testing.T) {
	tests := []struct {
		name    string
		dn      string
		want    string
		wantErr bool
	}{
		{"[Unit] simple", "CN=Test CA,O=Example,C=FR", "CN=Test CA,O=Example,C=FR", false},
		{"[Unit] order independent", "C=FR, O=Example, CN=Test CA", "CN=Test CA,O=Example,C=FR", false},
		{"[Unit] lower case types", "cn=Test CA,o=Example", "CN=Test CA,O=Example", false},
		{"[Unit] escaped comma", `CN=Doe\, John,O=Example`, `CN=Doe\, John,O=Example`, false},
		{"[Unit] quoted value", `CN="Doe, John",O=Example`, `CN=Doe\, John,O=Example`, false},
		{"[Unit] multi-valued RDN", "CN=Test+SERIALNUMBER=42", "SERIALNUMBER=42,CN=Test", false},
		{"[Unit] empty", "  ", "", true},
		{"[Unit] missing equals", "CN", "", true},
		{"[Unit] empty value", "CN=", "", true},
		{"[Unit] unknown type", "FOO=bar", "", true},
		{"[Unit] repeated CN", "CN=First,O=Example,CN=Second", "", true},
		{"[Unit] repeated SERIALNUMBER", "CN=Test+SN=1+SERIALNUMBER=2", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalDN(tt.dn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestU_ParseDN_MultiValued(t *testing.T) {
	name, err := ParseDN("CN=Test,OU=Ops,OU=Security,O=Example")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ops", "Security"}, name.OrganizationalUnit)
	assert.Equal(t, "Test", name.CommonName)
}

func TestU_ParseDN_DomainComponent(t *testing.T) {
	name, err := ParseDN("CN=Test,DC=example,dc=com")
	require.NoError(t, err)
	require.Len(t, name.ExtraNames, 2)
	assert.True(t, name.ExtraNames[0].Type.Equal(oidDomainComponent))
	assert.Equal(t, "example", name.ExtraNames[0].Value)
	assert.Equal(t, "com", name.ExtraNames[1].Value)

	assert.NotEqual(t, IDFromSubjectDN("CN=Test,DC=example,DC=com"), IDFromSubjectDN("CN=Test,DC=other,DC=com"))
	assert.NotEqual(t, IDFromSubjectDN("CN=Test,DC=example,DC=com"), IDFromSubjectDN("CN=Test"))
}

func TestU_IDFromSubjectDN(t *testing.T) {
	a := IDFromSubjectDN("CN=Test CA,O=Example,C=FR")
	b := IDFromSubjectDN("C=FR,O=Example,CN=Test CA")
	c := IDFromSubjectDN("CN=Other CA,O=Example,C=FR")

	assert.Equal(t, a, b, "equal names give equal ids")
	assert.NotEqual(t, a, c)
	assert.NotZero(t, a)
}

func TestU_IDFromSubjectDN_NFC(t *testing.T) {
	// "é" precomposed and decomposed.
	assert.Equal(t, IDFromSubjectDN("CN=Caf\u00e9"), IDFromSubjectDN("CN=Cafe\u0301"))
}
