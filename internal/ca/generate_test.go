package ca_test

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/ca/catest"
	"github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/profile"
)

func TestF_GenerateCACertificate_Root(t *testing.T) {
	env := catest.NewEnv(t, t0)
	info := env.Root(t, "Root", 1, 10*365*24*time.Hour)
	c, err := ca.New(info)
	require.NoError(t, err)

	cert := c.Certificate()
	assert.True(t, cert.IsCA)
	assert.Equal(t, -1, cert.MaxPathLen)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCRLSign)
	assert.NotZero(t, cert.KeyUsage&x509.KeyUsageCertSign)
	assert.NotEmpty(t, cert.SubjectKeyId)
	assert.Equal(t, "CN=Root,O=Test,C=FR", cert.Subject.String())
	require.NoError(t, cert.CheckSignatureFrom(cert))
	assert.Len(t, c.Fingerprint(), 40)
}

func TestF_GenerateCACertificate_SubCA(t *testing.T) {
	env := catest.NewEnv(t, t0)
	root := env.AddRoot(t, "Root", 1, 2*365*24*time.Hour, nil)

	rootSigner, err := env.Tokens.Signer(context.Background(), 1, catest.SignKeyAlias)
	require.NoError(t, err)
	subKey, err := crypto.GenerateKey(crypto.AlgECDSAP384)
	require.NoError(t, err)

	ps, err := profile.LoadStore("")
	require.NoError(t, err)
	subProfile, ok := ps.Lookup(profile.SubCAProfileID)
	require.True(t, ok)

	cert, err := ca.GenerateCACertificate(ca.CertificateRequest{
		SubjectDN: "CN=Issuing CA,O=Test,C=FR",
		Profile:   subProfile,
		PublicKey: subKey.Public(),
		Signer:    rootSigner,
		Issuer:    root,
		Now:       t0,
	})
	require.NoError(t, err)

	require.NoError(t, cert.CheckSignatureFrom(root.Certificate()))
	assert.True(t, cert.IsCA)
	assert.Equal(t, 0, cert.MaxPathLen)
	assert.True(t, cert.MaxPathLenZero)
	assert.Equal(t, root.Certificate().SubjectKeyId, cert.AuthorityKeyId)
	assert.Equal(t, root.Certificate().NotAfter, cert.NotAfter, "capped at issuer expiry")
}

func TestU_GenerateCACertificate_RejectsEndEntityProfile(t *testing.T) {
	key, err := crypto.GenerateKey(crypto.AlgECDSAP256)
	require.NoError(t, err)
	p := &profile.Profile{ID: 9, Name: "ee", Type: profile.TypeEndEntity, Validity: time.Hour}

	_, err = ca.GenerateCACertificate(ca.CertificateRequest{
		SubjectDN: "CN=Nope",
		Profile:   p,
		PublicKey: key.Public(),
		Signer:    key,
	})
	assert.Error(t, err)
}

func TestU_GenerateCACertificate_RequiresCRLSign(t *testing.T) {
	key, err := crypto.GenerateKey(crypto.AlgECDSAP256)
	require.NoError(t, err)
	p := &profile.Profile{
		ID: 9, Name: "no-crl-sign", Type: profile.TypeRootCA, Validity: time.Hour,
		Extensions: &profile.ExtensionsConfig{
			KeyUsage: &profile.KeyUsageConfig{Values: []string{"keyCertSign"}},
		},
	}

	_, err = ca.GenerateCACertificate(ca.CertificateRequest{
		SubjectDN: "CN=Nope",
		Profile:   p,
		PublicKey: key.Public(),
		Signer:    key,
	})
	assert.ErrorContains(t, err, "cRLSign")
}

func TestU_NewSerialNumber(t *testing.T) {
	a, err := ca.NewSerialNumber()
	require.NoError(t, err)
	b, err := ca.NewSerialNumber()
	require.NoError(t, err)
	assert.Equal(t, 1, a.Sign())
	assert.LessOrEqual(t, a.BitLen(), 160)
	assert.NotEqual(t, a, b)
}
