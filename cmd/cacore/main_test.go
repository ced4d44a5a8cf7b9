package main

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacrypto "github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/profile"
)

// executeCommand runs root with args and returns what it printed. The node
// is closed even when the command fails.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.Execute()
	if cerr := closeNode(); err == nil {
		err = cerr
	}
	return buf.String(), err
}

// resetFlags restores every flag to its default value.
func resetFlags() {
	caInitName, caInitDN, caInitAlgorithm = "", "", string(cacrypto.AlgECDSAP256)
	caInitValidity = 10 * 365 * 24 * time.Hour
	caInitTokenID, caInitKeyAlias, caInitParent, caInitDescription = 1, "", "", ""
	caInitCRLPeriod, caInitDeltaCRLPeriod, caInitCRLDistPoint = 24*time.Hour, 0, ""
	caInitPublishers, caInitValidators = nil, nil

	caEditStatus, caEditDescription, caEditCRLDistPoint = "", "", ""
	caEditCRLPeriod, caEditDeltaCRLPeriod, caEditIssueInterval, caEditOverlap = 0, 0, 0, 0
	caEditPublishers, caEditValidators = nil, nil

	crlGenDelta, crlRunPad, crlGetDelta, crlGetOut, crlGetPEM = false, -1, false, "", false

	certCA, certSubject, certPubKey, certSANs = "", "", "", nil
	certEmail, certUsername, certProfileID = "", "", profile.EndEntityProfileID
	certNotBefore, certNotAfter, certOut, certReason = "", "", "", "unspecified"

	cacheScope, cacheReason = "all", "cli request"
	serveAddr, serveNoScheduler = "", false
	logLevel = ""

	var visit func(c *cobra.Command)
	visit = func(c *cobra.Command) {
		reset := func(f *pflag.Flag) { f.Changed = false }
		c.Flags().VisitAll(reset)
		c.PersistentFlags().VisitAll(reset)
		for _, sub := range c.Commands() {
			visit(sub)
		}
	}
	visit(rootCmd)
}

// testEnv is a configuration file and the directories it points at.
type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("CACORE_TEST_PASSPHRASE", "")
	dir := t.TempDir()
	ini := fmt.Sprintf(`[store]
path = %s

[audit]
path = %s

[tokens]
key_dir = %s
passphrase_env = CACORE_TEST_PASSPHRASE

[log]
level = error

[publisher.1]
type = file
dir = %s
`,
		filepath.Join(dir, "data", "cacore.db"),
		filepath.Join(dir, "audit", "audit.jsonl"),
		filepath.Join(dir, "keys"),
		filepath.Join(dir, "crls"),
	)
	cfg := filepath.Join(dir, "cacore.ini")
	require.NoError(t, os.WriteFile(cfg, []byte(ini), 0o600))
	resetFlags()
	t.Cleanup(resetFlags)
	return &testEnv{dir: dir, config: cfg}
}

func (e *testEnv) path(name string) string { return filepath.Join(e.dir, name) }

func (e *testEnv) run(t *testing.T, args ...string) string {
	t.Helper()
	resetFlags()
	out, err := executeCommand(rootCmd, append([]string{"--config", e.config}, args...)...)
	require.NoError(t, err, out)
	return out
}

func (e *testEnv) fail(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags()
	out, err := executeCommand(rootCmd, append([]string{"--config", e.config}, args...)...)
	require.Error(t, err, out)
	return err
}

func writePublicKey(t *testing.T, path string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
}

func readCertificate(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestF_CLI_CALifecycle(t *testing.T) {
	env := newTestEnv(t)

	out := env.run(t, "ca", "init", "--name", "Root CA", "--dn", "CN=Root CA,O=Example,C=FR",
		"--algorithm", "ecdsa-p384", "--publisher", "1")
	assert.Contains(t, out, "CA created: Root CA")

	// The key survives the process that created it.
	matches, err := filepath.Glob(env.path("keys/token-1/*.pem"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	out = env.run(t, "ca", "init", "--name", "Issuing CA", "--dn", "CN=Issuing CA,O=Example,C=FR",
		"--parent", "Root CA", "--token", "2", "--validity", "8760h")
	assert.Contains(t, out, "CA created: Issuing CA")

	out = env.run(t, "ca", "list")
	assert.Contains(t, out, "Root CA")
	assert.Contains(t, out, "Issuing CA")

	out = env.run(t, "ca", "info", "Issuing CA")
	assert.Contains(t, out, `"subject_dn": "CN=Issuing CA,O=Example,C=FR"`)
	assert.Contains(t, out, "certificate chain: 2 certificate(s)")

	env.run(t, "ca", "edit", "Issuing CA", "--delta-crl-period", "1h", "--description", "issuing")
	out = env.run(t, "ca", "info", "Issuing CA")
	assert.Contains(t, out, `"description": "issuing"`)

	// Unchanged flags keep their stored values.
	env.run(t, "ca", "edit", "Issuing CA", "--status", "offline")
	out = env.run(t, "ca", "info", "Issuing CA")
	assert.Contains(t, out, `"status": "offline"`)
	assert.Contains(t, out, `"description": "issuing"`)

	env.run(t, "ca", "rename", "Issuing CA", "Old Issuing CA")
	env.fail(t, "ca", "info", "Issuing CA")
	env.run(t, "ca", "remove", "Old Issuing CA")
	out = env.run(t, "ca", "list")
	assert.NotContains(t, out, "Issuing CA")

	// Same subject, same id.
	env.fail(t, "ca", "init", "--name", "Root CA again", "--dn", "CN=Root CA,O=Example,C=FR", "--token", "3")
}

func TestF_CLI_IssueRevokeCRL(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "ca", "init", "--name", "Root CA", "--dn", "CN=Root CA,O=Example",
		"--publisher", "1", "--delta-crl-period", "1h")

	pub := env.path("ee.pub")
	writePublicKey(t, pub)
	certPath := env.path("ee.crt")
	out := env.run(t, "cert", "issue", "--ca", "Root CA", "--subject", "CN=www.example.com",
		"--san", "dns:www.example.com", "--pubkey", pub, "--out", certPath)
	assert.Contains(t, out, "Certificate issued")

	cert := readCertificate(t, certPath)
	assert.Equal(t, "CN=Root CA,O=Example", cert.Issuer.String())
	assert.Equal(t, []string{"www.example.com"}, cert.DNSNames)
	serial := cert.SerialNumber.Text(16)

	env.run(t, "cert", "revoke", "--ca", "Root CA", "--reason", "certificateHold", serial)
	out = env.run(t, "crl", "gen", "Root CA")
	assert.Contains(t, out, "number 1")

	crlPath := env.path("root.crl")
	env.run(t, "crl", "get", "Root CA", "--pem", "--out", crlPath)
	data, err := os.ReadFile(crlPath)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	rl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, rl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, cert.SerialNumber.Cmp(rl.RevokedCertificateEntries[0].SerialNumber))

	published, err := filepath.Glob(env.path("crls/*/latest.crl"))
	require.NoError(t, err)
	assert.Len(t, published, 1)

	env.run(t, "cert", "unrevoke", "--ca", "Root CA", serial)
	out = env.run(t, "crl", "gen", "Root CA", "--delta")
	assert.Contains(t, out, "delta CRL generated for Root CA: number 2")

	// Only hold can be released.
	env.fail(t, "cert", "unrevoke", "--ca", "Root CA", serial)
	env.fail(t, "cert", "revoke", "--ca", "Root CA", "--reason", "bogus", serial)

	out = env.run(t, "crl", "list", "Root CA")
	assert.Contains(t, out, "full")
	assert.Contains(t, out, "delta")

	// Both CRLs were just issued, nothing is due.
	out = env.run(t, "crl", "run")
	assert.Contains(t, out, "0 full CRL(s), 0 delta CRL(s) generated")
}

func TestF_CLI_IssueRejectsUnknownCA(t *testing.T) {
	env := newTestEnv(t)
	pub := env.path("ee.pub")
	writePublicKey(t, pub)
	env.fail(t, "cert", "issue", "--ca", "Nope", "--subject", "CN=x", "--pubkey", pub)
}

const eccValidatorXML = `<?xml version="1.0" encoding="UTF-8"?>
<keyValidator type="ecc_key_validator" version="1">
  <name>ecc</name>
  <allCertificateProfileIds>true</allCertificateProfileIds>
  <failedAction>log_warn</failedAction>
</keyValidator>`

func TestF_CLI_KeyValidators(t *testing.T) {
	env := newTestEnv(t)
	doc := env.path("ecc.xml")
	require.NoError(t, os.WriteFile(doc, []byte(eccValidatorXML), 0o600))

	out := env.run(t, "keyvalidator", "add", doc)
	assert.Contains(t, out, "Key validator ecc added with id 1")

	out = env.run(t, "kv", "list")
	assert.Contains(t, out, "ecc_key_validator")
	assert.Contains(t, out, "log_warn")

	archive := env.path("validators.zip")
	out = env.run(t, "keyvalidator", "export", archive)
	assert.Contains(t, out, "Exported 1 key validator(s)")

	// The name is taken.
	out = env.run(t, "keyvalidator", "import", archive)
	assert.Contains(t, out, "Imported: 0")
	assert.Contains(t, out, "ignored: keyvalidator_ecc-1.xml")

	env.run(t, "keyvalidator", "remove", "1")
	out = env.run(t, "keyvalidator", "import", archive)
	assert.Contains(t, out, "Imported: 1")

	env.fail(t, "keyvalidator", "remove", "x")
}

func TestF_CLI_CacheAndAudit(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, "ca", "init", "--name", "Root CA")

	out := env.run(t, "cache", "clear", "--scope", "ca")
	assert.Contains(t, out, "scope ca")
	env.fail(t, "cache", "clear", "--scope", "everything")

	out = env.run(t, "audit", "verify")
	assert.Contains(t, out, "is valid")

	// Tampering breaks the chain.
	logPath := env.path("audit/audit.jsonl")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logPath, bytes.Replace(data, []byte("Root CA"), []byte("Evil CA"), 1), 0o600))
	env.fail(t, "audit", "verify", logPath)
}

func TestU_LoadPublicKey(t *testing.T) {
	dir := t.TempDir()

	pub := filepath.Join(dir, "key.pub")
	writePublicKey(t, pub)
	key, err := loadPublicKey(pub)
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PublicKey{}, key)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{}, priv)
	require.NoError(t, err)
	csr := filepath.Join(dir, "req.csr")
	require.NoError(t, os.WriteFile(csr, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}), 0o600))
	key, err = loadPublicKey(csr)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(key))

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}), 0o600))
	_, err = loadPublicKey(bad)
	assert.Error(t, err)
}
