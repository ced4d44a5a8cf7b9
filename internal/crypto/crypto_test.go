package crypto

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// [Unit] Algorithm Tests
// =============================================================================

func TestU_ParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    AlgorithmID
		wantErr bool
	}{
		{"ecdsa-p256", AlgECDSAP256, false},
		{" ECDSA-P384 ", AlgECDSAP384, false},
		{"rsa-4096", AlgRSA4096, false},
		{"ml-dsa-65", AlgMLDSA65, false},
		{"dsa-1024", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestU_Algorithm_Properties(t *testing.T) {
	assert.False(t, AlgECDSAP256.IsPQC())
	assert.False(t, AlgRSA2048.IsPQC())
	assert.True(t, AlgMLDSA44.IsPQC())
	assert.True(t, AlgMLDSA87.IsPQC())

	assert.Equal(t, x509.ECDSAWithSHA256, AlgECDSAP256.X509SignatureAlgorithm())
	assert.Equal(t, x509.PureEd25519, AlgEd25519.X509SignatureAlgorithm())
	assert.Equal(t, x509.UnknownSignatureAlgorithm, AlgMLDSA65.X509SignatureAlgorithm())
}

func TestU_AlgorithmOf(t *testing.T) {
	for _, alg := range []AlgorithmID{AlgECDSAP256, AlgECDSAP384, AlgEd25519, AlgRSA2048, AlgMLDSA44, AlgMLDSA65, AlgMLDSA87} {
		t.Run(alg.String(), func(t *testing.T) {
			key, err := GenerateKey(alg)
			require.NoError(t, err)
			got, err := AlgorithmOf(key.Public())
			require.NoError(t, err)
			assert.Equal(t, alg, got)
		})
	}

	_, err := AlgorithmOf("not a key")
	assert.Error(t, err)
}

func TestU_GenerateKey_Unknown(t *testing.T) {
	_, err := GenerateKey("x448")
	assert.Error(t, err)
}

// =============================================================================
// [Unit] Software Token Tests
// =============================================================================

func TestU_SoftwareToken_SignVerify(t *testing.T) {
	tok := NewSoftwareToken(1, "soft")
	pub, err := tok.GenerateKeyPair("ca-key", AlgECDSAP256)
	require.NoError(t, err)

	signer, err := tok.Signer(context.Background(), "ca-key")
	require.NoError(t, err)
	assert.Equal(t, pub, signer.Public())

	digest := sha256.Sum256([]byte("tbs"))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig))
}

func TestU_SoftwareToken_Ed25519(t *testing.T) {
	tok := NewSoftwareToken(1, "soft")
	pub, err := tok.GenerateKeyPair("ed", AlgEd25519)
	require.NoError(t, err)

	signer, err := tok.Signer(context.Background(), "ed")
	require.NoError(t, err)
	sig, err := signer.Sign(rand.Reader, []byte("message"), crypto.Hash(0))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub.(ed25519.PublicKey), []byte("message"), sig))
}

func TestU_SoftwareToken_RejectsPQC(t *testing.T) {
	tok := NewSoftwareToken(1, "soft")
	_, err := tok.GenerateKeyPair("pq", AlgMLDSA65)
	assert.Error(t, err)
}

func TestU_SoftwareToken_Offline(t *testing.T) {
	ctx := context.Background()
	tok := NewSoftwareToken(1, "soft")
	_, err := tok.GenerateKeyPair("k", AlgECDSAP256)
	require.NoError(t, err)
	signer, err := tok.Signer(ctx, "k")
	require.NoError(t, err)

	tok.Deactivate()
	assert.Equal(t, TokenOffline, tok.Status(ctx))

	_, err = tok.Signer(ctx, "k")
	assert.True(t, errors.Is(err, ErrTokenOffline))

	digest := sha256.Sum256([]byte("x"))
	_, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	assert.True(t, errors.Is(err, ErrTokenOffline), "signer obtained before deactivation must fail too")

	tok.Activate()
	_, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	assert.NoError(t, err)
}

func TestU_SoftwareToken_UnknownAlias(t *testing.T) {
	tok := NewSoftwareToken(1, "soft")
	_, err := tok.Signer(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrKeyAliasNotFound))
}

func TestU_SoftwareToken_Aliases(t *testing.T) {
	tok := NewSoftwareToken(1, "soft")
	for _, a := range []string{"b", "a", "c"} {
		_, err := tok.GenerateKeyPair(a, AlgECDSAP256)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, tok.Aliases())

	require.NoError(t, tok.Close())
	assert.Empty(t, tok.Aliases())
	assert.Equal(t, TokenOffline, tok.Status(context.Background()))
}

// =============================================================================
// [Unit] Token Registry Tests
// =============================================================================

func TestU_TokenRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewTokenRegistry()
	a := NewSoftwareToken(2, "a")
	b := NewSoftwareToken(1, "b")
	_, err := a.GenerateKeyPair("k", AlgECDSAP256)
	require.NoError(t, err)
	reg.Register(a)
	reg.Register(b)

	assert.Equal(t, []int{1, 2}, reg.IDs())

	got, ok := reg.Get(2)
	require.True(t, ok)
	assert.Equal(t, "a", got.Name())

	_, err = reg.Signer(ctx, 2, "k")
	assert.NoError(t, err)

	_, err = reg.Signer(ctx, 99, "k")
	assert.True(t, errors.Is(err, ErrTokenOffline))

	require.NoError(t, reg.Remove(2))
	_, ok = reg.Get(2)
	assert.False(t, ok)
	assert.Equal(t, TokenOffline, a.Status(ctx), "removed token is closed")
	assert.NoError(t, reg.Remove(2))

	require.NoError(t, reg.Close())
	assert.Empty(t, reg.IDs())
}

// =============================================================================
// [Unit] HSM Config Tests
// =============================================================================

func TestU_LoadHSMConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hsm.yaml")
	content := `tokens:
  - id: 3
    name: issuing
    lib: /usr/lib/softhsm/libsofthsm2.so
    token: ca-token
    pin_env: TEST_CACORE_PIN
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadHSMConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tokens, 1)

	_, err = cfg.Tokens[0].Resolve()
	assert.Error(t, err, "unset pin")

	t.Setenv("TEST_CACORE_PIN", "1234")
	p, err := cfg.Tokens[0].Resolve()
	require.NoError(t, err)
	assert.Equal(t, 3, p.ID)
	assert.Equal(t, "issuing", p.Name)
	assert.Equal(t, "ca-token", p.TokenLabel)
	assert.Equal(t, "1234", p.PIN)
}

func TestU_HSMConfig_Validate(t *testing.T) {
	slot := uint(0)
	tests := []struct {
		name    string
		tokens  []HSMTokenConfig
		wantErr bool
	}{
		{"valid by slot", []HSMTokenConfig{{ID: 1, Lib: "x.so", Slot: &slot, PinEnv: "P"}}, false},
		{"missing id", []HSMTokenConfig{{Lib: "x.so", Token: "t", PinEnv: "P"}}, true},
		{"missing lib", []HSMTokenConfig{{ID: 1, Token: "t", PinEnv: "P"}}, true},
		{"missing selector", []HSMTokenConfig{{ID: 1, Lib: "x.so", PinEnv: "P"}}, true},
		{"missing pin env", []HSMTokenConfig{{ID: 1, Lib: "x.so", Token: "t"}}, true},
		{"duplicate id", []HSMTokenConfig{
			{ID: 1, Lib: "x.so", Token: "t", PinEnv: "P"},
			{ID: 1, Lib: "x.so", Token: "u", PinEnv: "P"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&HSMConfig{Tokens: tt.tokens}).Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestU_LoadHSMConfig_Missing(t *testing.T) {
	_, err := LoadHSMConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

// =============================================================================
// [Unit] Key Directory Tests
// =============================================================================

func TestU_KeyDir_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKey(AlgECDSAP256)
	require.NoError(t, err)
	require.NoError(t, SaveKey(dir, 3, "signKey", key, nil))

	other, err := GenerateKey(AlgEd25519)
	require.NoError(t, err)
	require.NoError(t, SaveKey(dir, 1, "signKey", other, []byte("secret")))

	// Same alias twice is refused.
	assert.Error(t, SaveKey(dir, 3, "signKey", key, nil))
	assert.Error(t, SaveKey(dir, 3, "../escape", key, nil))

	_, err = LoadKeyDir(dir, nil)
	assert.Error(t, err, "encrypted key without passphrase")

	tokens, err := LoadKeyDir(dir, []byte("secret"))
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, 1, tokens[0].ID())
	assert.Equal(t, 3, tokens[1].ID())
	assert.Equal(t, []string{"signKey"}, tokens[1].Aliases())

	signer, err := tokens[1].Signer(context.Background(), "signKey")
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("crl"))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(key.Public().(*ecdsa.PublicKey), digest[:], sig))
}

func TestU_KeyDir_Missing(t *testing.T) {
	tokens, err := LoadKeyDir(filepath.Join(t.TempDir(), "none"), nil)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
