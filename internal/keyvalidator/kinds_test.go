package keyvalidator

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"testing"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rsaKey(t *testing.T, bits int) *rsa.PublicKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	return &k.PublicKey
}

func TestU_RSAValidator(t *testing.T) {
	ctx := context.Background()
	pub := rsaKey(t, 2048)

	v := &RSAValidator{RSASettings: RSASettings{BitLengths: []int{2048, 4096}, MinBits: 2048}}
	msgs, err := v.Validate(ctx, pub)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	v = &RSAValidator{RSASettings: RSASettings{BitLengths: []int{3072}, MinBits: 3072}}
	msgs, err = v.Validate(ctx, pub)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	v = &RSAValidator{RSASettings: RSASettings{MaxBits: 1024}}
	msgs, _ = v.Validate(ctx, pub)
	assert.Len(t, msgs, 1)
}

func TestU_RSAValidator_Exponent(t *testing.T) {
	ctx := context.Background()
	n := rsaKey(t, 2048).N
	v := &RSAValidator{RSASettings: RSASettings{
		PublicExponentMin:     65537,
		PublicExponentOddOnly: true,
	}}

	msgs, err := v.Validate(ctx, &rsa.PublicKey{N: n, E: 65537})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, _ = v.Validate(ctx, &rsa.PublicKey{N: n, E: 4})
	assert.Equal(t, []string{
		"RSA public exponent 4 is smaller than 65537",
		"RSA public exponent 4 is even",
	}, msgs)

	v = &RSAValidator{RSASettings: RSASettings{PublicExponentMax: 17}}
	msgs, _ = v.Validate(ctx, &rsa.PublicKey{N: n, E: 65537})
	assert.Len(t, msgs, 1)
}

func TestU_RSAValidator_Modulus(t *testing.T) {
	ctx := context.Background()
	// 2^2047 * 3: even, and divisible by 3.
	n := new(big.Int).Lsh(big.NewInt(3), 2047)
	v := &RSAValidator{RSASettings: RSASettings{ModulusOddOnly: true, ModulusMinFactor: 752}}

	msgs, err := v.Validate(ctx, &rsa.PublicKey{N: n, E: 65537})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"RSA modulus is even",
		"RSA modulus has a factor 2 smaller than 752",
	}, msgs)

	msgs, _ = v.Validate(ctx, rsaKey(t, 2048))
	assert.Empty(t, msgs)
}

func TestU_SmallFactor(t *testing.T) {
	assert.Equal(t, int64(7), smallFactor(big.NewInt(7*101), 100))
	assert.Equal(t, int64(0), smallFactor(big.NewInt(101*103), 100))
	// A prime below the limit is not its own factor.
	assert.Equal(t, int64(0), smallFactor(big.NewInt(13), 100))
}

func TestU_RSAValidator_IgnoresOtherKeys(t *testing.T) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v := &RSAValidator{RSASettings: RSASettings{MinBits: 4096}}

	msgs, err := v.Validate(context.Background(), &k.PublicKey)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestU_ECCValidator(t *testing.T) {
	ctx := context.Background()
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := &ECCValidator{ECCSettings: ECCSettings{Curves: []string{"P-256", "ed25519"}, FullPublicKeyValidation: true}}

	msgs, err := v.Validate(ctx, &p256.PublicKey)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, _ = v.Validate(ctx, edPub)
	assert.Empty(t, msgs)

	msgs, _ = v.Validate(ctx, &p384.PublicKey)
	assert.Equal(t, []string{"curve P-384 is not one of [P-256 ed25519]"}, msgs)
}

func TestU_ECCValidator_InvalidPoint(t *testing.T) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	bad := &ecdsa.PublicKey{Curve: elliptic.P256(), X: k.X, Y: new(big.Int).Add(k.Y, big.NewInt(1))}
	v := &ECCValidator{ECCSettings: ECCSettings{FullPublicKeyValidation: true}}

	msgs, err := v.Validate(context.Background(), bad)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "not a valid P-256 point")
}

func TestU_PQCValidator(t *testing.T) {
	ctx := context.Background()
	pub44, _, err := mldsa44.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub65, _, err := mldsa65.GenerateKey(rand.Reader)
	require.NoError(t, err)

	v := &PQCValidator{PQCSettings: PQCSettings{Algorithms: []string{"ml-dsa-65"}}}

	msgs, err := v.Validate(ctx, pub65)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = v.Validate(ctx, pub44)
	require.NoError(t, err)
	assert.Equal(t, []string{"algorithm ml-dsa-44 is not one of [ml-dsa-65]"}, msgs)

	msgs, err = v.Validate(ctx, rsaKey(t, 2048))
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestU_BlocklistValidator(t *testing.T) {
	ctx := context.Background()
	blocked, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	fp, err := PublicKeyFingerprint(&blocked.PublicKey)
	require.NoError(t, err)

	v := &BlocklistValidator{BlocklistSettings: BlocklistSettings{Fingerprints: []string{"  " + fp + " "}}}
	require.NoError(t, v.Before(ctx))

	msgs, err := v.Validate(ctx, &blocked.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"public key " + fp + " is blocklisted"}, msgs)

	msgs, err = v.Validate(ctx, &other.PublicKey)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestU_PublicKeyFingerprint_MLDSA(t *testing.T) {
	pub, _, err := mldsa44.GenerateKey(rand.Reader)
	require.NoError(t, err)

	fp, err := PublicKeyFingerprint(pub)
	require.NoError(t, err)
	assert.Len(t, fp, 64)
}
