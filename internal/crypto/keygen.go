package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// GenerateKey generates a key pair for the algorithm.
func GenerateKey(alg AlgorithmID) (crypto.Signer, error) {
	switch alg {
	case AlgECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case AlgECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case AlgECDSAP521:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case AlgEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	case AlgRSA2048, AlgRSA3072, AlgRSA4096:
		return rsa.GenerateKey(rand.Reader, algorithms[alg].keyBits)
	case AlgMLDSA44:
		_, priv, err := mldsa44.GenerateKey(rand.Reader)
		return priv, err
	case AlgMLDSA65:
		_, priv, err := mldsa65.GenerateKey(rand.Reader)
		return priv, err
	case AlgMLDSA87:
		_, priv, err := mldsa87.GenerateKey(rand.Reader)
		return priv, err
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}
}
