package crypto

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
)

// SoftwareToken keeps keys in process memory. Each private key is held as
// PKCS#8 DER inside a memguard enclave and only decrypted for a signature.
type SoftwareToken struct {
	id   int
	name string

	mu      sync.RWMutex
	active  bool
	keys    map[string]*memguard.Enclave
	publics map[string]crypto.PublicKey
}

var _ Token = (*SoftwareToken)(nil)

// NewSoftwareToken returns an active, empty token.
func NewSoftwareToken(id int, name string) *SoftwareToken {
	return &SoftwareToken{
		id:      id,
		name:    name,
		active:  true,
		keys:    make(map[string]*memguard.Enclave),
		publics: make(map[string]crypto.PublicKey),
	}
}

func (t *SoftwareToken) ID() int      { return t.id }
func (t *SoftwareToken) Name() string { return t.name }
func (t *SoftwareToken) Type() string { return "software" }

func (t *SoftwareToken) Status(context.Context) TokenStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.active {
		return TokenActive
	}
	return TokenOffline
}

// Activate makes the token usable.
func (t *SoftwareToken) Activate() {
	t.mu.Lock()
	t.active = true
	t.mu.Unlock()
}

// Deactivate takes the token offline; signing fails with ErrTokenOffline.
func (t *SoftwareToken) Deactivate() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

// GenerateKeyPair creates a new key under alias and returns its public key.
func (t *SoftwareToken) GenerateKeyPair(alias string, alg AlgorithmID) (crypto.PublicKey, error) {
	if alg.IsPQC() {
		return nil, fmt.Errorf("software token cannot store %s keys", alg)
	}
	key, err := GenerateKey(alg)
	if err != nil {
		return nil, err
	}
	if err := t.ImportKey(alias, key); err != nil {
		return nil, err
	}
	return key.Public(), nil
}

// ImportKey stores an existing private key under alias.
func (t *SoftwareToken) ImportKey(alias string, key crypto.Signer) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key %q: %w", alias, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[alias] = memguard.NewEnclave(der)
	t.publics[alias] = key.Public()
	return nil
}

func (t *SoftwareToken) Aliases() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.keys))
	for alias := range t.keys {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

func (t *SoftwareToken) Signer(_ context.Context, alias string) (crypto.Signer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.active {
		return nil, fmt.Errorf("token %q: %w", t.name, ErrTokenOffline)
	}
	enclave, ok := t.keys[alias]
	if !ok {
		return nil, fmt.Errorf("token %q alias %q: %w", t.name, alias, ErrKeyAliasNotFound)
	}
	return &enclaveSigner{token: t, enclave: enclave, pub: t.publics[alias]}, nil
}

// Close drops all keys.
func (t *SoftwareToken) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = make(map[string]*memguard.Enclave)
	t.publics = make(map[string]crypto.PublicKey)
	t.active = false
	return nil
}

// enclaveSigner opens the enclave for each signature and wipes the
// plaintext key afterwards.
type enclaveSigner struct {
	token   *SoftwareToken
	enclave *memguard.Enclave
	pub     crypto.PublicKey
}

func (s *enclaveSigner) Public() crypto.PublicKey { return s.pub }

func (s *enclaveSigner) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if s.token.Status(context.Background()) != TokenActive {
		return nil, fmt.Errorf("token %q: %w", s.token.name, ErrTokenOffline)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	key, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T cannot sign", key)
	}
	return signer.Sign(random, digest, opts)
}
