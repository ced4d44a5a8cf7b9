package crypto

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTokenOffline is returned when a token cannot sign right now.
// Callers treat it as retryable.
var ErrTokenOffline = errors.New("crypto token offline")

// ErrKeyAliasNotFound is returned when a token has no key under an alias.
var ErrKeyAliasNotFound = errors.New("key alias not found")

// TokenStatus reports whether a token can be used.
type TokenStatus int

const (
	TokenOffline TokenStatus = iota
	TokenActive
)

func (s TokenStatus) String() string {
	if s == TokenActive {
		return "active"
	}
	return "offline"
}

// Token holds CA signing keys addressed by alias. The core only signs;
// key activation and lifecycle stay outside.
type Token interface {
	ID() int
	Name() string
	Type() string
	Status(ctx context.Context) TokenStatus
	// Signer returns the key under alias, or ErrTokenOffline.
	Signer(ctx context.Context, alias string) (crypto.Signer, error)
	Aliases() []string
	Close() error
}

// TokenRegistry maps token ids to live tokens. It is node-local state.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[int]Token
}

// NewTokenRegistry returns an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[int]Token)}
}

// Register adds a token, replacing any token with the same id.
func (r *TokenRegistry) Register(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.ID()] = t
}

// Get returns the token with the id.
func (r *TokenRegistry) Get(id int) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	return t, ok
}

// Remove closes and drops a token. Unknown ids are ignored.
func (r *TokenRegistry) Remove(id int) error {
	r.mu.Lock()
	t, ok := r.tokens[id]
	delete(r.tokens, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return t.Close()
}

// IDs returns the registered token ids in ascending order.
func (r *TokenRegistry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Signer resolves tokenID and alias to a signer.
func (r *TokenRegistry) Signer(ctx context.Context, tokenID int, alias string) (crypto.Signer, error) {
	t, ok := r.Get(tokenID)
	if !ok {
		return nil, fmt.Errorf("token %d not registered: %w", tokenID, ErrTokenOffline)
	}
	return t.Signer(ctx, alias)
}

// Close closes every registered token.
func (r *TokenRegistry) Close() error {
	r.mu.Lock()
	tokens := r.tokens
	r.tokens = make(map[int]Token)
	r.mu.Unlock()

	var errs []error
	for _, t := range tokens {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
