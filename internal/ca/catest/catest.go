// Package catest provides fixtures for tests that need live CAs.
package catest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/logging"
	"github.com/remiblancher/cacore/internal/profile"
	"github.com/remiblancher/cacore/internal/store"
)

// SignKeyAlias is the alias of the CA keys created by the fixtures.
const SignKeyAlias = "signKey"

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to now.
func NewClock(now time.Time) *Clock { return &Clock{now: now} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Env wires a CA manager over a bbolt store in a temp dir.
type Env struct {
	Store   *store.BoltStore
	Audit   *audit.MemoryWriter
	Trail   *audit.Trail
	Authz   *authz.RuleAuthorizer
	Tokens  *crypto.TokenRegistry
	Cache   *ca.Registry
	Manager *ca.Manager
	Clock   *Clock
}

// NewEnv returns an environment whose clock starts at now.
func NewEnv(t testing.TB, now time.Time) *Env {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "cacore.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := logging.Discard()
	e := &Env{
		Store:  s,
		Audit:  audit.NewMemoryWriter(),
		Authz:  authz.NewRuleAuthorizer(log),
		Tokens: crypto.NewTokenRegistry(),
		Clock:  NewClock(now),
	}
	t.Cleanup(func() { _ = e.Tokens.Close() })
	e.Trail = audit.NewTrail(e.Audit, log)
	e.Cache = ca.NewRegistry(time.Minute, e.Clock.Now)
	e.Manager = ca.NewManager(ca.Config{
		Store:      s,
		Cache:      e.Cache,
		Authorizer: e.Authz,
		Audit:      e.Trail,
		Tokens:     e.Tokens,
		Log:        log,
		Now:        e.Clock.Now,
	})
	return e
}

// Root returns the definition of a self-signed root CA valid from the
// clock's current time for validity. Its key lives in a new active
// software token registered under tokenID.
func (e *Env) Root(t testing.TB, name string, tokenID int, validity time.Duration) *ca.CAInfo {
	t.Helper()
	tok := crypto.NewSoftwareToken(tokenID, name+"-token")
	tok.Activate()
	pub, err := tok.GenerateKeyPair(SignKeyAlias, crypto.AlgECDSAP256)
	require.NoError(t, err)
	signer, err := tok.Signer(context.Background(), SignKeyAlias)
	require.NoError(t, err)
	e.Tokens.Register(tok)

	p := RootProfile(t)
	dn := "CN=" + name + ",O=Test,C=FR"
	cert, err := ca.GenerateCACertificate(ca.CertificateRequest{
		SubjectDN: dn,
		Profile:   p,
		PublicKey: pub,
		Signer:    signer,
		Validity:  validity,
		Now:       e.Clock.Now(),
	})
	require.NoError(t, err)

	return &ca.CAInfo{
		Name:                 name,
		SubjectDN:            dn,
		Status:               ca.StatusActive,
		Validity:             validity,
		CertificateChain:     [][]byte{cert.Raw},
		CertificateProfileID: p.ID,
		CRL: ca.CRLPolicy{
			CRLPeriod: 24 * time.Hour,
		},
		Token: ca.TokenRef{TokenID: tokenID, SignKeyAlias: SignKeyAlias},
	}
}

// AddRoot creates a root CA with Root and adds it through the manager.
func (e *Env) AddRoot(t testing.TB, name string, tokenID int, validity time.Duration, edit func(*ca.CAInfo)) *ca.CA {
	t.Helper()
	info := e.Root(t, name, tokenID, validity)
	if edit != nil {
		edit(info)
	}
	ctx := context.Background()
	require.NoError(t, e.Manager.AddCA(ctx, authz.System(), info))
	c, err := e.Manager.GetCAByName(ctx, authz.System(), name)
	require.NoError(t, err)
	return c
}

// RootProfile returns the builtin root CA profile.
func RootProfile(t testing.TB) *profile.Profile {
	t.Helper()
	ps, err := profile.LoadStore("")
	require.NoError(t, err)
	p, ok := ps.Lookup(profile.RootCAProfileID)
	require.True(t, ok)
	return p
}
