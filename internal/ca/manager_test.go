package ca_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/ca/catest"
	"github.com/remiblancher/cacore/internal/logging"
	"github.com/remiblancher/cacore/internal/store"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestF_Manager_AddCA(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	info := env.Root(t, "TestCA", 1, 365*24*time.Hour)

	require.NoError(t, env.Manager.AddCA(ctx, authz.System(), info))

	got, err := env.Manager.GetCAInfoByName(ctx, authz.System(), "TestCA")
	require.NoError(t, err)
	assert.Equal(t, ca.IDFromSubjectDN(info.SubjectDN), got.ID)
	assert.Equal(t, "CN=TestCA,O=Test,C=FR", got.SubjectDN)
	assert.Equal(t, ca.StatusActive, got.Status)
	assert.Equal(t, t0.Add(365*24*time.Hour), got.ExpireTime.UTC())
	assert.Equal(t, int64(1), got.Version)

	events := env.Audit.Filter(audit.EventCAAdd)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ResultSuccess, events[0].Result)
	assert.Equal(t, "signKey", events[0].Details["sign_key_alias"])
	assert.Equal(t, "1", events[0].Details["token_id"])
}

func TestF_Manager_AddCA_Exists(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	env.AddRoot(t, "TestCA", 1, time.Hour*24, nil)

	// Same name, different DN.
	dup := env.Root(t, "TestCA", 2, time.Hour*24)
	dup.SubjectDN = "CN=Another,O=Test,C=FR"
	err := env.Manager.AddCA(ctx, authz.System(), dup)
	assert.ErrorIs(t, err, ca.ErrCAExists)

	// Same DN, different name.
	dup = env.Root(t, "TestCA", 3, time.Hour*24)
	dup.Name = "Other"
	err = env.Manager.AddCA(ctx, authz.System(), dup)
	assert.ErrorIs(t, err, ca.ErrCAExists)

	var caErr *ca.Error
	require.True(t, errors.As(err, &caErr))
	assert.Equal(t, "add", caErr.Op)

	failures := 0
	for _, ev := range env.Audit.Filter(audit.EventCAAdd) {
		if ev.Result == audit.ResultFailure {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestF_Manager_AddCA_Unauthorized(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	env.Authz.Grant("viewer", authz.ResourceViewCA)
	info := env.Root(t, "TestCA", 1, time.Hour*24)

	err := env.Manager.AddCA(ctx, authz.Admin{ID: "viewer"}, info)
	assert.ErrorIs(t, err, authz.ErrAuthorizationDenied)

	events := env.Audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventCAAdd, events[0].EventType)
	assert.Equal(t, audit.ResultFailure, events[0].Result)
	assert.Equal(t, "viewer", events[0].ActorID)

	_, found, err := env.Store.FindCAByName(ctx, "TestCA")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestF_Manager_EditCA(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour*24, nil)

	info := c.Info()
	info.CRL.CRLPeriod = 12 * time.Hour
	info.Description = "edited"
	require.NoError(t, env.Manager.EditCA(ctx, authz.System(), info))

	got, err := env.Manager.GetCAInfo(ctx, authz.System(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, got.CRL.CRLPeriod)
	assert.Equal(t, "edited", got.Description)
	assert.Equal(t, int64(2), got.Version)

	events := env.Audit.Filter(audit.EventCAEdit)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ResultSuccess, events[0].Result)
	assert.Equal(t, "86400000000000 -> 43200000000000", events[0].Details["changed.crl.crl_period"])
	assert.Equal(t, " -> edited", events[0].Details["changed.description"])
}

func TestF_Manager_EditCA_IdentityInvariant(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour*24, nil)

	renamed := c.Info()
	renamed.Name = "Renamed"
	err := env.Manager.EditCA(ctx, authz.System(), renamed)
	assert.ErrorIs(t, err, ca.ErrCADoesntExist)

	moved := c.Info()
	moved.SubjectDN = "CN=Elsewhere"
	err = env.Manager.EditCA(ctx, authz.System(), moved)
	assert.ErrorIs(t, err, ca.ErrCADoesntExist)

	// Stored state is untouched and each rejection was audited once.
	got, err := env.Manager.GetCAInfo(ctx, authz.System(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, "TestCA", got.Name)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, env.Audit.Filter(audit.EventCAEdit), 2)
}

func TestF_Manager_EditCA_StaleVersion(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour*24, nil)

	first := c.Info()
	second := c.Info()
	first.Description = "first"
	require.NoError(t, env.Manager.EditCA(ctx, authz.System(), first))

	second.Description = "second"
	err := env.Manager.EditCA(ctx, authz.System(), second)
	assert.ErrorIs(t, err, store.ErrConcurrentModification)

	got, err := env.Manager.GetCAInfo(ctx, authz.System(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, "first", got.Description)
}

func TestF_Manager_EditCA_PerCARule(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	a := env.AddRoot(t, "CA-A", 1, time.Hour*24, nil)
	b := env.AddRoot(t, "CA-B", 2, time.Hour*24, nil)
	env.Authz.Grant("op", authz.ResourceEditCA, authz.CAResource(a.ID()))

	info := a.Info()
	info.Description = "ok"
	require.NoError(t, env.Manager.EditCA(ctx, authz.Admin{ID: "op"}, info))

	info = b.Info()
	info.Description = "denied"
	err := env.Manager.EditCA(ctx, authz.Admin{ID: "op"}, info)
	assert.ErrorIs(t, err, authz.ErrAuthorizationDenied)
}

func TestF_Manager_GetCA_NotFound(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)

	_, err := env.Manager.GetCA(ctx, authz.System(), 12345)
	assert.ErrorIs(t, err, ca.ErrCADoesntExist)

	_, err = env.Manager.GetCAByName(ctx, authz.System(), "missing")
	assert.ErrorIs(t, err, ca.ErrCADoesntExist)
}

func TestF_Manager_GetCA_ServedFromCache(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour*24, nil)

	// Change the row behind the manager's back.
	require.NoError(t, env.Store.Update(ctx, func(tx store.Tx) error {
		rec, _, err := tx.FindCAByID(ctx, c.ID())
		if err != nil {
			return err
		}
		rec.Status = string(ca.StatusOffline)
		return tx.PutCA(ctx, rec)
	}))

	got, err := env.Manager.GetCA(ctx, authz.System(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, ca.StatusActive, got.Status(), "fresh cache entry")

	env.Clock.Advance(2 * time.Minute)
	got, err = env.Manager.GetCA(ctx, authz.System(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, ca.StatusOffline, got.Status(), "re-read after interval")

	env.Manager.ClearCache()
	assert.True(t, env.Cache.LastRefresh().IsZero())
}

func TestF_Manager_GetCA_ExpiryCheck(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour, nil)

	env.Clock.Advance(2 * time.Hour)
	got, err := env.Manager.GetCA(ctx, authz.System(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, ca.StatusExpired, got.Status())

	rec, found, err := env.Store.FindCAByID(ctx, c.ID())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(ca.StatusExpired), rec.Status)
}

func TestF_Manager_GetCA_ExternalNotExpired(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour, func(info *ca.CAInfo) {
		info.Status = ca.StatusExternal
	})

	env.Clock.Advance(2 * time.Hour)
	got, err := env.Manager.GetCA(ctx, authz.System(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, ca.StatusExternal, got.Status())
}

func TestF_Manager_GetCA_AliasFallback(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour*24, func(info *ca.CAInfo) {
		info.ID = 777
	})
	require.Equal(t, int32(777), c.ID())

	derived := ca.IDFromSubjectDN(c.Certificate().Subject.String())
	got, err := env.Manager.GetCA(ctx, authz.System(), derived)
	require.NoError(t, err)
	assert.Equal(t, int32(777), got.ID())

	realID, ok := env.Cache.Alias(derived)
	require.True(t, ok)
	assert.Equal(t, int32(777), realID)
}

func TestF_Manager_GetCA_Unauthorized(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour*24, nil)
	before := len(env.Audit.Events())

	_, err := env.Manager.GetCA(ctx, authz.Admin{ID: "nobody"}, c.ID())
	assert.ErrorIs(t, err, authz.ErrAuthorizationDenied)
	assert.Len(t, env.Audit.Events(), before, "reads are not audited")
}

func TestF_Manager_RemoveCA(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "TestCA", 1, time.Hour*24, nil)

	require.NoError(t, env.Manager.RemoveCA(ctx, authz.System(), c.ID()))
	_, err := env.Manager.GetCA(ctx, authz.System(), c.ID())
	assert.ErrorIs(t, err, ca.ErrCADoesntExist)

	_, ok := env.Tokens.Get(1)
	assert.False(t, ok, "token released")

	// Idempotent.
	require.NoError(t, env.Manager.RemoveCA(ctx, authz.System(), c.ID()))
	events := env.Audit.Filter(audit.EventCARemove)
	require.Len(t, events, 2)
	assert.Equal(t, "true", events[0].Details["removed"])
	assert.Equal(t, "false", events[1].Details["removed"])
}

func TestF_Manager_RemoveCA_KeepsSharedToken(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	a := env.AddRoot(t, "CA-A", 1, time.Hour*24, nil)
	env.AddRoot(t, "CA-B", 2, time.Hour*24, func(info *ca.CAInfo) {
		info.Token.TokenID = 1
	})

	require.NoError(t, env.Manager.RemoveCA(ctx, authz.System(), a.ID()))
	_, ok := env.Tokens.Get(1)
	assert.True(t, ok)
}

func TestF_Manager_RenameCA(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "Old", 1, time.Hour*24, nil)
	env.AddRoot(t, "Taken", 2, time.Hour*24, nil)

	err := env.Manager.RenameCA(ctx, authz.System(), "Old", "Taken")
	assert.ErrorIs(t, err, ca.ErrCAExists)

	err = env.Manager.RenameCA(ctx, authz.System(), "Missing", "Fresh")
	assert.ErrorIs(t, err, ca.ErrCADoesntExist)

	require.NoError(t, env.Manager.RenameCA(ctx, authz.System(), "Old", "New"))
	got, err := env.Manager.GetCAByName(ctx, authz.System(), "New")
	require.NoError(t, err)
	assert.Equal(t, c.ID(), got.ID())
	_, err = env.Manager.GetCAByName(ctx, authz.System(), "Old")
	assert.ErrorIs(t, err, ca.ErrCADoesntExist)

	assert.Len(t, env.Audit.Filter(audit.EventCARename), 3)
}

func TestF_Manager_RenameCA_NeedsAddAndRemove(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	env.AddRoot(t, "Old", 1, time.Hour*24, nil)
	env.Authz.Grant("adder", authz.ResourceAddCA)

	err := env.Manager.RenameCA(ctx, authz.Admin{ID: "adder"}, "Old", "New")
	assert.ErrorIs(t, err, authz.ErrAuthorizationDenied)
}

func TestF_Manager_GetAvailableCAs(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	a := env.AddRoot(t, "CA-A", 1, time.Hour*24, nil)
	b := env.AddRoot(t, "CA-B", 2, time.Hour*24, nil)
	env.Authz.Grant("op", authz.CAResource(b.ID()))

	ids, err := env.Manager.GetAvailableCAs(ctx, authz.Admin{ID: "op"})
	require.NoError(t, err)
	assert.Equal(t, []int32{b.ID()}, ids)

	ids, err = env.Manager.GetAvailableCAs(ctx, authz.System())
	require.NoError(t, err)
	assert.Equal(t, []int32{a.ID(), b.ID()}, ids)

	all, err := env.Manager.GetAllCAIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{a.ID(), b.ID()}, all)
}

type peerLog struct{ ids []int32 }

func (p *peerLog) CAChanged(_ context.Context, id int32) error {
	p.ids = append(p.ids, id)
	return nil
}

func TestF_Manager_NotifiesPeers(t *testing.T) {
	ctx := context.Background()
	env := catest.NewEnv(t, t0)
	c := env.AddRoot(t, "Old", 1, time.Hour*24, nil)
	env.AddRoot(t, "Taken", 2, time.Hour*24, nil)

	peers := &peerLog{}
	m := ca.NewManager(ca.Config{
		Store:      env.Store,
		Authorizer: env.Authz,
		Audit:      env.Trail,
		Peers:      peers,
		Log:        logging.Discard(),
		Now:        env.Clock.Now,
	})

	info := c.Info()
	info.Description = "edited"
	require.NoError(t, m.EditCA(ctx, authz.System(), info))
	assert.ErrorIs(t, m.RenameCA(ctx, authz.System(), "Old", "Taken"), ca.ErrCAExists)
	require.NoError(t, m.RenameCA(ctx, authz.System(), "Old", "New"))
	require.NoError(t, m.RemoveCA(ctx, authz.System(), c.ID()))

	// The failed rename is not broadcast.
	assert.Equal(t, []int32{c.ID(), c.ID(), c.ID()}, peers.ids)
}
