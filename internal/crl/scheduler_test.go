package crl_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiblancher/cacore/internal/ca"
)

func TestF_Engine_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.AddRoot(t, "Root", 1, 10*365*24*time.Hour, func(info *ca.CAInfo) {
		info.CRL.DeltaCRLPeriod = time.Hour
	})

	full, delta, err := f.Engine.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, full)
	assert.Equal(t, 1, delta)
	assert.Equal(t, int64(1), f.lastCRL(t, root, false).Number.Int64())
	assert.Equal(t, int64(2), f.lastCRL(t, root, true).Number.Int64())

	full, delta, err = f.Engine.RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, full)
	assert.Zero(t, delta)
}

func TestF_Engine_Schedule(t *testing.T) {
	f := newFixture(t)
	root := f.AddRoot(t, "Root", 1, 10*365*24*time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Engine.Schedule(ctx, time.Hour, 0)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, found, err := f.Engine.GetLastCRL(context.Background(), root.IssuerDN(), false)
		return err == nil && found
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
