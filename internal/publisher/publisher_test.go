package publisher

import (
	"context"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	id     int
	err    error
	stored []CRL
}

func (f *fakePublisher) ID() int      { return f.id }
func (f *fakePublisher) Name() string { return "fake" }

func (f *fakePublisher) StoreCRL(_ context.Context, crl CRL) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, crl)
	return nil
}

func TestU_Registry_StoreCRL(t *testing.T) {
	r := NewRegistry()
	ok1 := &fakePublisher{id: 1}
	broken := &fakePublisher{id: 2, err: errors.New("disk full")}
	ok3 := &fakePublisher{id: 3}
	for _, p := range []Publisher{ok1, broken, ok3} {
		require.NoError(t, r.Register(p))
	}
	assert.Error(t, r.Register(&fakePublisher{id: 1}))
	assert.Equal(t, []int{1, 2, 3}, r.IDs())

	crl := CRL{IssuerDN: "CN=TestCA", Number: 4, DER: []byte{0x30}}
	res := r.StoreCRL(context.Background(), []int{1, 2, 9, 3}, crl)

	assert.Equal(t, []int{1, 3}, res.Published)
	assert.False(t, res.OK())
	require.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed[9], ErrPublisherNotFound)
	assert.EqualError(t, res.Err(), "publisher 2: disk full; publisher 9: publisher not found")
	assert.Equal(t, []CRL{crl}, ok1.stored)
	assert.Equal(t, []CRL{crl}, ok3.stored)
}

func TestU_Registry_StoreCRL_Empty(t *testing.T) {
	res := NewRegistry().StoreCRL(context.Background(), nil, CRL{})
	assert.True(t, res.OK())
	assert.NoError(t, res.Err())
}

func TestU_FilePublisher(t *testing.T) {
	dir := t.TempDir()
	p := NewFilePublisher(1, dir)
	ctx := context.Background()
	issuer := "CN=TestCA,O=Test,C=FR"

	require.NoError(t, p.StoreCRL(ctx, CRL{IssuerDN: issuer, Number: 1, DER: []byte("one")}))
	require.NoError(t, p.StoreCRL(ctx, CRL{IssuerDN: issuer, Number: 2, DER: []byte("two")}))
	require.NoError(t, p.StoreCRL(ctx, CRL{IssuerDN: issuer, Number: 3, Delta: true, DER: []byte("three")}))

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(p.IssuerDir(issuer), name))
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "one", read("crl-1.crl"))
	assert.Equal(t, "two", read("latest.crl"))
	assert.Equal(t, "three", read("delta-3.crl"))
	assert.Equal(t, "three", read("latest-delta.crl"))

	entries, err := os.ReadDir(p.IssuerDir(issuer))
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestU_FilePublisher_PEM(t *testing.T) {
	p := NewFilePublisher(1, t.TempDir())
	p.PEM = true
	require.NoError(t, p.StoreCRL(context.Background(), CRL{IssuerDN: "CN=A", Number: 1, DER: []byte{1, 2, 3}}))

	data, err := os.ReadFile(filepath.Join(p.IssuerDir("CN=A"), "latest.crl"))
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)
	assert.Equal(t, []byte{1, 2, 3}, block.Bytes)
}

func TestU_FilePublisher_Cancelled(t *testing.T) {
	p := NewFilePublisher(1, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.StoreCRL(ctx, CRL{IssuerDN: "CN=A"}), context.Canceled)
}

func TestF_RedisPublisher(t *testing.T) {
	addr := os.Getenv("CACORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CACORE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())

	p := NewRedisPublisher(1, rdb)
	p.Prefix = "cacore-test:" + t.Name()
	issuer := "CN=TestCA"
	t.Cleanup(func() {
		rdb.Del(ctx, p.Key(issuer, false), p.Key(issuer, false)+":number")
	})

	sub := rdb.Subscribe(ctx, p.Channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.StoreCRL(ctx, CRL{IssuerDN: issuer, Number: 7, DER: []byte{0x30, 0x00}}))

	data, found, err := p.LatestCRL(ctx, issuer, false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{0x30, 0x00}, data)

	_, found, err = p.LatestCRL(ctx, issuer, true)
	require.NoError(t, err)
	assert.False(t, found)

	msg := <-sub.Channel()
	assert.Equal(t, issuer, msg.Payload)
}
