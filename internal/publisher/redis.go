package publisher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultCRLChannel is where RedisPublisher announces new CRLs.
const DefaultCRLChannel = "cacore:crl:published"

// RedisPublisher stores the latest CRLs of each issuer in redis so that
// distribution points on other hosts can serve them:
//
//	<prefix>:<issuer>:full    DER of the last full CRL
//	<prefix>:<issuer>:delta   DER of the last delta CRL
//	<prefix>:<issuer>:full:number, <prefix>:<issuer>:delta:number
//
// A message with the issuer DN is published on Channel after each store.
type RedisPublisher struct {
	id      int
	rdb     redis.UniversalClient
	Prefix  string
	Channel string
	// TTL expires the keys; zero keeps them.
	TTL time.Duration
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher returns a publisher on rdb with the default key prefix
// and channel.
func NewRedisPublisher(id int, rdb redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{id: id, rdb: rdb, Prefix: "cacore:crl", Channel: DefaultCRLChannel}
}

func (p *RedisPublisher) ID() int      { return p.id }
func (p *RedisPublisher) Name() string { return "redis:" + p.Prefix }

// Key returns the key holding the last CRL of issuerDN.
func (p *RedisPublisher) Key(issuerDN string, delta bool) string {
	kind := "full"
	if delta {
		kind = "delta"
	}
	return fmt.Sprintf("%s:%s:%s", p.Prefix, issuerDN, kind)
}

func (p *RedisPublisher) StoreCRL(ctx context.Context, crl CRL) error {
	key := p.Key(crl.IssuerDN, crl.Delta)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, crl.DER, p.TTL)
		pipe.Set(ctx, key+":number", strconv.FormatInt(crl.Number, 10), p.TTL)
		if p.Channel != "" {
			pipe.Publish(ctx, p.Channel, crl.IssuerDN)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store CRL in redis: %w", err)
	}
	return nil
}

// LatestCRL returns the last CRL stored for issuerDN.
func (p *RedisPublisher) LatestCRL(ctx context.Context, issuerDN string, delta bool) ([]byte, bool, error) {
	data, err := p.rdb.Get(ctx, p.Key(issuerDN, delta)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get CRL from redis: %w", err)
	}
	return data, true, nil
}
