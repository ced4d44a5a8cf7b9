// Package cluster flushes the caches of every node sharing a store.
//
// Caches are node local. The CA and key validator managers update their
// own cache on a committed change and call CAChanged or ValidatorChanged,
// which publish a request on a redis channel. An operator flush clears
// the local caches and publishes the same request. The other nodes clear
// theirs when the message arrives. Without redis a Node only flushes
// locally.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultChannel is the redis channel clear-cache requests travel on.
const DefaultChannel = "cacore:cache:clear"

// Scopes of a clear-cache request.
const (
	ScopeAll           = "all"
	ScopeCA            = "ca"
	ScopeKeyValidators = "keyvalidator"
)

// Flusher is a node-local cache.
type Flusher interface {
	ClearCache()
}

// Message is a clear-cache request as broadcast.
type Message struct {
	Origin string    `cbor:"1,keyasint"`
	Scope  string    `cbor:"2,keyasint"`
	Sent   time.Time `cbor:"3,keyasint"`
	Reason string    `cbor:"4,keyasint,omitempty"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Encode returns the deterministic CBOR encoding of m.
func (m *Message) Encode() ([]byte, error) {
	return encMode.Marshal(m)
}

// DecodeMessage parses a broadcast clear-cache request.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode clear-cache message: %w", err)
	}
	if m.Origin == "" {
		return nil, errors.New("clear-cache message without origin")
	}
	return &m, nil
}

// Config holds the collaborators of a Node.
type Config struct {
	// Redis is optional.
	Redis   redis.UniversalClient
	Channel string
	Log     *logrus.Entry
	Now     func() time.Time
}

// Node is one member of the cluster.
type Node struct {
	id      string
	rdb     redis.UniversalClient
	channel string
	log     *logrus.Entry
	now     func() time.Time

	mu       sync.RWMutex
	flushers map[string][]Flusher
}

// NewNode returns a Node with a fresh random id.
func NewNode(cfg Config) *Node {
	n := &Node{
		id:       uuid.NewString(),
		rdb:      cfg.Redis,
		channel:  cfg.Channel,
		log:      cfg.Log,
		now:      cfg.Now,
		flushers: make(map[string][]Flusher),
	}
	if n.channel == "" {
		n.channel = DefaultChannel
	}
	if n.now == nil {
		n.now = time.Now
	}
	if n.log == nil {
		n.log = logrus.NewEntry(logrus.StandardLogger())
	}
	n.log = n.log.WithFields(logrus.Fields{"component": "cluster", "node": n.id})
	return n
}

// ID returns the node id carried in the messages it sends.
func (n *Node) ID() string { return n.id }

// Register adds a cache flushed for scope and for ScopeAll.
func (n *Node) Register(scope string, f Flusher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flushers[scope] = append(n.flushers[scope], f)
}

// flush clears the local caches of scope and returns how many it cleared.
func (n *Node) flush(scope string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var count int
	for s, fs := range n.flushers {
		if scope != ScopeAll && s != scope {
			continue
		}
		for _, f := range fs {
			f.ClearCache()
			count++
		}
	}
	return count
}

// ClearCaches flushes the local caches of scope and asks the other nodes
// to do the same. The local flush happens even when the broadcast fails.
func (n *Node) ClearCaches(ctx context.Context, scope, reason string) error {
	count := n.flush(scope)
	n.log.WithFields(logrus.Fields{"scope": scope, "caches": count}).Info("local caches cleared")
	return n.Broadcast(ctx, scope, reason)
}

// Broadcast asks the other nodes to flush their caches of scope. The local
// caches are left alone. It is a no-op without redis.
func (n *Node) Broadcast(ctx context.Context, scope, reason string) error {
	if n.rdb == nil {
		return nil
	}

	msg := &Message{Origin: n.id, Scope: scope, Sent: n.now().UTC(), Reason: reason}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to broadcast clear-cache request: %w", err)
	}
	return nil
}

// CAChanged broadcasts a CA cache flush after a committed CA change.
func (n *Node) CAChanged(ctx context.Context, id int32) error {
	return n.Broadcast(ctx, ScopeCA, fmt.Sprintf("CA %d changed", id))
}

// ValidatorChanged broadcasts a key validator cache flush after a
// committed validator change.
func (n *Node) ValidatorChanged(ctx context.Context, id int) error {
	return n.Broadcast(ctx, ScopeKeyValidators, fmt.Sprintf("key validator %d changed", id))
}

// Handle applies a received clear-cache request. Requests this node sent
// itself are ignored. It reports whether caches were flushed.
func (n *Node) Handle(data []byte) bool {
	msg, err := DecodeMessage(data)
	if err != nil {
		n.log.WithError(err).Warn("ignoring clear-cache message")
		return false
	}
	if msg.Origin == n.id {
		return false
	}
	count := n.flush(msg.Scope)
	n.log.WithFields(logrus.Fields{
		"origin": msg.Origin,
		"scope":  msg.Scope,
		"reason": msg.Reason,
		"caches": count,
	}).Info("caches cleared on request")
	return true
}

// Run subscribes to the clear-cache channel and handles requests until ctx
// is done. Without redis it blocks until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if n.rdb == nil {
		<-ctx.Done()
		return nil
	}
	sub := n.rdb.Subscribe(ctx, n.channel)
	defer sub.Close()

	// Receive returns once the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}
	n.log.WithField("channel", n.channel).Info("listening for clear-cache requests")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			n.Handle([]byte(m.Payload))
		}
	}
}
