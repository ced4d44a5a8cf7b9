package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
)

// GenesisHash is the HashPrev of the first event of a chain.
const GenesisHash = "sha256:genesis"

// HashPrefix names the digest of every Hash value.
const HashPrefix = "sha256:"

// Writer stores events. Write sets HashPrev and Hash on the event before
// storing it and fails rather than drop an event. Events never carry key
// material or PINs.
type Writer interface {
	io.Closer
	Write(event *Event) error
	// LastHash is the Hash of the last stored event, or GenesisHash.
	LastHash() string
}

// NopWriter discards all events.
type NopWriter struct{}

var _ Writer = NopWriter{}

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// MemoryWriter keeps chained events in memory, for tests.
type MemoryWriter struct {
	mu       sync.Mutex
	events   []Event
	lastHash string
}

var _ Writer = (*MemoryWriter)(nil)

// NewMemoryWriter returns an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{lastHash: GenesisHash}
}

func (m *MemoryWriter) Write(event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := chain(event, m.lastHash); err != nil {
		return err
	}
	m.lastHash = event.Hash
	m.events = append(m.events, *event)
	return nil
}

func (m *MemoryWriter) Close() error { return nil }

func (m *MemoryWriter) LastHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHash
}

// Events returns a copy of all written events in order.
func (m *MemoryWriter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Filter returns the written events of the given type.
func (m *MemoryWriter) Filter(eventType EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// chain validates the event and sets HashPrev and Hash.
func chain(event *Event, prevHash string) error {
	if err := event.Validate(); err != nil {
		return err
	}
	event.HashPrev = prevHash
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return err
	}
	event.Hash = calculateHash(canonical, prevHash)
	return nil
}

// calculateHash computes SHA256(data || prevHash).
func calculateHash(data []byte, prevHash string) string {
	h := sha256.New()
	_, _ = h.Write(data)
	_, _ = h.Write([]byte(prevHash))
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}
