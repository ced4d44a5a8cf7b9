// Package publisher distributes generated CRLs to the places relying
// parties fetch them from.
//
// A CA lists publisher ids in its CRL policy. After a CRL is persisted the
// CRL engine hands it to every listed publisher; a failing publisher does
// not stop the others and never rolls the CRL back.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrPublisherNotFound is reported for a listed id with no registered
// publisher.
var ErrPublisherNotFound = errors.New("publisher not found")

// CRL is one CRL handed to publishers.
type CRL struct {
	IssuerDN string
	Number   int64
	Delta    bool
	DER      []byte
}

// Publisher stores CRLs somewhere.
type Publisher interface {
	ID() int
	Name() string
	StoreCRL(ctx context.Context, crl CRL) error
}

// Result is the outcome of publishing one CRL to a set of publishers.
type Result struct {
	Published []int
	Failed    map[int]error
}

// OK reports whether every publisher succeeded.
func (r Result) OK() bool { return len(r.Failed) == 0 }

// Err joins the failures, or returns nil.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]int, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	msgs := make([]string, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, fmt.Sprintf("publisher %d: %v", id, r.Failed[id]))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Registry holds the configured publishers by id.
type Registry struct {
	mu   sync.RWMutex
	byID map[int]Publisher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int]Publisher)}
}

// Register adds p. Ids are unique.
func (r *Registry) Register(p Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID()]; ok {
		return fmt.Errorf("publisher %d already registered", p.ID())
	}
	r.byID[p.ID()] = p
	return nil
}

// Get returns the publisher with id.
func (r *Registry) Get(id int) (Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// StoreCRL hands crl to each publisher in ids and collects the outcome.
// Every publisher is tried regardless of earlier failures.
func (r *Registry) StoreCRL(ctx context.Context, ids []int, crl CRL) Result {
	res := Result{}
	for _, id := range ids {
		p, ok := r.Get(id)
		if !ok {
			res.fail(id, ErrPublisherNotFound)
			continue
		}
		if err := ctx.Err(); err != nil {
			res.fail(id, err)
			continue
		}
		if err := p.StoreCRL(ctx, crl); err != nil {
			res.fail(id, err)
			continue
		}
		res.Published = append(res.Published, id)
	}
	return res
}

func (r *Result) fail(id int, err error) {
	if r.Failed == nil {
		r.Failed = make(map[int]error)
	}
	r.Failed[id] = err
}
