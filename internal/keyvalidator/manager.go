package keyvalidator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/ca"
	"github.com/remiblancher/cacore/internal/store"
)

// Sentinel errors for key validator operations.
var (
	ErrKeyValidatorExists      = errors.New("key validator already exists")
	ErrKeyValidatorDoesntExist = errors.New("key validator does not exist")
	// ErrKeyValidatorInUse blocks removal of a validator a CA refers to.
	ErrKeyValidatorInUse = errors.New("key validator is used by a CA")
	// ErrKeyValidationFailed aborts issuance.
	ErrKeyValidationFailed = errors.New("key validation failed")
)

// Config holds the collaborators of a Manager.
type Config struct {
	Store      store.Store
	Cache      *Cache
	Authorizer authz.Authorizer
	Audit      audit.Logger
	// Peers is optional. It is told about committed changes so other
	// nodes drop their cached copy.
	Peers Peers
	Log   *logrus.Entry
	Now   func() time.Time
}

// Peers receives committed key validator changes.
type Peers interface {
	ValidatorChanged(ctx context.Context, id int) error
}

// Manager stores key validators and runs them at issuance.
type Manager struct {
	store store.Store
	cache *Cache
	authz authz.Authorizer
	audit audit.Logger
	peers Peers
	log   *logrus.Entry
	now   func() time.Time
}

// NewManager returns a Manager. A nil cache disables caching.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store: cfg.Store,
		cache: cfg.Cache,
		authz: cfg.Authorizer,
		audit: cfg.Audit,
		peers: cfg.Peers,
		log:   cfg.Log,
		now:   cfg.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.cache == nil {
		m.cache = NewCache(0, m.now)
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	m.log = m.log.WithField("component", "key-validator")
	return m
}

// ClearCache purges the local validator cache.
func (m *Manager) ClearCache() { m.cache.Clear() }

// GetKeyValidator returns a copy of the validator with id. Changing it
// has no effect until it is passed to ChangeKeyValidator.
func (m *Manager) GetKeyValidator(ctx context.Context, id int) (Validator, error) {
	v, found, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrKeyValidatorDoesntExist, id)
	}
	return clone(v)
}

// load returns the validator with id from the cache or the store. The
// result is shared with the cache and must not be modified.
func (m *Manager) load(ctx context.Context, id int) (Validator, bool, error) {
	if v, ok := m.cache.Get(id); ok {
		return v, true, nil
	}
	rec, found, err := m.store.FindValidator(ctx, id)
	if err != nil || !found {
		m.cache.Remove(id)
		return nil, false, err
	}
	if v, ok := m.cache.Revalidate(id, rec.Data); ok {
		return v, true, nil
	}
	v, err := fromRecord(rec)
	if err != nil {
		return nil, false, err
	}
	m.cache.Put(id, rec.Data, v)
	return v, true, nil
}

func fromRecord(rec *store.ValidatorRecord) (Validator, error) {
	v, err := Decode(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("key validator %d: %w", rec.ID, err)
	}
	v.Common().ID = rec.ID
	v.Common().Name = rec.Name
	return v, nil
}

// ListKeyValidators returns every validator ordered by id. Rows that fail
// to decode are logged and left out.
func (m *Manager) ListKeyValidators(ctx context.Context) ([]Validator, error) {
	recs, err := m.store.ListValidators(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Validator, 0, len(recs))
	for _, rec := range recs {
		v, err := fromRecord(rec)
		if err != nil {
			m.log.WithError(err).WithField("validator_id", rec.ID).Warn("skipping undecodable key validator")
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Common().ID < out[j].Common().ID })
	return out, nil
}

// AddKeyValidator stores a copy of v and returns its id. A zero id gets
// the next free id. v itself is not modified.
func (m *Manager) AddKeyValidator(ctx context.Context, admin authz.Admin, v Validator) (int, error) {
	b := v.Common()
	kind, _ := kindOf(v)
	details := map[string]string{"name": b.Name, "type": string(kind)}
	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceEditValidator) {
		return 0, m.reject(ctx, audit.EventKeyValidatorAdd, admin, authz.ErrAuthorizationDenied, details)
	}

	cp, err := clone(v)
	if err != nil {
		return 0, m.reject(ctx, audit.EventKeyValidatorAdd, admin, err, details)
	}
	id, err := m.insert(ctx, cp, false)
	if err != nil {
		return 0, m.reject(ctx, audit.EventKeyValidatorAdd, admin, err, details)
	}
	details["id"] = strconv.Itoa(id)
	m.log.WithFields(logrus.Fields{"validator_id": id, "name": b.Name}).Info("key validator added")
	return id, m.succeed(ctx, audit.EventKeyValidatorAdd, admin, details)
}

// insert writes v as a new row. With freshID an id already in use is
// replaced by the next free one; otherwise it is an error.
func (m *Manager) insert(ctx context.Context, v Validator, freshID bool) (int, error) {
	b := v.Common()
	if err := b.validate(); err != nil {
		return 0, err
	}
	err := m.store.Update(ctx, func(tx store.Tx) error {
		if _, found, err := tx.FindValidatorByName(ctx, b.Name); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s", ErrKeyValidatorExists, b.Name)
		}
		recs, err := tx.ListValidators(ctx)
		if err != nil {
			return err
		}
		taken := b.ID == 0
		next := 1
		for _, rec := range recs {
			if rec.ID == b.ID {
				taken = true
			}
			next = max(next, rec.ID+1)
		}
		if taken {
			if b.ID != 0 && !freshID {
				return fmt.Errorf("%w: id %d", ErrKeyValidatorExists, b.ID)
			}
			b.ID = next
		}
		return m.put(ctx, tx, v, 0)
	})
	if errors.Is(err, store.ErrDuplicate) {
		err = fmt.Errorf("%w: %w", ErrKeyValidatorExists, err)
	}
	if err != nil {
		return 0, err
	}
	return b.ID, nil
}

func (m *Manager) put(ctx context.Context, tx store.Tx, v Validator, version int64) error {
	b := v.Common()
	kind, err := kindOf(v)
	if err != nil {
		return err
	}
	b.Kind = kind
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return tx.PutValidator(ctx, &store.ValidatorRecord{
		ID:         b.ID,
		Name:       b.Name,
		Type:       string(b.Kind),
		Data:       data,
		UpdateTime: m.now(),
		Version:    version,
	})
}

// ChangeKeyValidator replaces the settings of an existing validator. The
// name is changed with RenameKeyValidator only.
func (m *Manager) ChangeKeyValidator(ctx context.Context, admin authz.Admin, v Validator) error {
	b := v.Common()
	details := map[string]string{"id": strconv.Itoa(b.ID), "name": b.Name}
	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceEditValidator) {
		return m.reject(ctx, audit.EventKeyValidatorChange, admin, authz.ErrAuthorizationDenied, details)
	}
	v, err := clone(v)
	if err != nil {
		return m.reject(ctx, audit.EventKeyValidatorChange, admin, err, details)
	}
	b = v.Common()

	err = m.store.Update(ctx, func(tx store.Tx) error {
		rec, found, err := tx.FindValidator(ctx, b.ID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrKeyValidatorDoesntExist, b.ID)
		}
		if rec.Name != b.Name {
			return fmt.Errorf("name %q cannot be changed to %q, rename the validator instead", rec.Name, b.Name)
		}
		return m.put(ctx, tx, v, rec.Version)
	})
	m.cache.Remove(b.ID)
	if err != nil {
		return m.reject(ctx, audit.EventKeyValidatorChange, admin, err, details)
	}
	m.notify(ctx, b.ID)
	m.log.WithField("validator_id", b.ID).Info("key validator changed")
	return m.succeed(ctx, audit.EventKeyValidatorChange, admin, details)
}

// RemoveKeyValidator deletes a validator no CA refers to.
func (m *Manager) RemoveKeyValidator(ctx context.Context, admin authz.Admin, id int) error {
	details := map[string]string{"id": strconv.Itoa(id)}
	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceEditValidator) {
		return m.reject(ctx, audit.EventKeyValidatorRemove, admin, authz.ErrAuthorizationDenied, details)
	}

	err := m.store.Update(ctx, func(tx store.Tx) error {
		rec, found, err := tx.FindValidator(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrKeyValidatorDoesntExist, id)
		}
		details["name"] = rec.Name

		cas, err := tx.ListCAs(ctx)
		if err != nil {
			return err
		}
		for _, caRec := range cas {
			info, err := ca.InfoFromRecord(caRec)
			if err != nil {
				return err
			}
			if slices.Contains(info.KeyValidators, id) {
				return fmt.Errorf("%w: %s", ErrKeyValidatorInUse, info.Name)
			}
		}
		return tx.DeleteValidator(ctx, id)
	})
	m.cache.Remove(id)
	if err != nil {
		return m.reject(ctx, audit.EventKeyValidatorRemove, admin, err, details)
	}
	m.notify(ctx, id)
	m.log.WithField("validator_id", id).Info("key validator removed")
	return m.succeed(ctx, audit.EventKeyValidatorRemove, admin, details)
}

// CloneKeyValidator copies validator id under newName and returns the id
// of the copy.
func (m *Manager) CloneKeyValidator(ctx context.Context, admin authz.Admin, id int, newName string) (int, error) {
	details := map[string]string{"source_id": strconv.Itoa(id), "name": newName}
	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceEditValidator) {
		return 0, m.reject(ctx, audit.EventKeyValidatorClone, admin, authz.ErrAuthorizationDenied, details)
	}

	cp, err := m.GetKeyValidator(ctx, id)
	if err != nil {
		return 0, m.reject(ctx, audit.EventKeyValidatorClone, admin, err, details)
	}
	cp.Common().ID = 0
	cp.Common().Name = newName

	newID, err := m.insert(ctx, cp, true)
	if err != nil {
		return 0, m.reject(ctx, audit.EventKeyValidatorClone, admin, err, details)
	}
	details["id"] = strconv.Itoa(newID)
	m.log.WithFields(logrus.Fields{"source_id": id, "validator_id": newID}).Info("key validator cloned")
	return newID, m.succeed(ctx, audit.EventKeyValidatorClone, admin, details)
}

// RenameKeyValidator changes the name of validator id. The new name must
// be free.
func (m *Manager) RenameKeyValidator(ctx context.Context, admin authz.Admin, id int, newName string) error {
	details := map[string]string{"id": strconv.Itoa(id), "new_name": newName}
	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceEditValidator) {
		return m.reject(ctx, audit.EventKeyValidatorRename, admin, authz.ErrAuthorizationDenied, details)
	}
	if newName == "" {
		return m.reject(ctx, audit.EventKeyValidatorRename, admin, fmt.Errorf("name is required"), details)
	}

	err := m.store.Update(ctx, func(tx store.Tx) error {
		if _, found, err := tx.FindValidatorByName(ctx, newName); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: %s", ErrKeyValidatorExists, newName)
		}
		rec, found, err := tx.FindValidator(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %d", ErrKeyValidatorDoesntExist, id)
		}
		details["old_name"] = rec.Name
		v, err := fromRecord(rec)
		if err != nil {
			return err
		}
		v.Common().Name = newName
		return m.put(ctx, tx, v, rec.Version)
	})
	if errors.Is(err, store.ErrDuplicate) {
		err = fmt.Errorf("%w: %w", ErrKeyValidatorExists, err)
	}
	m.cache.Remove(id)
	if err != nil {
		return m.reject(ctx, audit.EventKeyValidatorRename, admin, err, details)
	}
	m.notify(ctx, id)
	m.log.WithFields(logrus.Fields{"validator_id": id, "name": newName}).Info("key validator renamed")
	return m.succeed(ctx, audit.EventKeyValidatorRename, admin, details)
}

func (m *Manager) notify(ctx context.Context, id int) {
	if m.peers == nil {
		return
	}
	if err := m.peers.ValidatorChanged(ctx, id); err != nil {
		m.log.WithError(err).WithField("validator_id", id).Warn("failed to notify other nodes of key validator change")
	}
}

func (m *Manager) reject(ctx context.Context, ev audit.EventType, admin authz.Admin, err error, details map[string]string) error {
	d := map[string]string{"error": err.Error()}
	for k, v := range details {
		d[k] = v
	}
	if aerr := m.audit.Log(ctx, ev, audit.ResultFailure, audit.ModuleKeyValidator, audit.ServiceCore, admin.ID, 0, d); aerr != nil {
		m.log.WithError(aerr).WithField("event", ev).Error("failed to write audit event")
	}
	m.log.WithError(err).WithFields(logrus.Fields{"event": ev, "admin": admin.ID}).Warn("key validator operation rejected")
	return err
}

func (m *Manager) succeed(ctx context.Context, ev audit.EventType, admin authz.Admin, details map[string]string) error {
	if err := m.audit.Log(ctx, ev, audit.ResultSuccess, audit.ModuleKeyValidator, audit.ServiceCore, admin.ID, 0, details); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}
