package ca

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
	"github.com/remiblancher/cacore/internal/crypto"
	"github.com/remiblancher/cacore/internal/store"
)

// Config holds the collaborators of a Manager.
type Config struct {
	Store      store.Store
	Cache      *Registry
	Authorizer authz.Authorizer
	Audit      audit.Logger
	// Tokens is optional. When set, RemoveCA drops the CA's token if no
	// other CA uses it.
	Tokens *crypto.TokenRegistry
	// Peers is optional. It is told about committed edits, renames and
	// removals so other nodes drop their cached copy.
	Peers Peers
	Log   *logrus.Entry
	Now   func() time.Time
}

// Peers receives committed CA changes.
type Peers interface {
	CAChanged(ctx context.Context, id int32) error
}

// Manager is the CA lifecycle manager. It owns the CA rows of the store.
type Manager struct {
	store  store.Store
	cache  *Registry
	authz  authz.Authorizer
	audit  audit.Logger
	tokens *crypto.TokenRegistry
	peers  Peers
	log    *logrus.Entry
	now    func() time.Time
}

// NewManager returns a Manager. A nil cache disables caching.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:  cfg.Store,
		cache:  cfg.Cache,
		authz:  cfg.Authorizer,
		audit:  cfg.Audit,
		tokens: cfg.Tokens,
		peers:  cfg.Peers,
		log:    cfg.Log,
		now:    cfg.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.cache == nil {
		m.cache = NewRegistry(0, m.now)
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	m.log = m.log.WithField("component", "ca-manager")
	return m
}

// Cache returns the CA cache used by the manager.
func (m *Manager) Cache() *Registry { return m.cache }

// AddCA stores a new CA. The id is derived from the subject DN when
// info.ID is zero. The subject DN is stored in canonical form.
func (m *Manager) AddCA(ctx context.Context, admin authz.Admin, info *CAInfo) error {
	const op = "add"
	info = info.Clone()

	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceAddCA) {
		return m.reject(ctx, audit.EventCAAdd, op, admin, info.ID, authz.ErrAuthorizationDenied,
			map[string]string{"name": info.Name})
	}

	if err := m.prepare(info); err != nil {
		return m.reject(ctx, audit.EventCAAdd, op, admin, info.ID, err,
			map[string]string{"name": info.Name, "subject_dn": info.SubjectDN})
	}

	err := m.store.Update(ctx, func(tx store.Tx) error {
		if _, found, err := tx.FindCAByID(ctx, info.ID); err != nil {
			return err
		} else if found {
			return ErrCAExists
		}
		if _, found, err := tx.FindCAByName(ctx, info.Name); err != nil {
			return err
		} else if found {
			return ErrCAExists
		}
		rec, err := info.record()
		if err != nil {
			return err
		}
		rec.Version = 0
		if err := tx.PutCA(ctx, rec); err != nil {
			return err
		}
		info.Version = rec.Version
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrConcurrentModification) {
		err = fmt.Errorf("%w: %w", ErrCAExists, err)
	}
	if err != nil {
		return m.reject(ctx, audit.EventCAAdd, op, admin, info.ID, err,
			map[string]string{"name": info.Name, "subject_dn": info.SubjectDN})
	}

	if c, err := New(info); err == nil {
		m.cache.Put(c)
	}
	m.log.WithFields(logrus.Fields{"ca_id": info.ID, "name": info.Name}).Info("CA added")

	return m.succeed(ctx, audit.EventCAAdd, op, admin, info.ID, map[string]string{
		"name":           info.Name,
		"subject_dn":     info.SubjectDN,
		"status":         string(info.Status),
		"token_id":       strconv.Itoa(info.Token.TokenID),
		"sign_key_alias": info.Token.SignKeyAlias,
		"key_sequence":   info.Token.KeySequence,
	})
}

// prepare validates a new CA and fills derived fields.
func (m *Manager) prepare(info *CAInfo) error {
	if info.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCAInfo)
	}
	dn, err := CanonicalDN(info.SubjectDN)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCAInfo, err)
	}
	info.SubjectDN = dn
	if info.ID == 0 {
		info.ID = IDFromSubjectDN(dn)
	}
	if info.Status == "" {
		info.Status = StatusActive
	}
	if !info.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCAInfo, info.Status)
	}

	c, err := New(info)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCAInfo, err)
	}
	if cert := c.Certificate(); cert != nil {
		info.ExpireTime = cert.NotAfter
	}
	info.UpdateTime = m.now()
	return nil
}

// EditCA replaces the definition of an existing CA. Name and subject DN
// cannot change; a mismatch is reported as ErrCADoesntExist. A non-zero
// info.Version must match the stored version.
func (m *Manager) EditCA(ctx context.Context, admin authz.Admin, info *CAInfo) error {
	const op = "edit"
	info = info.Clone()

	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceEditCA, authz.CAResource(info.ID)) {
		return m.reject(ctx, audit.EventCAEdit, op, admin, info.ID, authz.ErrAuthorizationDenied, nil)
	}
	if !info.Status.Valid() {
		return m.reject(ctx, audit.EventCAEdit, op, admin, info.ID,
			fmt.Errorf("%w: unknown status %q", ErrInvalidCAInfo, info.Status), nil)
	}
	c, err := New(info)
	if err != nil {
		return m.reject(ctx, audit.EventCAEdit, op, admin, info.ID, fmt.Errorf("%w: %w", ErrInvalidCAInfo, err), nil)
	}
	if cert := c.Certificate(); cert != nil {
		info.ExpireTime = cert.NotAfter
	}

	var changes map[string]string
	err = m.store.Update(ctx, func(tx store.Tx) error {
		rec, found, err := tx.FindCAByID(ctx, info.ID)
		if err != nil {
			return err
		}
		if !found {
			return ErrCADoesntExist
		}
		old, err := InfoFromRecord(rec)
		if err != nil {
			return err
		}
		if old.Name != info.Name || !sameDN(old.SubjectDN, info.SubjectDN) {
			return fmt.Errorf("%w: name or subject DN changed", ErrCADoesntExist)
		}
		info.SubjectDN = old.SubjectDN
		if info.Version == 0 {
			info.Version = old.Version
		}
		info.UpdateTime = m.now()

		if changes, err = diff(old, info); err != nil {
			return err
		}
		newRec, err := info.record()
		if err != nil {
			return err
		}
		if err := tx.PutCA(ctx, newRec); err != nil {
			return err
		}
		info.Version = newRec.Version
		return nil
	})
	if err != nil {
		return m.reject(ctx, audit.EventCAEdit, op, admin, info.ID, err, map[string]string{"name": info.Name})
	}

	m.cache.Invalidate(info.ID)
	m.notify(ctx, info.ID)
	m.log.WithFields(logrus.Fields{"ca_id": info.ID, "changes": len(changes)}).Info("CA edited")

	details := map[string]string{"name": info.Name}
	for k, v := range changes {
		details["changed."+k] = v
	}
	return m.succeed(ctx, audit.EventCAEdit, op, admin, info.ID, details)
}

func sameDN(a, b string) bool {
	if a == b {
		return true
	}
	x, errX := CanonicalDN(a)
	y, errY := CanonicalDN(b)
	return errX == nil && errY == nil && x == y
}

// GetCA returns the CA with id. The read checks the certificate expiry
// and may update the CA status.
func (m *Manager) GetCA(ctx context.Context, admin authz.Admin, id int32) (*CA, error) {
	if !m.authz.IsAuthorizedNoLogging(ctx, admin, authz.ResourceViewCA, authz.CAResource(id)) {
		return nil, &Error{Op: "get", CAID: id, Err: authz.ErrAuthorizationDenied}
	}
	c, found, err := m.LoadCA(ctx, id)
	if err != nil {
		return nil, &Error{Op: "get", CAID: id, Err: err}
	}
	if !found {
		return nil, &Error{Op: "get", CAID: id, Err: ErrCADoesntExist}
	}
	return c, nil
}

// GetCAByName returns the CA with name.
func (m *Manager) GetCAByName(ctx context.Context, admin authz.Admin, name string) (*CA, error) {
	c, found, err := m.loadCAByName(ctx, name)
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	if !found {
		return nil, &Error{Op: "get", Err: fmt.Errorf("%w: %s", ErrCADoesntExist, name)}
	}
	if !m.authz.IsAuthorizedNoLogging(ctx, admin, authz.ResourceViewCA, authz.CAResource(c.ID())) {
		return nil, &Error{Op: "get", CAID: c.ID(), Err: authz.ErrAuthorizationDenied}
	}
	return c, nil
}

// GetCAInfo returns a copy of the definition of the CA with id.
func (m *Manager) GetCAInfo(ctx context.Context, admin authz.Admin, id int32) (*CAInfo, error) {
	c, err := m.GetCA(ctx, admin, id)
	if err != nil {
		return nil, err
	}
	return c.Info(), nil
}

// GetCAInfoByName returns a copy of the definition of the CA with name.
func (m *Manager) GetCAInfoByName(ctx context.Context, admin authz.Admin, name string) (*CAInfo, error) {
	c, err := m.GetCAByName(ctx, admin, name)
	if err != nil {
		return nil, err
	}
	return c.Info(), nil
}

// LoadCA reads a CA without authorization, for internal callers such as
// the CRL engine. It returns (nil, false, nil) when no CA matches.
func (m *Manager) LoadCA(ctx context.Context, id int32) (*CA, bool, error) {
	if c, ok := m.cache.Get(id); ok {
		return m.checkExpiry(ctx, c), true, nil
	}
	if realID, ok := m.cache.Alias(id); ok {
		if c, ok := m.cache.Get(realID); ok {
			return m.checkExpiry(ctx, c), true, nil
		}
		id = realID
	}

	rec, found, err := m.store.FindCAByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		if rec, err = m.resolveAlias(ctx, id); err != nil || rec == nil {
			return nil, false, err
		}
	}
	c, err := m.fromRecord(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (m *Manager) loadCAByName(ctx context.Context, name string) (*CA, bool, error) {
	if c, ok := m.cache.GetByName(name); ok {
		return m.checkExpiry(ctx, c), true, nil
	}
	rec, found, err := m.store.FindCAByName(ctx, name)
	if err != nil || !found {
		return nil, false, err
	}
	c, err := m.fromRecord(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (m *Manager) fromRecord(ctx context.Context, rec *store.CARecord) (*CA, error) {
	info, err := InfoFromRecord(rec)
	if err != nil {
		return nil, err
	}
	c, err := New(info)
	if err != nil {
		return nil, err
	}
	c = m.checkExpiry(ctx, c)
	m.cache.Put(c)
	return c, nil
}

// resolveAlias handles a requested id that matches no row. It scans every
// CA and compares the id derived from the subject of its certificate. The
// scan is O(n) in the number of CAs; a hit is memoized in the cache.
func (m *Manager) resolveAlias(ctx context.Context, requested int32) (*store.CARecord, error) {
	log := m.log.WithField("requested_id", requested)
	log.Warn("CA id not found, scanning all CAs for a matching certificate subject")

	recs, err := m.store.ListCAs(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		info, err := InfoFromRecord(rec)
		if err != nil || len(info.CertificateChain) == 0 {
			continue
		}
		c, err := New(info)
		if err != nil {
			log.WithError(err).WithField("ca_id", rec.ID).Debug("skipping CA with unparsable certificate")
			continue
		}
		if IDFromSubjectDN(c.Certificate().Subject.String()) == requested {
			log.WithField("ca_id", rec.ID).Info("resolved CA id alias")
			m.cache.SetAlias(requested, rec.ID)
			return rec, nil
		}
	}
	return nil, nil
}

// checkExpiry forces the status of a CA with an expired certificate to
// expired. The status update is persisted on a best-effort basis.
func (m *Manager) checkExpiry(ctx context.Context, c *CA) *CA {
	cert := c.Certificate()
	if cert == nil {
		return c
	}
	now := m.now()
	log := m.log.WithFields(logrus.Fields{"ca_id": c.ID(), "name": c.Name()})

	if now.Before(cert.NotBefore) {
		log.WithField("not_before", cert.NotBefore).Warn("CA certificate is not yet valid")
		return c
	}
	if !now.After(cert.NotAfter) || c.Status() == StatusExpired || c.Status() == StatusExternal {
		return c
	}

	info := c.Info()
	info.Status = StatusExpired
	expired := &CA{info: info, chain: c.chain}
	log.WithField("not_after", cert.NotAfter).Info("CA certificate has expired, setting status to expired")

	err := m.store.Update(ctx, func(tx store.Tx) error {
		rec, found, err := tx.FindCAByID(ctx, info.ID)
		if err != nil || !found {
			return err
		}
		stored, err := InfoFromRecord(rec)
		if err != nil {
			return err
		}
		stored.Status = StatusExpired
		stored.UpdateTime = now
		newRec, err := stored.record()
		if err != nil {
			return err
		}
		if err := tx.PutCA(ctx, newRec); err != nil {
			return err
		}
		info.Version = newRec.Version
		return nil
	})
	if err != nil {
		// Retried on the next read.
		log.WithError(err).Debug("failed to persist expired status")
	}
	m.cache.Put(expired)
	return expired
}

// RemoveCA deletes the CA with id. Removing a CA that does not exist is a
// no-op. The attempt is audited either way.
func (m *Manager) RemoveCA(ctx context.Context, admin authz.Admin, id int32) error {
	const op = "remove"
	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceRemoveCA, authz.CAResource(id)) {
		return m.reject(ctx, audit.EventCARemove, op, admin, id, authz.ErrAuthorizationDenied, nil)
	}

	var removed *CAInfo
	err := m.store.Update(ctx, func(tx store.Tx) error {
		rec, found, err := tx.FindCAByID(ctx, id)
		if err != nil || !found {
			return err
		}
		if removed, err = InfoFromRecord(rec); err != nil {
			return err
		}
		return tx.DeleteCA(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		err = nil
	}
	if err != nil {
		return m.reject(ctx, audit.EventCARemove, op, admin, id, err, nil)
	}

	m.cache.Invalidate(id)
	m.notify(ctx, id)
	details := map[string]string{"removed": "false"}
	if removed != nil {
		details = map[string]string{"removed": "true", "name": removed.Name}
		m.releaseToken(ctx, removed.Token.TokenID)
		m.log.WithFields(logrus.Fields{"ca_id": id, "name": removed.Name}).Info("CA removed")
	}
	return m.succeed(ctx, audit.EventCARemove, op, admin, id, details)
}

// notify tells the other nodes that CA id changed. A failed broadcast
// leaves their copy until the cache refresh interval runs out.
func (m *Manager) notify(ctx context.Context, id int32) {
	if m.peers == nil {
		return
	}
	if err := m.peers.CAChanged(ctx, id); err != nil {
		m.log.WithError(err).WithField("ca_id", id).Warn("failed to notify other nodes of CA change")
	}
}

// releaseToken closes the token of a removed CA unless another CA uses it.
func (m *Manager) releaseToken(ctx context.Context, tokenID int) {
	if m.tokens == nil {
		return
	}
	if _, ok := m.tokens.Get(tokenID); !ok {
		return
	}
	recs, err := m.store.ListCAs(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to list CAs, keeping token registered")
		return
	}
	for _, rec := range recs {
		if info, err := InfoFromRecord(rec); err == nil && info.Token.TokenID == tokenID {
			return
		}
	}
	if err := m.tokens.Remove(tokenID); err != nil {
		m.log.WithError(err).WithField("token_id", tokenID).Warn("failed to close token")
	}
}

// RenameCA changes the name of a CA. It needs both add and remove rights.
func (m *Manager) RenameCA(ctx context.Context, admin authz.Admin, oldName, newName string) error {
	const op = "rename"
	details := map[string]string{"old_name": oldName, "new_name": newName}

	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceAddCA, authz.ResourceRemoveCA) {
		return m.reject(ctx, audit.EventCARename, op, admin, 0, authz.ErrAuthorizationDenied, details)
	}
	if newName == "" {
		return m.reject(ctx, audit.EventCARename, op, admin, 0,
			fmt.Errorf("%w: name is required", ErrInvalidCAInfo), details)
	}

	var id int32
	err := m.store.Update(ctx, func(tx store.Tx) error {
		if _, found, err := tx.FindCAByName(ctx, newName); err != nil {
			return err
		} else if found {
			return ErrCAExists
		}
		rec, found, err := tx.FindCAByName(ctx, oldName)
		if err != nil {
			return err
		}
		if !found {
			return ErrCADoesntExist
		}
		id = rec.ID
		info, err := InfoFromRecord(rec)
		if err != nil {
			return err
		}
		info.Name = newName
		info.UpdateTime = m.now()
		newRec, err := info.record()
		if err != nil {
			return err
		}
		return tx.PutCA(ctx, newRec)
	})
	if errors.Is(err, store.ErrDuplicate) {
		err = fmt.Errorf("%w: %w", ErrCAExists, err)
	}
	if err != nil {
		return m.reject(ctx, audit.EventCARename, op, admin, id, err, details)
	}

	m.cache.Invalidate(id)
	m.notify(ctx, id)
	m.log.WithFields(logrus.Fields{"ca_id": id, "old_name": oldName, "new_name": newName}).Info("CA renamed")
	return m.succeed(ctx, audit.EventCARename, op, admin, id, details)
}

// GetAvailableCAs returns the ids of the CAs admin may access, ordered by
// name.
func (m *Manager) GetAvailableCAs(ctx context.Context, admin authz.Admin) ([]int32, error) {
	recs, err := m.store.ListCAs(ctx)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	var ids []int32
	for _, rec := range recs {
		if m.authz.IsAuthorizedNoLogging(ctx, admin, authz.CAResource(rec.ID)) {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

// GetAllCAIDs returns every CA id without authorization, for schedulers.
func (m *Manager) GetAllCAIDs(ctx context.Context) ([]int32, error) {
	recs, err := m.store.ListCAs(ctx)
	if err != nil {
		return nil, &Error{Op: "list", Err: err}
	}
	ids := make([]int32, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ClearCache flushes the local CA cache.
func (m *Manager) ClearCache() {
	m.cache.InvalidateAll()
	m.log.Info("CA cache cleared")
}

// reject audits a failed mutation and returns the wrapped error. A failure
// to write the audit event is logged; the original error wins.
func (m *Manager) reject(ctx context.Context, ev audit.EventType, op string, admin authz.Admin, caID int32, err error, details map[string]string) error {
	d := map[string]string{"error": err.Error()}
	for k, v := range details {
		d[k] = v
	}
	if aerr := m.audit.Log(ctx, ev, audit.ResultFailure, audit.ModuleCA, audit.ServiceCore, admin.ID, caID, d); aerr != nil {
		m.log.WithError(aerr).WithField("event", ev).Error("failed to write audit event")
	}
	m.log.WithError(err).WithFields(logrus.Fields{"op": op, "ca_id": caID, "admin": admin.ID}).Warn("CA operation rejected")
	return &Error{Op: op, CAID: caID, Err: err}
}

// succeed audits a committed mutation. A failed write fails the operation.
func (m *Manager) succeed(ctx context.Context, ev audit.EventType, op string, admin authz.Admin, caID int32, details map[string]string) error {
	if err := m.audit.Log(ctx, ev, audit.ResultSuccess, audit.ModuleCA, audit.ServiceCore, admin.ID, caID, details); err != nil {
		return &Error{Op: op, CAID: caID, Err: fmt.Errorf("audit: %w", err)}
	}
	return nil
}
