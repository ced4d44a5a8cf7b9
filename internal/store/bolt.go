package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketCAs            = []byte("cas")
	bucketCANames        = []byte("ca_names")
	bucketCerts          = []byte("certs")
	bucketCertsByIssuer  = []byte("certs_by_issuer")
	bucketCertsBySerial  = []byte("certs_by_serial")
	bucketCRLs           = []byte("crls")
	bucketCRLsByIssuer   = []byte("crls_by_issuer")
	bucketValidators     = []byte("validators")
	bucketValidatorNames = []byte("validator_names")

	allBuckets = [][]byte{
		bucketCAs, bucketCANames,
		bucketCerts, bucketCertsByIssuer, bucketCertsBySerial,
		bucketCRLs, bucketCRLsByIssuer,
		bucketValidators, bucketValidatorNames,
	}
)

// BoltStore implements Store on a bbolt database file.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string, options *bbolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: 5 * time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn in a single read-write transaction.
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *boltTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *BoltStore) FindCAByID(ctx context.Context, id int32) (rec *CARecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindCAByID(ctx, id)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) FindCAByName(ctx context.Context, name string) (rec *CARecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindCAByName(ctx, name)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) ListCAs(ctx context.Context) (recs []*CARecord, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		recs, err = tx.ListCAs(ctx)
		return err
	})
	return recs, err
}

func (s *BoltStore) FindCertificate(ctx context.Context, fingerprint string) (rec *CertificateRecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindCertificate(ctx, fingerprint)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) FindCertificateBySerial(ctx context.Context, issuerDN, serialHex string) (rec *CertificateRecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindCertificateBySerial(ctx, issuerDN, serialHex)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) ListCertificates(ctx context.Context, issuerDN string) (recs []*CertificateRecord, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		recs, err = tx.ListCertificates(ctx, issuerDN)
		return err
	})
	return recs, err
}

func (s *BoltStore) FindRevokedCertificates(ctx context.Context, issuerDN string, since time.Time) (recs []*CertificateRecord, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		recs, err = tx.FindRevokedCertificates(ctx, issuerDN, since)
		return err
	})
	return recs, err
}

func (s *BoltStore) FindLastCRL(ctx context.Context, issuerDN string, delta bool) (rec *CRLRecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindLastCRL(ctx, issuerDN, delta)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) FindCRL(ctx context.Context, fingerprint string) (rec *CRLRecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindCRL(ctx, fingerprint)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) ListCRLs(ctx context.Context, issuerDN string) (recs []*CRLRecord, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		recs, err = tx.ListCRLs(ctx, issuerDN)
		return err
	})
	return recs, err
}

func (s *BoltStore) FindValidator(ctx context.Context, id int) (rec *ValidatorRecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindValidator(ctx, id)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) FindValidatorByName(ctx context.Context, name string) (rec *ValidatorRecord, ok bool, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		rec, ok, err = tx.FindValidatorByName(ctx, name)
		return err
	})
	return rec, ok, err
}

func (s *BoltStore) ListValidators(ctx context.Context) (recs []*ValidatorRecord, err error) {
	err = s.view(ctx, func(tx *boltTx) error {
		recs, err = tx.ListValidators(ctx)
		return err
	})
	return recs, err
}

// boltTx implements Tx over a bbolt transaction. Read-only transactions
// reuse it for the Reader half.
type boltTx struct {
	tx *bbolt.Tx
}

var _ Tx = (*boltTx)(nil)

func caKey(id int32) []byte {
	return []byte(strconv.FormatInt(int64(id), 10))
}

func validatorKey(id int) []byte {
	return []byte(strconv.Itoa(id))
}

// issuerKey joins an issuer DN and a suffix; DNs never contain NUL.
func issuerKey(issuerDN, suffix string) []byte {
	return []byte(issuerDN + "\x00" + suffix)
}

func issuerPrefix(issuerDN string) []byte {
	return []byte(issuerDN + "\x00")
}

func crlNumberKey(number int64) string {
	return fmt.Sprintf("%020d", number)
}

func getJSON[T any](b *bbolt.Bucket, key []byte) (*T, bool, error) {
	data := b.Get(key)
	if data == nil {
		return nil, false, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, true, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// checkVersion applies the optimistic version rule: expected 0 means the
// row must not exist, otherwise the stored version must match.
func checkVersion(exists bool, stored, expected int64) error {
	if expected == 0 {
		if exists {
			return ErrConcurrentModification
		}
		return nil
	}
	if !exists || stored != expected {
		return ErrConcurrentModification
	}
	return nil
}

func (t *boltTx) FindCAByID(ctx context.Context, id int32) (*CARecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return getJSON[CARecord](t.tx.Bucket(bucketCAs), caKey(id))
}

func (t *boltTx) FindCAByName(ctx context.Context, name string) (*CARecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	id := t.tx.Bucket(bucketCANames).Get([]byte(name))
	if id == nil {
		return nil, false, nil
	}
	return getJSON[CARecord](t.tx.Bucket(bucketCAs), id)
}

func (t *boltTx) ListCAs(ctx context.Context) ([]*CARecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*CARecord
	err := t.tx.Bucket(bucketCAs).ForEach(func(_, v []byte) error {
		var rec CARecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

func (t *boltTx) PutCA(ctx context.Context, rec *CARecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cas := t.tx.Bucket(bucketCAs)
	names := t.tx.Bucket(bucketCANames)

	existing, exists, err := getJSON[CARecord](cas, caKey(rec.ID))
	if err != nil {
		return err
	}
	var stored int64
	if exists {
		stored = existing.Version
	}
	if err := checkVersion(exists, stored, rec.Version); err != nil {
		return err
	}
	if owner := names.Get([]byte(rec.Name)); owner != nil && !bytes.Equal(owner, caKey(rec.ID)) {
		return fmt.Errorf("CA name %q: %w", rec.Name, ErrDuplicate)
	}
	if exists && existing.Name != rec.Name {
		if err := names.Delete([]byte(existing.Name)); err != nil {
			return err
		}
	}

	next := *rec
	next.Version = stored + 1
	if err := putJSON(cas, caKey(rec.ID), &next); err != nil {
		return err
	}
	if err := names.Put([]byte(rec.Name), caKey(rec.ID)); err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

func (t *boltTx) DeleteCA(ctx context.Context, id int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cas := t.tx.Bucket(bucketCAs)
	existing, ok, err := getJSON[CARecord](cas, caKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("CA %d: %w", id, ErrNotFound)
	}
	if err := t.tx.Bucket(bucketCANames).Delete([]byte(existing.Name)); err != nil {
		return err
	}
	return cas.Delete(caKey(id))
}

func (t *boltTx) FindCertificate(ctx context.Context, fingerprint string) (*CertificateRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return getJSON[CertificateRecord](t.tx.Bucket(bucketCerts), []byte(fingerprint))
}

func (t *boltTx) FindCertificateBySerial(ctx context.Context, issuerDN, serialHex string) (*CertificateRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	fp := t.tx.Bucket(bucketCertsBySerial).Get(issuerKey(issuerDN, serialHex))
	if fp == nil {
		return nil, false, nil
	}
	return getJSON[CertificateRecord](t.tx.Bucket(bucketCerts), fp)
}

func (t *boltTx) ListCertificates(ctx context.Context, issuerDN string) ([]*CertificateRecord, error) {
	return t.scanCertificates(ctx, issuerDN, func(*CertificateRecord) bool { return true })
}

func (t *boltTx) FindRevokedCertificates(ctx context.Context, issuerDN string, since time.Time) ([]*CertificateRecord, error) {
	return t.scanCertificates(ctx, issuerDN, func(rec *CertificateRecord) bool {
		if since.IsZero() {
			return rec.IsRevoked()
		}
		if rec.UpdateTime.Before(since) {
			return false
		}
		return rec.IsRevoked() || rec.RevocationReason == ReasonRemoveFromCRL
	})
}

func (t *boltTx) scanCertificates(ctx context.Context, issuerDN string, keep func(*CertificateRecord) bool) ([]*CertificateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certs := t.tx.Bucket(bucketCerts)
	prefix := issuerPrefix(issuerDN)
	var out []*CertificateRecord

	c := t.tx.Bucket(bucketCertsByIssuer).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		rec, ok, err := getJSON[CertificateRecord](certs, k[len(prefix):])
		if err != nil {
			return nil, err
		}
		if ok && keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *boltTx) PutCertificate(ctx context.Context, rec *CertificateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	certs := t.tx.Bucket(bucketCerts)
	existing, exists, err := getJSON[CertificateRecord](certs, []byte(rec.Fingerprint))
	if err != nil {
		return err
	}
	var stored int64
	if exists {
		stored = existing.Version
	}
	if err := checkVersion(exists, stored, rec.Version); err != nil {
		return err
	}

	next := *rec
	next.Version = stored + 1
	if err := putJSON(certs, []byte(rec.Fingerprint), &next); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketCertsByIssuer).Put(issuerKey(rec.IssuerDN, rec.Fingerprint), nil); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketCertsBySerial).Put(issuerKey(rec.IssuerDN, rec.SerialNumber), []byte(rec.Fingerprint)); err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

func (t *boltTx) FindLastCRL(ctx context.Context, issuerDN string, delta bool) (*CRLRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	crls := t.tx.Bucket(bucketCRLs)
	prefix := issuerPrefix(issuerDN)

	// Walk backwards from the end of the issuer's key range.
	c := t.tx.Bucket(bucketCRLsByIssuer).Cursor()
	k, v := c.Seek(issuerPrefix(issuerDN + "\x01"))
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		rec, ok, err := getJSON[CRLRecord](crls, v)
		if err != nil {
			return nil, false, err
		}
		if ok && rec.IsDelta() == delta {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

func (t *boltTx) FindCRL(ctx context.Context, fingerprint string) (*CRLRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return getJSON[CRLRecord](t.tx.Bucket(bucketCRLs), []byte(fingerprint))
}

func (t *boltTx) ListCRLs(ctx context.Context, issuerDN string) ([]*CRLRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	crls := t.tx.Bucket(bucketCRLs)
	prefix := issuerPrefix(issuerDN)
	var out []*CRLRecord

	c := t.tx.Bucket(bucketCRLsByIssuer).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		rec, ok, err := getJSON[CRLRecord](crls, v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *boltTx) PutCRL(ctx context.Context, rec *CRLRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, delta := range []bool{false, true} {
		last, ok, err := t.FindLastCRL(ctx, rec.IssuerDN, delta)
		if err != nil {
			return err
		}
		if ok && rec.CRLNumber <= last.CRLNumber {
			return fmt.Errorf("CRL number %d for %q (last %d): %w",
				rec.CRLNumber, rec.IssuerDN, last.CRLNumber, ErrCRLNumberNotMonotonic)
		}
	}

	crls := t.tx.Bucket(bucketCRLs)
	if crls.Get([]byte(rec.Fingerprint)) != nil {
		return fmt.Errorf("CRL %s: %w", rec.Fingerprint, ErrDuplicate)
	}
	if err := putJSON(crls, []byte(rec.Fingerprint), rec); err != nil {
		return err
	}
	return t.tx.Bucket(bucketCRLsByIssuer).Put(issuerKey(rec.IssuerDN, crlNumberKey(rec.CRLNumber)), []byte(rec.Fingerprint))
}

func (t *boltTx) FindValidator(ctx context.Context, id int) (*ValidatorRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return getJSON[ValidatorRecord](t.tx.Bucket(bucketValidators), validatorKey(id))
}

func (t *boltTx) FindValidatorByName(ctx context.Context, name string) (*ValidatorRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	id := t.tx.Bucket(bucketValidatorNames).Get([]byte(name))
	if id == nil {
		return nil, false, nil
	}
	return getJSON[ValidatorRecord](t.tx.Bucket(bucketValidators), id)
}

func (t *boltTx) ListValidators(ctx context.Context) ([]*ValidatorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*ValidatorRecord
	err := t.tx.Bucket(bucketValidators).ForEach(func(_, v []byte) error {
		var rec ValidatorRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

func (t *boltTx) PutValidator(ctx context.Context, rec *ValidatorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	validators := t.tx.Bucket(bucketValidators)
	names := t.tx.Bucket(bucketValidatorNames)

	existing, exists, err := getJSON[ValidatorRecord](validators, validatorKey(rec.ID))
	if err != nil {
		return err
	}
	var stored int64
	if exists {
		stored = existing.Version
	}
	if err := checkVersion(exists, stored, rec.Version); err != nil {
		return err
	}
	if owner := names.Get([]byte(rec.Name)); owner != nil && !bytes.Equal(owner, validatorKey(rec.ID)) {
		return fmt.Errorf("key validator name %q: %w", rec.Name, ErrDuplicate)
	}
	if exists && existing.Name != rec.Name {
		if err := names.Delete([]byte(existing.Name)); err != nil {
			return err
		}
	}

	next := *rec
	next.Version = stored + 1
	if err := putJSON(validators, validatorKey(rec.ID), &next); err != nil {
		return err
	}
	if err := names.Put([]byte(rec.Name), validatorKey(rec.ID)); err != nil {
		return err
	}
	rec.Version = next.Version
	return nil
}

func (t *boltTx) DeleteValidator(ctx context.Context, id int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	validators := t.tx.Bucket(bucketValidators)
	existing, ok, err := getJSON[ValidatorRecord](validators, validatorKey(id))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key validator %d: %w", id, ErrNotFound)
	}
	if err := t.tx.Bucket(bucketValidatorNames).Delete([]byte(existing.Name)); err != nil {
		return err
	}
	return validators.Delete(validatorKey(id))
}
