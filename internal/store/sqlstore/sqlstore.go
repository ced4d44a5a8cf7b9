// Package sqlstore implements store.Store on MySQL through gorm, for
// clustered deployments where several nodes share one database.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/remiblancher/cacore/internal/store"
)

// Store implements store.Store on a gorm database.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to MySQL and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return New(db)
}

// MySQL server error numbers.
const (
	errDupEntry     = 1062
	errLockDeadlock = 1213
)

func mysqlErrno(err error) uint16 {
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// isDuplicate reports a unique key violation, translated by gorm or not:
// New accepts connections opened without TranslateError.
func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || mysqlErrno(err) == errDupEntry
}

// isDeadlock reports that MySQL rolled the transaction back to break a
// lock cycle with another writer.
func isDeadlock(err error) bool {
	return mysqlErrno(err) == errLockDeadlock
}

// New wraps an existing gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&caRow{}, &certificateRow{}, &crlRow{}, &validatorRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Update runs fn in one database transaction.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlTx{db: tx})
	})
}

func (s *Store) reader(ctx context.Context) *sqlTx {
	return &sqlTx{db: s.db.WithContext(ctx)}
}

func (s *Store) FindCAByID(ctx context.Context, id int32) (*store.CARecord, bool, error) {
	return s.reader(ctx).FindCAByID(ctx, id)
}

func (s *Store) FindCAByName(ctx context.Context, name string) (*store.CARecord, bool, error) {
	return s.reader(ctx).FindCAByName(ctx, name)
}

func (s *Store) ListCAs(ctx context.Context) ([]*store.CARecord, error) {
	return s.reader(ctx).ListCAs(ctx)
}

func (s *Store) FindCertificate(ctx context.Context, fingerprint string) (*store.CertificateRecord, bool, error) {
	return s.reader(ctx).FindCertificate(ctx, fingerprint)
}

func (s *Store) FindCertificateBySerial(ctx context.Context, issuerDN, serialHex string) (*store.CertificateRecord, bool, error) {
	return s.reader(ctx).FindCertificateBySerial(ctx, issuerDN, serialHex)
}

func (s *Store) ListCertificates(ctx context.Context, issuerDN string) ([]*store.CertificateRecord, error) {
	return s.reader(ctx).ListCertificates(ctx, issuerDN)
}

func (s *Store) FindRevokedCertificates(ctx context.Context, issuerDN string, since time.Time) ([]*store.CertificateRecord, error) {
	return s.reader(ctx).FindRevokedCertificates(ctx, issuerDN, since)
}

func (s *Store) FindLastCRL(ctx context.Context, issuerDN string, delta bool) (*store.CRLRecord, bool, error) {
	return s.reader(ctx).FindLastCRL(ctx, issuerDN, delta)
}

func (s *Store) FindCRL(ctx context.Context, fingerprint string) (*store.CRLRecord, bool, error) {
	return s.reader(ctx).FindCRL(ctx, fingerprint)
}

func (s *Store) ListCRLs(ctx context.Context, issuerDN string) ([]*store.CRLRecord, error) {
	return s.reader(ctx).ListCRLs(ctx, issuerDN)
}

func (s *Store) FindValidator(ctx context.Context, id int) (*store.ValidatorRecord, bool, error) {
	return s.reader(ctx).FindValidator(ctx, id)
}

func (s *Store) FindValidatorByName(ctx context.Context, name string) (*store.ValidatorRecord, bool, error) {
	return s.reader(ctx).FindValidatorByName(ctx, name)
}

func (s *Store) ListValidators(ctx context.Context) ([]*store.ValidatorRecord, error) {
	return s.reader(ctx).ListValidators(ctx)
}

type sqlTx struct {
	db *gorm.DB
}

var _ store.Tx = (*sqlTx)(nil)

// first runs a single-row query and maps gorm's not-found to a miss.
func first[T any](q *gorm.DB) (*T, bool, error) {
	var row T
	err := q.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &row, true, nil
}

func (t *sqlTx) FindCAByID(_ context.Context, id int32) (*store.CARecord, bool, error) {
	row, ok, err := first[caRow](t.db.Where("id = ?", id))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) FindCAByName(_ context.Context, name string) (*store.CARecord, bool, error) {
	row, ok, err := first[caRow](t.db.Where("name = ?", name))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) ListCAs(_ context.Context) ([]*store.CARecord, error) {
	var rows []caRow
	if err := t.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.CARecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

func (t *sqlTx) PutCA(_ context.Context, rec *store.CARecord) error {
	if owner, ok, err := first[caRow](t.db.Where("name = ? AND id <> ?", rec.Name, rec.ID)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("CA name %q taken by %d: %w", rec.Name, owner.ID, store.ErrDuplicate)
	}

	next := rec.Version + 1
	if rec.Version == 0 {
		if _, exists, err := first[caRow](t.db.Where("id = ?", rec.ID)); err != nil {
			return err
		} else if exists {
			return store.ErrConcurrentModification
		}
		if err := t.db.Create(caRowFrom(rec, next)).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("CA %d %q: %w", rec.ID, rec.Name, store.ErrDuplicate)
			}
			return err
		}
		rec.Version = next
		return nil
	}

	res := t.db.Model(&caRow{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Select("*").
		Updates(caRowFrom(rec, next))
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return fmt.Errorf("CA name %q: %w", rec.Name, store.ErrDuplicate)
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConcurrentModification
	}
	rec.Version = next
	return nil
}

func (t *sqlTx) DeleteCA(_ context.Context, id int32) error {
	res := t.db.Where("id = ?", id).Delete(&caRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("CA %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) FindCertificate(_ context.Context, fingerprint string) (*store.CertificateRecord, bool, error) {
	row, ok, err := first[certificateRow](t.db.Where("fingerprint = ?", fingerprint))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) FindCertificateBySerial(_ context.Context, issuerDN, serialHex string) (*store.CertificateRecord, bool, error) {
	row, ok, err := first[certificateRow](t.db.Where("issuer_dn = ? AND serial_number = ?", issuerDN, serialHex))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) ListCertificates(_ context.Context, issuerDN string) ([]*store.CertificateRecord, error) {
	return t.findCertificates(t.db.Where("issuer_dn = ?", issuerDN))
}

func (t *sqlTx) FindRevokedCertificates(_ context.Context, issuerDN string, since time.Time) ([]*store.CertificateRecord, error) {
	q := t.db.Where("issuer_dn = ?", issuerDN)
	if since.IsZero() {
		q = q.Where("status = ?", string(store.CertStatusRevoked))
	} else {
		q = q.Where("update_time >= ?", since).
			Where("status = ? OR revocation_reason = ?", string(store.CertStatusRevoked), int(store.ReasonRemoveFromCRL))
	}
	return t.findCertificates(q)
}

func (t *sqlTx) findCertificates(q *gorm.DB) ([]*store.CertificateRecord, error) {
	var rows []certificateRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.CertificateRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

func (t *sqlTx) PutCertificate(_ context.Context, rec *store.CertificateRecord) error {
	next := rec.Version + 1
	if rec.Version == 0 {
		if err := t.db.Create(certificateRowFrom(rec, next)).Error; err != nil {
			if isDuplicate(err) {
				return store.ErrConcurrentModification
			}
			return err
		}
		rec.Version = next
		return nil
	}

	res := t.db.Model(&certificateRow{}).
		Where("fingerprint = ? AND version = ?", rec.Fingerprint, rec.Version).
		Select("*").
		Updates(certificateRowFrom(rec, next))
	if res.Error != nil {
		if isDeadlock(res.Error) {
			return fmt.Errorf("certificate %s: %w", rec.Fingerprint, store.ErrConcurrentModification)
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConcurrentModification
	}
	rec.Version = next
	return nil
}

func (t *sqlTx) FindLastCRL(_ context.Context, issuerDN string, delta bool) (*store.CRLRecord, bool, error) {
	q := t.db.Where("issuer_dn = ?", issuerDN)
	if delta {
		q = q.Where("delta_crl_indicator >= 0")
	} else {
		q = q.Where("delta_crl_indicator < 0")
	}
	row, ok, err := first[crlRow](q.Order("crl_number DESC").Limit(1))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) FindCRL(_ context.Context, fingerprint string) (*store.CRLRecord, bool, error) {
	row, ok, err := first[crlRow](t.db.Where("fingerprint = ?", fingerprint))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) ListCRLs(_ context.Context, issuerDN string) ([]*store.CRLRecord, error) {
	var rows []crlRow
	if err := t.db.Where("issuer_dn = ?", issuerDN).Order("crl_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.CRLRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

func (t *sqlTx) PutCRL(_ context.Context, rec *store.CRLRecord) error {
	var last struct{ Max *int64 }
	err := t.db.Model(&crlRow{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("MAX(crl_number) AS max").
		Where("issuer_dn = ?", rec.IssuerDN).
		Scan(&last).Error
	if isDeadlock(err) {
		return fmt.Errorf("CRL %d for %q: %w", rec.CRLNumber, rec.IssuerDN, store.ErrCRLNumberNotMonotonic)
	}
	if err != nil {
		return err
	}
	if last.Max != nil && rec.CRLNumber <= *last.Max {
		return fmt.Errorf("CRL number %d for %q (last %d): %w",
			rec.CRLNumber, rec.IssuerDN, *last.Max, store.ErrCRLNumberNotMonotonic)
	}

	row := &crlRow{
		Fingerprint:       rec.Fingerprint,
		IssuerDN:          rec.IssuerDN,
		CAFingerprint:     rec.CAFingerprint,
		CRLNumber:         rec.CRLNumber,
		DeltaCRLIndicator: rec.DeltaCRLIndicator,
		ThisUpdate:        rec.ThisUpdate,
		NextUpdate:        rec.NextUpdate,
		Encoded:           rec.Encoded,
	}
	if err := t.db.Create(row).Error; err != nil {
		// Two writers that both read the old maximum: the loser hits the
		// unique index or is picked as the deadlock victim.
		if isDuplicate(err) || isDeadlock(err) {
			return fmt.Errorf("CRL %d for %q: %w", rec.CRLNumber, rec.IssuerDN, store.ErrCRLNumberNotMonotonic)
		}
		return err
	}
	return nil
}

func (t *sqlTx) FindValidator(_ context.Context, id int) (*store.ValidatorRecord, bool, error) {
	row, ok, err := first[validatorRow](t.db.Where("id = ?", id))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) FindValidatorByName(_ context.Context, name string) (*store.ValidatorRecord, bool, error) {
	row, ok, err := first[validatorRow](t.db.Where("name = ?", name))
	if !ok {
		return nil, false, err
	}
	return row.record(), true, nil
}

func (t *sqlTx) ListValidators(_ context.Context) ([]*store.ValidatorRecord, error) {
	var rows []validatorRow
	if err := t.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.ValidatorRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

func (t *sqlTx) PutValidator(_ context.Context, rec *store.ValidatorRecord) error {
	if _, ok, err := first[validatorRow](t.db.Where("name = ? AND id <> ?", rec.Name, rec.ID)); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("key validator name %q: %w", rec.Name, store.ErrDuplicate)
	}

	next := rec.Version + 1
	row := &validatorRow{
		ID:         rec.ID,
		Name:       rec.Name,
		Type:       rec.Type,
		Data:       string(rec.Data),
		UpdateTime: rec.UpdateTime,
		Version:    next,
	}
	if rec.Version == 0 {
		if _, exists, err := first[validatorRow](t.db.Where("id = ?", rec.ID)); err != nil {
			return err
		} else if exists {
			return store.ErrConcurrentModification
		}
		if err := t.db.Create(row).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("key validator %d %q: %w", rec.ID, rec.Name, store.ErrDuplicate)
			}
			return err
		}
		rec.Version = next
		return nil
	}

	res := t.db.Model(&validatorRow{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Select("*").
		Updates(row)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return fmt.Errorf("key validator name %q: %w", rec.Name, store.ErrDuplicate)
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrConcurrentModification
	}
	rec.Version = next
	return nil
}

func (t *sqlTx) DeleteValidator(_ context.Context, id int) error {
	res := t.db.Where("id = ?", id).Delete(&validatorRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("key validator %d: %w", id, store.ErrNotFound)
	}
	return nil
}
