// Package store defines the persistence contract of the CA core and its
// bbolt implementation.
//
// All writes go through Store.Update, which runs the callback in one
// transaction: either every write commits or none does. Versioned rows
// (CA, certificate, validator) are written with an optimistic version
// check; CRL rows are append-only and their numbers must increase.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConcurrentModification is returned when a versioned row changed
	// since it was read.
	ErrConcurrentModification = errors.New("store: concurrent modification")

	// ErrCRLNumberNotMonotonic is returned by PutCRL when a CRL with the
	// same or a higher number is already stored for the issuer.
	ErrCRLNumberNotMonotonic = errors.New("store: CRL number not greater than last stored")

	// ErrNotFound is returned by deletes of rows that do not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique name is already taken by
	// another row.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Reader holds the lookup half of the contract. Finders return
// (record, true, nil) on hit and (nil, false, nil) on miss; err is only
// set for storage failures.
type Reader interface {
	FindCAByID(ctx context.Context, id int32) (*CARecord, bool, error)
	FindCAByName(ctx context.Context, name string) (*CARecord, bool, error)
	ListCAs(ctx context.Context) ([]*CARecord, error)

	FindCertificate(ctx context.Context, fingerprint string) (*CertificateRecord, bool, error)
	FindCertificateBySerial(ctx context.Context, issuerDN, serialHex string) (*CertificateRecord, bool, error)
	ListCertificates(ctx context.Context, issuerDN string) ([]*CertificateRecord, error)

	// FindRevokedCertificates returns the certificates of issuerDN with
	// status revoked. With a non-zero since it returns only rows updated
	// at or after since, and also includes rows taken off hold
	// (reason removeFromCRL).
	FindRevokedCertificates(ctx context.Context, issuerDN string, since time.Time) ([]*CertificateRecord, error)

	FindLastCRL(ctx context.Context, issuerDN string, delta bool) (*CRLRecord, bool, error)
	FindCRL(ctx context.Context, fingerprint string) (*CRLRecord, bool, error)
	ListCRLs(ctx context.Context, issuerDN string) ([]*CRLRecord, error)

	FindValidator(ctx context.Context, id int) (*ValidatorRecord, bool, error)
	FindValidatorByName(ctx context.Context, name string) (*ValidatorRecord, bool, error)
	ListValidators(ctx context.Context) ([]*ValidatorRecord, error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader

	// PutCA inserts (Version 0) or updates (Version = stored version) a
	// CA row. On success rec.Version is the new stored version.
	PutCA(ctx context.Context, rec *CARecord) error
	DeleteCA(ctx context.Context, id int32) error

	PutCertificate(ctx context.Context, rec *CertificateRecord) error

	// PutCRL appends a CRL. It fails with ErrCRLNumberNotMonotonic unless
	// rec.CRLNumber is greater than every number stored for the issuer.
	// Full and delta CRLs share one sequence, so both kinds are checked.
	PutCRL(ctx context.Context, rec *CRLRecord) error

	PutValidator(ctx context.Context, rec *ValidatorRecord) error
	DeleteValidator(ctx context.Context, id int) error
}

// Store is the persistence backend.
type Store interface {
	Reader
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
