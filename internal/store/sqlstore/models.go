package sqlstore

import (
	"time"

	"gorm.io/datatypes"

	"github.com/remiblancher/cacore/internal/store"
)

// caRow maps the CA table.
type caRow struct {
	ID         int32          `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name       string         `gorm:"column:name;type:varchar(255);not null;uniqueIndex"`
	SubjectDN  string         `gorm:"column:subject_dn;type:varchar(1024);not null"`
	Status     string         `gorm:"column:status;type:varchar(40);not null"`
	ExpireTime time.Time      `gorm:"column:expire_time"`
	UpdateTime time.Time      `gorm:"column:update_time;not null"`
	Data       datatypes.JSON `gorm:"column:data;type:json"`
	Version    int64          `gorm:"column:version;not null"`
}

func (caRow) TableName() string { return "ca_data" }

func (r *caRow) record() *store.CARecord {
	return &store.CARecord{
		ID:         r.ID,
		Name:       r.Name,
		SubjectDN:  r.SubjectDN,
		Status:     r.Status,
		ExpireTime: r.ExpireTime,
		UpdateTime: r.UpdateTime,
		Data:       []byte(r.Data),
		Version:    r.Version,
	}
}

func caRowFrom(rec *store.CARecord, version int64) *caRow {
	return &caRow{
		ID:         rec.ID,
		Name:       rec.Name,
		SubjectDN:  rec.SubjectDN,
		Status:     rec.Status,
		ExpireTime: rec.ExpireTime,
		UpdateTime: rec.UpdateTime,
		Data:       datatypes.JSON(rec.Data),
		Version:    version,
	}
}

// certificateRow maps the certificate table.
type certificateRow struct {
	Fingerprint          string     `gorm:"column:fingerprint;type:varchar(64);primaryKey"`
	IssuerDN             string     `gorm:"column:issuer_dn;type:varchar(255);not null;index:idx_issuer_serial,priority:1"`
	CAFingerprint        string     `gorm:"column:ca_fingerprint;type:varchar(64)"`
	SerialNumber         string     `gorm:"column:serial_number;type:varchar(64);not null;index:idx_issuer_serial,priority:2"`
	SubjectDN            string     `gorm:"column:subject_dn;type:varchar(1024)"`
	Status               string     `gorm:"column:status;type:varchar(40);not null"`
	Type                 string     `gorm:"column:type;type:varchar(20);not null"`
	CertificateProfileID int        `gorm:"column:certificate_profile_id"`
	RevocationReason     int        `gorm:"column:revocation_reason;not null"`
	RevocationDate       *time.Time `gorm:"column:revocation_date"`
	ExpireDate           time.Time  `gorm:"column:expire_date;not null"`
	UpdateTime           time.Time  `gorm:"column:update_time;not null;index"`
	Tag                  string     `gorm:"column:tag;type:varchar(255)"`
	Username             string     `gorm:"column:username;type:varchar(255)"`
	Encoded              []byte     `gorm:"column:encoded;type:longblob"`
	Version              int64      `gorm:"column:version;not null"`
}

func (certificateRow) TableName() string { return "certificate_data" }

func (r *certificateRow) record() *store.CertificateRecord {
	rec := &store.CertificateRecord{
		Fingerprint:          r.Fingerprint,
		IssuerDN:             r.IssuerDN,
		CAFingerprint:        r.CAFingerprint,
		SerialNumber:         r.SerialNumber,
		SubjectDN:            r.SubjectDN,
		Status:               store.CertificateStatus(r.Status),
		Type:                 store.CertificateType(r.Type),
		CertificateProfileID: r.CertificateProfileID,
		RevocationReason:     store.RevocationReason(r.RevocationReason),
		ExpireDate:           r.ExpireDate,
		UpdateTime:           r.UpdateTime,
		Tag:                  r.Tag,
		Username:             r.Username,
		Encoded:              r.Encoded,
		Version:              r.Version,
	}
	if r.RevocationDate != nil {
		rec.RevocationDate = *r.RevocationDate
	}
	return rec
}

func certificateRowFrom(rec *store.CertificateRecord, version int64) *certificateRow {
	row := &certificateRow{
		Fingerprint:          rec.Fingerprint,
		IssuerDN:             rec.IssuerDN,
		CAFingerprint:        rec.CAFingerprint,
		SerialNumber:         rec.SerialNumber,
		SubjectDN:            rec.SubjectDN,
		Status:               string(rec.Status),
		Type:                 string(rec.Type),
		CertificateProfileID: rec.CertificateProfileID,
		RevocationReason:     int(rec.RevocationReason),
		ExpireDate:           rec.ExpireDate,
		UpdateTime:           rec.UpdateTime,
		Tag:                  rec.Tag,
		Username:             rec.Username,
		Encoded:              rec.Encoded,
		Version:              version,
	}
	if !rec.RevocationDate.IsZero() {
		d := rec.RevocationDate
		row.RevocationDate = &d
	}
	return row
}

// crlRow maps the append-only CRL table. The unique index on
// (issuer_dn, crl_number) backs the monotonic check.
type crlRow struct {
	Fingerprint       string    `gorm:"column:fingerprint;type:varchar(64);primaryKey"`
	IssuerDN          string    `gorm:"column:issuer_dn;type:varchar(255);not null;uniqueIndex:idx_issuer_number,priority:1"`
	CAFingerprint     string    `gorm:"column:ca_fingerprint;type:varchar(64)"`
	CRLNumber         int64     `gorm:"column:crl_number;not null;uniqueIndex:idx_issuer_number,priority:2"`
	DeltaCRLIndicator int64     `gorm:"column:delta_crl_indicator;not null"`
	ThisUpdate        time.Time `gorm:"column:this_update;not null"`
	NextUpdate        time.Time `gorm:"column:next_update;not null"`
	Encoded           []byte    `gorm:"column:encoded;type:longblob"`
}

func (crlRow) TableName() string { return "crl_data" }

func (r *crlRow) record() *store.CRLRecord {
	return &store.CRLRecord{
		Fingerprint:       r.Fingerprint,
		IssuerDN:          r.IssuerDN,
		CAFingerprint:     r.CAFingerprint,
		CRLNumber:         r.CRLNumber,
		DeltaCRLIndicator: r.DeltaCRLIndicator,
		ThisUpdate:        r.ThisUpdate,
		NextUpdate:        r.NextUpdate,
		Encoded:           r.Encoded,
	}
}

// validatorRow maps the key validator table.
type validatorRow struct {
	ID         int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name       string    `gorm:"column:name;type:varchar(255);not null;uniqueIndex"`
	Type       string    `gorm:"column:type;type:varchar(64);not null"`
	Data       string    `gorm:"column:data;type:mediumtext"`
	UpdateTime time.Time `gorm:"column:update_time;not null"`
	Version    int64     `gorm:"column:version;not null"`
}

func (validatorRow) TableName() string { return "key_validator_data" }

func (r *validatorRow) record() *store.ValidatorRecord {
	return &store.ValidatorRecord{
		ID:         r.ID,
		Name:       r.Name,
		Type:       r.Type,
		Data:       []byte(r.Data),
		UpdateTime: r.UpdateTime,
		Version:    r.Version,
	}
}
