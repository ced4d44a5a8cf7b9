package publisher

import (
	"context"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// FilePublisher writes CRLs below a directory, one subdirectory per
// issuer:
//
//	<dir>/<issuer>/crl-<number>.crl   every full CRL
//	<dir>/<issuer>/delta-<number>.crl every delta CRL
//	<dir>/<issuer>/latest.crl         last full CRL
//	<dir>/<issuer>/latest-delta.crl   last delta CRL
//
// <issuer> is the hex encoding of the issuer DN, so any DN maps to a
// valid file name. Files hold DER unless PEM is set.
type FilePublisher struct {
	id  int
	dir string
	PEM bool
}

var _ Publisher = (*FilePublisher)(nil)

// NewFilePublisher returns a publisher writing below dir.
func NewFilePublisher(id int, dir string) *FilePublisher {
	return &FilePublisher{id: id, dir: dir}
}

func (p *FilePublisher) ID() int      { return p.id }
func (p *FilePublisher) Name() string { return "file:" + p.dir }

// IssuerDir returns the directory holding the CRLs of issuerDN.
func (p *FilePublisher) IssuerDir(issuerDN string) string {
	return filepath.Join(p.dir, hex.EncodeToString([]byte(issuerDN)))
}

func (p *FilePublisher) StoreCRL(ctx context.Context, crl CRL) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	dir := p.IssuerDir(crl.IssuerDN)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create CRL directory: %w", err)
	}

	data := crl.DER
	if p.PEM {
		data = pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl.DER})
	}

	prefix, latest := "crl-", "latest.crl"
	if crl.Delta {
		prefix, latest = "delta-", "latest-delta.crl"
	}
	if err := writeFileAtomic(filepath.Join(dir, prefix+strconv.FormatInt(crl.Number, 10)+".crl"), data); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, latest), data)
}

// writeFileAtomic replaces path so readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".crl-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write CRL: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync CRL: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename CRL file: %w", err)
	}
	return nil
}
