package keyvalidator

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/remiblancher/cacore/internal/audit"
	"github.com/remiblancher/cacore/internal/authz"
)

// maxEntrySize bounds one decompressed validator definition.
const maxEntrySize = 1 << 20

var entryName = regexp.MustCompile(`^keyvalidator_(.+)-(\d+)\.xml$`)

// ArchiveEntryName is the zip entry name of a validator.
func ArchiveEntryName(name string, id int) string {
	return fmt.Sprintf("keyvalidator_%s-%d.xml", name, id)
}

// ImportResult lists what an archive import did, by entry name.
type ImportResult struct {
	Imported []string
	Ignored  []string
}

// ImportKeyValidatorsFromZip adds every validator found in the zip
// archive data. Entries are named keyvalidator_<name>-<id>.xml and the
// name and id in the entry name override the ones in the document. An id
// already in use gets the next free one.
//
// Entries with another name, that fail to decode or whose validator name
// is taken are logged and listed in Ignored; the import goes on. Only an
// unreadable archive or a denied admin fail the call.
func (m *Manager) ImportKeyValidatorsFromZip(ctx context.Context, admin authz.Admin, data []byte) (*ImportResult, error) {
	if !m.authz.IsAuthorized(ctx, admin, authz.ResourceEditValidator) {
		return nil, m.reject(ctx, audit.EventKeyValidatorImport, admin, authz.ErrAuthorizationDenied, nil)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, m.reject(ctx, audit.EventKeyValidatorImport, admin, fmt.Errorf("read archive: %w", err), nil)
	}

	res := &ImportResult{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		log := m.log.WithField("entry", f.Name)

		id, err := m.importEntry(ctx, f, name)
		if err != nil {
			log.WithError(err).Info("ignoring key validator archive entry")
			res.Ignored = append(res.Ignored, f.Name)
			continue
		}
		log.WithField("validator_id", id).Info("key validator imported")
		res.Imported = append(res.Imported, f.Name)
	}

	details := map[string]string{
		"imported": strings.Join(res.Imported, ","),
		"ignored":  strings.Join(res.Ignored, ","),
	}
	return res, m.succeed(ctx, audit.EventKeyValidatorImport, admin, details)
}

func (m *Manager) importEntry(ctx context.Context, f *zip.File, name string) (int, error) {
	match := entryName.FindStringSubmatch(name)
	if match == nil {
		return 0, fmt.Errorf("entry name does not match keyvalidator_<name>-<id>.xml")
	}
	id, err := strconv.Atoi(match[2])
	if err != nil {
		return 0, fmt.Errorf("id: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return 0, err
	}
	if len(raw) > maxEntrySize {
		return 0, fmt.Errorf("entry larger than %d bytes", maxEntrySize)
	}

	v, err := Decode(raw)
	if err != nil {
		return 0, err
	}
	v.Common().Name = match[1]
	v.Common().ID = id
	return m.insert(ctx, v, true)
}

// ExportKeyValidators writes every stored validator to a zip archive in
// the layout ImportKeyValidatorsFromZip reads.
func (m *Manager) ExportKeyValidators(ctx context.Context, admin authz.Admin, w io.Writer) (int, error) {
	if !m.authz.IsAuthorizedNoLogging(ctx, admin, authz.ResourceViewValidator) {
		return 0, authz.ErrAuthorizationDenied
	}
	validators, err := m.ListKeyValidators(ctx)
	if err != nil {
		return 0, err
	}

	zw := zip.NewWriter(w)
	for _, v := range validators {
		b := v.Common()
		data, err := Encode(v)
		if err != nil {
			return 0, fmt.Errorf("key validator %d: %w", b.ID, err)
		}
		fw, err := zw.Create(ArchiveEntryName(b.Name, b.ID))
		if err != nil {
			return 0, err
		}
		if _, err := fw.Write(data); err != nil {
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	m.log.WithFields(logrus.Fields{"count": len(validators), "admin": admin.ID}).Info("key validators exported")
	return len(validators), nil
}
