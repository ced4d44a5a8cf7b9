package ca

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/remiblancher/cacore/internal/store"
)

// Status is the operational state of a CA.
type Status string

const (
	StatusActive                     Status = "active"
	StatusOffline                    Status = "offline"
	StatusExpired                    Status = "expired"
	StatusExternal                   Status = "external"
	StatusWaitingCertificateResponse Status = "waiting_certificate_response"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusOffline, StatusExpired, StatusExternal, StatusWaitingCertificateResponse:
		return true
	}
	return false
}

// CRLPolicy drives CRL generation for a CA.
type CRLPolicy struct {
	// CRLPeriod is the validity of a full CRL (nextUpdate - thisUpdate).
	CRLPeriod time.Duration `json:"crl_period"`
	// CRLIssueInterval, when positive, forces a new full CRL that often
	// even if the last one is still valid.
	CRLIssueInterval time.Duration `json:"crl_issue_interval"`
	// CRLOverlapTime is how long before nextUpdate the next CRL is due.
	CRLOverlapTime time.Duration `json:"crl_overlap_time"`
	// DeltaCRLPeriod enables delta CRLs when positive.
	DeltaCRLPeriod time.Duration `json:"delta_crl_period"`

	CRLPublishers                []int  `json:"crl_publishers,omitempty"`
	DefaultCRLDistPoint          string `json:"default_crl_dist_point,omitempty"`
	DefaultCRLIssuer             string `json:"default_crl_issuer,omitempty"`
	UseCRLDistributionPointOnCRL bool   `json:"use_crl_distribution_point_on_crl"`
}

// TokenRef points at the signing key of a CA.
type TokenRef struct {
	TokenID      int    `json:"token_id"`
	SignKeyAlias string `json:"sign_key_alias"`
	KeySequence  string `json:"key_sequence,omitempty"`
}

// CAInfo is the persisted definition of a CA.
type CAInfo struct {
	ID          int32  `json:"id"`
	Name        string `json:"name"`
	SubjectDN   string `json:"subject_dn"`
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`

	// Validity is used when the CA certificate is generated.
	Validity   time.Duration `json:"validity"`
	ExpireTime time.Time     `json:"expire_time,omitzero"`
	UpdateTime time.Time     `json:"update_time,omitzero"`

	// CertificateChain holds DER certificates, CA certificate first.
	CertificateChain     [][]byte `json:"certificate_chain,omitempty"`
	CertificateProfileID int      `json:"certificate_profile_id"`

	CRL   CRLPolicy `json:"crl"`
	Token TokenRef  `json:"token"`

	// KeyValidators are applied in this order at issuance.
	KeyValidators []int  `json:"key_validators,omitempty"`
	OCSPURL       string `json:"ocsp_url,omitempty"`

	// Version is the row version the info was read at. It is not part
	// of the serialized data.
	Version int64 `json:"-"`
}

// Clone returns a deep copy of the info.
func (i *CAInfo) Clone() *CAInfo {
	c := *i
	c.CertificateChain = make([][]byte, len(i.CertificateChain))
	for n, der := range i.CertificateChain {
		c.CertificateChain[n] = append([]byte(nil), der...)
	}
	c.CRL.CRLPublishers = append([]int(nil), i.CRL.CRLPublishers...)
	c.KeyValidators = append([]int(nil), i.KeyValidators...)
	return &c
}

// record serializes the info into a store row.
func (i *CAInfo) record() (*store.CARecord, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CA info: %w", err)
	}
	return &store.CARecord{
		ID:         i.ID,
		Name:       i.Name,
		SubjectDN:  i.SubjectDN,
		Status:     string(i.Status),
		ExpireTime: i.ExpireTime,
		UpdateTime: i.UpdateTime,
		Data:       data,
		Version:    i.Version,
	}, nil
}

// InfoFromRecord restores the info from a store row. The row columns win
// over the serialized data.
func InfoFromRecord(rec *store.CARecord) (*CAInfo, error) {
	info := &CAInfo{}
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal CA info %d: %w", rec.ID, err)
		}
	}
	info.ID = rec.ID
	info.Name = rec.Name
	info.SubjectDN = rec.SubjectDN
	info.Status = Status(rec.Status)
	info.ExpireTime = rec.ExpireTime
	info.UpdateTime = rec.UpdateTime
	info.Version = rec.Version
	return info, nil
}

// diff compares the serialized forms of two infos field by field and
// returns "old -> new" for every changed leaf, keyed by its dotted path.
func diff(oldInfo, newInfo *CAInfo) (map[string]string, error) {
	oldFlat, err := flatten(oldInfo)
	if err != nil {
		return nil, err
	}
	newFlat, err := flatten(newInfo)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{}, len(oldFlat)+len(newFlat))
	for k := range oldFlat {
		keys[k] = struct{}{}
	}
	for k := range newFlat {
		keys[k] = struct{}{}
	}

	changes := make(map[string]string)
	for k := range keys {
		if k == "update_time" {
			continue
		}
		o, n := oldFlat[k], newFlat[k]
		if o != n {
			changes[k] = o + " -> " + n
		}
	}
	return changes, nil
}

func flatten(info *CAInfo) (map[string]string, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	flattenInto(out, "", tree)
	return out, nil
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenInto(out, p, e)
		}
	case []any:
		for n, e := range t {
			flattenInto(out, fmt.Sprintf("%s[%d]", prefix, n), e)
		}
		if len(t) == 0 {
			out[prefix] = "[]"
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(t)
	}
}
