package ca

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestU_CAInfo_RecordRoundTrip(t *testing.T) {
	info := &CAInfo{
		ID:        42,
		Name:      "TestCA",
		SubjectDN: "CN=TestCA",
		Status:    StatusActive,
		CRL: CRLPolicy{
			CRLPeriod:     24 * time.Hour,
			CRLPublishers: []int{1, 2},
		},
		Token:         TokenRef{TokenID: 3, SignKeyAlias: "signKey", KeySequence: "00001"},
		KeyValidators: []int{7, 5},
		Version:       4,
	}
	rec, err := info.record()
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, "active", rec.Status)

	rec.Status = string(StatusOffline)
	got, err := InfoFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status, "row columns win")
	assert.Equal(t, info.CRL, got.CRL)
	assert.Equal(t, info.Token, got.Token)
	assert.Equal(t, []int{7, 5}, got.KeyValidators)
}

func TestU_CAInfo_CloneIsDeep(t *testing.T) {
	info := &CAInfo{CertificateChain: [][]byte{{1, 2}}, KeyValidators: []int{1}}
	c := info.Clone()
	c.CertificateChain[0][0] = 9
	c.KeyValidators[0] = 9
	assert.Equal(t, byte(1), info.CertificateChain[0][0])
	assert.Equal(t, 1, info.KeyValidators[0])
}

func TestU_Diff(t *testing.T) {
	old := &CAInfo{ID: 1, Name: "CA", Status: StatusActive, CRL: CRLPolicy{CRLPeriod: time.Hour}, KeyValidators: []int{1}}
	updated := old.Clone()
	updated.CRL.CRLPeriod = 2 * time.Hour
	updated.KeyValidators = []int{1, 2}
	updated.UpdateTime = time.Now()

	changes, err := diff(old, updated)
	require.NoError(t, err)
	assert.Equal(t, "3600000000000 -> 7200000000000", changes["crl.crl_period"])
	assert.Equal(t, " -> 2", changes["key_validators[1]"])
	assert.NotContains(t, changes, "update_time")
	assert.NotContains(t, changes, "name")
}
