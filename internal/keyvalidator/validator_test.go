package keyvalidator

import (
	"context"
	"crypto"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jan = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mar = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func TestU_DateCondition_Matches(t *testing.T) {
	tests := []struct {
		name string
		cond DateCondition
		t    time.Time
		want bool
	}{
		{"disabled", DateCondition{Operator: LessThan, Date: jan}, mar, true},
		{"less than", DateCondition{Enabled: true, Operator: LessThan, Date: feb}, jan, true},
		{"less than equal date", DateCondition{Enabled: true, Operator: LessThan, Date: feb}, feb, false},
		{"less or equal", DateCondition{Enabled: true, Operator: LessOrEqual, Date: feb}, feb, true},
		{"greater than", DateCondition{Enabled: true, Operator: GreaterThan, Date: feb}, mar, true},
		{"greater than before", DateCondition{Enabled: true, Operator: GreaterThan, Date: feb}, jan, false},
		{"greater or equal", DateCondition{Enabled: true, Operator: GreaterOrEqual, Date: feb}, feb, true},
		{"unknown operator", DateCondition{Enabled: true, Operator: "sideways", Date: feb}, feb, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Matches(tt.t))
		})
	}
}

func TestU_Base_AppliesToProfile(t *testing.T) {
	b := &Base{CertificateProfileIDs: []int{1, 7}}
	assert.True(t, b.AppliesToProfile(7))
	assert.False(t, b.AppliesToProfile(2))

	b.AllCertificateProfileIDs = true
	assert.True(t, b.AppliesToProfile(2))
}

func TestU_Base_Validate(t *testing.T) {
	b := &Base{Name: "v"}
	require.NoError(t, b.validate())
	assert.Empty(t, b.FailedAction)

	assert.Error(t, (&Base{}).validate())
	assert.Error(t, (&Base{Name: "v", FailedAction: "explode"}).validate())
	assert.Error(t, (&Base{Name: "v", NotAfter: DateCondition{Enabled: true}}).validate())
}

// fakeValidator records its hook calls.
type fakeValidator struct {
	Base
	msgs      []string
	beforeErr error
	calls     *[]string
}

func (f *fakeValidator) Before(context.Context) error {
	*f.calls = append(*f.calls, f.Name+".before")
	return f.beforeErr
}

func (f *fakeValidator) Validate(context.Context, crypto.PublicKey) ([]string, error) {
	*f.calls = append(*f.calls, f.Name+".validate")
	return f.msgs, nil
}

func (f *fakeValidator) After(context.Context) {
	*f.calls = append(*f.calls, f.Name+".after")
}

func fake(calls *[]string, name string, action FailedAction, msgs ...string) *fakeValidator {
	return &fakeValidator{
		Base:  Base{Name: name, AllCertificateProfileIDs: true, FailedAction: action},
		msgs:  msgs,
		calls: calls,
	}
}

func nullLog() (*logrus.Entry, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

func TestU_Evaluate_HookOrder(t *testing.T) {
	var calls []string
	log, _ := nullLog()
	vs := []Validator{
		fake(&calls, "a", ActionAbort),
		fake(&calls, "b", ActionAbort),
	}

	ok, err := evaluate(context.Background(), log, vs, 1, jan, mar, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{
		"a.before", "a.validate", "a.after",
		"b.before", "b.validate", "b.after",
	}, calls)
}

func TestU_Evaluate_BeforeFails(t *testing.T) {
	var calls []string
	log, _ := nullLog()
	v := fake(&calls, "a", ActionAbort)
	v.beforeErr = errors.New("boom")

	_, err := evaluate(context.Background(), log, []Validator{v}, 1, jan, mar, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"a.before", "a.after"}, calls)
}

func TestU_Evaluate_FailedActions(t *testing.T) {
	tests := []struct {
		action FailedAction
		level  logrus.Level
		logged bool
	}{
		{ActionLogInfo, logrus.InfoLevel, true},
		{ActionLogWarn, logrus.WarnLevel, true},
		{ActionLogError, logrus.ErrorLevel, true},
		{ActionDoNothing, 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			var calls []string
			log, hook := nullLog()
			vs := []Validator{
				fake(&calls, "weak", tt.action, "too small"),
				fake(&calls, "next", ActionAbort),
			}

			ok, err := evaluate(context.Background(), log, vs, 1, jan, mar, nil)
			require.NoError(t, err)
			assert.False(t, ok)
			// Processing continues after a non-fatal failure.
			assert.Contains(t, calls, "next.validate")

			var found bool
			for _, e := range hook.AllEntries() {
				if e.Level == tt.level && e.Message == "key validation failed: too small" {
					found = true
				}
			}
			assert.Equal(t, tt.logged, found)
		})
	}
}

func TestU_Evaluate_Abort(t *testing.T) {
	var calls []string
	log, _ := nullLog()
	vs := []Validator{
		fake(&calls, "weak", ActionAbort, "too small", "even exponent"),
		fake(&calls, "next", ActionAbort),
	}

	ok, err := evaluate(context.Background(), log, vs, 1, jan, mar, nil)
	assert.False(t, ok)
	require.ErrorIs(t, err, ErrKeyValidationFailed)
	assert.Contains(t, err.Error(), "too small; even exponent")
	assert.NotContains(t, calls, "next.before")
	assert.Contains(t, calls, "weak.after")
}

func TestU_Evaluate_SkipsOnProfile(t *testing.T) {
	var calls []string
	log, _ := nullLog()
	v := fake(&calls, "weak", ActionAbort, "too small")
	v.AllCertificateProfileIDs = false
	v.CertificateProfileIDs = []int{2}

	ok, err := evaluate(context.Background(), log, []Validator{v}, 1, jan, mar, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, calls)
}

func TestU_Evaluate_SkipsOnNotBeforeCondition(t *testing.T) {
	var calls []string
	log, _ := nullLog()
	// Only certificates starting after February are checked.
	v := fake(&calls, "weak", ActionAbort, "too small")
	v.NotBefore = DateCondition{Enabled: true, Operator: GreaterThan, Date: feb}
	passing := fake(&calls, "ok", ActionAbort)

	ok, err := evaluate(context.Background(), log, []Validator{v, passing}, 1, jan, mar, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"ok.before", "ok.validate", "ok.after"}, calls)

	calls = nil
	ok, err = evaluate(context.Background(), log, []Validator{v, passing}, 1, mar, mar.AddDate(1, 0, 0), nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrKeyValidationFailed)
}

func TestU_Evaluate_SkipsOnNotAfterCondition(t *testing.T) {
	var calls []string
	log, _ := nullLog()
	v := fake(&calls, "weak", ActionAbort, "too small")
	v.NotAfter = DateCondition{Enabled: true, Operator: LessOrEqual, Date: feb}

	ok, err := evaluate(context.Background(), log, []Validator{v}, 1, jan, mar, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, calls)
}
