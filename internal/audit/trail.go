package audit

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger records one audit event per attempted operation.
type Logger interface {
	Log(ctx context.Context, eventType EventType, result Result, module, service, actorID string, caID int32, details map[string]string) error
}

// Trail is the Logger backed by a Writer. It is constructed once and
// injected into every component that mutates state.
type Trail struct {
	w   Writer
	log *logrus.Entry
}

var _ Logger = (*Trail)(nil)

// NewTrail returns a Trail writing to w. A nil writer discards events.
func NewTrail(w Writer, log *logrus.Entry) *Trail {
	if w == nil {
		w = NopWriter{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Trail{w: w, log: log.WithField("component", "audit")}
}

// Log writes one event. A failure to write is returned so that the caller
// can fail the operation.
func (t *Trail) Log(ctx context.Context, eventType EventType, result Result, module, service, actorID string, caID int32, details map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if service == "" {
		service = ServiceCore
	}
	e := NewEvent(eventType, result).WithModule(module).WithActor(actorID).WithCA(caID)
	e.Service = service
	for k, v := range details {
		e.WithDetail(k, v)
	}
	if err := t.w.Write(e); err != nil {
		t.log.WithError(err).WithField("event_type", eventType).Error("audit write failed")
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (t *Trail) Close() error {
	return t.w.Close()
}
