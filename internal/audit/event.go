// Package audit provides the tamper-evident audit trail for CA operations.
//
// Audit logs are separate from technical logs. Every mutating CA, CRL and
// key validator operation emits exactly one event per attempt.
//
// Key principles:
//   - Audit failure = Operation failure (for successful mutations)
//   - Never log secrets (private keys, PINs)
//   - All timestamps in UTC
//   - Hash chain for integrity verification
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event.
type EventType string

const (
	// CA lifecycle events
	EventCAAdd    EventType = "CA_ADD"
	EventCAEdit   EventType = "CA_EDIT"
	EventCARemove EventType = "CA_REMOVE"
	EventCARename EventType = "CA_RENAME"

	// CRL events
	EventCRLCreate      EventType = "CRL_CREATE"
	EventDeltaCRLCreate EventType = "DELTACRL_CREATE"
	EventCRLStore       EventType = "CRL_STORE"

	// Key validator events
	EventKeyValidatorAdd    EventType = "KEYVALIDATOR_ADD"
	EventKeyValidatorChange EventType = "KEYVALIDATOR_CHANGE"
	EventKeyValidatorRemove EventType = "KEYVALIDATOR_REMOVE"
	EventKeyValidatorClone  EventType = "KEYVALIDATOR_CLONE"
	EventKeyValidatorRename EventType = "KEYVALIDATOR_RENAME"
	EventKeyValidatorImport EventType = "KEYVALIDATOR_IMPORT"

	// Certificate events
	EventCertIssued    EventType = "CERT_ISSUED"
	EventCertRevoked   EventType = "CERT_REVOKED"
	EventCertUnrevoked EventType = "CERT_UNREVOKED"
)

// Result represents the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Modules that emit events.
const (
	ModuleCA           = "CA"
	ModuleCRL          = "CRL"
	ModuleKeyValidator = "KEY_VALIDATOR"
	ModuleCertificate  = "CERTIFICATE"
)

// ServiceCore identifies this process as the emitting service.
const ServiceCore = "CORE"

// Event represents a single audit log entry.
type Event struct {
	ID        string            `json:"id"`
	EventType EventType         `json:"event_type"`
	Timestamp string            `json:"timestamp"` // RFC3339Nano UTC
	Module    string            `json:"module"`
	Service   string            `json:"service"`
	ActorID   string            `json:"actor_id"`
	Host      string            `json:"host,omitempty"`
	CAID      int32             `json:"ca_id,omitempty"`
	Result    Result            `json:"result"`
	Details   map[string]string `json:"details,omitempty"`
	HashPrev  string            `json:"hash_prev"`
	Hash      string            `json:"hash"`
}

// NewEvent creates a new audit event stamped with the current time.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   ServiceCore,
		Host:      hostname,
		Result:    result,
	}
}

// WithModule sets the emitting module.
func (e *Event) WithModule(module string) *Event {
	e.Module = module
	return e
}

// WithActor sets the actor id.
func (e *Event) WithActor(actorID string) *Event {
	e.ActorID = actorID
	return e
}

// WithCA sets the CA the event refers to.
func (e *Event) WithCA(caID int32) *Event {
	e.CAID = caID
	return e
}

// WithDetail adds a single detail entry.
func (e *Event) WithDetail(key, value string) *Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Module == "" {
		return fmt.Errorf("module is required")
	}
	if e.ActorID == "" {
		return fmt.Errorf("actor_id is required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event as canonical JSON for hashing.
// Excludes the Hash field to allow hash calculation. Map keys are
// sorted by encoding/json, so Details is stable.
func (e *Event) CanonicalJSON() ([]byte, error) {
	c := *e
	c.Hash = ""
	type eventForHash Event
	return json.Marshal((*eventForHash)(&c))
}

// JSON returns the full event as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
