package ca

import (
	"errors"
	"fmt"
)

// Error is a CA lifecycle error with structured context.
// It supports errors.Is() and errors.As() through Unwrap.
type Error struct {
	Op   string // "add", "edit", "get", "remove", "rename"
	CAID int32  // CA id (0 if not known)
	Err  error
}

func (e *Error) Error() string {
	if e.CAID != 0 {
		return fmt.Sprintf("ca %s [%d]: %v", e.Op, e.CAID, e.Err)
	}
	return fmt.Sprintf("ca %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors for CA operations.
var (
	// ErrCAExists indicates that the CA name or id is already taken.
	ErrCAExists = errors.New("CA already exists")

	// ErrCADoesntExist indicates that no CA matches the id or name, or
	// that an edit tried to change the identity of a CA.
	ErrCADoesntExist = errors.New("CA does not exist")

	// ErrInvalidCAInfo indicates a CA definition that cannot be stored.
	ErrInvalidCAInfo = errors.New("invalid CA info")
)
