package profile

import (
	"fmt"

	"github.com/remiblancher/cacore/profiles"
)

// BuiltinProfiles returns the profiles compiled into the binary, ordered
// by id.
func BuiltinProfiles() ([]*Profile, error) {
	ps, err := loadFS(profiles.FS)
	if err != nil {
		return nil, fmt.Errorf("builtin profiles: %w", err)
	}
	return ps, nil
}

// Builtin profile ids.
const (
	EndEntityProfileID = 1
	SubCAProfileID     = 2
	RootCAProfileID    = 3
)
