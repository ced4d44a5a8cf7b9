//go:build !cgo

package crypto

import (
	"context"
	"crypto"
	"fmt"
)

// errNoCGO is returned when PKCS#11 is used in a build without cgo.
var errNoCGO = fmt.Errorf("HSM support requires CGO (build with CGO_ENABLED=1)")

// PKCS11Token is unavailable without cgo.
type PKCS11Token struct{ cfg PKCS11Config }

var _ Token = (*PKCS11Token)(nil)

// NewPKCS11Token always fails without cgo.
func NewPKCS11Token(PKCS11Config) (*PKCS11Token, error) {
	return nil, errNoCGO
}

func (t *PKCS11Token) ID() int                            { return t.cfg.ID }
func (t *PKCS11Token) Name() string                       { return t.cfg.Name }
func (t *PKCS11Token) Type() string                       { return "pkcs11" }
func (t *PKCS11Token) Status(context.Context) TokenStatus { return TokenOffline }
func (t *PKCS11Token) Aliases() []string                  { return nil }
func (t *PKCS11Token) Close() error                       { return nil }

func (t *PKCS11Token) Signer(context.Context, string) (crypto.Signer, error) {
	return nil, fmt.Errorf("%v: %w", errNoCGO, ErrTokenOffline)
}
