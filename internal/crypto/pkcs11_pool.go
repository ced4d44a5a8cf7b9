//go:build cgo

package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// sessionPool hands out PKCS#11 sessions for one module and slot.
// It is owned by a single PKCS11Token.
type sessionPool struct {
	mu        sync.Mutex
	ctx       *pkcs11.Ctx
	slotID    uint
	pin       string
	available []pkcs11.SessionHandle
	inUse     map[pkcs11.SessionHandle]bool
	loginDone bool
	closed    bool
}

func newSessionPool(ctx *pkcs11.Ctx, slotID uint, pin string) *sessionPool {
	return &sessionPool{
		ctx:    ctx,
		slotID: slotID,
		pin:    pin,
		inUse:  make(map[pkcs11.SessionHandle]bool),
	}
}

// acquire reserves a session. The returned release func must be called.
func (p *sessionPool) acquire() (pkcs11.SessionHandle, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, nil, fmt.Errorf("session pool is closed")
	}

	var session pkcs11.SessionHandle
	if n := len(p.available); n > 0 {
		session = p.available[n-1]
		p.available = p.available[:n-1]
	} else {
		var err error
		session, err = p.ctx.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to open session: %w", err)
		}
		// Login is per token, not per session.
		if p.pin != "" && !p.loginDone {
			if err := p.ctx.Login(session, pkcs11.CKU_USER, p.pin); err != nil && !isP11(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
				_ = p.ctx.CloseSession(session)
				return 0, nil, fmt.Errorf("failed to login: %w", err)
			}
			p.loginDone = true
		}
	}
	p.inUse[session] = true

	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.inUse, session)
		if p.closed {
			_ = p.ctx.CloseSession(session)
			return
		}
		p.available = append(p.available, session)
	}
	return session, release, nil
}

// discard drops every idle session, e.g. after the device was reset.
func (p *sessionPool) discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.available {
		_ = p.ctx.CloseSession(s)
	}
	p.available = nil
	p.loginDone = false
}

func (p *sessionPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.loginDone && len(p.available) > 0 {
		if err := p.ctx.Logout(p.available[0]); err != nil && !isP11(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
	}
	for _, s := range p.available {
		if err := p.ctx.CloseSession(s); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	p.available = nil
	if err := p.ctx.Finalize(); err != nil && !isP11(err, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED) {
		errs = append(errs, fmt.Errorf("finalize: %w", err))
	}
	p.ctx.Destroy()
	return errors.Join(errs...)
}

func isP11(err error, code uint) bool {
	var p11 pkcs11.Error
	return errors.As(err, &p11) && uint(p11) == code
}
