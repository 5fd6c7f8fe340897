package params

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrNotAuthorized = errors.New("caller is not authorized")
	ErrNotPaused     = errors.New("system is not paused")
	ErrAlreadyPaused = errors.New("system is already paused")
)

// AuthContext identifies the caller of an administrative operation.
type AuthContext struct {
	Caller string
}

// Authorizer decides whether a caller holds the administrative capability.
type Authorizer interface {
	Authorize(auth AuthContext) error
}

// Gate exposes the pause state as a plain boolean.
type Gate interface {
	IsPaused() bool
}

// OwnerAuthorizer grants the capability to a single owner id.
type OwnerAuthorizer struct {
	owner string
}

func NewOwnerAuthorizer(owner string) *OwnerAuthorizer {
	return &OwnerAuthorizer{owner: owner}
}

func (o *OwnerAuthorizer) Owner() string {
	return o.owner
}

func (o *OwnerAuthorizer) Authorize(auth AuthContext) error {
	if o.owner == "" || auth.Caller != o.owner {
		return fmt.Errorf("%w: %q", ErrNotAuthorized, auth.Caller)
	}
	return nil
}

// PauseSwitch is the in-process pause gate. Flipping it requires the capability.
type PauseSwitch struct {
	authz  Authorizer
	paused atomic.Bool
}

func NewPauseSwitch(authz Authorizer) *PauseSwitch {
	return &PauseSwitch{authz: authz}
}

func (p *PauseSwitch) IsPaused() bool {
	return p.paused.Load()
}

func (p *PauseSwitch) Pause(auth AuthContext) error {
	if err := p.authz.Authorize(auth); err != nil {
		return err
	}
	if !p.paused.CompareAndSwap(false, true) {
		return ErrAlreadyPaused
	}
	return nil
}

func (p *PauseSwitch) Unpause(auth AuthContext) error {
	if err := p.authz.Authorize(auth); err != nil {
		return err
	}
	if !p.paused.CompareAndSwap(true, false) {
		return ErrNotPaused
	}
	return nil
}

// Set forces the state. Only used by snapshot restore and replay.
func (p *PauseSwitch) Set(paused bool) {
	p.paused.Store(paused)
}
