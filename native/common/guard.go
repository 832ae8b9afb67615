package common

import (
	"errors"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a reference-ledger module accepts new requests.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a concurrency-safe PauseView operators toggle at runtime.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses returns an empty pause set.
func NewPauses() *Pauses {
	return &Pauses{paused: make(map[string]bool)}
}

// Set pauses or resumes module.
func (p *Pauses) Set(module string, paused bool) {
	module = strings.ToLower(strings.TrimSpace(module))
	if module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = true
		return
	}
	delete(p.paused, module)
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[strings.ToLower(strings.TrimSpace(module))]
}
