package sched

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/core"
)

// Registry maps each attached component to its inbox.
// Attach happens during wiring; lookups happen on the scheduler goroutine.
type Registry struct {
	mu    sync.RWMutex
	inbox map[core.Component]*core.Mailbox
}

func NewRegistry() *Registry {
	return &Registry{inbox: make(map[core.Component]*core.Mailbox)}
}

// Bind registers the inbox of component, replacing a previous one.
func (r *Registry) Bind(component core.Component, inbox *core.Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.inbox[component]; ok && old != inbox {
		old.Close()
		log.Info().Str("module", "sched.registry").Str("component", component.String()).Msg("replaced attachment")
	}
	r.inbox[component] = inbox
	log.Info().Str("module", "sched.registry").Str("component", component.String()).Msg("bound attachment")
}

func (r *Registry) Get(component core.Component) (*core.Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.inbox[component]
	return mb, ok
}

// CloseAll closes every component inbox so their loops drain and stop.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for component, mb := range r.inbox {
		mb.Close()
		delete(r.inbox, component)
	}
}
