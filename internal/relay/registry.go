package relay

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Chaos/internal/domain"
)

var (
	ErrSelfCall = errors.New("cannot call yourself")
	ErrOffline  = errors.New("target is not connected")
	ErrPaired   = errors.New("already in a call")
)

// Registry tracks connected clients and who is paired with whom.
// Pairing is symmetric.
type Registry struct {
	mu       sync.RWMutex
	clients  map[domain.UserID]*Client
	partners map[domain.UserID]domain.UserID
}

func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[domain.UserID]*Client),
		partners: make(map[domain.UserID]domain.UserID),
	}
}

func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID()] = c
	log.Info().Str("module", "relay.registry").Str("id", string(c.ID())).Int("online", len(r.clients)).Msg("client registered")
}

// Remove drops the client and its pairing. It returns the former partner.
func (r *Registry) Remove(id domain.UserID) domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	partner := r.unpairLocked(id)
	log.Info().Str("module", "relay.registry").Str("id", string(id)).Int("online", len(r.clients)).Msg("client removed")
	return partner
}

func (r *Registry) Client(id domain.UserID) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Pair links caller and target if both are connected and free.
func (r *Registry) Pair(caller, target domain.UserID) error {
	if caller == target {
		return ErrSelfCall
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[target]; !ok {
		return ErrOffline
	}
	if _, ok := r.partners[caller]; ok {
		return ErrPaired
	}
	if _, ok := r.partners[target]; ok {
		return ErrPaired
	}
	r.partners[caller] = target
	r.partners[target] = caller
	log.Info().Str("module", "relay.registry").Str("caller", string(caller)).Str("target", string(target)).Msg("paired")
	return nil
}

func (r *Registry) Partner(id domain.UserID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partners[id]
	return p, ok
}

// Unpair breaks id's pairing and returns the former partner.
func (r *Registry) Unpair(id domain.UserID) domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unpairLocked(id)
}

func (r *Registry) unpairLocked(id domain.UserID) domain.UserID {
	p, ok := r.partners[id]
	if !ok {
		return ""
	}
	delete(r.partners, id)
	if r.partners[p] == id {
		delete(r.partners, p)
	}
	log.Info().Str("module", "relay.registry").Str("id", string(id)).Str("partner", string(p)).Msg("unpaired")
	return p
}

func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
