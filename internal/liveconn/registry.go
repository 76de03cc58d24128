package liveconn

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pawpal/livenotify/internal/metrics"
)

// Handler receives one envelope. Handlers run on the connection's read
// goroutine and should not block.
type Handler func(Envelope)

type registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
	logger   zerolog.Logger
	metrics  *metrics.Recorder
}

func newRegistry(logger zerolog.Logger, rec *metrics.Recorder) *registry {
	return &registry{
		handlers: map[string]map[string]Handler{},
		logger:   logger,
		metrics:  rec,
	}
}

// add stores h under (msgType, id), replacing any handler with the same id.
// An empty id gets a generated one.
func (r *registry) add(msgType string, h Handler, id string) (string, func()) {
	msgType = strings.TrimSpace(msgType)
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if msgType == "" || h == nil {
		return id, func() {}
	}
	r.mu.Lock()
	if r.handlers[msgType] == nil {
		r.handlers[msgType] = map[string]Handler{}
	}
	r.handlers[msgType][id] = h
	r.mu.Unlock()

	var once sync.Once
	return id, func() {
		once.Do(func() {
			r.remove(msgType, id)
		})
	}
}

func (r *registry) remove(msgType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.handlers[msgType]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.handlers, msgType)
	}
}

func (r *registry) count(msgType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[msgType])
}

// dispatch runs every handler of env.Type, plus the wildcard handlers for
// inbound traffic. Connection events do not reach the wildcard.
func (r *registry) dispatch(env Envelope) {
	type entry struct {
		id string
		h  Handler
	}
	r.mu.RLock()
	targets := make([]entry, 0, len(r.handlers[env.Type])+len(r.handlers[TypeAll]))
	for id, h := range r.handlers[env.Type] {
		targets = append(targets, entry{id: id, h: h})
	}
	if env.Type != TypeConnection {
		for id, h := range r.handlers[TypeAll] {
			targets = append(targets, entry{id: id, h: h})
		}
	}
	r.mu.RUnlock()

	for _, target := range targets {
		r.invoke(target.id, target.h, env)
	}
}

func (r *registry) invoke(id string, h Handler, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.IncHandlerFailure(env.Type)
			r.logger.Error().
				Str("handler", id).
				Str("type", env.Type).
				Err(fmt.Errorf("handler panic: %v", rec)).
				Msg("live handler failed")
		}
	}()
	h(env)
}
