package transport

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/noteable-io/origami-go/rtu"
)

// HandlerResult tells the router whether a handler consumed a message it was
// offered.
type HandlerResult int

const (
	// Handled marks the message as consumed by this handler.
	Handled HandlerResult = iota
	// Skip declines the message after inspection, for handlers whose
	// predicate is broader than the messages they act on.
	Skip
)

// Handler processes a dispatched message. Handlers run serially on the
// connection's read loop, so a handler observes all state changes made by
// handlers of earlier messages.
type Handler func(msg rtu.Message) (HandlerResult, error)

// Registration pairs a predicate with a handler. The predicate must be cheap;
// it runs against every inbound message.
type Registration struct {
	Predicate func(msg rtu.Message) bool
	Handler   Handler
}

type routeEntry struct {
	id  uint64
	reg Registration
}

// Router fans each inbound message out to every matching registration, in
// registration order. Multiple handlers may consume the same message.
type Router struct {
	mu      sync.Mutex
	nextID  uint64
	entries []routeEntry
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{}
}

// Register adds a registration and returns a cancel function which removes it.
// Cancel is idempotent and safe to call from within a handler.
func (r *Router) Register(reg Registration) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id = r.nextID
	r.nextID++
	r.entries = append(r.entries, routeEntry{id: id, reg: reg})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i := range r.entries {
			if r.entries[i].id == id {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

// Dispatch offers the message to each matching handler and returns the number
// of handlers which consumed it. A handler error is logged and does not stop
// the scan.
func (r *Router) Dispatch(msg rtu.Message) int {
	r.mu.Lock()
	var snapshot = make([]routeEntry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	var handled int
	for _, entry := range snapshot {
		if !entry.reg.Predicate(msg) {
			continue
		}
		var result, err = entry.reg.Handler(msg)
		if err != nil {
			handlerErrorsTotal.Inc()
			log.WithFields(log.Fields{
				"channel": msg.Channel,
				"event":   msg.Event,
				"err":     err,
			}).Error("message handler failed")
			continue
		}
		if result == Handled {
			handled++
		}
	}
	return handled
}
