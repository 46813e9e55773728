// Package events is the synchronous pub/sub channel between the marketplace
// core and external read layers. Every state transition emits an event whose
// payload is sufficient to rebuild a cache entry without re-querying state.
package events

import (
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType labels what happened.
type EventType string

const (
	EventInstanceDeployed    EventType = "instance_deployed"
	EventChallengeCreated    EventType = "challenge_created"
	EventVerifierProposed    EventType = "verifier_proposed"
	EventVerifierSelected    EventType = "verifier_selected"
	EventSolutionSubmitted   EventType = "solution_submitted"
	EventSolutionApproved    EventType = "solution_approved"
	EventChallengeSettled    EventType = "challenge_settled"
	EventChallengeCancelled  EventType = "challenge_cancelled"
	EventEmergencyWithdrawal EventType = "emergency_withdrawal"
	EventReputationUpdate    EventType = "reputation_update"
	EventReputationForwarded EventType = "reputation_forwarded"
	EventThresholdChanged    EventType = "threshold_changed"
	EventTokenTransfer       EventType = "token_transfer"
)

// Event carries a typed payload emitted after a state change. Instance is
// the handle of the emitting ChallengeInstance, empty for ledger/registry
// events.
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"type"`
	Instance string         `json:"instance,omitempty"`
	Data     map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// log is the package logger; ConfigureLogger replaces it.
var log = zerolog.New(os.Stderr).With().Timestamp().Str("component", "events").Logger()

// ConfigureLogger swaps the package logger, e.g. to silence it in tests or
// route it into an application-wide zerolog tree.
func ConfigureLogger(l zerolog.Logger) {
	log = l
}

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// SubscribeAll registers h for every event type. Useful for cache builders
// and audit sinks that mirror the full event stream.
func (e *Emitter) SubscribeAll(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, h)
}

// Emit assigns ev a unique ID and delivers it to all subscribers for ev.Type
// synchronously. Each handler is guarded by panic recovery so a misbehaving
// subscriber cannot abort the operation that emitted the event.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	log.Debug().Str("event", string(ev.Type)).Str("event_id", ev.ID).
		Str("instance", ev.Instance).Fields(ev.Data).Msg("emit")

	e.mu.RLock()
	handlers := append(append([]Handler(nil), e.handlers[ev.Type]...), e.all...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("event", string(ev.Type)).
						Interface("panic", r).Msg("subscriber panicked")
				}
			}()
			h(ev)
		}()
	}
}
