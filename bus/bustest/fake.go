// Package bustest provides an in-process bus.Requester for tests.
package bustest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mesmerverse/vettid-dev/messages/bus"
	"github.com/mesmerverse/vettid-dev/messages/envelope"
)

// HandlerFunc answers a request routed to a subject.
type HandlerFunc func(env *envelope.Envelope) (any, error)

// Forward is a request published with a foreign reply subject.
type Forward struct {
	Subject  string
	Reply    string
	Envelope *envelope.Envelope
}

// Fake routes requests to registered handlers.
type Fake struct {
	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	silent    map[string]bool
	calls     map[string]int
	forwarded []Forward
}

// New creates an empty fake bus.
func New() *Fake {
	return &Fake{
		handlers: map[string]HandlerFunc{},
		silent:   map[string]bool{},
		calls:    map[string]int{},
	}
}

// Handle registers h for subject.
func (f *Fake) Handle(subject string, h HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = h
}

// Silence makes every request on subject time out.
func (f *Fake) Silence(subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[subject] = true
}

// Request implements bus.Requester.
func (f *Fake) Request(_ context.Context, subject string, data []byte, _ time.Duration) ([]byte, error) {
	env, err := envelope.Parse(data)
	if err != nil {
		return nil, err
	}
	if env.Subject() != subject {
		return nil, fmt.Errorf("envelope for %s sent on %s", env.Subject(), subject)
	}

	f.mu.Lock()
	f.calls[subject]++
	silent := f.silent[subject]
	h := f.handlers[subject]
	f.mu.Unlock()

	if silent {
		return nil, fmt.Errorf("%s: %w", subject, bus.ErrTimeout)
	}
	if h == nil {
		return nil, fmt.Errorf("%s: %w", subject, bus.ErrNoResponders)
	}
	resp, err := h(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// PublishRequest implements bus.Requester.
func (f *Fake) PublishRequest(subject, reply string, data []byte) error {
	env, err := envelope.Parse(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, Forward{Subject: subject, Reply: reply, Envelope: env})
	return nil
}

// Calls counts requests sent on subject.
func (f *Fake) Calls(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[subject]
}

// Forwarded lists the forwarded requests.
func (f *Fake) Forwarded() []Forward {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Forward(nil), f.forwarded...)
}
