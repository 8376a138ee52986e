// Package actorloop is the Actor Runtime substrate for an actor that runs one
// goroutine executing a poll loop over its inbound endpoints, touches its own
// state exclusively, and may gain new endpoints at runtime. The Registry
// runs on it (it gains each spawned Machine's private channel); the
// FlowController and Machine actors use fixed select loops instead.
//
// Grounded on the single-goroutine, timer-driven select loops in
// _examples/jangala-dev-devicecode-go's services/hal/worker.go and
// services/hal/hal.go, generalized from a fixed, hand-written select
// statement (fine when an actor's endpoint set never changes) to a dynamic
// multiplexer built on reflect.Select — a dynamic endpoint-addition
// primitive in the actor runtime, not ad-hoc mutation of a poll list
// observed by another thread. Go's select statement can't grow at runtime,
// so a genuine dynamic-arity wait needs reflect.Select.
package actorloop

import (
	"context"
	"reflect"
	"sync"
)

// Handler processes one value received off the channel it was registered
// with. recvOK is false if the channel was closed; stop requests the Mux
// return from Run after this iteration.
type Handler func(v reflect.Value, recvOK bool) (stop bool)

type registration struct {
	ch      reflect.Value
	handler Handler
}

// Mux multiplexes N channels with a single goroutine, exclusively owning
// whatever state its Handlers close over. New channels may be registered
// at any time, including from inside a Handler — Add stages the
// registration and Run merges staged additions at the top of every
// iteration, never mutating the live select set out from under itself.
type Mux struct {
	mu     sync.Mutex
	staged []registration
	live   []registration
}

// NewMux returns an empty multiplexer. With no channel registered, Run
// waits only on ctx and returns once it is cancelled.
func NewMux() *Mux {
	return &Mux{}
}

// Add registers ch (which must be a channel) with handler. Safe to call
// before Run starts or concurrently while Run is executing — including
// from within a Handler callback, which is how the Registry adds a new
// Machine's private endpoint the moment it's spawned.
func (m *Mux) Add(ch interface{}, handler Handler) {
	v := reflect.ValueOf(ch)
	if v.Kind() != reflect.Chan {
		panic("actorloop: Add requires a channel")
	}
	m.mu.Lock()
	m.staged = append(m.staged, registration{ch: v, handler: handler})
	m.mu.Unlock()
}

// Run polls every registered channel until ctx is cancelled or a Handler
// returns stop=true. It merges newly staged registrations at the start of
// every iteration, so registrations added mid-iteration are visible on the
// very next one.
func (m *Mux) Run(ctx context.Context) {
	doneCase := reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}

	for {
		m.mergeStaged()
		if len(m.live) == 0 && ctx.Err() != nil {
			return
		}

		cases := make([]reflect.SelectCase, 0, len(m.live)+1)
		cases = append(cases, doneCase)
		for _, r := range m.live {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: r.ch})
		}

		chosen, recv, recvOK := reflect.Select(cases)
		if chosen == 0 {
			return
		}

		r := m.live[chosen-1]
		if r.handler(recv, recvOK) {
			return
		}
	}
}

func (m *Mux) mergeStaged() {
	m.mu.Lock()
	if len(m.staged) > 0 {
		m.live = append(m.live, m.staged...)
		m.staged = nil
	}
	m.mu.Unlock()
}
