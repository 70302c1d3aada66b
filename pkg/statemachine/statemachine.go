// Package statemachine provides an immutable transition table keyed by
// state and event.
//
// Tables are built once with the fluent Builder and are safe for concurrent
// use. Next computes the target state without holding any per-instance
// state, so the current state lives wherever the caller persists it.
//
//	t := statemachine.NewBuilder[Status, Event]().
//		From(Active, PastDue).When(Cancel).To(Canceled).
//		Any().When(Activate).To(Active).
//		Build()
//	next, err := t.Next(current, Cancel)
package statemachine

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("statemachine: transition needs a source, an event and a target")

// ErrNoTransitionAvailable indicates no transition exists for the given state/event combination.
type ErrNoTransitionAvailable struct {
	StateName string
	EventName string
}

func (e *ErrNoTransitionAvailable) Error() string {
	return fmt.Sprintf("no transition available from state '%s' for event '%s'", e.StateName, e.EventName)
}

func IsNoTransitionAvailableError(err error) bool {
	var e *ErrNoTransitionAvailable
	return errors.As(err, &e)
}

// Table maps (state, event) to the next state.
type Table[S, E comparable] struct {
	edges map[S]map[E]S
	any   map[E]S
}

// Next returns the state reached from from on event. Explicit edges take
// precedence over edges declared with Any.
func (t *Table[S, E]) Next(from S, event E) (S, error) {
	if to, ok := t.edges[from][event]; ok {
		return to, nil
	}
	if to, ok := t.any[event]; ok {
		return to, nil
	}
	var zero S
	return zero, &ErrNoTransitionAvailable{StateName: fmt.Sprint(from), EventName: fmt.Sprint(event)}
}

func (t *Table[S, E]) CanFire(from S, event E) bool {
	_, err := t.Next(from, event)
	return err == nil
}

// Builder accumulates transitions. The first invalid declaration is
// reported by Build.
type Builder[S, E comparable] struct {
	table   *Table[S, E]
	from    []S
	anyFrom bool
	event   *E
	err     error
}

func NewBuilder[S, E comparable]() *Builder[S, E] {
	return &Builder[S, E]{table: &Table[S, E]{edges: make(map[S]map[E]S), any: make(map[E]S)}}
}

// From starts a transition from the listed states.
func (b *Builder[S, E]) From(states ...S) *Builder[S, E] {
	b.from, b.anyFrom, b.event = states, false, nil
	return b
}

// Any starts a transition that applies from every state without an
// explicit edge for the event.
func (b *Builder[S, E]) Any() *Builder[S, E] {
	b.from, b.anyFrom, b.event = nil, true, nil
	return b
}

func (b *Builder[S, E]) When(event E) *Builder[S, E] {
	b.event = &event
	return b
}

// To completes the transition started by From or Any.
func (b *Builder[S, E]) To(state S) *Builder[S, E] {
	if b.event == nil || (!b.anyFrom && len(b.from) == 0) {
		if b.err == nil {
			b.err = ErrInvalidTransition
		}
		return b
	}
	if b.anyFrom {
		b.table.any[*b.event] = state
	}
	for _, from := range b.from {
		if b.table.edges[from] == nil {
			b.table.edges[from] = make(map[E]S)
		}
		b.table.edges[from][*b.event] = state
	}
	b.from, b.anyFrom, b.event = nil, false, nil
	return b
}

// Build returns the table or the first declaration error.
func (b *Builder[S, E]) Build() (*Table[S, E], error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.table, nil
}

// MustBuild is Build that panics, for package-level tables.
func (b *Builder[S, E]) MustBuild() *Table[S, E] {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}
