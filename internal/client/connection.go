package client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marionet-dev/marionet/internal/protocol"
)

// State represents the connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange describes one connection state transition
type StateChange struct {
	Previous State
	Current  State
	Err      error // set when the transition was caused by a failure
}

// Conn is the transport-agnostic connection contract. One Conn owns one
// physical connection, its reconnect policy, and message dispatch.
//
// Subscriptions return an unsubscribe func. Handler panics never reach the
// caller; they are recovered and funneled to the error channel. State-change
// events are delivered synchronously on the dispatch goroutine, so a
// disconnected transition that follows a connected state is observed before
// any later message.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	Send(msg *protocol.Message) error
	Connected() bool
	State() State
	OnMessage(fn func(*protocol.Message)) (cancel func())
	OnStateChange(fn func(StateChange)) (cancel func())
	OnError(fn func(error)) (cancel func())
}

// subscribers is an observer registry returning disposers.
type subscribers[T any] struct {
	mu  sync.Mutex
	seq int
	fns map[int]func(T)
}

func newSubscribers[T any]() *subscribers[T] {
	return &subscribers[T]{fns: make(map[int]func(T))}
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	key := s.seq
	s.fns[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, key)
	}
}

// emit invokes every subscriber in registration order. Panics are recovered
// and reported through onPanic so one bad handler cannot kill the dispatch
// goroutine.
func (s *subscribers[T]) emit(v T, onPanic func(error)) {
	s.mu.Lock()
	keys := make([]int, 0, len(s.fns))
	for key := range s.fns {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	fns := make([]func(T), 0, len(keys))
	for _, key := range keys {
		fns = append(fns, s.fns[key])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(fmt.Errorf("subscriber panic: %v", r))
				}
			}()
			fn(v)
		}()
	}
}
