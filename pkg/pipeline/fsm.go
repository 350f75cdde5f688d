package pipeline

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = fmt.Errorf("invalid state transition")
)

type State string

const (
	StateIdle              State = "idle"
	StateLoadCheckpoint    State = "load_checkpoint"
	StateFetch             State = "fetch"
	StateTransform         State = "transform"
	StatePersist           State = "persist"
	StateAdvanceCheckpoint State = "advance_checkpoint"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type FSM struct {
	mu          sync.Mutex
	Transitions map[State]map[State]struct{}

	current State
	logger  *zap.Logger
}

type FSMOption func(*FSM)

func FSMWithLogger(logger *zap.Logger) FSMOption {
	return func(f *FSM) {
		f.logger = logger
	}
}

func FSMWithInitialState(state State) FSMOption {
	return func(f *FSM) {
		f.current = state
	}
}

func NewFSM(opts ...FSMOption) *FSM {
	f := &FSM{
		current: StateIdle,
		logger:  zap.NewNop(),

		Transitions: map[State]map[State]struct{}{
			StateIdle: {
				StateLoadCheckpoint: {},
			},
			StateLoadCheckpoint: {
				StateFetch:  {},
				StateDone:   {}, // nothing left to load
				StateFailed: {},
			},
			StateFetch: {
				StateTransform: {},
				StateFailed:    {},
			},
			StateTransform: {
				StatePersist: {},
				StateFailed:  {},
			},
			StatePersist: {
				StateAdvanceCheckpoint: {},
				StateFailed:            {},
			},
			StateAdvanceCheckpoint: {
				StateFetch:  {}, // next window
				StateDone:   {},
				StateFailed: {},
			},
			StateDone:   {},
			StateFailed: {},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FSM) canTransition(to State) bool {
	if _, ok := f.Transitions[f.current][to]; ok {
		return true
	}
	return false
}

func (f *FSM) Transition(to State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.canTransition(to) {
		f.logger.Error("Invalid state transition",
			zap.String("from", string(f.current)),
			zap.String("to", string(to)),
		)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.current, to)
	}
	previous := f.current
	f.current = to

	f.logger.Debug("State transitioned",
		zap.String("state", string(f.current)),
		zap.String("from", string(previous)),
	)
	return nil
}
