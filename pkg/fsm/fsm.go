package fsm

import (
	"context"
	"sync"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/logger"
)

type State int
type StateFunc func() (State, error)

const (
	UnknownState State = -255
	WaitState    State = -254
	CloseState   State = -253
)

var (
	ErrUnrecognizedState = xerrors.New("fsm: unrecognized state")
)

// FSM drives the main process of a command.
// Each state function returns the next state. WaitState parks the machine until Close is called,
// and CloseState terminates Loop.
type FSM struct {
	ch         chan State
	funcs      map[State]StateFunc
	initState  State
	closeState State

	mu      sync.Mutex
	closing bool
	closed  bool
	err     error
}

func NewFSM(funcs map[State]StateFunc, initState, closeState State) *FSM {
	return &FSM{
		ch:         make(chan State),
		funcs:      funcs,
		initState:  initState,
		closeState: closeState,
	}
}

// CloseOnDone moves the machine to the close state when ctx is done.
func (f *FSM) CloseOnDone(ctx context.Context) {
	go func() {
		<-ctx.Done()
		logger.Named("fsm").Info("Closing", zap.Error(context.Cause(ctx)))
		f.Close()
	}()
}

// Abort records err as the result of Loop and moves the machine to the close state.
func (f *FSM) Abort(err error) {
	f.setError(err)
	f.Close()
}

// Close moves the machine to the close state. Calling it more than once has no effect.
func (f *FSM) Close() {
	f.nextState(f.closeState)
}

// Loop runs the machine until the close state finishes.
// It returns the first error returned by a state function.
func (f *FSM) Loop() error {
	go func() {
		f.nextState(f.initState)
	}()

	for {
		s, open := <-f.ch
		if !open {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.err
		}

		fn, ok := f.funcs[s]
		if !ok {
			return xerrors.WithStack(ErrUnrecognizedState)
		}

		go func() {
			nxt, err := fn()
			switch {
			case err != nil:
				f.setError(err)
				if s == f.closeState {
					f.close()
					return
				}
				f.nextState(f.closeState)
			case nxt == CloseState:
				f.close()
			case nxt >= 0:
				f.nextState(nxt)
			}
		}()
	}
}

func (f *FSM) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logger.Named("fsm").Error("State function failed", zap.Error(err))
	if f.err == nil {
		f.err = err
	}
}

func (f *FSM) nextState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	if s == f.closeState {
		if f.closing {
			return
		}
		f.closing = true
	}
	f.ch <- s
}

func (f *FSM) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}
