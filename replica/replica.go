// Package replica turns a consensus engine and a state machine into a
// blocking command API: Submit returns once the command is committed and
// applied on this node.
package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shrtyk/raft-showtimes/api"
	"github.com/shrtyk/raft-showtimes/internal/wire"
	"github.com/shrtyk/raft-showtimes/pkg/logger"
	"github.com/shrtyk/raft-showtimes/statemachine"
)

var (
	ErrNotLeader = errors.New("replica: node is not the leader")
	ErrStopped   = errors.New("replica: node is stopped")
)

// applyBuffer bounds how far the engine may run ahead of the state machine.
const applyBuffer = 256

// EngineFactory builds the consensus engine. The engine must deliver
// committed entries on applyCh, close it when stopped, and use fsm for
// log compaction.
type EngineFactory func(applyCh chan *api.ApplyMessage, fsm api.FSM) (api.Raft, error)

type Replica struct {
	engine  api.Raft
	sm      *statemachine.StateMachine
	applyCh chan *api.ApplyMessage
	logger  *slog.Logger

	// mu guards lastApplied and pending. It is held while a command is
	// applied so snapshots always match lastApplied.
	mu          sync.Mutex
	lastApplied int64
	pending     map[string]chan statemachine.Result

	onApply func(statemachine.Command, statemachine.Result)

	// life guards the start/stop flags below.
	life          sync.Mutex
	loopStarted   bool
	engineRunning bool

	// quit ends the apply loop when the engine never got to run and so
	// will never close applyCh.
	quit     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ api.FSM = (*Replica)(nil)

type Option func(*Replica)

func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) {
		r.logger = l
	}
}

// WithApplyHook registers fn to run after every applied command, on every
// node. It is called from the apply loop and must not block.
func WithApplyHook(fn func(statemachine.Command, statemachine.Result)) Option {
	return func(r *Replica) {
		r.onApply = fn
	}
}

func New(sm *statemachine.StateMachine, factory EngineFactory, opts ...Option) (*Replica, error) {
	if sm == nil || factory == nil {
		return nil, errors.New("replica: state machine and engine factory are required")
	}

	r := &Replica{
		sm:      sm,
		applyCh: make(chan *api.ApplyMessage, applyBuffer),
		pending: make(map[string]chan statemachine.Result),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	engine, err := factory(r.applyCh, r)
	if err != nil {
		return nil, fmt.Errorf("failed to build consensus engine: %w", err)
	}
	r.engine = engine
	return r, nil
}

// Start runs the apply loop and the engine. A replica whose engine failed
// to start is stopped and cannot be started again.
func (r *Replica) Start() error {
	r.life.Lock()
	defer r.life.Unlock()
	if r.loopStarted {
		return errors.New("replica: already started")
	}
	r.loopStarted = true

	r.wg.Add(1)
	go r.applyLoop()
	if err := r.engine.Start(); err != nil {
		close(r.quit)
		r.wg.Wait()
		return fmt.Errorf("failed to start consensus engine: %w", err)
	}
	r.engineRunning = true
	return nil
}

// Stop stops the engine and waits for the apply loop to drain. Callers
// still waiting in Submit get ErrStopped. Stop is safe on a replica that
// was never started or whose Start failed.
func (r *Replica) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.life.Lock()
		defer r.life.Unlock()
		switch {
		case r.engineRunning:
			err = r.engine.Stop()
		case !r.loopStarted:
			r.loopStarted = true
			close(r.done)
		}
		r.wg.Wait()
	})
	return err
}

// Submit replicates cmd and waits until it is applied locally.
//
// If leadership is lost after the entry was appended and the entry never
// commits, Submit returns when ctx is done.
func (r *Replica) Submit(ctx context.Context, cmd statemachine.Command) (statemachine.Result, error) {
	select {
	case <-r.done:
		return statemachine.Result{}, ErrStopped
	default:
	}

	env := &envelope{id: uuid.NewString(), cmd: cmd}
	waiter := make(chan statemachine.Result, 1)

	r.mu.Lock()
	r.pending[env.id] = waiter
	r.mu.Unlock()
	defer r.forget(env.id)

	if err := r.engine.Submit(ctx, wire.Marshal(env)); err != nil {
		switch {
		case errors.Is(err, api.ErrNotLeader):
			return statemachine.Result{}, ErrNotLeader
		case errors.Is(err, api.ErrStopped):
			return statemachine.Result{}, ErrStopped
		default:
			return statemachine.Result{}, fmt.Errorf("failed to submit %s command: %w", cmd.Kind, err)
		}
	}

	select {
	case res := <-waiter:
		return res, nil
	case <-ctx.Done():
		return statemachine.Result{}, ctx.Err()
	case <-r.done:
		return statemachine.Result{}, ErrStopped
	}
}

func (r *Replica) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Replica) IsLeader() bool {
	_, isLeader := r.engine.State()
	return isLeader
}

func (r *Replica) CurrentLeader() (api.NodeAddress, bool) {
	return r.engine.Leader()
}

func (r *Replica) LastApplied() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}

func (r *Replica) StateMachine() *statemachine.StateMachine {
	return r.sm
}

// Snapshot implements api.FSM.
func (r *Replica) Snapshot() ([]byte, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := r.sm.Snapshot()
	if err != nil {
		return nil, 0, err
	}
	return data, r.lastApplied, nil
}

func (r *Replica) applyLoop() {
	defer func() {
		close(r.done)
		r.wg.Done()
		r.logger.Info("apply loop exiting")
	}()

	for {
		select {
		case msg, ok := <-r.applyCh:
			if !ok {
				return
			}
			switch {
			case msg.SnapshotValid:
				r.applySnapshot(msg)
			case msg.CommandValid:
				r.applyCommand(msg)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Replica) applySnapshot(msg *api.ApplyMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.SnapshotIndex <= r.lastApplied {
		return
	}
	if err := r.sm.Restore(msg.Snapshot); err != nil {
		// Applying later entries on top of a stale state would diverge from
		// the rest of the cluster.
		r.logger.Error("failed to restore snapshot", logger.ErrAttr(err))
		panic(err)
	}
	r.lastApplied = msg.SnapshotIndex
	r.logger.Info("state restored from snapshot", slog.Int64("index", msg.SnapshotIndex))
}

func (r *Replica) applyCommand(msg *api.ApplyMessage) {
	r.mu.Lock()
	if msg.CommandIndex <= r.lastApplied {
		r.mu.Unlock()
		return
	}
	r.lastApplied = msg.CommandIndex

	// Empty entries are appended by new leaders.
	if len(msg.Command) == 0 {
		r.mu.Unlock()
		return
	}

	env := &envelope{}
	if err := wire.Unmarshal(msg.Command, env); err != nil {
		r.mu.Unlock()
		r.logger.Error("skipping undecodable log entry",
			slog.Int64("index", msg.CommandIndex), logger.ErrAttr(err))
		return
	}

	res := r.sm.Apply(env.cmd)
	waiter, ok := r.pending[env.id]
	if ok {
		delete(r.pending, env.id)
	}
	r.mu.Unlock()

	if ok {
		waiter <- res
	}
	if r.onApply != nil {
		r.onApply(env.cmd, res)
	}
}
