package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/basket/snapq/internal/broker"
)

// Unit is one running worker as seen by the controller, whatever hosts it.
type Unit interface {
	ID() string
	Info() Info
	// Drain asks the unit to finish its current task and exit.
	Drain()
	// Kill stops the unit at once. An in-flight task is redelivered after
	// its lease expires.
	Kill()
	// Done is closed when the unit has exited; Err then reports why.
	Done() <-chan struct{}
	Err() error
}

// Runtime starts worker units.
type Runtime interface {
	Spawn(ctx context.Context, id string) (Unit, error)
}

// GoroutineRuntime runs workers inside the controller's process.
type GoroutineRuntime struct {
	Config Config
}

func (r GoroutineRuntime) Spawn(ctx context.Context, id string) (Unit, error) {
	w := New(id, r.Config)
	ctx, cancel := context.WithCancel(ctx)
	u := &goroutineUnit{w: w, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(u.done)
		err := w.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		u.mu.Lock()
		u.err = err
		u.mu.Unlock()
	}()
	return u, nil
}

type goroutineUnit struct {
	w      *Worker
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (u *goroutineUnit) ID() string { return u.w.ID() }

// Info reports the in-flight task's memory estimate as RSS; goroutines
// share the process heap so there is nothing more precise to attribute.
func (u *goroutineUnit) Info() Info {
	info := u.w.Info()
	info.PID = 0
	return info
}

func (u *goroutineUnit) Drain()                { u.w.Drain() }
func (u *goroutineUnit) Kill()                 { u.cancel() }
func (u *goroutineUnit) Done() <-chan struct{} { return u.done }

func (u *goroutineUnit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// ProcessRuntime runs each worker as a child process, by default
// "<binary> worker --id <id>". The child reports state through its broker
// heartbeat; the controller reads RSS from the OS.
type ProcessRuntime struct {
	Binary string
	// Args builds the child command line; nil uses "worker --id <id>".
	Args   func(id string) []string
	Env    []string
	Store  broker.Store
	Logger *slog.Logger
}

func (r ProcessRuntime) Spawn(ctx context.Context, id string) (Unit, error) {
	binary := r.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		binary = exe
	}
	args := []string{"worker", "--id", id}
	if r.Args != nil {
		args = r.Args(id)
	}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	u := &processUnit{
		id:        id,
		cmd:       cmd,
		store:     r.Store,
		logger:    logger,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		u.mu.Lock()
		switch {
		case u.killed:
		case u.draining && err == nil:
		case err != nil:
			u.err = fmt.Errorf("worker process: %w", err)
		default:
			u.err = errors.New("worker process exited unexpectedly")
		}
		u.mu.Unlock()
		close(u.done)
	}()
	return u, nil
}

type processUnit struct {
	id        string
	cmd       *exec.Cmd
	store     broker.Store
	logger    *slog.Logger
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	draining bool
	killed   bool
	err      error
}

func (u *processUnit) ID() string { return u.id }

func (u *processUnit) Info() Info {
	info := Info{ID: u.id, State: StateSpawning, StartedAt: u.startedAt, PID: u.cmd.Process.Pid}
	select {
	case <-u.done:
		info.State = StateTerminated
		return info
	default:
	}
	if u.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		hb, err := ReadHeartbeat(ctx, u.store, u.id)
		cancel()
		if err == nil && hb != nil {
			info.State, info.CurrentTaskID = hb.State, hb.TaskID
		}
	}
	u.mu.Lock()
	if u.draining && info.State.Active() {
		info.State = StateDraining
	}
	u.mu.Unlock()
	if p, err := process.NewProcess(int32(info.PID)); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			info.RSS = mem.RSS
		}
	}
	return info
}

func (u *processUnit) Drain() {
	u.mu.Lock()
	u.draining = true
	u.mu.Unlock()
	if err := u.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		u.logger.Warn("signal worker process", "worker_id", u.id, "error", err)
	}
}

func (u *processUnit) Kill() {
	u.mu.Lock()
	u.killed = true
	u.mu.Unlock()
	_ = u.cmd.Process.Kill()
}

func (u *processUnit) Done() <-chan struct{} { return u.done }

func (u *processUnit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}
