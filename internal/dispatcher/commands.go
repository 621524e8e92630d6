package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"locsrc-svr/internal/link"
	"locsrc-svr/internal/location"
	"locsrc-svr/internal/observability"
	"locsrc-svr/internal/pds"
	"locsrc-svr/internal/store"
)

var (
	ErrUnknownCommand = errors.New("dispatcher: unknown command")
	ErrUnknownDevice  = errors.New("dispatcher: device not connected")
	ErrSessionLimit   = errors.New("dispatcher: session limit reached")
	ErrTooSoon        = errors.New("dispatcher: retry interval not elapsed")
	ErrDailyLimit     = errors.New("dispatcher: daily limit reached")
	ErrBadArgument    = errors.New("dispatcher: bad argument")
)

// Target is the per-device side a command acts on (*location.Manager).
type Target interface {
	Enable(ctx context.Context, s location.Source) error
	Disable(ctx context.Context, s location.Source) error
	Capabilities() location.Source
	Enabled() location.Source
	SuplServer(ctx context.Context) (string, error)
	SetSuplServer(ctx context.Context, text string) error
	ServingSystem(ctx context.Context) (*pds.BaseStation, error)
}

// Lookup finds the connected device a command is addressed to.
type Lookup func(deviceID string) (Target, bool)

/* =======================================================================
                        COMMAND DEFINITION
======================================================================= */

type Command struct {
	Name             string
	Handler          func(ctx context.Context, t Target, cmd link.Command) (string, error)
	DailyLimit       int
	SessionLimit     int
	MinRetryInterval time.Duration
	// Condition rejects a command before it reaches the device.
	Condition func(t Target, cmd link.Command) error
}

// Limits apply to the commands that change device state.
type Limits struct {
	Daily       int
	Session     int
	MinInterval time.Duration
}

type Dispatcher struct {
	lookup Lookup
	store  *store.Store
	log    *slog.Logger
	now    func() time.Time

	cmdMu    sync.RWMutex
	registry map[string]Command

	stateMu  sync.Mutex
	cmdState map[string]map[string]*perCmdState
	devLocks map[string]*devLock
}

var _ link.Handler = (*Dispatcher)(nil)

func New(lookup Lookup, st *store.Store, lg *slog.Logger, limits Limits) *Dispatcher {
	d := &Dispatcher{
		lookup:   lookup,
		store:    st,
		log:      lg.With("component", "dispatcher"),
		now:      time.Now,
		registry: map[string]Command{},
		cmdState: make(map[string]map[string]*perCmdState),
		devLocks: make(map[string]*devLock),
	}
	registerBuiltins(d, limits)
	return d
}

func (d *Dispatcher) RegisterCommand(c Command) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	d.registry[c.Name] = c
}

func (d *Dispatcher) getCmd(name string) (Command, bool) {
	d.cmdMu.RLock()
	defer d.cmdMu.RUnlock()
	c, ok := d.registry[name]
	return c, ok
}

/* =======================================================================
                     PER-DEVICE COMMAND SESSION STATE
======================================================================= */

type perCmdState struct {
	SessionCount int
	LastAttempt  time.Time
}

func (d *Dispatcher) getState(id, cmd string) *perCmdState {
	if d.cmdState[id] == nil {
		d.cmdState[id] = make(map[string]*perCmdState)
	}
	st, ok := d.cmdState[id][cmd]
	if !ok {
		st = &perCmdState{}
		d.cmdState[id][cmd] = st
	}
	return st
}

// ResetSession forgets session counters when the device disconnects.
func (d *Dispatcher) ResetSession(id string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	delete(d.cmdState, id)
}

// admit checks session limit and retry interval and books the attempt.
func (d *Dispatcher) admit(id string, cmd Command) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	st := d.getState(id, cmd.Name)
	now := d.now()

	/* ---------------- session-limit ---------------- */
	if cmd.SessionLimit > 0 && st.SessionCount >= cmd.SessionLimit {
		return fmt.Errorf("%w: %d", ErrSessionLimit, st.SessionCount)
	}

	/* -------------- min retry interval -------------- */
	if !st.LastAttempt.IsZero() && now.Sub(st.LastAttempt) < cmd.MinRetryInterval {
		return ErrTooSoon
	}

	st.SessionCount++
	st.LastAttempt = now
	return nil
}

/* =======================================================================
                  UNIVERSAL COMMAND HANDLER
======================================================================= */

// Handle runs one control command and reports how it went.
func (d *Dispatcher) Handle(ctx context.Context, in link.Command) link.CommandResult {
	res, err := d.run(ctx, in)
	out := link.CommandResult{ID: in.ID, DeviceID: in.DeviceID, Cmd: in.Cmd, OK: err == nil, Result: res}
	if err != nil {
		out.Error = err.Error()
		observability.Commands.WithLabelValues(in.Cmd, "error").Inc()
		d.log.Warn("command failed", "cmd", in.Cmd, "device", in.DeviceID, "err", err)
		return out
	}
	observability.Commands.WithLabelValues(in.Cmd, "ok").Inc()
	d.log.Info("command done", "cmd", in.Cmd, "device", in.DeviceID, "result", res)
	return out
}

func (d *Dispatcher) run(ctx context.Context, in link.Command) (string, error) {
	cmd, ok := d.getCmd(in.Cmd)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, in.Cmd)
	}
	t, ok := d.lookup(in.DeviceID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, in.DeviceID)
	}

	unlock := d.lockDevice(in.DeviceID)
	defer unlock()

	// Optional condition
	if cmd.Condition != nil {
		if err := cmd.Condition(t, in); err != nil {
			return "", err
		}
	}

	if err := d.admit(in.DeviceID, cmd); err != nil {
		return "", err
	}

	/* -------------- daily limit via Redis ------------ */
	allowed, dailyCount, err := d.store.IncDailyCmdCounter(ctx, in.DeviceID, cmd.Name, cmd.DailyLimit)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", fmt.Errorf("%w: %d", ErrDailyLimit, dailyCount)
	}

	return cmd.Handler(ctx, t, in)
}
