package bringup

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/Arnold208/MQTTClient/internal/addressing"
	"github.com/Arnold208/MQTTClient/internal/arena"
	"github.com/Arnold208/MQTTClient/internal/fault"
	"github.com/Arnold208/MQTTClient/internal/radio"
	"github.com/Arnold208/MQTTClient/internal/timesync"
)

var (
	// ErrAlreadyInitialized is returned by a second Init without Teardown.
	ErrAlreadyInitialized = errors.New("bringup: already initialized")

	// ErrNotInitialized is returned by Connect before Init.
	ErrNotInitialized = errors.New("bringup: not initialized")
)

// State is the orchestrator's position in the bring-up sequence.
type State string

const (
	StateIdle                State = "idle"
	StateAllocating          State = "allocating"
	StateInitialized         State = "initialized"
	StateRadioJoining        State = "radio-joining"
	StateAddressAcquiring    State = "address-acquiring"
	StateResolverConfiguring State = "resolver-configuring"
	StateTimeSyncing         State = "time-syncing"
	StateReady               State = "ready"
	StateFailed              State = "failed"
)

// Stage names reported to the Recorder.
const (
	StageAllocate  = "allocate"
	StageJoin      = "radio-join"
	StageAddress   = "address"
	StageResolvers = "resolvers"
	StageTimeSync  = "time-sync"
)

// Arena allocates the stack resources.
type Arena interface {
	Allocate(ctx context.Context) (*arena.Resources, error)
	Release() error
}

// Addresser acquires the interface address and configures resolvers.
type Addresser interface {
	AcquireAddress(ctx context.Context) addressing.Lease
	ConfigureResolvers(ctx context.Context, lease addressing.Lease) error
}

// TimeSyncer runs the time-sync gate.
type TimeSyncer interface {
	Sync(ctx context.Context) (timesync.Result, error)
}

// ResolverSet exposes the registered resolvers.
type ResolverSet interface {
	Servers() []netip.AddrPort
}

// Recorder receives per-stage telemetry.
type Recorder interface {
	RecordStage(ctx context.Context, stage string, elapsed time.Duration, err error)
}

// Logger defines the logging interface for the orchestrator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopRecorder struct{}

func (noopRecorder) RecordStage(context.Context, string, time.Duration, error) {}

// Deps are the collaborators the orchestrator drives. Arena, Radio and
// Addressing are required; the rest may be nil.
type Deps struct {
	Arena      Arena
	Radio      radio.Driver
	Addressing Addresser
	TimeSync   TimeSyncer
	Resolvers  ResolverSet
	Recorder   Recorder
	Logger     Logger
}

// Options tune the join loop.
type Options struct {
	// JoinAttempts is the number of join attempts per Connect.
	JoinAttempts int

	// JoinBackoff is the fixed delay between join attempts.
	JoinBackoff time.Duration

	// Clock drives the backoff. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultOptions returns five join attempts five seconds apart.
func DefaultOptions() Options {
	return Options{JoinAttempts: 5, JoinBackoff: 5 * time.Second}
}

// Network is the outcome of a successful Connect.
type Network struct {
	// ID identifies this bring-up. A new ID is issued on every Connect.
	ID uuid.UUID

	Lease       addressing.Lease
	Resolvers   []netip.AddrPort
	ClockOffset time.Duration

	// Degraded lists the non-fatal stage failures.
	Degraded []error
}

// NetworkID returns the bring-up identifier as a string.
func (n *Network) NetworkID() string { return n.ID.String() }

// Usable reports whether the network carries a usable address.
func (n *Network) Usable() bool { return n.Lease.Usable() }

// Stats summarises orchestrator activity.
type Stats struct {
	State             State            `json:"state"`
	FailedStage       string           `json:"failed_stage,omitempty"`
	Connects          int              `json:"connects"`
	JoinAttempts      int              `json:"join_attempts"`
	TotalJoinAttempts int              `json:"total_join_attempts"`
	JoinSkipped       int              `json:"join_skipped"`
	LastLease         addressing.Lease `json:"-"`
	Degraded          int              `json:"degraded"`
}

// Orchestrator owns the bring-up sequence.
type Orchestrator struct {
	deps Deps
	opts Options

	// lifeMu serialises Init, Connect and Teardown.
	lifeMu sync.Mutex
	res    *arena.Resources

	mu          sync.RWMutex
	state       State
	failedStage string
	stats       Stats
}

// New creates an orchestrator. Zero options take DefaultOptions values.
func New(deps Deps, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.JoinAttempts < 1 {
		opts.JoinAttempts = def.JoinAttempts
	}
	if opts.JoinBackoff <= 0 {
		opts.JoinBackoff = def.JoinBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	return &Orchestrator{deps: deps, opts: opts, state: StateIdle}
}

// Init allocates the stack resources. It runs at most once until Teardown.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.res != nil {
		return ErrAlreadyInitialized
	}

	o.setState(StateAllocating)
	start := o.opts.Clock.Now()
	res, err := o.deps.Arena.Allocate(ctx)
	o.record(ctx, StageAllocate, start, err)
	if err != nil {
		stage := fault.OpOf(err)
		if stage == "" {
			stage = StageAllocate
		}
		o.fail(stage)
		o.deps.Logger.Error("resource allocation failed", "stage", stage, "error", err)
		return err
	}

	o.res = res
	o.setState(StateInitialized)
	o.deps.Logger.Info("network resources allocated")
	return nil
}

// Connect joins the radio network and configures addressing. It may be
// called again after link loss; a driver that still reports ready skips
// the join.
func (o *Orchestrator) Connect(ctx context.Context, creds radio.Credentials) (*Network, error) {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.res == nil {
		return nil, ErrNotInitialized
	}

	o.mu.Lock()
	o.stats.Connects++
	o.mu.Unlock()

	o.setState(StateRadioJoining)
	start := o.opts.Clock.Now()
	err := o.join(ctx, creds)
	o.record(ctx, StageJoin, start, err)
	if err != nil {
		o.fail(StageJoin)
		o.deps.Logger.Error("radio join failed", "network", creds.String(), "error", err)
		return nil, err
	}

	o.setState(StateAddressAcquiring)
	start = o.opts.Clock.Now()
	lease := o.deps.Addressing.AcquireAddress(ctx)
	if !lease.Usable() {
		err = fault.New(fault.AddressAcquisitionFailure, StageAddress, fmt.Errorf("lease %s", lease))
	}
	o.record(ctx, StageAddress, start, err)
	if err != nil {
		o.fail(StageAddress)
		return nil, err
	}
	o.res.Stack.SetInterfaceAddress(lease.IP, lease.Mask)
	o.res.Stack.SetGateway(lease.Gateway)

	nw := &Network{ID: uuid.New(), Lease: lease}

	o.setState(StateResolverConfiguring)
	start = o.opts.Clock.Now()
	err = o.deps.Addressing.ConfigureResolvers(ctx, lease)
	o.record(ctx, StageResolvers, start, err)
	if err != nil {
		o.deps.Logger.Warn("resolver configuration degraded", "error", err)
		nw.Degraded = append(nw.Degraded, err)
	}
	if o.deps.Resolvers != nil {
		nw.Resolvers = o.deps.Resolvers.Servers()
	}

	if o.deps.TimeSync != nil {
		o.setState(StateTimeSyncing)
		start = o.opts.Clock.Now()
		res, err := o.deps.TimeSync.Sync(ctx)
		o.record(ctx, StageTimeSync, start, err)
		if err != nil {
			o.deps.Logger.Warn("time sync degraded", "error", err)
			nw.Degraded = append(nw.Degraded, err)
		} else {
			nw.ClockOffset = res.Offset
		}
	}

	o.mu.Lock()
	o.state = StateReady
	o.failedStage = ""
	o.stats.LastLease = lease
	o.stats.Degraded = len(nw.Degraded)
	o.mu.Unlock()

	o.deps.Logger.Info("network ready",
		"network_id", nw.ID,
		"lease", lease.String(),
		"resolvers", len(nw.Resolvers),
		"degraded", len(nw.Degraded),
	)
	return nw, nil
}

// join associates with the network, retrying with a fixed backoff.
func (o *Orchestrator) join(ctx context.Context, creds radio.Credentials) error {
	if err := creds.Validate(); err != nil {
		return fault.New(fault.RadioJoinFailure, StageJoin, err)
	}

	o.mu.Lock()
	o.stats.JoinAttempts = 0
	o.mu.Unlock()

	if o.deps.Radio.Ready(ctx) {
		o.mu.Lock()
		o.stats.JoinSkipped++
		o.mu.Unlock()
		o.deps.Logger.Info("radio already associated, skipping join")
		return nil
	}

	if err := o.deps.Radio.Leave(ctx); err != nil {
		o.deps.Logger.Debug("leaving stale association", "error", err)
	}

	var lastErr error
	for attempt := 1; attempt <= o.opts.JoinAttempts; attempt++ {
		o.mu.Lock()
		o.stats.JoinAttempts++
		o.stats.TotalJoinAttempts++
		o.mu.Unlock()

		lastErr = o.deps.Radio.Join(ctx, creds)
		if lastErr == nil {
			o.deps.Logger.Info("radio joined", "network", creds.String(), "attempt", attempt)
			return nil
		}
		o.deps.Logger.Warn("radio join attempt failed",
			"attempt", attempt,
			"of", o.opts.JoinAttempts,
			"error", lastErr,
		)

		if attempt == o.opts.JoinAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fault.New(fault.RadioJoinFailure, StageJoin, ctx.Err())
		case <-o.opts.Clock.After(o.opts.JoinBackoff):
		}
	}

	return fault.New(fault.RadioJoinFailure, StageJoin,
		fmt.Errorf("%d attempts exhausted: %w", o.opts.JoinAttempts, lastErr))
}

// Teardown leaves the radio network and releases the stack resources.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	var err error
	if o.deps.Radio.Ready(ctx) {
		err = multierr.Append(err, o.deps.Radio.Leave(ctx))
	}
	if o.res != nil {
		err = multierr.Append(err, o.deps.Arena.Release())
		o.res = nil
	}

	o.mu.Lock()
	o.state = StateIdle
	o.failedStage = ""
	o.mu.Unlock()

	if err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	o.deps.Logger.Info("network torn down")
	return nil
}

// Resources returns the allocated stack resources, or nil before Init.
func (o *Orchestrator) Resources() *arena.Resources {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	return o.res
}

// State returns the current bring-up state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// FailedStage names the stage of the last failure, or "" if none.
func (o *Orchestrator) FailedStage() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.failedStage
}

// Stats returns a snapshot of orchestrator activity.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.stats
	s.State = o.state
	s.FailedStage = o.failedStage
	return s
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.deps.Logger.Debug("bring-up state", "state", s)
}

func (o *Orchestrator) fail(stage string) {
	o.mu.Lock()
	o.state = StateFailed
	o.failedStage = stage
	o.mu.Unlock()
}

func (o *Orchestrator) record(ctx context.Context, stage string, start time.Time, err error) {
	o.deps.Recorder.RecordStage(ctx, stage, o.opts.Clock.Since(start), err)
}
