// Package timesync establishes wall-clock time over NTP before the node
// starts a messaging session.
//
// A failed sync is reported as a TimeSyncFailure. Bring-up treats it as
// non-fatal; Now keeps returning the local clock until a sync succeeds.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/benbjohnson/clock"

	"github.com/Arnold208/MQTTClient/internal/fault"
	"github.com/Arnold208/MQTTClient/internal/resolver"
)

const (
	defaultServer  = "pool.ntp.org"
	defaultTimeout = 5 * time.Second
	ntpPort        = 123
)

// Config holds time sync settings.
type Config struct {
	Enabled bool
	Server  string
	Port    int
	Timeout time.Duration
}

// Resolver looks up the NTP server address.
type Resolver interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
}

// QueryFunc performs one NTP exchange.
type QueryFunc func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

// Result describes a successful sync.
type Result struct {
	Server  string
	Offset  time.Duration
	RTT     time.Duration
	Stratum uint8
	At      time.Time
}

// Logger defines the logging interface for the syncer.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Option configures a Syncer.
type Option func(*Syncer)

// WithQuery replaces the NTP query.
func WithQuery(q QueryFunc) Option {
	return func(s *Syncer) { s.query = q }
}

// WithClock sets the local clock the offset is applied to.
func WithClock(c clock.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithLogger sets the syncer logger.
func WithLogger(l Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// Syncer queries an NTP server and holds the resulting clock offset.
type Syncer struct {
	cfg      Config
	resolver Resolver
	query    QueryFunc
	clock    clock.Clock
	logger   Logger

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

// NewSyncer creates a Syncer. resolver may be nil, in which case the server
// name is handed to the system resolver.
func NewSyncer(cfg Config, r Resolver, opts ...Option) *Syncer {
	if cfg.Server == "" {
		cfg.Server = defaultServer
	}
	if cfg.Port == 0 {
		cfg.Port = ntpPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	s := &Syncer{
		cfg:      cfg,
		resolver: r,
		query:    ntp.QueryWithOptions,
		clock:    clock.New(),
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync performs one exchange and records the offset. A disabled syncer
// returns a zero Result and no error.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	if !s.cfg.Enabled {
		return Result{}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fault.New(fault.TimeSyncFailure, "sync", err)
	}

	host, err := s.resolve(ctx)
	if err != nil {
		return Result{}, fault.New(fault.TimeSyncFailure, "resolve", err)
	}

	timeout := s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	resp, err := s.query(host, ntp.QueryOptions{Timeout: timeout, Port: s.cfg.Port})
	if err != nil {
		return Result{}, fault.New(fault.TimeSyncFailure, "query", err)
	}
	if err := resp.Validate(); err != nil {
		return Result{}, fault.New(fault.TimeSyncFailure, "validate", err)
	}

	s.mu.Lock()
	s.offset = resp.ClockOffset
	s.synced = true
	s.mu.Unlock()

	res := Result{
		Server:  host,
		Offset:  resp.ClockOffset,
		RTT:     resp.RTT,
		Stratum: resp.Stratum,
		At:      s.Now(),
	}
	s.logger.Info("time synchronised",
		"server", host,
		"offset", res.Offset,
		"rtt", res.RTT,
		"stratum", res.Stratum,
	)
	return res, nil
}

// resolve returns the address to query. Without registered resolvers the
// configured name is passed through unchanged.
func (s *Syncer) resolve(ctx context.Context) (string, error) {
	if s.resolver == nil {
		return s.cfg.Server, nil
	}
	addrs, err := s.resolver.Lookup(ctx, s.cfg.Server)
	if errors.Is(err, resolver.ErrNoServers) {
		return s.cfg.Server, nil
	}
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s", resolver.ErrNotFound, s.cfg.Server)
	}
	return addrs[0].String(), nil
}

// Now returns the local time corrected by the last offset.
func (s *Syncer) Now() time.Time {
	return s.clock.Now().Add(s.Offset())
}

// Offset returns the last measured clock offset.
func (s *Syncer) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Synced reports whether a sync has succeeded.
func (s *Syncer) Synced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced
}

// String describes the configured server.
func (s *Syncer) String() string {
	return s.cfg.Server + ":" + strconv.Itoa(s.cfg.Port)
}
