package addressing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/Arnold208/MQTTClient/internal/fault"
	"github.com/Arnold208/MQTTClient/internal/resolver"
)

// ErrNoLease is returned by a Leaser that received no usable offer.
var ErrNoLease = errors.New("addressing: no lease obtained")

// Leaser performs a single lease request. Implementations must honour ctx
// cancellation; the Service bounds each request with its wait window.
type Leaser interface {
	RequestLease(ctx context.Context) (Lease, error)
}

// Registry receives resolver addresses.
type Registry interface {
	Add(server string) error
	Remove(server string) bool
}

// Logger defines the logging interface for the service.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Static is the address applied when no lease can be obtained.
type Static struct {
	IP      netip.Addr
	Mask    net.IPMask
	Gateway netip.Addr
}

// Config holds address acquisition settings.
type Config struct {
	// DHCPEnabled selects DHCP. When false the static address is applied at once.
	DHCPEnabled bool

	// Attempts is the number of lease requests before falling back.
	Attempts int

	// WaitWindow bounds each lease request.
	WaitWindow time.Duration

	// Fallback is the static address.
	Fallback Static

	// Resolvers are registered by ConfigureResolvers.
	Resolvers []string
}

// DefaultConfig returns the reference sizing: three 60s DHCP attempts, then
// 192.168.1.150/24 via 192.168.1.1, with 8.8.8.8 as resolver.
func DefaultConfig() Config {
	return Config{
		DHCPEnabled: true,
		Attempts:    3,
		WaitWindow:  60 * time.Second,
		Fallback: Static{
			IP:      netip.MustParseAddr("192.168.1.150"),
			Mask:    net.CIDRMask(24, 32),
			Gateway: netip.MustParseAddr("192.168.1.1"),
		},
		Resolvers: []string{"8.8.8.8"},
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service acquires addresses and configures resolvers.
type Service struct {
	cfg      Config
	leaser   Leaser
	registry Registry
	logger   Logger

	// offered holds the lease-supplied resolvers currently registered.
	mu      sync.Mutex
	offered []string
}

// NewService creates a Service. leaser may be nil when DHCP is disabled.
func NewService(cfg Config, leaser Leaser, registry Registry, opts ...Option) *Service {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	s := &Service{
		cfg:      cfg,
		leaser:   leaser,
		registry: registry,
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AcquireAddress obtains a lease, falling back to the static address once
// every attempt has failed. It always returns a usable lease.
func (s *Service) AcquireAddress(ctx context.Context) Lease {
	if !s.cfg.DHCPEnabled || s.leaser == nil {
		s.logger.Info("dhcp disabled, applying static address", "ip", s.cfg.Fallback.IP)
		return s.fallback()
	}

	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		lease, err := s.request(ctx)
		if err == nil {
			lease.State = Bound
			s.logger.Info("lease bound",
				"attempt", attempt,
				"ip", lease.IP,
				"gateway", lease.Gateway,
				"duration", lease.Duration,
			)
			return lease
		}

		s.logger.Warn("lease attempt failed", "attempt", attempt, "of", s.cfg.Attempts, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	s.logger.Warn("dhcp exhausted, applying static fallback",
		"ip", s.cfg.Fallback.IP,
		"gateway", s.cfg.Fallback.Gateway,
	)
	return s.fallback()
}

func (s *Service) request(ctx context.Context) (Lease, error) {
	if s.cfg.WaitWindow > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WaitWindow)
		defer cancel()
	}

	lease, err := s.leaser.RequestLease(ctx)
	if err != nil {
		return Lease{}, err
	}
	if !lease.IP.IsValid() {
		return Lease{}, ErrNoLease
	}
	return lease, nil
}

func (s *Service) fallback() Lease {
	return Lease{
		State:   StaticFallback,
		IP:      s.cfg.Fallback.IP,
		Mask:    s.cfg.Fallback.Mask,
		Gateway: s.cfg.Fallback.Gateway,
	}
}

// ConfigureResolvers registers the configured resolvers and any the lease
// offered. Resolvers offered by an earlier lease and not by this one are
// removed first. Every address is attempted; failures are combined into one
// ResolverConfigurationFailure.
func (s *Service) ConfigureResolvers(ctx context.Context, lease Lease) error {
	if err := ctx.Err(); err != nil {
		return fault.New(fault.ResolverConfigurationFailure, "configure-resolvers", err)
	}

	configured := make(map[string]bool, len(s.cfg.Resolvers))
	for _, server := range s.cfg.Resolvers {
		configured[serverKey(server)] = true
	}
	var offered []string
	current := make(map[string]bool, len(lease.DNS))
	for _, addr := range lease.DNS {
		server := addr.String()
		if key := serverKey(server); !configured[key] && !current[key] {
			current[key] = true
			offered = append(offered, server)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, server := range s.offered {
		if !current[serverKey(server)] && s.registry.Remove(server) {
			s.logger.Info("resolver withdrawn", "server", server)
		}
	}

	servers := make([]string, 0, len(s.cfg.Resolvers)+len(offered))
	servers = append(servers, s.cfg.Resolvers...)
	servers = append(servers, offered...)

	var errs error
	s.offered = s.offered[:0]
	for _, server := range servers {
		if err := s.registry.Add(server); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		if current[serverKey(server)] {
			s.offered = append(s.offered, server)
		}
	}
	if errs != nil {
		return fault.New(fault.ResolverConfigurationFailure, "configure-resolvers", errs)
	}
	return nil
}

// serverKey normalises a resolver address so "8.8.8.8" and "8.8.8.8:53"
// compare equal.
func serverKey(server string) string {
	if ap, err := resolver.ParseServer(server); err == nil {
		return ap.String()
	}
	return server
}
