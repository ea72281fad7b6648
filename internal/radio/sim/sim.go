// Package sim provides a scripted radio driver.
//
// The driver never touches hardware. Each Join consumes the next entry of its
// script (nil = success); once the script is exhausted every further join
// uses the default outcome. It is used by tests and by the "sim" radio driver
// setting for bench bring-up without a wireless interface.
package sim

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Arnold208/MQTTClient/internal/radio"
)

// Driver implements radio.Driver with scripted join outcomes.
type Driver struct {
	mac   net.HardwareAddr
	clock clock.Clock

	mu        sync.Mutex
	script    []error
	fallback  error
	joined    bool
	creds     radio.Credentials
	joins     int
	leaves    int
	joinTimes []time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithScript sets per-attempt join outcomes. nil entries succeed.
func WithScript(outcomes ...error) Option {
	return func(d *Driver) { d.script = append([]error(nil), outcomes...) }
}

// WithDefault sets the outcome used once the script is exhausted.
func WithDefault(err error) Option {
	return func(d *Driver) { d.fallback = err }
}

// WithClock sets the clock used to timestamp join attempts.
func WithClock(c clock.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithJoined starts the driver already associated.
func WithJoined() Option {
	return func(d *Driver) { d.joined = true }
}

// New creates a simulated driver with the given MAC address.
func New(mac net.HardwareAddr, opts ...Option) *Driver {
	d := &Driver{
		mac:   mac,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Join consumes the next scripted outcome.
func (d *Driver) Join(ctx context.Context, creds radio.Credentials) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.joins++
	d.joinTimes = append(d.joinTimes, d.clock.Now())

	outcome := d.fallback
	if len(d.script) > 0 {
		outcome = d.script[0]
		d.script = d.script[1:]
	}
	if outcome != nil {
		d.joined = false
		return fmt.Errorf("%w: attempt %d: %w", radio.ErrJoinFailed, d.joins, outcome)
	}

	d.joined = true
	d.creds = creds
	return nil
}

// Leave drops the association.
func (d *Driver) Leave(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaves++
	d.joined = false
	return nil
}

// Ready reports whether the last join succeeded and no leave followed.
func (d *Driver) Ready(_ context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joined
}

// HardwareAddr returns the configured MAC address.
func (d *Driver) HardwareAddr() net.HardwareAddr {
	return d.mac
}

// DropLink simulates loss of association.
func (d *Driver) DropLink() {
	d.mu.Lock()
	d.joined = false
	d.mu.Unlock()
}

// Joins returns the number of join attempts.
func (d *Driver) Joins() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joins
}

// Leaves returns the number of Leave calls.
func (d *Driver) Leaves() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaves
}

// JoinTimes returns the clock reading at each join attempt.
func (d *Driver) JoinTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.joinTimes...)
}

// Credentials returns the credentials of the last successful join.
func (d *Driver) Credentials() radio.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds
}

var _ radio.Driver = (*Driver)(nil)
