package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Domain-specific errors for radio operations.
var (
	// ErrEmptySSID is returned when credentials carry no network name.
	ErrEmptySSID = errors.New("radio: ssid is empty")

	// ErrUnknownSecurity is returned for an unrecognised security mode.
	ErrUnknownSecurity = errors.New("radio: unknown security mode")

	// ErrJoinFailed is returned when a single join attempt fails.
	ErrJoinFailed = errors.New("radio: join failed")

	// ErrNotJoined is returned when leaving a network that was never joined.
	ErrNotJoined = errors.New("radio: not joined")
)

// SecurityMode is the wireless security scheme.
type SecurityMode int

const (
	Open SecurityMode = iota
	WEP
	WPAPSKTKIP
	WPA2PSKAES
)

var securityNames = map[SecurityMode]string{
	Open:       "open",
	WEP:        "wep",
	WPAPSKTKIP: "wpa-psk-tkip",
	WPA2PSKAES: "wpa2-psk-aes",
}

func (m SecurityMode) String() string {
	if name, ok := securityNames[m]; ok {
		return name
	}
	return fmt.Sprintf("security(%d)", int(m))
}

// ParseSecurityMode parses a config value such as "wpa2-psk-aes".
// "none" is accepted as an alias of "open".
func ParseSecurityMode(s string) (SecurityMode, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, "_", "-")
	if v == "none" {
		return Open, nil
	}
	for mode, name := range securityNames {
		if name == v {
			return mode, nil
		}
	}
	return Open, fmt.Errorf("%w: %q", ErrUnknownSecurity, s)
}

// Credentials identify the wireless network to join.
// They are treated as immutable once bring-up starts.
type Credentials struct {
	SSID     string
	Password string
	Security SecurityMode
}

// Validate checks the credentials can be used for a join.
func (c Credentials) Validate() error {
	if c.SSID == "" {
		return ErrEmptySSID
	}
	if _, ok := securityNames[c.Security]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSecurity, int(c.Security))
	}
	return nil
}

// String returns a log-safe description; the password is never included.
func (c Credentials) String() string {
	return fmt.Sprintf("ssid=%q security=%s", c.SSID, c.Security)
}

// Driver joins and leaves wireless networks.
type Driver interface {
	// Join performs one association attempt.
	Join(ctx context.Context, creds Credentials) error

	// Leave drops any current association or pending join.
	Leave(ctx context.Context) error

	// Ready reports whether the link can transmit and receive.
	Ready(ctx context.Context) bool

	// HardwareAddr returns the station MAC address.
	HardwareAddr() net.HardwareAddr
}
