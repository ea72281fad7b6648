// Package dhcp is a minimal DHCPv4 client implementing addressing.Leaser.
//
// It runs the DISCOVER, OFFER, REQUEST, ACK exchange over UDP using the
// gopacket DHCPv4 codec. Lease renewal is not performed; a new lease is
// requested on each bring-up.
package dhcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Arnold208/MQTTClient/internal/addressing"
)

const (
	// DefaultLocalAddr is the DHCP client port on all interfaces.
	DefaultLocalAddr = "0.0.0.0:68"

	// DefaultServerAddr is the limited broadcast address on the server port.
	DefaultServerAddr = "255.255.255.255:67"

	maxMessageSize = 1500
	flagBroadcast  = 0x8000
)

var (
	// ErrNAK is returned when the server refuses the requested address.
	ErrNAK = errors.New("dhcp: server sent NAK")

	// ErrMissingHardwareAddr is returned when no client MAC is configured.
	ErrMissingHardwareAddr = errors.New("dhcp: hardware address required")
)

// Config holds DHCP client settings.
type Config struct {
	// LocalAddr is the UDP address the client listens on.
	LocalAddr string

	// ServerAddr is where DISCOVER and REQUEST are sent.
	ServerAddr string

	// HardwareAddr is the client MAC written into chaddr.
	HardwareAddr net.HardwareAddr

	// Hostname is sent in option 12 when non-empty.
	Hostname string
}

// Logger defines the logging interface for the client.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Client requests leases from a DHCPv4 server.
type Client struct {
	cfg    Config
	logger Logger
	xid    func() uint32
}

// NewClient creates a DHCP client. Empty addresses take their defaults.
func NewClient(cfg Config) *Client {
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = DefaultLocalAddr
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = DefaultServerAddr
	}
	return &Client{cfg: cfg, logger: noopLogger{}, xid: randomXID}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

var _ addressing.Leaser = (*Client)(nil)

// RequestLease runs one full exchange. It returns when an ACK or NAK
// arrives or ctx is done.
func (c *Client) RequestLease(ctx context.Context) (addressing.Lease, error) {
	if len(c.cfg.HardwareAddr) == 0 {
		return addressing.Lease{}, ErrMissingHardwareAddr
	}

	server, err := net.ResolveUDPAddr("udp4", c.cfg.ServerAddr)
	if err != nil {
		return addressing.Lease{}, fmt.Errorf("resolving server address: %w", err)
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	conn, err := lc.ListenPacket(ctx, "udp4", c.cfg.LocalAddr)
	if err != nil {
		return addressing.Lease{}, fmt.Errorf("opening dhcp socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	xid := c.xid()

	if err := c.send(conn, server, c.discover(xid)); err != nil {
		return addressing.Lease{}, err
	}
	offer, err := c.await(ctx, conn, xid, layers.DHCPMsgTypeOffer)
	if err != nil {
		return addressing.Lease{}, fmt.Errorf("awaiting offer: %w", err)
	}

	offered, _ := netip.AddrFromSlice(offer.YourClientIP.To4())
	serverID := optionAddr(offer, layers.DHCPOptServerID)
	c.logger.Debug("dhcp offer received", "ip", offered, "server", serverID)

	if err := c.send(conn, server, c.request(xid, offered, serverID)); err != nil {
		return addressing.Lease{}, err
	}
	ack, err := c.await(ctx, conn, xid, layers.DHCPMsgTypeAck)
	if err != nil {
		return addressing.Lease{}, fmt.Errorf("awaiting ack: %w", err)
	}
	return leaseFromAck(ack), nil
}

func (c *Client) send(conn net.PacketConn, to net.Addr, msg *layers.DHCPv4) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, msg); err != nil {
		return fmt.Errorf("encoding dhcp message: %w", err)
	}
	if _, err := conn.WriteTo(buf.Bytes(), to); err != nil {
		return fmt.Errorf("sending dhcp message: %w", err)
	}
	return nil
}

// await reads replies until one matches xid with the wanted message type.
// A NAK for the transaction ends the wait with ErrNAK.
func (c *Client) await(ctx context.Context, conn net.PacketConn, xid uint32, want layers.DHCPMsgType) (*layers.DHCPv4, error) {
	buf := make([]byte, maxMessageSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		msg, err := decode(buf[:n])
		if err != nil {
			c.logger.Debug("ignoring undecodable datagram", "error", err)
			continue
		}
		if msg.Operation != layers.DHCPOpReply || msg.Xid != xid {
			continue
		}

		switch messageType(msg) {
		case want:
			return msg, nil
		case layers.DHCPMsgTypeNak:
			return nil, ErrNAK
		}
	}
}

func (c *Client) base(xid uint32, msgType layers.DHCPMsgType) *layers.DHCPv4 {
	msg := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  uint8(len(c.cfg.HardwareAddr)),
		Xid:          xid,
		Flags:        flagBroadcast,
		ClientIP:     net.IPv4zero,
		YourClientIP: net.IPv4zero,
		NextServerIP: net.IPv4zero,
		RelayAgentIP: net.IPv4zero,
		ClientHWAddr: c.cfg.HardwareAddr,
	}
	msg.Options = append(msg.Options, layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}))
	if c.cfg.Hostname != "" {
		msg.Options = append(msg.Options, layers.NewDHCPOption(layers.DHCPOptHostname, []byte(c.cfg.Hostname)))
	}
	return msg
}

func (c *Client) discover(xid uint32) *layers.DHCPv4 {
	msg := c.base(xid, layers.DHCPMsgTypeDiscover)
	msg.Options = append(msg.Options, paramsRequest())
	return msg
}

func (c *Client) request(xid uint32, ip, serverID netip.Addr) *layers.DHCPv4 {
	msg := c.base(xid, layers.DHCPMsgTypeRequest)
	if ip.IsValid() {
		msg.Options = append(msg.Options, layers.NewDHCPOption(layers.DHCPOptRequestIP, ip.AsSlice()))
	}
	if serverID.IsValid() {
		msg.Options = append(msg.Options, layers.NewDHCPOption(layers.DHCPOptServerID, serverID.AsSlice()))
	}
	msg.Options = append(msg.Options, paramsRequest())
	return msg
}

func paramsRequest() layers.DHCPOption {
	return layers.NewDHCPOption(layers.DHCPOptParamsRequest, []byte{
		byte(layers.DHCPOptSubnetMask),
		byte(layers.DHCPOptRouter),
		byte(layers.DHCPOptDNS),
		byte(layers.DHCPOptLeaseTime),
	})
}

func decode(data []byte) (*layers.DHCPv4, error) {
	msg := &layers.DHCPv4{}
	if err := msg.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return msg, nil
}

func option(msg *layers.DHCPv4, t layers.DHCPOpt) ([]byte, bool) {
	for _, o := range msg.Options {
		if o.Type == t {
			return o.Data, true
		}
	}
	return nil, false
}

func messageType(msg *layers.DHCPv4) layers.DHCPMsgType {
	data, ok := option(msg, layers.DHCPOptMessageType)
	if !ok || len(data) != 1 {
		return layers.DHCPMsgTypeUnspecified
	}
	return layers.DHCPMsgType(data[0])
}

func optionAddr(msg *layers.DHCPv4, t layers.DHCPOpt) netip.Addr {
	data, ok := option(msg, t)
	if !ok || len(data) < 4 {
		return netip.Addr{}
	}
	addr, _ := netip.AddrFromSlice(data[:4])
	return addr
}

func leaseFromAck(ack *layers.DHCPv4) addressing.Lease {
	ip, _ := netip.AddrFromSlice(ack.YourClientIP.To4())
	lease := addressing.Lease{
		State:   addressing.Bound,
		IP:      ip,
		Mask:    net.CIDRMask(24, 32),
		Gateway: optionAddr(ack, layers.DHCPOptRouter),
		Server:  optionAddr(ack, layers.DHCPOptServerID),
	}
	if data, ok := option(ack, layers.DHCPOptSubnetMask); ok && len(data) == 4 {
		lease.Mask = net.IPMask(data)
	}
	if data, ok := option(ack, layers.DHCPOptLeaseTime); ok && len(data) == 4 {
		lease.Duration = time.Duration(binary.BigEndian.Uint32(data)) * time.Second
	}
	if data, ok := option(ack, layers.DHCPOptDNS); ok {
		for i := 0; i+4 <= len(data); i += 4 {
			addr, _ := netip.AddrFromSlice(data[i : i+4])
			lease.DNS = append(lease.DNS, addr)
		}
	}
	return lease
}

func randomXID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func enableBroadcast(_, _ string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
