// Package mcast sets up the UDP multicast socket used to join the
// mDNS group on each chosen interface and to send/receive datagrams.
// This is a collaborator, not part of the scheduler core — see
// spec.md §1 and §6.
package mcast

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Addr4 and Addr6 are the standard mDNS multicast group addresses
// (RFC 6762 §3) and port.
var (
	Addr4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}
	Addr6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: 5353}
)

// Packet is one received datagram and its source.
type Packet struct {
	Data []byte
	From *net.UDPAddr
}

// Conn is the multicast transport collaborator. It owns the underlying
// sockets for the lifetime of the service, per spec.md §5.
type Conn struct {
	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn
	raw net.PacketConn

	recv chan Packet
	done chan struct{}
}

// Listen joins the mDNS multicast group on the given interfaces (nil
// or empty means "all multicast-capable interfaces") and returns a
// Conn ready to Send/Recv. Socket setup failure here is fatal to the
// handle, per spec.md §7.
func Listen(ifaceNames []string) (*Conn, error) {
	ifaces, err := resolveInterfaces(ifaceNames)
	if err != nil {
		return nil, fmt.Errorf("mcast: resolve interfaces: %w", err)
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("mcast: no multicast-capable interfaces found")
	}

	// SO_REUSEADDR so more than one local process (or, in tests, more
	// than one local Conn) can bind the mDNS port on the same host —
	// every real mDNS stack (avahi, mDNSResponder) does the same, since
	// the group is meant to be heard by every listener, not one winner.
	lc := net.ListenConfig{Control: setReuseAddr}
	raw, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", Addr4.Port))
	if err != nil {
		return nil, fmt.Errorf("mcast: listen udp4: %w", err)
	}

	pc4 := ipv4.NewPacketConn(raw)
	joined := 0
	for _, ifi := range ifaces {
		if err := pc4.JoinGroup(ifi, Addr4); err == nil {
			joined++
		}
	}
	if joined == 0 {
		raw.Close()
		return nil, fmt.Errorf("mcast: failed to join multicast group on any interface")
	}
	pc4.SetControlMessage(ipv4.FlagDst, true)

	c := &Conn{
		pc4:  pc4,
		raw:  raw,
		recv: make(chan Packet, 64),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, _, src, err := c.pc4.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				continue
			}
		}

		udpSrc, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case c.recv <- Packet{Data: data, From: udpSrc}:
		case <-c.done:
			return
		}
	}
}

// Recv delivers inbound datagrams as they arrive.
func (c *Conn) Recv() <-chan Packet {
	return c.recv
}

// Send transmits data to the mDNS multicast group.
func (c *Conn) Send(data []byte) error {
	_, err := c.pc4.WriteTo(data, nil, Addr4)
	return err
}

// Close shuts down the socket and stops the read loop.
func (c *Conn) Close() error {
	close(c.done)
	if c.pc6 != nil {
		c.pc6.Close()
	}
	return c.raw.Close()
}

func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	if err := c.Control(func(fd uintptr) {
		ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return ctrlErr
}

// resolveInterfaces selects multicast-capable interfaces matching the
// given names, or all multicast-capable interfaces if names is empty.
func resolveInterfaces(names []string) ([]*net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var want map[string]bool
	if len(names) > 0 {
		want = make(map[string]bool, len(names))
		for _, n := range names {
			want[n] = true
		}
	}

	var out []*net.Interface
	for i := range all {
		ifi := all[i]
		if ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagUp == 0 {
			continue
		}
		if want != nil && !want[ifi.Name] {
			continue
		}
		out = append(out, &ifi)
	}
	return out, nil
}
