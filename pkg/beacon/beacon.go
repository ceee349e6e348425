package beacon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup = "239.255.255.250"
	DefaultPort  = 9090

	multicastTTL = 1
)

// Arrival is one received beacon.
type Arrival struct {
	From string
	At   time.Time
}

// Announce sends the single presence datagram to group:port.
func Announce(ctx context.Context, group string, port int) error {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("beacon: %q is not a multicast group", group)
	}
	return send(ctx, &net.UDPAddr{IP: ip, Port: port})
}

func send(ctx context.Context, dst *net.UDPAddr) error {
	var lc net.ListenConfig
	c, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return fmt.Errorf("beacon: open socket: %w", err)
	}
	defer c.Close()

	p := ipv4.NewPacketConn(c)
	if dst.IP.IsMulticast() {
		if err := p.SetMulticastTTL(multicastTTL); err != nil {
			return fmt.Errorf("beacon: set ttl: %w", err)
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetWriteDeadline(deadline)
	}
	if _, err := p.WriteTo([]byte{0}, nil, dst); err != nil {
		return fmt.Errorf("beacon: send: %w", err)
	}
	return nil
}

// Listen joins group on every up, multicast-capable interface (the system
// default interface if none accepts the join) and calls handle for each
// datagram until ctx is done.
func Listen(ctx context.Context, group string, port int, handle func(Arrival)) error {
	gip := net.ParseIP(group)
	if gip == nil || !gip.IsMulticast() {
		return fmt.Errorf("beacon: %q is not a multicast group", group)
	}

	var lc net.ListenConfig
	c, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("beacon: listen: %w", err)
	}
	p := ipv4.NewPacketConn(c)

	g := &net.UDPAddr{IP: gip}
	joined := 0
	ifs, _ := net.Interfaces()
	for i := range ifs {
		ifi := &ifs[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if p.JoinGroup(ifi, g) == nil {
			joined++
		}
	}
	if joined == 0 {
		if err := p.JoinGroup(nil, g); err != nil {
			c.Close()
			return fmt.Errorf("beacon: join %s: %w", group, err)
		}
	}
	return serve(ctx, c, handle)
}

// serve reads datagrams from c until ctx is done, then closes c.
func serve(ctx context.Context, c net.PacketConn, handle func(Arrival)) error {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	buf := make([]byte, 64)
	for {
		_, src, err := c.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("beacon: read: %w", err)
		}
		from := src.String()
		if ua, ok := src.(*net.UDPAddr); ok {
			from = ua.IP.String()
		}
		handle(Arrival{From: from, At: time.Now()})
	}
}
