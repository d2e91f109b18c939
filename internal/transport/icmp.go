// Package transport implements the ICMP echo transport: one raw socket per
// address family, shared across all targets, keeping replies that carry
// this process's identifier and handing them, with their sequence and
// source address, back to the probe engine, which matches them to
// outstanding requests. There is no per-target timeout tracking here
// (that is the scheduler's job).
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/time/rate"
)

// ErrSocketUnavailable is returned when raw socket acquisition is refused
// (missing capability/privileges). The caller surfaces this as a fatal
// startup error with remediation guidance, not a per-target failure.
var ErrSocketUnavailable = errors.New("transport: raw socket unavailable (missing CAP_NET_RAW or not running as root)")

// Reply is one matched inbound echo reply.
type Reply struct {
	Identifier uint16
	Sequence   uint16
	Addr       net.IP
	RecvTime   time.Time
}

// Transport is the capability set the probe engine depends on. Replay does
// not go through it: the replay source publishes recorded outcomes
// straight onto the bus in place of the transport and scheduler.
type Transport interface {
	Identifier() uint16
	Send(ctx context.Context, addr net.IP, sequence uint16) (dispatchTime time.Time, err error)
	PollReplies(deadline time.Time) []Reply
	Close() error
}

// ICMPTransport is the real raw-socket implementation, adapted from the
// vyos-failover pinger's use of golang.org/x/net/icmp.
type ICMPTransport struct {
	identifier uint16
	limiter    *rate.Limiter

	conn4 *icmp.PacketConn
	conn6 *icmp.PacketConn

	incoming chan Reply
	stop     chan struct{}
}

// Open acquires raw ICMPv4 and ICMPv6 sockets. At least one must succeed;
// if both fail, ErrSocketUnavailable is returned wrapping the underlying
// OS error.
func Open(maxPacketsPerSecond int) (*ICMPTransport, error) {
	conn4, err4 := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	conn6, err6 := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if conn4 == nil && conn6 == nil {
		return nil, fmt.Errorf("%w: ipv4=%v ipv6=%v", ErrSocketUnavailable, err4, err6)
	}

	if maxPacketsPerSecond <= 0 {
		maxPacketsPerSecond = 200
	}

	t := &ICMPTransport{
		identifier: processIdentifier(),
		limiter:    rate.NewLimiter(rate.Limit(maxPacketsPerSecond), maxPacketsPerSecond),
		conn4:      conn4,
		conn6:      conn6,
		incoming:   make(chan Reply, 256),
		stop:       make(chan struct{}),
	}

	if conn4 != nil {
		go t.readLoop4()
	}
	if conn6 != nil {
		go t.readLoop6()
	}
	return t, nil
}

// processIdentifier derives the constant per-process ICMP identifier: the
// low 16 bits of the process id XOR a random salt.
func processIdentifier() uint16 {
	return uint16(os.Getpid()) ^ uint16(rand.Intn(1<<16))
}

func (t *ICMPTransport) Identifier() uint16 { return t.identifier }

func (t *ICMPTransport) Send(ctx context.Context, addr net.IP, sequence uint16) (time.Time, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	dispatch := time.Now()
	payload := timeToBytes(dispatch)

	isV4 := addr.To4() != nil
	var msgType icmp.Type
	var conn *icmp.PacketConn
	if isV4 {
		msgType = ipv4.ICMPTypeEcho
		conn = t.conn4
	} else {
		msgType = ipv6.ICMPTypeEchoRequest
		conn = t.conn6
	}
	if conn == nil {
		return time.Time{}, fmt.Errorf("transport: no socket open for address family of %s", addr)
	}

	msg := icmp.Message{
		Type: msgType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(t.identifier),
			Seq:  int(sequence),
			Data: payload,
		},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal echo request: %w", err)
	}

	dst := &net.IPAddr{IP: addr}
	if _, err := conn.WriteTo(raw, dst); err != nil {
		// ENETUNREACH/EHOSTUNREACH and friends are per-probe soft errors;
		// the caller turns any Send error into a Loss outcome.
		return dispatch, fmt.Errorf("write echo request to %s: %w", addr, err)
	}
	return dispatch, nil
}

// PollReplies drains whatever has already arrived, then waits for more
// until deadline. It never blocks past deadline.
func (t *ICMPTransport) PollReplies(deadline time.Time) []Reply {
	var out []Reply
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out
		}
		timer := time.NewTimer(remaining)
		select {
		case r := <-t.incoming:
			timer.Stop()
			out = append(out, r)
		case <-timer.C:
			return out
		case <-t.stop:
			timer.Stop()
			return out
		}
	}
}

func (t *ICMPTransport) Close() error {
	close(t.stop)
	var err error
	if t.conn4 != nil {
		err = t.conn4.Close()
	}
	if t.conn6 != nil {
		if e := t.conn6.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (t *ICMPTransport) readLoop4() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		_ = t.conn4.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, peer, err := t.conn4.ReadFrom(buf)
		if err != nil {
			continue
		}
		msg, err := icmp.ParseMessage(1, buf[:n])
		if err != nil || msg.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		t.deliver(msg.Body, peer)
	}
}

func (t *ICMPTransport) readLoop6() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		_ = t.conn6.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, peer, err := t.conn6.ReadFrom(buf)
		if err != nil {
			continue
		}
		msg, err := icmp.ParseMessage(58, buf[:n])
		if err != nil || msg.Type != ipv6.ICMPTypeEchoReply {
			continue
		}
		t.deliver(msg.Body, peer)
	}
}

// deliver matches an echo reply body by identifier and hands it to
// PollReplies, carrying the peer address up so the coordinator can
// disambiguate targets that share an outstanding sequence number.
// Unmatched inbound packets (foreign identifier, malformed body) are
// discarded silently.
func (t *ICMPTransport) deliver(body icmp.MessageBody, peer net.Addr) {
	echo, ok := body.(*icmp.Echo)
	if !ok || echo.ID != int(t.identifier) {
		return
	}
	recv := time.Now()
	reply := Reply{Identifier: uint16(echo.ID), Sequence: uint16(echo.Seq), Addr: addrIP(peer), RecvTime: recv}
	select {
	case t.incoming <- reply:
	case <-t.stop:
	}
}

// addrIP extracts the IP from the net.Addr forms icmp.PacketConn.ReadFrom
// returns for raw IP sockets.
func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}

func timeToBytes(ts time.Time) []byte {
	nsec := ts.UnixNano()
	b := make([]byte, 8)
	for i := uint(0); i < 8; i++ {
		b[i] = byte((nsec >> ((7 - i) * 8)) & 0xff)
	}
	return b
}
