package datagram

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/banshee-data/rovercam/internal/monitoring"
)

// PacketConn is the subset of *net.UDPConn the distributor uses.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// DefaultTOS marks frame traffic as expedited (DSCP EF).
const DefaultTOS = 0xB8

// ListenBroadcast binds a UDP socket on port for sending to a broadcast
// address. A non-zero tos is applied to outgoing packets.
func ListenBroadcast(port, tos int) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp :%d: %w", port, err)
	}
	if tos > 0 {
		if err := ipv4.NewConn(conn).SetTOS(tos); err != nil {
			monitoring.Logf("udp: failed to set TOS 0x%02x: %v", tos, err)
		}
	}
	return conn, nil
}

// BroadcastAddr resolves host:port for use as the distributor destination.
func BroadcastAddr(host string, port int) (*net.UDPAddr, error) {
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("broadcast address %q is not IPv4", host)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
