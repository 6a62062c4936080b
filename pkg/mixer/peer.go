package mixer

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Peer identifies one mix partner. Equality is structural.
type Peer struct {
	Host string
	Port int
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p Peer) String() string {
	return p.Addr()
}

// ParsePeer reads "host:port" as spelled in registry values.
func ParsePeer(s string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Peer{}, errors.Wrapf(err, "parse peer %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Peer{}, errors.Errorf("parse peer %q: bad port", s)
	}
	return Peer{Host: host, Port: port}, nil
}
