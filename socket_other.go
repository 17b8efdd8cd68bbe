//go:build unix && !linux

package someip

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrUnsupportedOption is returned for socket options this platform lacks.
var ErrUnsupportedOption = errors.New("socket option not supported on this platform")

// SetPriority is only available on Linux.
func (s *Socket) SetPriority(priority int) error {
	return ErrUnsupportedOption
}

// SetKeepAlive enables keepalive probing. Probe timing is left to the system.
func (s *Socket) SetKeepAlive(ka KeepAlive) error {
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1), "set SO_KEEPALIVE")
}
