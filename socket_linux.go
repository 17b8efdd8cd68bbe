package someip

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetPriority sets SO_PRIORITY for outgoing packets.
func (s *Socket) SetPriority(priority int) error {
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_PRIORITY, priority), "set SO_PRIORITY")
}

// SetKeepAlive enables keepalive probing with the given parameters.
// Zero durations or counts keep the system defaults.
func (s *Socket) SetKeepAlive(ka KeepAlive) error {
	if secs := int(ka.Time.Seconds()); secs > 0 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs); err != nil {
			return errors.Wrap(err, "set TCP_KEEPIDLE")
		}
	}
	if secs := int(ka.Interval.Seconds()); secs > 0 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
			return errors.Wrap(err, "set TCP_KEEPINTVL")
		}
	}
	if ka.RetryCount > 0 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.RetryCount); err != nil {
			return errors.Wrap(err, "set TCP_KEEPCNT")
		}
	}
	return errors.Wrap(unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1), "set SO_KEEPALIVE")
}
