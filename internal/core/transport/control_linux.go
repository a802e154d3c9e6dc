//go:build linux

package transport

import (
	"syscall"

	"github.com/sagernet/sing/common/control"
	"golang.org/x/sys/unix"
)

// socketControllers turns probe options into dialer controllers.
func socketControllers(opts Options) []control.Func {
	var controllers []control.Func
	if opts.RoutingMark != 0 {
		mark := opts.RoutingMark
		controllers = append(controllers, func(network, address string, conn syscall.RawConn) error {
			var sockErr error
			if err := conn.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
			}); err != nil {
				return err
			}
			return sockErr
		})
	}
	if opts.BindInterface != "" {
		iface := opts.BindInterface
		controllers = append(controllers, func(network, address string, conn syscall.RawConn) error {
			var sockErr error
			if err := conn.Control(func(fd uintptr) {
				sockErr = unix.BindToDevice(int(fd), iface)
			}); err != nil {
				return err
			}
			return sockErr
		})
	}
	return controllers
}
