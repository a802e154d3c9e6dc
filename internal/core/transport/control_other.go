//go:build !linux

package transport

import (
	"github.com/sagernet/sing/common/control"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
)

// socketControllers 在非Linux系统上的存根实现
func socketControllers(opts Options) []control.Func {
	if opts.RoutingMark != 0 || opts.BindInterface != "" {
		logger.Warn().Msg("routing_mark and bind_interface are only supported on linux; ignoring")
	}
	return nil
}
