package history

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// Options 控制哪些状态翻转会产生事件。
type Options struct {
	// NotifyFirstDown also emits an event when a protocol is seen for the first time and is down.
	NotifyFirstDown bool
	// NotifyOnlyUp suppresses events whose new state is down.
	NotifyOnlyUp bool
}

// Detector compares new results with the stored ones and reports reachability flips.
type Detector struct {
	history *History
	opts    atomic.Pointer[Options]
}

func NewDetector(h *History, opts Options) *Detector {
	d := &Detector{history: h}
	d.opts.Store(&opts)
	return d
}

// History returns the underlying result store.
func (d *Detector) History() *History {
	return d.history
}

// Update stores result and returns a TransitionEvent when its reachability differs from the
// previous one. Results older than the stored one are ignored.
func (d *Detector) Update(result types.ProbeResult) (types.TransitionEvent, bool) {
	opts := d.opts.Load()
	var (
		event   types.TransitionEvent
		emitted bool
	)

	d.history.compareAndStore(result.ProtocolID, func(prev *types.ProbeResult) *types.ProbeResult {
		if prev != nil && result.Timestamp.Before(prev.Timestamp) {
			logger.Debug().Str("protocol_id", result.ProtocolID).Msg("Dropping stale probe result.")
			return nil
		}

		previous := prev.State()
		current := result.State()
		switch {
		case prev == nil:
			emitted = current == types.StatusUp || opts.NotifyFirstDown
		default:
			emitted = previous != current
		}
		if emitted && opts.NotifyOnlyUp && current == types.StatusDown {
			emitted = false
		}

		if emitted {
			event = types.TransitionEvent{
				ID:         uuid.NewString(),
				ProtocolID: result.ProtocolID,
				Previous:   previous,
				Current:    current,
				Timestamp:  result.Timestamp,
				Result:     result,
			}
		}
		stored := result
		return &stored
	})

	return event, emitted
}

// OnSettingsUpdate 实现 settings.ConfigurableModule 接口
func (d *Detector) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleNotify {
		return nil
	}
	ns, ok := newSettings.(*settings.NotifySettings)
	if !ok {
		return fmt.Errorf("invalid settings type for detector: expected *settings.NotifySettings")
	}
	next := *d.opts.Load()
	if ns.NotifyFirstDown != nil {
		next.NotifyFirstDown = *ns.NotifyFirstDown
	}
	if ns.NotifyOnlyUp != nil {
		next.NotifyOnlyUp = *ns.NotifyOnlyUp
	}
	d.opts.Store(&next)
	logger.Info().Bool("notify_first_down", next.NotifyFirstDown).Bool("notify_only_up", next.NotifyOnlyUp).Msg("Detector notification policy updated.")
	return nil
}
