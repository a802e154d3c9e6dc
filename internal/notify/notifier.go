// Package notify delivers transition events to their consumers.
package notify

import (
	"context"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// Notifier 接收一批状态翻转事件。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, events []types.TransitionEvent) error
}

// Multi fans events out to every notifier. Individual failures are logged and never returned.
type Multi struct {
	notifiers []Notifier
}

func NewMulti(notifiers ...Notifier) *Multi {
	m := &Multi{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Add registers another notifier.
func (m *Multi) Add(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Notify(ctx context.Context, events []types.TransitionEvent) error {
	if len(events) == 0 {
		return nil
	}
	l := logger.WithComponent("Notify")
	for _, n := range m.notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.Error().Str("notifier", n.Name()).Interface("panic", r).Msg("Notifier panicked.")
				}
			}()
			if err := n.Notify(ctx, events); err != nil {
				l.Warn().Err(err).Str("notifier", n.Name()).Int("events", len(events)).Msg("Notifier failed.")
			}
		}()
	}
	return nil
}
