package notify

import (
	"context"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// SubscriberSource lists the users that receive notifications.
type SubscriberSource interface {
	Subscribers() []types.Subscriber
}

// SubscriberLog records one delivery line per subscriber and event. Chat delivery itself is not
// part of this service; the log is what a delivery adapter would consume.
type SubscriberLog struct {
	source SubscriberSource
}

func NewSubscriberLog(source SubscriberSource) *SubscriberLog {
	return &SubscriberLog{source: source}
}

func (s *SubscriberLog) Name() string { return "subscribers" }

func (s *SubscriberLog) Notify(ctx context.Context, events []types.TransitionEvent) error {
	subs := s.source.Subscribers()
	if len(subs) == 0 {
		return nil
	}
	l := logger.WithComponent("Notify/Subscribers")
	for _, ev := range events {
		for _, sub := range subs {
			l.Info().
				Int64("user_id", sub.UserID).
				Str("protocol_id", ev.ProtocolID).
				Str("previous", ev.Previous.String()).
				Str("current", ev.Current.String()).
				Str("detail", ev.Result.Detail).
				Msg("Transition delivered to subscriber.")
		}
	}
	return nil
}
