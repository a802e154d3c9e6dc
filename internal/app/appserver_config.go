package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cheaterpersian-web/Apex/internal/shared/config"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

func (s *AppServer) protocol(id string) (*types.ProtocolDescriptor, bool) {
	s.configLock.RLock()
	defer s.configLock.RUnlock()
	d, ok := s.protocols[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// snapshotProtocols returns cloned descriptors sorted by id.
func (s *AppServer) snapshotProtocols() []*types.ProtocolDescriptor {
	s.configLock.RLock()
	defer s.configLock.RUnlock()
	list := make([]*types.ProtocolDescriptor, 0, len(s.protocols))
	for _, d := range s.protocols {
		list = append(list, d.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// ListProtocols returns all descriptors sorted by id.
func (s *AppServer) ListProtocols() []*types.ProtocolDescriptor {
	return s.snapshotProtocols()
}

// AddProtocols validates and stores descriptors. The batch is all-or-nothing: one invalid
// descriptor rejects the whole request. An existing id is replaced; if the replacement probes a
// different target, the last known result of that id is dropped.
func (s *AppServer) AddProtocols(ctx context.Context, descs []*types.ProtocolDescriptor) error {
	if len(descs) == 0 {
		return fmt.Errorf("%w: no protocols given", types.ErrConfigInvalid)
	}

	retargeted, err := s.addProtocols(ctx, descs)
	if err != nil {
		return err
	}
	if len(retargeted) == 0 {
		return nil
	}
	for _, id := range retargeted {
		s.detector.History().Delete(id)
		if s.grpcHealth != nil {
			s.grpcHealth.Forget(id)
		}
	}
	s.persistHistory()
	s.hub.BroadcastStatusUpdate()
	return nil
}

// addProtocols returns the ids whose probe target changed.
func (s *AppServer) addProtocols(ctx context.Context, descs []*types.ProtocolDescriptor) ([]string, error) {
	s.configLock.Lock()
	defer s.configLock.Unlock()

	existing := make([]*types.ProtocolDescriptor, 0, len(s.protocols)+len(descs))
	for id, d := range s.protocols {
		if !containsID(descs, id) {
			existing = append(existing, d)
		}
	}

	accepted := make([]*types.ProtocolDescriptor, 0, len(descs))
	for _, in := range descs {
		if in == nil {
			return nil, fmt.Errorf("%w: descriptor is empty", types.ErrConfigInvalid)
		}
		d := in.Clone()
		if d.ID == "" {
			d.ID = uuid.NewString()
			in.ID = d.ID
		}
		config.NormalizeDescriptor(d)
		if err := config.ValidateDescriptor(d); err != nil {
			return nil, err
		}
		if err := s.policy.Allow(d); err != nil {
			return nil, err
		}
		if err := config.CheckPortConflict(existing, d); err != nil {
			return nil, err
		}
		existing = append(existing, d)
		accepted = append(accepted, d)
	}

	next := make(map[string]*types.ProtocolDescriptor, len(s.protocols)+len(accepted))
	for id, d := range s.protocols {
		next[id] = d
	}
	for _, d := range accepted {
		next[d.ID] = d
	}
	if err := s.saveProtocolsLocked(ctx, next); err != nil {
		return nil, err
	}

	var retargeted []string
	for _, d := range accepted {
		if old, ok := s.protocols[d.ID]; ok && !sameProbeTarget(old, d) {
			retargeted = append(retargeted, d.ID)
		}
	}
	s.protocols = next

	for _, d := range accepted {
		logger.Info().Str("id", d.ID).Str("type", string(d.Type)).Str("host", d.Host).Int("port", d.Port).Msg("[AppServer] Protocol added.")
	}
	return retargeted, nil
}

// sameProbeTarget reports whether a and b are probed identically. Name and Meta do not count.
func sameProbeTarget(a, b *types.ProtocolDescriptor) bool {
	return a.Type == b.Type &&
		a.Host == b.Host &&
		a.Port == b.Port &&
		a.Transport == b.Transport &&
		equalPtr(a.Client, b.Client) &&
		equalPtr(a.TLS, b.TLS)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// acceptLoaded runs stored descriptors through the same checks as AddProtocols. Entries that
// fail are skipped with a warning; on a socks_port clash or a repeated id the first entry wins.
func acceptLoaded(protocols []*types.ProtocolDescriptor) map[string]*types.ProtocolDescriptor {
	out := make(map[string]*types.ProtocolDescriptor, len(protocols))
	accepted := make([]*types.ProtocolDescriptor, 0, len(protocols))
	for i, d := range protocols {
		if d == nil {
			logger.Warn().Int("index", i).Msg("[AppServer] Skipping empty stored protocol.")
			continue
		}
		config.NormalizeDescriptor(d)
		err := config.ValidateDescriptor(d)
		if err == nil {
			if _, dup := out[d.ID]; dup {
				err = fmt.Errorf("%w: duplicate id %s", types.ErrConfigInvalid, d.ID)
			}
		}
		if err == nil {
			err = config.CheckPortConflict(accepted, d)
		}
		if err != nil {
			logger.Warn().Err(err).Str("id", d.ID).Int("index", i).Msg("[AppServer] Skipping invalid stored protocol.")
			continue
		}
		out[d.ID] = d
		accepted = append(accepted, d)
	}
	return out
}

// RemoveProtocol deletes a descriptor and its last known result.
func (s *AppServer) RemoveProtocol(ctx context.Context, id string) error {
	s.configLock.Lock()
	if _, ok := s.protocols[id]; !ok {
		s.configLock.Unlock()
		return fmt.Errorf("protocol %q: %w", id, types.ErrNotFound)
	}
	next := make(map[string]*types.ProtocolDescriptor, len(s.protocols))
	for k, d := range s.protocols {
		if k != id {
			next[k] = d
		}
	}
	if err := s.saveProtocolsLocked(ctx, next); err != nil {
		s.configLock.Unlock()
		return err
	}
	s.protocols = next
	s.configLock.Unlock()

	s.detector.History().Delete(id)
	if s.grpcHealth != nil {
		s.grpcHealth.Forget(id)
	}
	s.persistHistory()
	s.hub.BroadcastStatusUpdate()
	logger.Info().Str("id", id).Msg("[AppServer] Protocol removed.")
	return nil
}

// saveProtocolsLocked must be called under configLock.
func (s *AppServer) saveProtocolsLocked(ctx context.Context, protocols map[string]*types.ProtocolDescriptor) error {
	list := make([]*types.ProtocolDescriptor, 0, len(protocols))
	for _, d := range protocols {
		list = append(list, d)
	}
	if err := s.store.SaveProtocols(ctx, list); err != nil {
		return fmt.Errorf("failed to save protocols: %w", err)
	}
	return nil
}

func containsID(descs []*types.ProtocolDescriptor, id string) bool {
	for _, d := range descs {
		if d != nil && d.ID == id {
			return true
		}
	}
	return false
}

// Subscribers implements notify.SubscriberSource.
func (s *AppServer) Subscribers() []types.Subscriber {
	s.subscribersLock.RLock()
	defer s.subscribersLock.RUnlock()
	out := make([]types.Subscriber, len(s.subscribers))
	copy(out, s.subscribers)
	return out
}

// Subscribe adds a user. It reports false if the user was already subscribed.
func (s *AppServer) Subscribe(ctx context.Context, userID int64) (bool, error) {
	s.subscribersLock.Lock()
	defer s.subscribersLock.Unlock()
	for _, sub := range s.subscribers {
		if sub.UserID == userID {
			return false, nil
		}
	}
	next := append(append([]types.Subscriber(nil), s.subscribers...), types.Subscriber{UserID: userID, AddedAt: time.Now().UTC()})
	if err := s.store.SaveSubscribers(ctx, next); err != nil {
		return false, fmt.Errorf("failed to save subscribers: %w", err)
	}
	s.subscribers = next
	logger.Info().Int64("user_id", userID).Msg("[AppServer] Subscriber added.")
	return true, nil
}

// Unsubscribe removes a user. It reports false if the user was not subscribed.
func (s *AppServer) Unsubscribe(ctx context.Context, userID int64) (bool, error) {
	s.subscribersLock.Lock()
	defer s.subscribersLock.Unlock()
	next := make([]types.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if sub.UserID != userID {
			next = append(next, sub)
		}
	}
	if len(next) == len(s.subscribers) {
		return false, nil
	}
	if err := s.store.SaveSubscribers(ctx, next); err != nil {
		return false, fmt.Errorf("failed to save subscribers: %w", err)
	}
	s.subscribers = next
	logger.Info().Int64("user_id", userID).Msg("[AppServer] Subscriber removed.")
	return true, nil
}
