package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// Dashboard pairs every protocol with its last known result. Best-effort results carry the UDP caveat.
func (s *AppServer) Dashboard() []types.DashboardEntry {
	descs := s.snapshotProtocols()
	h := s.detector.History()
	entries := make([]types.DashboardEntry, 0, len(descs))
	for _, d := range descs {
		entry := types.DashboardEntry{Protocol: d}
		if r, ok := h.Get(d.ID); ok {
			res := r
			entry.Result = &res
			if r.Confidence == types.ConfidenceBestEffort {
				entry.Caveat = types.UDPCaveat
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// Result returns the last known result for id.
func (s *AppServer) Result(id string) (types.ProbeResult, bool) {
	return s.detector.History().Get(id)
}

// Regions returns a copy of the latest result per region and protocol.
func (s *AppServer) Regions() map[string]map[string]types.ProbeResult {
	s.regionsLock.RLock()
	defer s.regionsLock.RUnlock()
	out := make(map[string]map[string]types.ProbeResult, len(s.regions))
	for region, results := range s.regions {
		m := make(map[string]types.ProbeResult, len(results))
		for id, r := range results {
			m[id] = r
		}
		out[region] = m
	}
	return out
}

// IngestReport merges an agent's results into its region. Older results than the stored ones
// are ignored, as in the local history.
func (s *AppServer) IngestReport(ctx context.Context, report types.RegionReport) error {
	region := strings.TrimSpace(report.Region)
	if region == "" {
		return fmt.Errorf("%w: region is required", types.ErrConfigInvalid)
	}

	s.regionsLock.Lock()
	defer s.regionsLock.Unlock()

	next := make(map[string]map[string]types.ProbeResult, len(s.regions)+1)
	for k, v := range s.regions {
		next[k] = v
	}
	merged := make(map[string]types.ProbeResult, len(s.regions[region])+len(report.Results))
	for id, r := range s.regions[region] {
		merged[id] = r
	}
	accepted := 0
	for _, r := range report.Results {
		if r.ProtocolID == "" {
			continue
		}
		if prev, ok := merged[r.ProtocolID]; ok && r.Timestamp.Before(prev.Timestamp) {
			continue
		}
		merged[r.ProtocolID] = r
		accepted++
	}
	next[region] = merged

	if err := s.store.SaveRegions(ctx, next); err != nil {
		return fmt.Errorf("failed to save regional results: %w", err)
	}
	s.regions = next
	logger.Debug().Str("region", region).Int("accepted", accepted).Msg("[AppServer] Regional results merged.")
	return nil
}
