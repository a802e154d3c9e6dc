package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

func TestFileStorage_MissingFilesAreEmpty(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}
	ctx := context.Background()

	protocols, err := fs.LoadProtocols(ctx)
	if err != nil || len(protocols) != 0 {
		t.Fatalf("expected empty protocols, got %v, %v", protocols, err)
	}
	history, err := fs.LoadHistory(ctx)
	if err != nil || len(history) != 0 {
		t.Fatalf("expected empty history, got %v, %v", history, err)
	}
	subs, err := fs.LoadSubscribers(ctx)
	if err != nil || len(subs) != 0 {
		t.Fatalf("expected no subscribers, got %v, %v", subs, err)
	}
	regions, err := fs.LoadRegions(ctx)
	if err != nil || len(regions) != 0 {
		t.Fatalf("expected no regions, got %v, %v", regions, err)
	}
}

func TestFileStorage_CorruptFileDoesNotAffectOthers(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStorage(dir)
	ctx := context.Background()

	protocols := []*types.ProtocolDescriptor{{ID: "p1", Name: "one", Type: types.ProtocolOther, Host: "1.2.3.4", Port: 443, Transport: types.TransportTCP}}
	if err := fs.SaveProtocols(ctx, protocols); err != nil {
		t.Fatalf("SaveProtocols failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	history, err := fs.LoadHistory(ctx)
	if err != nil {
		t.Fatalf("corrupt status file should not error, got %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history from corrupt file, got %d entries", len(history))
	}

	loaded, err := fs.LoadProtocols(ctx)
	if err != nil || len(loaded) != 1 || loaded[0].ID != "p1" {
		t.Fatalf("protocols should be unaffected, got %v, %v", loaded, err)
	}
}

func TestFileStorage_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStorage(dir)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	history := map[string]types.ProbeResult{
		"p1": {ProtocolID: "p1", Timestamp: ts, Reachable: true, LatencyMs: 40, Strategy: types.StrategyTransport, Confidence: types.ConfidenceStrict},
	}
	if err := fs.SaveHistory(ctx, history); err != nil {
		t.Fatalf("SaveHistory failed: %v", err)
	}
	subs := []types.Subscriber{{UserID: 42, AddedAt: ts}}
	if err := fs.SaveSubscribers(ctx, subs); err != nil {
		t.Fatalf("SaveSubscribers failed: %v", err)
	}
	regions := map[string]map[string]types.ProbeResult{"eu": {"p1": history["p1"]}}
	if err := fs.SaveRegions(ctx, regions); err != nil {
		t.Fatalf("SaveRegions failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, statusFile+".tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temporary file left behind: %v", err)
	}

	gotHistory, _ := fs.LoadHistory(ctx)
	if r := gotHistory["p1"]; !r.Reachable || r.LatencyMs != 40 || !r.Timestamp.Equal(ts) {
		t.Errorf("unexpected history entry %+v", r)
	}
	gotSubs, _ := fs.LoadSubscribers(ctx)
	if len(gotSubs) != 1 || gotSubs[0].UserID != 42 {
		t.Errorf("unexpected subscribers %+v", gotSubs)
	}
	gotRegions, _ := fs.LoadRegions(ctx)
	if _, ok := gotRegions["eu"]["p1"]; !ok {
		t.Errorf("unexpected regions %+v", gotRegions)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := types.DefaultConfig()
	cfg.CommonConf.StorageBackend = "mysql"
	if _, err := Open(context.Background(), cfg); !errors.Is(err, types.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
	cfg.CommonConf.StorageBackend = "postgres"
	if _, err := Open(context.Background(), cfg); !errors.Is(err, types.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for missing dsn, got %v", err)
	}
}
