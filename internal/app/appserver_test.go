package app

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
	"github.com/cheaterpersian-web/Apex/internal/storage"
)

func newTestServer(t *testing.T) (*AppServer, *storage.MemoryStorage) {
	t.Helper()
	cfg := types.DefaultConfig()
	cfg.TCPTimeoutSec = 2
	cfg.UDPTimeoutSec = 1
	cfg.MaxConcurrency = 4
	store := storage.NewMemoryStorage()
	s, err := NewHeadless(cfg, store)
	if err != nil {
		t.Fatalf("NewHeadless failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, store
}

func tcpListener(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAddProtocols_Validation(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{{ID: "bad", Host: "127.0.0.1", Port: 70000}})
	if !errors.Is(err, types.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}

	client := func(id string) *types.ProtocolDescriptor {
		return &types.ProtocolDescriptor{
			ID: id, Type: types.ProtocolV2Ray, Host: "127.0.0.1", Port: 443,
			Client: &types.ClientSpec{StartCommand: "true", SocksPort: 10808},
		}
	}
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{client("a")}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{client("b")}); !errors.Is(err, types.ErrPortConflict) {
		t.Fatalf("expected ErrPortConflict, got %v", err)
	}
	// Replacing the same id keeps its own port.
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{client("a")}); err != nil {
		t.Fatalf("replacing a protocol should not conflict with itself: %v", err)
	}
	if n := len(s.ListProtocols()); n != 1 {
		t.Fatalf("expected 1 protocol, got %d", n)
	}
}

func TestAddProtocols_BatchIsAllOrNothing(t *testing.T) {
	s, store := newTestServer(t)
	err := s.AddProtocols(context.Background(), []*types.ProtocolDescriptor{
		{ID: "ok", Host: "127.0.0.1", Port: 80},
		{ID: "broken", Host: "", Port: 80},
	})
	if !errors.Is(err, types.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
	if n := len(s.ListProtocols()); n != 0 {
		t.Fatalf("expected no protocols after rejected batch, got %d", n)
	}
	saved, _ := store.LoadProtocols(context.Background())
	if len(saved) != 0 {
		t.Fatalf("rejected batch must not be persisted, got %d", len(saved))
	}
}

func TestAddProtocols_AssignsIDAndDefaults(t *testing.T) {
	s, _ := newTestServer(t)
	desc := &types.ProtocolDescriptor{Host: "127.0.0.1", Port: 1194, Type: "OpenVPN"}
	if err := s.AddProtocols(context.Background(), []*types.ProtocolDescriptor{desc}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}
	if desc.ID == "" {
		t.Fatal("expected an id to be assigned")
	}
	got, ok := s.protocol(desc.ID)
	if !ok {
		t.Fatal("protocol not stored")
	}
	if got.Type != types.ProtocolOpenVPN || got.Transport != types.TransportTCP {
		t.Errorf("unexpected normalization: type=%s transport=%s", got.Type, got.Transport)
	}
}

func TestRemoveProtocol(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	port := tcpListener(t)
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{{ID: "p1", Host: "127.0.0.1", Port: port}}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}
	if _, err := s.RunOne(ctx, "p1"); err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}

	if err := s.RemoveProtocol(ctx, "p1"); err != nil {
		t.Fatalf("RemoveProtocol failed: %v", err)
	}
	if _, ok := s.Result("p1"); ok {
		t.Error("history entry should be removed with the protocol")
	}
	saved, _ := store.LoadProtocols(ctx)
	if len(saved) != 0 {
		t.Errorf("expected protocol to be removed from the store")
	}
	if err := s.RemoveProtocol(ctx, "p1"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunOne_RecordsAndPersistsResult(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	port := tcpListener(t)
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{{ID: "web", Host: "127.0.0.1", Port: port}}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}

	res, err := s.RunOne(ctx, "web")
	if err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}
	if !res.Reachable || res.Strategy != types.StrategyTransport {
		t.Fatalf("unexpected result: %+v", res)
	}

	saved, _ := store.LoadHistory(ctx)
	if r, ok := saved["web"]; !ok || !r.Reachable {
		t.Fatalf("expected persisted reachable result, got %+v", saved)
	}

	dash := s.Dashboard()
	if len(dash) != 1 || dash[0].Result == nil || dash[0].Caveat != "" {
		t.Fatalf("unexpected dashboard: %+v", dash)
	}

	if _, err := s.RunOne(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunAll_JoinsRunningCycle(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	// A silent UDP server keeps the probe busy for the whole udp timeout.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer pc.Close()
	desc := &types.ProtocolDescriptor{ID: "wg", Type: types.ProtocolWireGuard, Host: "127.0.0.1", Port: pc.LocalAddr().(*net.UDPAddr).Port, Transport: types.TransportUDP}
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{desc}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}

	first := make(chan []types.ProbeResult, 1)
	go func() {
		res, _ := s.RunAll(ctx)
		first <- res
	}()

	deadline := time.Now().Add(time.Second)
	for {
		s.cycleLock.Lock()
		running := s.cycle != nil
		s.cycleLock.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cycle did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, err := s.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	firstRes := <-first
	if len(firstRes) != 1 || len(second) != 1 || &firstRes[0] != &second[0] {
		t.Fatal("expected the second caller to share the running cycle's results")
	}

	dash := s.Dashboard()
	if len(dash) != 1 || dash[0].Result == nil {
		t.Fatalf("unexpected dashboard: %+v", dash)
	}
	if dash[0].Result.Confidence != types.ConfidenceBestEffort || dash[0].Caveat != types.UDPCaveat {
		t.Errorf("expected best-effort result with caveat, got %+v", dash[0])
	}
}

func TestRunAll_CallerContextOnlyBoundsWaiting(t *testing.T) {
	s, _ := newTestServer(t)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer pc.Close()
	desc := &types.ProtocolDescriptor{ID: "wg", Host: "127.0.0.1", Port: pc.LocalAddr().(*net.UDPAddr).Port, Transport: types.TransportUDP}
	if err := s.AddProtocols(context.Background(), []*types.ProtocolDescriptor{desc}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.RunAll(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The cycle keeps running and still records its result.
	if _, err := s.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if _, ok := s.Result("wg"); !ok {
		t.Fatal("expected the cycle to record a result")
	}
}

func TestSubscribers(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	added, err := s.Subscribe(ctx, 42)
	if err != nil || !added {
		t.Fatalf("Subscribe: added=%v err=%v", added, err)
	}
	added, err = s.Subscribe(ctx, 42)
	if err != nil || added {
		t.Fatalf("second Subscribe should be a no-op: added=%v err=%v", added, err)
	}
	saved, _ := store.LoadSubscribers(ctx)
	if len(saved) != 1 || saved[0].UserID != 42 {
		t.Fatalf("unexpected stored subscribers: %+v", saved)
	}

	removed, err := s.Unsubscribe(ctx, 42)
	if err != nil || !removed {
		t.Fatalf("Unsubscribe: removed=%v err=%v", removed, err)
	}
	removed, _ = s.Unsubscribe(ctx, 42)
	if removed {
		t.Fatal("second Unsubscribe should report false")
	}
	if len(s.Subscribers()) != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestIngestReport(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()
	t0 := time.Now()

	if err := s.IngestReport(ctx, types.RegionReport{Region: " "}); !errors.Is(err, types.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid for empty region, got %v", err)
	}

	report := types.RegionReport{Region: "eu", Results: []types.ProbeResult{{ProtocolID: "p", Timestamp: t0, Reachable: true}}}
	if err := s.IngestReport(ctx, report); err != nil {
		t.Fatalf("IngestReport failed: %v", err)
	}
	stale := types.RegionReport{Region: "eu", Results: []types.ProbeResult{{ProtocolID: "p", Timestamp: t0.Add(-time.Minute), Reachable: false}}}
	if err := s.IngestReport(ctx, stale); err != nil {
		t.Fatalf("IngestReport failed: %v", err)
	}

	if r := s.Regions()["eu"]["p"]; !r.Reachable {
		t.Fatalf("stale report overwrote a newer result: %+v", r)
	}
	saved, _ := store.LoadRegions(ctx)
	if _, ok := saved["eu"]["p"]; !ok {
		t.Fatal("expected regional results to be persisted")
	}
}

func TestBootstrap_LoadsStore(t *testing.T) {
	cfg := types.DefaultConfig()
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	store.SaveProtocols(ctx, []*types.ProtocolDescriptor{{ID: "a", Host: "h", Port: 1, Type: types.ProtocolOther, Transport: types.TransportTCP}})
	store.SaveHistory(ctx, map[string]types.ProbeResult{"a": {ProtocolID: "a", Reachable: true, Timestamp: time.Now()}})

	s, err := NewHeadless(cfg, store)
	if err != nil {
		t.Fatalf("NewHeadless failed: %v", err)
	}
	defer s.Stop()
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if len(s.ListProtocols()) != 1 {
		t.Fatal("expected protocol to be loaded")
	}
	if r, ok := s.Result("a"); !ok || !r.Reachable {
		t.Fatal("expected history to be loaded")
	}
}

func TestBootstrap_SkipsInvalidDescriptors(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	client := func(id string) *types.ProtocolDescriptor {
		return &types.ProtocolDescriptor{
			ID: id, Type: types.ProtocolV2Ray, Host: "127.0.0.1", Port: 443,
			Client: &types.ClientSpec{StartCommand: "true", SocksPort: 10808},
		}
	}
	store.SaveProtocols(ctx, []*types.ProtocolDescriptor{
		{ID: "ok", Host: "h", Port: 1},
		{ID: "bogus-type", Type: "bogus", Host: "h", Port: 1},
		{ID: "bogus-transport", Host: "h", Port: 1, Transport: "sctp"},
		{ID: "no-host", Port: 0},
		client("first"),
		client("second"),
		{ID: "ok", Host: "other", Port: 2},
	})

	s, err := NewHeadless(types.DefaultConfig(), store)
	if err != nil {
		t.Fatalf("NewHeadless failed: %v", err)
	}
	defer s.Stop()
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	list := s.ListProtocols()
	if len(list) != 2 || list[0].ID != "first" || list[1].ID != "ok" {
		t.Fatalf("expected only first and ok to survive, got %+v", list)
	}
	if list[1].Host != "h" || list[1].Transport != types.TransportTCP {
		t.Errorf("expected the first normalized ok entry, got %+v", list[1])
	}
}

func TestAddProtocols_RetargetDropsHistory(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	port := tcpListener(t)

	desc := &types.ProtocolDescriptor{ID: "p", Name: "before", Host: "127.0.0.1", Port: port}
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{desc}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}
	if _, err := s.RunOne(ctx, "p"); err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}

	renamed := &types.ProtocolDescriptor{ID: "p", Name: "after", Host: "127.0.0.1", Port: port, Meta: map[string]string{"k": "v"}}
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{renamed}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}
	if r, ok := s.Result("p"); !ok || !r.Reachable {
		t.Fatal("renaming must keep the last result")
	}

	moved := &types.ProtocolDescriptor{ID: "p", Host: "127.0.0.1", Port: tcpListener(t)}
	if err := s.AddProtocols(ctx, []*types.ProtocolDescriptor{moved}); err != nil {
		t.Fatalf("AddProtocols failed: %v", err)
	}
	if r, ok := s.Result("p"); ok {
		t.Fatalf("expected history to be dropped after retarget, got %+v", r)
	}
}
