package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/core/transport"
	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// mockProber returns a fixed outcome and can block until released.
type mockProber struct {
	outcome  types.Outcome
	block    chan struct{}
	started  chan string
	panicMsg string

	mu       sync.Mutex
	timeouts []time.Duration
	calls    int32
}

func (m *mockProber) Probe(ctx context.Context, target transport.Target, timeout time.Duration) types.Outcome {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	m.timeouts = append(m.timeouts, timeout)
	m.mu.Unlock()
	if m.started != nil {
		m.started <- target.Host
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.block != nil {
		<-m.block
	}
	return m.outcome
}

type mockHandle struct {
	readyErr error
	stops    int32
}

func (h *mockHandle) AwaitReady(ctx context.Context, timeout time.Duration) error { return h.readyErr }
func (h *mockHandle) Stop() error {
	atomic.AddInt32(&h.stops, 1)
	return nil
}

type mockStarter struct {
	handle   *mockHandle
	startErr error
	starts   int32
}

func (s *mockStarter) Start(ctx context.Context, spec types.ClientSpec) (ClientHandle, error) {
	atomic.AddInt32(&s.starts, 1)
	if s.startErr != nil {
		return nil, s.startErr
	}
	return s.handle, nil
}

type mockValidator struct {
	outcome types.Outcome
	gotURL  string
}

func (v *mockValidator) Validate(ctx context.Context, socksPort int, testURL string, timeout time.Duration) types.Outcome {
	v.gotURL = testURL
	return v.outcome
}

func testOptions() Options {
	return Options{TCPTimeout: 5 * time.Second, UDPTimeout: 3 * time.Second, TestURL: "http://test/204", FallbackToTransport: true}
}

func tcpDesc(id string) *types.ProtocolDescriptor {
	return &types.ProtocolDescriptor{ID: id, Type: types.ProtocolOther, Host: id, Port: 443, Transport: types.TransportTCP}
}

func clientDesc(id string) *types.ProtocolDescriptor {
	d := tcpDesc(id)
	d.Type = types.ProtocolV2Ray
	d.Client = &types.ClientSpec{StartCommand: "xray run", SocksPort: 10808, ReadyRegex: "started", StartupTimeoutSec: 1}
	return d
}

func TestRunProbe_TransportUsesTransportTimeouts(t *testing.T) {
	prober := &mockProber{outcome: types.Outcome{Reachable: true, Latency: 12 * time.Millisecond, Strategy: types.StrategyTransport, Confidence: types.ConfidenceStrict}}
	starter := &mockStarter{}
	d := New(prober, starter, &mockValidator{}, testOptions())

	res := d.RunProbe(context.Background(), tcpDesc("a"))
	if !res.Reachable || res.LatencyMs != 12 || res.Kind != types.KindNone {
		t.Fatalf("unexpected result %+v", res)
	}

	udp := tcpDesc("b")
	udp.Transport = types.TransportUDP
	d.RunProbe(context.Background(), udp)

	if prober.timeouts[0] != 5*time.Second || prober.timeouts[1] != 3*time.Second {
		t.Errorf("unexpected timeouts %v", prober.timeouts)
	}
	if n := atomic.LoadInt32(&starter.starts); n != 0 {
		t.Errorf("transport probes must not start a client, got %d starts", n)
	}
}

func TestRunProbe_ClientSuccessStopsClient(t *testing.T) {
	h := &mockHandle{}
	v := &mockValidator{outcome: types.Outcome{Reachable: true, Strategy: types.StrategyProxy, Confidence: types.ConfidenceStrict}}
	prober := &mockProber{}
	d := New(prober, &mockStarter{handle: h}, v, testOptions())

	res := d.RunProbe(context.Background(), clientDesc("a"))
	if !res.Reachable || res.Strategy != types.StrategyProxy {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.stops != 1 {
		t.Errorf("expected exactly one Stop, got %d", h.stops)
	}
	if v.gotURL != "http://test/204" {
		t.Errorf("validator got url %q", v.gotURL)
	}
	if prober.calls != 0 {
		t.Errorf("transport fallback must not run on success")
	}
}

func TestRunProbe_StartupTimeoutKeepsKindWithFallbackDetail(t *testing.T) {
	h := &mockHandle{readyErr: &types.ProbeError{Kind: types.KindClientStartupTimedOut, Err: errors.New("client not ready after 1s")}}
	prober := &mockProber{outcome: types.Outcome{Reachable: true, Latency: 7 * time.Millisecond}}
	d := New(prober, &mockStarter{handle: h}, &mockValidator{}, testOptions())

	res := d.RunProbe(context.Background(), clientDesc("a"))
	if res.Reachable {
		t.Fatal("a failed proxy path must not be reported reachable")
	}
	if res.Kind != types.KindClientStartupTimedOut {
		t.Errorf("expected kind %s, got %s", types.KindClientStartupTimedOut, res.Kind)
	}
	if !strings.Contains(res.Detail, "transport fallback: reachable") {
		t.Errorf("expected fallback detail, got %q", res.Detail)
	}
	if h.stops != 1 {
		t.Errorf("expected Stop after timeout, got %d", h.stops)
	}
}

func TestRunProbe_StartFailedWithoutFallback(t *testing.T) {
	opts := testOptions()
	opts.FallbackToTransport = false
	prober := &mockProber{}
	starter := &mockStarter{startErr: &types.ProbeError{Kind: types.KindClientStartFailed, Err: errors.New("exec format error")}}
	d := New(prober, starter, &mockValidator{}, opts)

	res := d.RunProbe(context.Background(), clientDesc("a"))
	if res.Kind != types.KindClientStartFailed {
		t.Fatalf("expected ClientStartFailed, got %s", res.Kind)
	}
	if prober.calls != 0 {
		t.Errorf("fallback disabled but transport probe ran")
	}
}

func TestRunProbe_ValidationFailureStopsClient(t *testing.T) {
	h := &mockHandle{}
	v := &mockValidator{outcome: types.Outcome{Kind: types.KindValidationFailed, Detail: "received non-successful status code: 502", Strategy: types.StrategyProxy}}
	d := New(&mockProber{outcome: types.Outcome{Detail: "connection refused: x"}}, &mockStarter{handle: h}, v, testOptions())

	res := d.RunProbe(context.Background(), clientDesc("a"))
	if res.Kind != types.KindValidationFailed {
		t.Fatalf("expected ValidationFailed, got %s", res.Kind)
	}
	if h.stops != 1 {
		t.Errorf("expected Stop, got %d", h.stops)
	}
}

func TestRunProbe_PanicIsRecovered(t *testing.T) {
	d := New(&mockProber{panicMsg: "boom"}, &mockStarter{}, &mockValidator{}, testOptions())
	res := d.RunProbe(context.Background(), tcpDesc("a"))
	if res.Kind != types.KindProbePanicked || res.Reachable {
		t.Fatalf("expected ProbePanicked, got %+v", res)
	}

	// The id must be usable again after a panic.
	d.prober = &mockProber{outcome: types.Outcome{Reachable: true}}
	if res := d.RunProbe(context.Background(), tcpDesc("a")); !res.Reachable {
		t.Fatalf("expected reachable after recovery, got %+v", res)
	}
}

func TestTryRunProbe_RejectsWhileInFlight(t *testing.T) {
	prober := &mockProber{block: make(chan struct{}), started: make(chan string, 1), outcome: types.Outcome{Reachable: true}}
	d := New(prober, &mockStarter{}, &mockValidator{}, testOptions())

	done := make(chan types.ProbeResult)
	go func() { done <- d.RunProbe(context.Background(), tcpDesc("a")) }()
	<-prober.started

	if _, err := d.TryRunProbe(context.Background(), tcpDesc("a")); !errors.Is(err, types.ErrProbeInFlight) {
		t.Fatalf("expected ErrProbeInFlight, got %v", err)
	}

	close(prober.block)
	<-done
	if _, err := d.TryRunProbe(context.Background(), tcpDesc("a")); err != nil {
		t.Fatalf("expected success once idle, got %v", err)
	}
}

func TestRunProbe_SameIDSerialized(t *testing.T) {
	prober := &mockProber{block: make(chan struct{}), started: make(chan string, 4), outcome: types.Outcome{Reachable: true}}
	d := New(prober, &mockStarter{}, &mockValidator{}, testOptions())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.RunProbe(context.Background(), tcpDesc("a"))
		}()
	}
	<-prober.started
	select {
	case <-prober.started:
		t.Fatal("second probe for the same id started while the first was running")
	case <-time.After(100 * time.Millisecond):
	}

	// A different id is not blocked.
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.RunProbe(context.Background(), tcpDesc("b"))
	}()
	select {
	case host := <-prober.started:
		if host != "b" {
			t.Fatalf("expected probe for b, got %s", host)
		}
	case <-time.After(time.Second):
		t.Fatal("probe for a different id was blocked")
	}

	close(prober.block)
	wg.Wait()
	if prober.calls != 3 {
		t.Errorf("expected 3 probes, got %d", prober.calls)
	}
}

func TestRunProbe_CancelWhileWaiting(t *testing.T) {
	prober := &mockProber{block: make(chan struct{}), started: make(chan string, 1)}
	d := New(prober, &mockStarter{}, &mockValidator{}, testOptions())
	go d.RunProbe(context.Background(), tcpDesc("a"))
	<-prober.started
	defer close(prober.block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := d.RunProbe(ctx, tcpDesc("a"))
	if res.Kind != types.KindProbeCancelled {
		t.Fatalf("expected ProbeCancelled, got %+v", res)
	}
}

func TestOnSettingsUpdate_Probe(t *testing.T) {
	d := New(&mockProber{}, &mockStarter{}, &mockValidator{}, testOptions())
	err := d.OnSettingsUpdate(settings.ModuleProbe, &settings.ProbeSettings{TestURL: "http://other/", TCPTimeoutSec: 9, FallbackToTransport: settings.Bool(false)})
	if err != nil {
		t.Fatalf("OnSettingsUpdate failed: %v", err)
	}
	opts := d.Options()
	if opts.TestURL != "http://other/" || opts.TCPTimeout != 9*time.Second || opts.FallbackToTransport {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.UDPTimeout != 3*time.Second {
		t.Errorf("zero udp timeout must keep previous value, got %s", opts.UDPTimeout)
	}
	if err := d.OnSettingsUpdate(settings.ModuleProbe, &settings.NotifySettings{}); err == nil {
		t.Error("expected type error")
	}
}
