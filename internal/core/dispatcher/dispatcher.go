package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/core/supervisor"
	"github.com/cheaterpersian-web/Apex/internal/core/transport"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// TransportProber is the raw reachability stage.
type TransportProber interface {
	Probe(ctx context.Context, target transport.Target, timeout time.Duration) types.Outcome
}

// ClientHandle is a started proxy client.
type ClientHandle interface {
	AwaitReady(ctx context.Context, timeout time.Duration) error
	Stop() error
}

// ClientStarter starts proxy clients for the end-to-end path.
type ClientStarter interface {
	Start(ctx context.Context, spec types.ClientSpec) (ClientHandle, error)
}

// EndToEndValidator checks connectivity through a running client's SOCKS5 port.
type EndToEndValidator interface {
	Validate(ctx context.Context, socksPort int, testURL string, timeout time.Duration) types.Outcome
}

// Options 是探测引擎的可热更新参数。
type Options struct {
	TCPTimeout          time.Duration
	UDPTimeout          time.Duration
	TestURL             string
	FallbackToTransport bool
}

// OptionsFromConfig derives dispatcher options from the [probe] ini section.
func OptionsFromConfig(c types.ProbeConf) Options {
	return Options{
		TCPTimeout:          time.Duration(c.TCPTimeoutSec) * time.Second,
		UDPTimeout:          time.Duration(c.UDPTimeoutSec) * time.Second,
		TestURL:             c.ProxyTestURL,
		FallbackToTransport: c.FallbackToTransport,
	}
}

// Dispatcher 为每个协议选择探测策略、执行并产出标准化的 ProbeResult。
// 它实现了 settings.ConfigurableModule 接口，探测参数可以被热重载。
type Dispatcher struct {
	prober    TransportProber
	starter   ClientStarter
	validator EndToEndValidator

	opts     atomic.Pointer[Options]
	inflight *inflightSet
	now      func() time.Time
}

// New 创建一个新的 Dispatcher 实例。
func New(prober TransportProber, starter ClientStarter, validator EndToEndValidator, opts Options) *Dispatcher {
	d := &Dispatcher{
		prober:    prober,
		starter:   starter,
		validator: validator,
		inflight:  newInflightSet(),
		now:       time.Now,
	}
	d.opts.Store(&opts)
	return d
}

// Options returns the options currently in effect.
func (d *Dispatcher) Options() Options {
	return *d.opts.Load()
}

// RunProbe probes d once and always returns a terminal result. A probe already running for the
// same id is waited for; cancelling ctx while waiting yields a ProbeCancelled result.
func (d *Dispatcher) RunProbe(ctx context.Context, desc *types.ProtocolDescriptor) types.ProbeResult {
	release, err := d.inflight.acquire(ctx, desc.ID)
	if err != nil {
		return d.failed(desc, types.KindProbeCancelled, "cancelled while waiting for in-flight probe", strategyFor(desc))
	}
	defer release()
	return d.runGuarded(ctx, desc)
}

// TryRunProbe is RunProbe that refuses to wait: if a probe for the same id is running it returns
// ErrProbeInFlight.
func (d *Dispatcher) TryRunProbe(ctx context.Context, desc *types.ProtocolDescriptor) (types.ProbeResult, error) {
	release, ok := d.inflight.tryAcquire(desc.ID)
	if !ok {
		return types.ProbeResult{}, fmt.Errorf("%s: %w", desc.ID, types.ErrProbeInFlight)
	}
	defer release()
	return d.runGuarded(ctx, desc), nil
}

func (d *Dispatcher) runGuarded(ctx context.Context, desc *types.ProtocolDescriptor) (res types.ProbeResult) {
	l := logger.WithComponent("Dispatcher")
	defer func() {
		if r := recover(); r != nil {
			l.Error().Str("protocol_id", desc.ID).Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Probe panicked.")
			res = d.failed(desc, types.KindProbePanicked, fmt.Sprintf("probe panicked: %v", r), strategyFor(desc))
		}
	}()

	opts := d.Options()
	var out types.Outcome
	if desc.Client != nil {
		out = d.probeViaClient(ctx, desc, opts)
	} else {
		out = d.probeTransport(ctx, desc, opts)
	}

	res = types.ProbeResult{
		ProtocolID: desc.ID,
		Timestamp:  d.now().UTC(),
		Reachable:  out.Reachable,
		Detail:     out.Detail,
		Kind:       out.Kind,
		Strategy:   out.Strategy,
		Confidence: out.Confidence,
	}
	if out.Reachable {
		res.LatencyMs = out.Latency.Milliseconds()
		res.Kind = types.KindNone
	} else if res.Kind == types.KindNone {
		res.Kind = types.KindTransportUnreachable
	}

	l.Debug().
		Str("protocol_id", desc.ID).
		Str("strategy", string(res.Strategy)).
		Bool("reachable", res.Reachable).
		Int64("latency_ms", res.LatencyMs).
		Str("detail", res.Detail).
		Msg("Probe finished.")
	return res
}

func (d *Dispatcher) probeTransport(ctx context.Context, desc *types.ProtocolDescriptor, opts Options) types.Outcome {
	timeout := opts.TCPTimeout
	if desc.Transport == types.TransportUDP {
		timeout = opts.UDPTimeout
	}
	return d.prober.Probe(ctx, transport.TargetOf(desc), timeout)
}

// probeViaClient runs start -> await ready -> validate. The client is stopped on every path.
func (d *Dispatcher) probeViaClient(ctx context.Context, desc *types.ProtocolDescriptor, opts Options) types.Outcome {
	l := logger.WithComponent("Dispatcher")
	spec := *desc.Client

	out := func() types.Outcome {
		handle, err := d.starter.Start(ctx, spec)
		if err != nil {
			return lifecycleFailure(err, types.KindClientStartFailed)
		}
		defer func() {
			if err := handle.Stop(); err != nil {
				l.Error().Err(err).Str("protocol_id", desc.ID).Msg("Client cleanup failed.")
			}
		}()

		startup := time.Duration(spec.StartupTimeoutSec) * time.Second
		if startup <= 0 {
			startup = types.DefaultStartupTimeoutSec * time.Second
		}
		if err := handle.AwaitReady(ctx, startup); err != nil {
			return lifecycleFailure(err, types.KindClientStartFailed)
		}
		return d.validator.Validate(ctx, spec.SocksPort, opts.TestURL, opts.TCPTimeout)
	}()

	if out.Reachable || !opts.FallbackToTransport || out.Kind == types.KindProbeCancelled {
		return out
	}

	// The transport outcome is informational only; the result keeps the proxy failure kind.
	fb := d.probeTransport(ctx, desc, opts)
	if fb.Reachable {
		out.Detail = fmt.Sprintf("%s; transport fallback: reachable (%dms)", out.Detail, fb.Latency.Milliseconds())
	} else {
		out.Detail = fmt.Sprintf("%s; transport fallback: %s", out.Detail, fb.Detail)
	}
	return out
}

func lifecycleFailure(err error, fallback types.ErrorKind) types.Outcome {
	out := types.Outcome{
		Strategy:   types.StrategyProxy,
		Confidence: types.ConfidenceStrict,
		Kind:       types.KindOf(err, fallback),
		Detail:     err.Error(),
	}
	if errors.Is(err, context.Canceled) {
		out.Kind = types.KindProbeCancelled
	}
	return out
}

func (d *Dispatcher) failed(desc *types.ProtocolDescriptor, kind types.ErrorKind, detail string, strategy types.Strategy) types.ProbeResult {
	return types.ProbeResult{
		ProtocolID: desc.ID,
		Timestamp:  d.now().UTC(),
		Reachable:  false,
		Detail:     detail,
		Kind:       kind,
		Strategy:   strategy,
		Confidence: types.ConfidenceStrict,
	}
}

func strategyFor(desc *types.ProtocolDescriptor) types.Strategy {
	switch {
	case desc.Client != nil:
		return types.StrategyProxy
	case desc.TLS != nil:
		return types.StrategyHandshake
	case desc.Transport == types.TransportUDP:
		return types.StrategyTransportUDP
	default:
		return types.StrategyTransport
	}
}

// OnSettingsUpdate 实现 settings.ConfigurableModule 接口
func (d *Dispatcher) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleProbe {
		return nil
	}
	ps, ok := newSettings.(*settings.ProbeSettings)
	if !ok {
		return fmt.Errorf("invalid settings type for dispatcher: expected *settings.ProbeSettings")
	}
	next := d.Options()
	if ps.TestURL != "" {
		next.TestURL = ps.TestURL
	}
	if ps.TCPTimeoutSec > 0 {
		next.TCPTimeout = time.Duration(ps.TCPTimeoutSec) * time.Second
	}
	if ps.UDPTimeoutSec > 0 {
		next.UDPTimeout = time.Duration(ps.UDPTimeoutSec) * time.Second
	}
	if ps.FallbackToTransport != nil {
		next.FallbackToTransport = *ps.FallbackToTransport
	}
	d.opts.Store(&next)
	logger.Info().Str("test_url", next.TestURL).Bool("fallback", next.FallbackToTransport).Msg("Dispatcher probe settings updated.")
	return nil
}

// SupervisorStarter adapts *supervisor.Supervisor to ClientStarter.
type SupervisorStarter struct {
	Supervisor *supervisor.Supervisor
}

func (s SupervisorStarter) Start(ctx context.Context, spec types.ClientSpec) (ClientHandle, error) {
	h, err := s.Supervisor.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}
