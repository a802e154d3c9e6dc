// Package transport implements the raw reachability probes: TCP connect, UDP send-probe and an
// optional TLS handshake stage for TLS-fronted protocols.
package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/sagernet/sing/common/control"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// udpProbePayload is sent when the protocol defines no application-level hello.
var udpProbePayload = []byte("ping")

// Target is what the prober needs to know about an endpoint.
type Target struct {
	Host      string
	Port      int
	Transport types.Transport
	TLS       *types.TLSSpec
}

// TargetOf builds a Target from a descriptor.
func TargetOf(d *types.ProtocolDescriptor) Target {
	return Target{Host: d.Host, Port: d.Port, Transport: d.Transport, TLS: d.TLS}
}

// Options configures socket-level behaviour of probe connections.
type Options struct {
	RoutingMark   int
	BindInterface string
}

// Prober performs single-shot reachability checks. It never retries.
type Prober struct {
	controllers []control.Func
}

// New creates a Prober. Socket options that the platform does not support are ignored with a warning.
func New(opts Options) *Prober {
	return &Prober{controllers: socketControllers(opts)}
}

func (p *Prober) dialer(timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if len(p.controllers) > 0 {
		d.Control = func(network, address string, c syscall.RawConn) error {
			for _, ctl := range p.controllers {
				if err := ctl(network, address, c); err != nil {
					logger.Warn().Err(err).Str("address", address).Msg("failed to apply socket controller")
				}
			}
			return nil
		}
	}
	return d
}

// Probe checks target within timeout.
func (p *Prober) Probe(ctx context.Context, target Target, timeout time.Duration) types.Outcome {
	if target.Transport == types.TransportUDP {
		return p.probeUDP(ctx, target, timeout)
	}
	return p.probeTCP(ctx, target, timeout)
}

func (p *Prober) probeTCP(ctx context.Context, target Target, timeout time.Duration) types.Outcome {
	strategy := types.StrategyTransport
	if target.TLS != nil {
		strategy = types.StrategyHandshake
	}
	out := types.Outcome{Strategy: strategy, Confidence: types.ConfidenceStrict}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	start := time.Now()
	conn, err := p.dialer(timeout).DialContext(ctx, "tcp", address)
	if err != nil {
		out.Kind = failureKind(ctx, types.KindTransportUnreachable)
		out.Detail = describeDialError(err)
		return out
	}
	defer conn.Close()

	if target.TLS != nil {
		if err := handshake(ctx, conn, target); err != nil {
			out.Kind = failureKind(ctx, types.KindTransportUnreachable)
			out.Detail = "tls handshake: " + describeDialError(err)
			return out
		}
	}

	out.Reachable = true
	out.Latency = time.Since(start)
	return out
}

// probeUDP is best-effort: a reply is strict proof, a clean send without an ICMP error is
// reported as reachable with best-effort confidence.
func (p *Prober) probeUDP(ctx context.Context, target Target, timeout time.Duration) types.Outcome {
	out := types.Outcome{Strategy: types.StrategyTransportUDP, Confidence: types.ConfidenceBestEffort}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	start := time.Now()
	conn, err := p.dialer(timeout).DialContext(ctx, "udp", address)
	if err != nil {
		out.Kind = failureKind(ctx, types.KindTransportUnreachable)
		out.Detail = describeDialError(err)
		return out
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock the read when the parent context is cancelled.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(udpProbePayload); err != nil {
		out.Kind = failureKind(ctx, types.KindTransportUnreachable)
		out.Detail = describeDialError(err)
		return out
	}

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	switch {
	case err == nil:
		out.Reachable = true
		out.Confidence = types.ConfidenceStrict
		out.Latency = time.Since(start)
	case errors.Is(ctx.Err(), context.Canceled):
		out.Kind = types.KindProbeCancelled
		out.Detail = "probe cancelled"
	case isTimeout(err):
		out.Reachable = true
		out.Latency = time.Since(start)
		out.Detail = "no reply before timeout; send succeeded (best-effort)"
	default:
		out.Kind = types.KindTransportUnreachable
		out.Detail = describeDialError(err)
	}
	return out
}

func failureKind(ctx context.Context, fallback types.ErrorKind) types.ErrorKind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return types.KindProbeCancelled
	}
	return fallback
}
