package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a probe or a configuration change failed.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindTransportUnreachable  ErrorKind = "TransportUnreachable"
	KindClientStartFailed     ErrorKind = "ClientStartFailed"
	KindClientStartupTimedOut ErrorKind = "ClientStartupTimedOut"
	KindValidationFailed      ErrorKind = "ValidationFailed"
	KindConfigInvalid         ErrorKind = "ConfigInvalid"
	KindPortConflict          ErrorKind = "PortConflict"
	KindProbeCancelled        ErrorKind = "ProbeCancelled"
	KindProbePanicked         ErrorKind = "ProbePanicked"
)

var (
	ErrConfigInvalid = errors.New("invalid protocol descriptor")
	ErrPortConflict  = errors.New("socks port already in use by another protocol")
	ErrNotFound      = errors.New("not found")
	ErrProbeInFlight = errors.New("probe already in flight for this protocol")
)

// ProbeError carries the failure kind of a single probe stage.
type ProbeError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProbeError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err, falling back to the given default.
func KindOf(err error, fallback ErrorKind) ErrorKind {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, ErrPortConflict):
		return KindPortConflict
	}
	return fallback
}

// Strategy is the probing method that produced a result.
type Strategy string

const (
	StrategyTransport    Strategy = "transport"
	StrategyTransportUDP Strategy = "transport-udp"
	StrategyHandshake    Strategy = "handshake"
	StrategyProxy        Strategy = "proxy"
)

// Confidence distinguishes strict checks from UDP best-effort heuristics.
type Confidence string

const (
	ConfidenceStrict     Confidence = "strict"
	ConfidenceBestEffort Confidence = "best-effort"
)

// UDPCaveat is shown next to best-effort results.
const UDPCaveat = "UDP is connectionless: a send without an ICMP error counts as reachable, which may be a false positive; a filtered reply path may also hide a live server."

// ProbeResult 是一次探测周期的标准化结果，产生后不可变。
type ProbeResult struct {
	ProtocolID string     `json:"protocol_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Reachable  bool       `json:"reachable"`
	LatencyMs  int64      `json:"latency_ms,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Kind       ErrorKind  `json:"kind,omitempty"`
	Strategy   Strategy   `json:"strategy"`
	Confidence Confidence `json:"confidence"`
}

// State returns the reachability state of the result.
func (r *ProbeResult) State() HealthStatus {
	if r == nil {
		return StatusUnknown
	}
	if r.Reachable {
		return StatusUp
	}
	return StatusDown
}

// TransitionEvent 表示一个协议在两次探测之间可达性发生了翻转。
type TransitionEvent struct {
	ID         string       `json:"id"`
	ProtocolID string       `json:"protocol_id"`
	Previous   HealthStatus `json:"previous"`
	Current    HealthStatus `json:"current"`
	Timestamp  time.Time    `json:"timestamp"`
	Result     ProbeResult  `json:"result"`
}

// Subscriber is a user that receives transition notifications.
type Subscriber struct {
	UserID  int64     `json:"user_id"`
	AddedAt time.Time `json:"added_at"`
}

// RegionReport is what a remote agent submits after running a cycle locally.
type RegionReport struct {
	Region  string        `json:"region"`
	Results []ProbeResult `json:"results"`
}

// DashboardEntry pairs a descriptor with its last known result.
type DashboardEntry struct {
	Protocol *ProtocolDescriptor `json:"protocol"`
	Result   *ProbeResult        `json:"result,omitempty"`
	Caveat   string              `json:"caveat,omitempty"`
}

// Outcome is what a single probe stage reports back to the dispatcher.
type Outcome struct {
	Reachable  bool
	Detail     string
	Kind       ErrorKind
	Latency    time.Duration
	Strategy   Strategy
	Confidence Confidence
}
