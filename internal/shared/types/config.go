package types

// ProtocolType 是被监控协议实例的类型。
type ProtocolType string

const (
	ProtocolOpenVPN     ProtocolType = "openvpn"
	ProtocolWireGuard   ProtocolType = "wireguard"
	ProtocolShadowsocks ProtocolType = "shadowsocks"
	ProtocolV2Ray       ProtocolType = "v2ray"
	ProtocolReality     ProtocolType = "reality"
	ProtocolOther       ProtocolType = "other"
)

// KnownProtocolTypes lists every type accepted at ingestion.
var KnownProtocolTypes = []ProtocolType{
	ProtocolOpenVPN,
	ProtocolWireGuard,
	ProtocolShadowsocks,
	ProtocolV2Ray,
	ProtocolReality,
	ProtocolOther,
}

// Transport is the transport-layer protocol of an endpoint.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// DefaultStartupTimeoutSec is used when a ClientSpec omits startup_timeout_sec.
const DefaultStartupTimeoutSec = 10

// ClientSpec 描述了一个用于端到端检测的本地客户端进程。
// 字段名即 add/remove 命令的线上协议。
type ClientSpec struct {
	StartCommand      string `json:"start_command"`
	SocksPort         int    `json:"socks_port"`
	ReadyRegex        string `json:"ready_regex,omitempty"`
	StartupTimeoutSec int    `json:"startup_timeout_sec"`
}

// TLSSpec enables a TLS handshake stage on top of the TCP connect probe.
type TLSSpec struct {
	SNI         string `json:"sni,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"` // chrome, firefox, safari, ios, edge, randomized, golang
	Insecure    bool   `json:"insecure,omitempty"`
}

// ProtocolDescriptor 定义了一个被监控的协议实例。
// 这是 protocols.json 文件的核心数据结构，在一次探测期间不可变。
type ProtocolDescriptor struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      ProtocolType      `json:"type"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Transport Transport         `json:"transport"`
	Client    *ClientSpec       `json:"client,omitempty"`
	TLS       *TLSSpec          `json:"tls,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Clone returns a deep copy so callers can hand descriptors to probes without sharing memory.
func (d *ProtocolDescriptor) Clone() *ProtocolDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	if d.Client != nil {
		client := *d.Client
		c.Client = &client
	}
	if d.TLS != nil {
		tlsSpec := *d.TLS
		c.TLS = &tlsSpec
	}
	if d.Meta != nil {
		c.Meta = make(map[string]string, len(d.Meta))
		for k, v := range d.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// CommonConf 包含调度与存储相关的配置
type CommonConf struct {
	CheckIntervalSec int    `ini:"check_interval_sec"`
	MaxConcurrency   int    `ini:"max_concurrency"`
	StorageBackend   string `ini:"storage_backend"` // "file" or "postgres"
	StorageDir       string `ini:"storage_dir"`
}

// ProbeConf 包含探测引擎的配置
type ProbeConf struct {
	TCPTimeoutSec       int    `ini:"tcp_timeout_sec"`
	UDPTimeoutSec       int    `ini:"udp_timeout_sec"`
	ProxyTestURL        string `ini:"proxy_test_url"`
	StopGraceSec        int    `ini:"stop_grace_sec"`
	FallbackToTransport bool   `ini:"fallback_to_transport"`
	RoutingMark         int    `ini:"routing_mark"`
	BindInterface       string `ini:"bind_interface"`
}

// NotifyConf 控制状态变化事件的发布
type NotifyConf struct {
	NotifyFirstDown bool   `ini:"notify_first_down"`
	NotifyOnlyUp    bool   `ini:"notify_only_up"`
	RedisAddr       string `ini:"redis_addr"`
	RedisPassword   string `ini:"redis_password"`
	RedisDB         int    `ini:"redis_db"`
	RedisChannel    string `ini:"redis_channel"`
}

// WebConf 包含 HTTP API 的配置
type WebConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
	AgentToken  string `ini:"agent_token"`
}

// GrpcConf contains the gRPC health endpoint configuration
type GrpcConf struct {
	GrpcPort int `ini:"grpc_port"`
}

// PostgresConf contains the postgres storage configuration
type PostgresConf struct {
	DSN string `ini:"dsn"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config 是 monitor 的统一行为配置 (monitor.ini)
type Config struct {
	CommonConf   `ini:"common"`
	ProbeConf    `ini:"probe"`
	NotifyConf   `ini:"notify"`
	WebConf      `ini:"web"`
	GrpcConf     `ini:"grpc"`
	PostgresConf `ini:"postgres"`
	LogConf      `ini:"log"`
}

// DefaultConfig returns the configuration used for keys missing from monitor.ini.
func DefaultConfig() *Config {
	return &Config{
		CommonConf: CommonConf{
			CheckIntervalSec: 60,
			MaxConcurrency:   8,
			StorageBackend:   "file",
			StorageDir:       "./data",
		},
		ProbeConf: ProbeConf{
			TCPTimeoutSec:       5,
			UDPTimeoutSec:       3,
			ProxyTestURL:        "https://www.google.com/generate_204",
			StopGraceSec:        3,
			FallbackToTransport: true,
		},
		NotifyConf: NotifyConf{
			RedisChannel: "protocol_transitions",
		},
		WebConf: WebConf{
			WebPort: 8090,
		},
		LogConf: LogConf{
			Level: "info",
		},
	}
}
