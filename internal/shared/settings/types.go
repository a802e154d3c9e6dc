package settings

// PolicyAction 定义了目标策略规则的动作
type PolicyAction string

const (
	ActionAllow PolicyAction = "allow"
	ActionDeny  PolicyAction = "deny"
)

// PolicyRule 是一条目标策略规则，按 Priority 升序匹配，第一条命中的规则生效。
type PolicyRule struct {
	Priority  int          `json:"priority"`
	Transport string       `json:"transport,omitempty"` // "tcp", "udp", or empty for both
	DestCIDR  []string     `json:"dest_cidr,omitempty"`
	DestPort  string       `json:"dest_port,omitempty"` // e.g., "80,443,1000-2000"
	Action    PolicyAction `json:"action"`              // "allow" or "deny"
}

// PolicySettings 对应 settings.json 中的 "policy" 模块。
// 它在添加协议时决定哪些目标允许被探测。
type PolicySettings struct {
	Enabled bool          `json:"enabled"`
	Rules   []*PolicyRule `json:"rules"`
}

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 当相关配置发生变更时，SettingsManager会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: 告知是哪个模块的配置发生了变化 (e.g., "probe", "notify")。
	// newSettings: 是对应模块的、已经解析好的新配置结构体指针 (e.g., *ProbeSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型确保了当JSON文件中缺少某个模块时，对应的字段为nil，而不是一个空的结构体。
type RuntimeSettings struct {
	Probe  *ProbeSettings  `json:"probe"`
	Notify *NotifySettings `json:"notify"`
	Policy *PolicySettings `json:"policy"`
}

// ProbeSettings 对应 settings.json 中的 "probe" 模块，覆盖 monitor.ini 的 [probe] 段。
// 零值或 nil 字段沿用 monitor.ini 中的值。
type ProbeSettings struct {
	TestURL             string `json:"test_url,omitempty"`
	TCPTimeoutSec       int    `json:"tcp_timeout_sec,omitempty"`
	UDPTimeoutSec       int    `json:"udp_timeout_sec,omitempty"`
	FallbackToTransport *bool  `json:"fallback_to_transport,omitempty"`
}

// NotifySettings 对应 settings.json 中的 "notify" 模块。nil 字段沿用 monitor.ini。
type NotifySettings struct {
	NotifyFirstDown *bool `json:"notify_first_down,omitempty"`
	NotifyOnlyUp    *bool `json:"notify_only_up,omitempty"`
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}

// Module keys accepted by Update.
const (
	ModuleProbe  = "probe"
	ModuleNotify = "notify"
	ModulePolicy = "policy"
)

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		Probe:  &ProbeSettings{},
		Notify: &NotifySettings{},
		Policy: &PolicySettings{
			Enabled: false,
			Rules: []*PolicyRule{
				{Priority: 9999, Action: ActionAllow},
			},
		},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	defaults := createDefaultSettings()
	if s.Probe == nil {
		s.Probe = defaults.Probe
	}
	if s.Notify == nil {
		s.Notify = defaults.Notify
	}
	if s.Policy == nil {
		s.Policy = &PolicySettings{Rules: []*PolicyRule{}}
	}
}
