// Package policy decides which probe targets may be added, using ordered CIDR and port rules.
package policy

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/settings"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

type portRange struct {
	start, end uint16
}

type parsedRule struct {
	original   *settings.PolicyRule
	destNets   []*net.IPNet
	portRanges []portRange
}

// Engine 是目标策略引擎，实现了 settings.ConfigurableModule 接口，规则可热重载。
type Engine struct {
	mu      sync.RWMutex
	rules   []*parsedRule
	enabled bool
}

// NewEngine 创建一个新的策略引擎实例，初始为禁用状态 (全部放行)。
func NewEngine() *Engine {
	return &Engine{}
}

// OnSettingsUpdate 实现了 settings.ConfigurableModule 接口，用于热重载规则
func (e *Engine) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModulePolicy {
		return nil
	}
	cfg, ok := newSettings.(*settings.PolicySettings)
	if !ok {
		return fmt.Errorf("policy: received incorrect settings type")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.enabled = cfg.Enabled
	if !e.enabled {
		logger.Info().Msg("Target policy is disabled. Every target is allowed.")
		e.rules = nil
		return nil
	}

	validRules := make([]*parsedRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		pr, err := parseRule(rule)
		if err != nil {
			logger.Error().Err(err).Interface("rule", rule).Msg("Failed to parse policy rule, skipping.")
			continue
		}
		validRules = append(validRules, pr)
	}

	// 按优先级排序
	sort.SliceStable(validRules, func(i, j int) bool {
		return validRules[i].original.Priority < validRules[j].original.Priority
	})

	e.rules = validRules
	logger.Info().Int("count", len(e.rules)).Msg("Target policy rules updated.")
	return nil
}

// Check returns the action of the first matching rule. CIDR rules only match hosts given as IP
// literals. With the policy enabled and no rule matching, the target is denied.
func (e *Engine) Check(transport types.Transport, host string, port int) settings.PolicyAction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.enabled || len(e.rules) == 0 {
		return settings.ActionAllow
	}

	destIP := net.ParseIP(host)
	for _, rule := range e.rules {
		if rule.matches(string(transport), destIP, uint16(port)) {
			logger.Debug().
				Str("action", string(rule.original.Action)).
				Int("priority", rule.original.Priority).
				Str("dest", net.JoinHostPort(host, strconv.Itoa(port))).
				Msg("Policy rule matched.")
			return rule.original.Action
		}
	}

	logger.Debug().
		Str("dest", net.JoinHostPort(host, strconv.Itoa(port))).
		Msg("No policy rule matched, denying target.")
	return settings.ActionDeny
}

// Allow returns an error wrapping types.ErrConfigInvalid when d's target is denied.
func (e *Engine) Allow(d *types.ProtocolDescriptor) error {
	if e.Check(d.Transport, d.Host, d.Port) == settings.ActionDeny {
		return fmt.Errorf("%w: target %s/%s:%d denied by policy", types.ErrConfigInvalid, d.Transport, d.Host, d.Port)
	}
	return nil
}

func (pr *parsedRule) matches(transport string, destIP net.IP, destPort uint16) bool {
	if pr.original.Transport != "" && !strings.EqualFold(pr.original.Transport, transport) {
		return false
	}
	if len(pr.destNets) > 0 {
		if destIP == nil {
			return false
		}
		match := false
		for _, network := range pr.destNets {
			if network.Contains(destIP) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(pr.portRanges) > 0 {
		match := false
		for _, prange := range pr.portRanges {
			if destPort >= prange.start && destPort <= prange.end {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func parseRule(rule *settings.PolicyRule) (*parsedRule, error) {
	if rule.Action != settings.ActionAllow && rule.Action != settings.ActionDeny {
		return nil, fmt.Errorf("unknown action %q", rule.Action)
	}
	pr := &parsedRule{original: rule}
	var err error

	pr.destNets, err = parseCIDRs(rule.DestCIDR)
	if err != nil {
		return nil, err
	}
	pr.portRanges, err = parsePortRanges(rule.DestPort)
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidrStr := range cidrs {
		trimmed := strings.TrimSpace(cidrStr)
		if trimmed == "" {
			continue
		}

		// 单个 IP 地址补全掩码
		if !strings.Contains(trimmed, "/") {
			ip := net.ParseIP(trimmed)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address format: '%s'", trimmed)
			}
			if ip.To4() != nil {
				trimmed += "/32"
			} else {
				trimmed += "/128"
			}
		}

		_, network, err := net.ParseCIDR(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR '%s': %w", trimmed, err)
		}
		nets = append(nets, network)
	}
	return nets, nil
}

func parsePortRanges(portStr string) ([]portRange, error) {
	if portStr == "" {
		return nil, nil
	}
	var ranges []portRange
	for _, part := range strings.Split(portStr, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, "-") {
			bounds := strings.Split(part, "-")
			if len(bounds) != 2 {
				return nil, fmt.Errorf("invalid port range: %s", part)
			}
			start, err1 := strconv.ParseUint(strings.TrimSpace(bounds[0]), 10, 16)
			end, err2 := strconv.ParseUint(strings.TrimSpace(bounds[1]), 10, 16)
			if err1 != nil || err2 != nil || start > end || start == 0 {
				return nil, fmt.Errorf("invalid port range values: %s", part)
			}
			ranges = append(ranges, portRange{uint16(start), uint16(end)})
			continue
		}
		port, err := strconv.ParseUint(part, 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("invalid port: %s", part)
		}
		ranges = append(ranges, portRange{uint16(port), uint16(port)})
	}
	return ranges, nil
}
