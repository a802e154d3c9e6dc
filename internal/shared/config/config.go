package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

// LoadIni 加载 monitor.ini 行为配置文件，缺失的键保留默认值。
// 文件不存在时直接使用默认配置。
func LoadIni(fileName string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if _, err := os.Stat(fileName); err == nil {
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return nil, err
		}
		if err := iniFile.MapTo(cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadIniBytes parses ini content held in memory (mobile mode).
func LoadIniBytes(content []byte) (*types.Config, error) {
	cfg := types.DefaultConfig()
	iniFile, err := ini.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ini content: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("failed to map ini content to config struct: %w", err)
	}
	return cfg, nil
}

// DecodeProtocols 解析协议描述的 JSON 数组。单个对象也被接受。
func DecodeProtocols(data []byte) ([]*types.ProtocolDescriptor, error) {
	var list []*types.ProtocolDescriptor
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single types.ProtocolDescriptor
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfigInvalid, err)
	}
	return []*types.ProtocolDescriptor{&single}, nil
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.CommonConf.CheckIntervalSec, "CHECK_INTERVAL_SECONDS")
	overrideFromEnvString(&cfg.ProbeConf.ProxyTestURL, "TEST_URL")
	overrideFromEnvString(&cfg.WebConf.AgentToken, "AGENT_TOKEN")
	overrideFromEnvString(&cfg.PostgresConf.DSN, "POSTGRES_DSN")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
