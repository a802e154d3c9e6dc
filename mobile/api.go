// Package mobile is the gomobile-bindable surface of the monitor. Every exported function takes
// and returns strings so it can cross the language boundary.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/app"
	"github.com/cheaterpersian-web/Apex/internal/shared/config"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
)

var (
	// 全局变量，用于持有当前为移动端运行的唯一 AppServer 实例
	activeAppServer *app.AppServer
	instanceMutex   sync.Mutex
)

// StartMonitor is the main entry point for mobile clients.
// iniContent: the content of a monitor.ini file.
// protocolsJson: a JSON array (or single object) of protocol descriptors.
func StartMonitor(iniContent, protocolsJson string) (err error) {
	// Defer a panic handler to convert panics into errors, which is safer for CGo boundaries.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic: %v\n\n%s", r, debug.Stack())
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		return fmt.Errorf("service is already running")
	}

	// 1. 解析 ini 内容
	cfg, err := config.LoadIniBytes([]byte(iniContent))
	if err != nil {
		return err
	}

	// 2. 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// 3. 解析协议描述
	protocols, err := decodeOptional(protocolsJson)
	if err != nil {
		return err
	}

	// 4. 创建并启动 AppServer
	appServer, err := app.NewForMobile(cfg)
	if err != nil {
		return err
	}
	if err := appServer.StartMobile(protocols); err != nil {
		logger.Error().Err(err).Msg("Failed to start app server in mobile mode")
		appServer.Stop()
		return err
	}

	activeAppServer = appServer
	logger.Debug().Int("protocols", len(protocols)).Msg("Go core started successfully in mobile mode.")
	return nil
}

// StopMonitor stops the Go core.
func StopMonitor() {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		logger.Debug().Msg("Stopping Go core for mobile...")
		activeAppServer.Stop()
		activeAppServer = nil
	}
}

// QueryStatus returns the dashboard as a JSON array of {protocol, result, caveat}.
func QueryStatus() (statusJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in QueryStatus: %v\n\n%s", r, debug.Stack())
			statusJson = "[]" // 在 panic 时返回一个空的 JSON 数组，避免移动端崩溃
		}
	}()

	s := current()
	if s == nil {
		return "[]", nil // 服务未运行，返回空数组
	}
	return marshal(s.Dashboard())
}

// Refresh runs a probe cycle (or joins the running one) and returns its results as JSON.
func Refresh(timeoutSec int) (resultsJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in Refresh: %v", r)
		}
	}()

	s := current()
	if s == nil {
		return "", fmt.Errorf("service is not running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOrDefault(timeoutSec))
	defer cancel()
	results, err := s.RunAll(ctx)
	if err != nil {
		return "", err
	}
	return marshal(results)
}

// AddProtocols adds or replaces descriptors given as JSON.
func AddProtocols(protocolsJson string) error {
	s := current()
	if s == nil {
		return fmt.Errorf("service is not running")
	}
	descs, err := config.DecodeProtocols([]byte(protocolsJson))
	if err != nil {
		return err
	}
	return s.AddProtocols(context.Background(), descs)
}

// RemoveProtocol removes a descriptor by id.
func RemoveProtocol(id string) error {
	s := current()
	if s == nil {
		return fmt.Errorf("service is not running")
	}
	return s.RemoveProtocol(context.Background(), id)
}

func current() *app.AppServer {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()
	return activeAppServer
}

func decodeOptional(protocolsJson string) ([]*types.ProtocolDescriptor, error) {
	if protocolsJson == "" {
		return nil, nil
	}
	return config.DecodeProtocols([]byte(protocolsJson))
}

func timeoutOrDefault(sec int) time.Duration {
	if sec <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(sec) * time.Second
}

func marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response: %w", err)
	}
	return string(b), nil
}
