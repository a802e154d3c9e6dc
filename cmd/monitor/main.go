package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cheaterpersian-web/Apex/internal/app"
	"github.com/cheaterpersian-web/Apex/internal/shared/config"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "monitor.ini")

	// 1. 加载 .ini 行为配置
	cfg, err := config.LoadIni(iniPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建服务器，存储后端由 [common] storage_backend 决定
	appServer, err := app.NewForPC(cfg, *configDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create app server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Shutting down...")
		appServer.Stop()
	}()

	// 3. 运行服务器，阻塞直到 Stop
	if err := appServer.Run(); err != nil {
		appServer.Stop()
		logger.Fatal().Err(err).Msg("Server bootstrap failed")
	}
}
