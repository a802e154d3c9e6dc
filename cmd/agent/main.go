// Command agent runs one probe cycle in its own region and reports the results to the central
// monitor over POST /api/report.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheaterpersian-web/Apex/internal/app"
	"github.com/cheaterpersian-web/Apex/internal/shared/config"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/shared/types"
	"github.com/cheaterpersian-web/Apex/internal/storage"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	region := flag.String("region", os.Getenv("AGENT_REGION"), "Region name reported to the server")
	server := flag.String("server", os.Getenv("AGENT_SERVER"), "Base URL of the central monitor, e.g. http://monitor:8090")
	timeout := flag.Duration("timeout", 5*time.Minute, "Upper bound for the probe cycle")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "monitor.ini")
	cfg, err := config.LoadIni(iniPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*region) == "" || strings.TrimSpace(*server) == "" {
		logger.Fatal().Msg("Both -region and -server are required.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results, err := runCycle(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Probe cycle failed")
	}

	report := types.RegionReport{Region: *region, Results: results}
	if err := postReport(ctx, *server, cfg.AgentToken, report); err != nil {
		logger.Fatal().Err(err).Str("server", *server).Msg("Failed to submit regional report")
	}
	logger.Info().Str("region", *region).Int("results", len(results)).Msg("Regional report submitted.")
}

// runCycle loads the protocol list from the configured store and probes it once.
// Results and subscribers stay in memory; only the central server persists them.
func runCycle(ctx context.Context, cfg *types.Config) ([]types.ProbeResult, error) {
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	descs, err := store.LoadProtocols(ctx)
	store.Close()
	if err != nil {
		return nil, err
	}

	s, err := app.NewHeadless(cfg, storage.NewMemoryStorage())
	if err != nil {
		return nil, err
	}
	defer s.Stop()
	if len(descs) == 0 {
		logger.Warn().Msg("No protocols configured; submitting an empty report.")
		return nil, nil
	}
	if err := s.AddProtocols(ctx, descs); err != nil {
		return nil, err
	}
	return s.RunAll(ctx)
}

func postReport(ctx context.Context, server, token string, report types.RegionReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/report", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
