package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cheaterpersian-web/Apex/internal/app"
	"github.com/cheaterpersian-web/Apex/internal/shared/config"
	"github.com/cheaterpersian-web/Apex/internal/shared/logger"
	"github.com/cheaterpersian-web/Apex/internal/storage"
)

// newProbeCmd probes descriptors locally, without a running server.
func newProbeCmd() *cobra.Command {
	var iniPath string
	var logLevel string
	cmd := &cobra.Command{
		Use:   "probe <file|->",
		Short: "Probe protocols from a JSON file once, locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			descs, err := config.DecodeProtocols(data)
			if err != nil {
				return err
			}

			cfg, err := config.LoadIni(iniPath)
			if err != nil {
				return fmt.Errorf("failed to load config file '%s': %w", iniPath, err)
			}
			cfg.LogConf.Level = logLevel
			if err := logger.InitWithWriter(cfg.LogConf, os.Stderr); err != nil {
				return err
			}

			s, err := app.NewHeadless(cfg, storage.NewMemoryStorage())
			if err != nil {
				return err
			}
			defer s.Stop()
			if err := s.AddProtocols(cmd.Context(), descs); err != nil {
				return err
			}
			results, err := s.RunAll(cmd.Context())
			if err != nil {
				return err
			}
			printResults(os.Stdout, results)
			return nil
		},
	}
	cmd.Flags().StringVar(&iniPath, "config", "configs/monitor.ini", "path to monitor.ini (defaults are used if missing)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level for engine output on stderr")
	return cmd
}

// newHealthCmd queries the gRPC health service for a protocol id ("" is the server itself).
func newHealthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health [id]",
		Short: "Query the gRPC health endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return err
			}
			name := service
			if name == "" {
				name = "(server)"
			}
			fmt.Fprintf(os.Stdout, "%s\t%s\n", name, resp.GetStatus())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOr("PROBECTL_GRPC_ADDRESS", "localhost:50051"), "gRPC health address")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
