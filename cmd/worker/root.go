package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"smartpark-worker-go/internal/api"
	"smartpark-worker-go/internal/config"
	"smartpark-worker-go/internal/logging"
	"smartpark-worker-go/internal/services"
)

// rootCommand runs the worker. Flags override the environment loaded into cfg.
func rootCommand(cfg *config.Config) *cobra.Command {
	var noAPI bool

	rootCmd := &cobra.Command{
		Use:           "smartpark-worker",
		Short:         "Parking slot occupancy worker",
		Long:          "Reads a camera or video file, judges every parking zone with threshold, object or hybrid detection, and reports slot status changes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if noAPI {
				cfg.APIEnabled = false
			}
			logging.Setup(cfg)
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfg.ZonesFile, "zones", cfg.ZonesFile, "Zones YAML file")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	rootCmd.Flags().StringVar(&cfg.DetectionMode, "mode", cfg.DetectionMode, "Initial detection mode (threshold, object, hybrid)")
	rootCmd.Flags().StringVar(&cfg.VideoSource, "source", cfg.VideoSource, "Webcam index, video file or stream URL")
	rootCmd.Flags().BoolVar(&cfg.VideoLoop, "loop", cfg.VideoLoop, "Rewind video files at the end")
	rootCmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Control API port")
	rootCmd.Flags().BoolVar(&noAPI, "no-api", false, "Disable the control API")
	rootCmd.Flags().StringVar(&cfg.ModelPath, "model", cfg.ModelPath, "Object detection ONNX model")

	rootCmd.AddCommand(zonesCommand(cfg), versionCommand(cfg))
	return rootCmd
}

func zonesCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "zones",
		Short: "Validate the zones file and print the enabled zones",
		RunE: func(cmd *cobra.Command, args []string) error {
			zones, err := config.LoadZones(cfg.ZonesFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d enabled zones in %s\n", len(zones), cfg.ZonesFile)
			for _, z := range zones {
				x1, y1, x2, y2 := z.BBox()
				fmt.Fprintf(out, "  %-10s id=%-4d bbox=(%d,%d)-(%d,%d) area=%d\n", z.Code, z.ID, x1, y1, x2, y2, z.Area())
			}
			return nil
		},
	}
}

func versionCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "smartpark-worker %s (%s)\n", cfg.Version, cfg.Environment)
		},
	}
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("worker_id", cfg.WorkerID).
		Str("hardware_code", cfg.HardwareCode).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Str("mode", cfg.DetectionMode).
		Str("source", cfg.VideoSource).
		Bool("api_enabled", cfg.APIEnabled).
		Msg("Starting SmartPark worker")

	zones, err := config.LoadZones(cfg.ZonesFile)
	if err != nil {
		return err
	}

	container, err := services.NewServiceContainer(ctx, cfg, zones, logging.NewServiceLogger(cfg, "worker"))
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	var server *api.Server
	if cfg.APIEnabled {
		server = api.NewServer(cfg, container.APIDependencies(), logging.NewServiceLogger(cfg, "api"))
		if err := server.Setup(); err != nil {
			_ = container.Shutdown(context.Background())
			return err
		}
		go func() {
			serverErr <- server.Start()
		}()
	}

	captureDone := make(chan error, 1)
	go func() {
		captureDone <- container.Run(ctx)
	}()

	var runErr error
	captureStopped := false
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-captureDone:
		captureStopped = true
		runErr = err
		if err != nil {
			log.Error().Err(err).Msg("Capture loop stopped")
		} else {
			log.Info().Msg("Video source finished")
		}
	case err := <-serverErr:
		runErr = err
		log.Error().Err(err).Msg("API server stopped")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
	}

	if !captureStopped {
		select {
		case <-captureDone:
		case <-time.After(cfg.ShutdownTimeout):
			log.Warn().Msg("Capture loop did not stop in time")
		}
	}

	if err := container.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with errors")
		return errors.Join(runErr, err)
	}
	log.Info().Msg("Shutdown complete")
	return runErr
}
