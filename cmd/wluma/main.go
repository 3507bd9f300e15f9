// Package main provides the entry point for the wluma daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maximbaz/wluma/internal/als"
	"github.com/maximbaz/wluma/internal/backlight"
	"github.com/maximbaz/wluma/internal/capture"
	"github.com/maximbaz/wluma/internal/config"
	"github.com/maximbaz/wluma/internal/controller"
	"github.com/maximbaz/wluma/internal/dbus"
	"github.com/maximbaz/wluma/internal/dispatcher"
	"github.com/maximbaz/wluma/internal/gpu"
	"github.com/maximbaz/wluma/internal/training"
)

var (
	verbose bool
	output  string
	rootCmd = &cobra.Command{
		Use:   "wluma",
		Short: "Automatic backlight adjustment based on screen content and ambient light",
		Long: `wluma watches what your screen is showing and how bright the room is,
and drives the display backlight accordingly.

It learns from your corrections: whenever you adjust the backlight and leave
it alone for a few seconds, the combination of ambient light, screen
brightness and chosen backlight is recorded. Outside of such adjustments the
daemon keeps the backlight at the level you would have chosen, interpolated
from the recorded preferences.`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Name of the output to capture (defaults to the last advertised output)")
}

// discoverBacklight prefers the sysfs backlight class and falls back to an
// Apple Studio Display over HID when the laptop exposes none.
func discoverBacklight(basePath string) (backlight.Device, error) {
	device, err := backlight.DiscoverSysfs(basePath)
	if err == nil {
		return device, nil
	}

	log.Warn().Err(err).Msg("No sysfs backlight, trying Apple Studio Display")
	return backlight.DiscoverASD()
}

func run() {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("Starting wluma")

	device, err := discoverBacklight(config.DefaultBacklightBasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to find a backlight device")
	}

	sensor, err := als.Discover(config.SensorBasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to find an ambient light sensor")
	}

	dataPath, err := config.DataFilePath()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve the data directory")
	}
	store, err := training.OpenStore(dataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open the training data file")
	}

	points, err := store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read training data, starting from scratch")
		points = nil
	}
	set := training.NewSet(points)
	log.Info().Int("points", set.Len()).Str("file", dataPath).Msg("Loaded training data")

	client, err := capture.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to the compositor")
	}
	if err := client.SelectOutput(output); err != nil {
		log.Fatal().Err(err).Msg("Failed to select capture output")
	}

	gpuCtx, err := gpu.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize the GPU")
	}

	// The D-Bus surface is optional; the control loop does not depend on it.
	server := dbus.NewServer(device)
	opts := []dispatcher.Option{}
	if err := server.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start D-Bus service, continuing without it")
		server = nil
	} else {
		opts = append(opts, dispatcher.WithStatusSink(server))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := dispatcher.New(client, gpuCtx, sensor, device, controller.New(set, store, device), opts...)

	log.Info().Str("output", client.Target()).Msg("Daemon running, press Ctrl+C to stop")
	runErr := loop.Run(ctx)

	// Cleanup
	log.Info().Msg("Shutting down...")
	if server != nil {
		if err := server.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop D-Bus service")
		}
	}
	gpuCtx.Destroy()
	if err := client.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close compositor connection")
	}
	if err := sensor.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close ambient light sensor")
	}
	if err := device.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close backlight device")
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close training data file")
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("Daemon stopped on error")
		os.Exit(1)
	}
	log.Info().Msg("Daemon stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}
