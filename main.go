package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"markerswitch/capture"
	"markerswitch/config"
	"markerswitch/detection"
	"markerswitch/obs"
	"markerswitch/overlay"
	"markerswitch/pkg/ffmpeg"
	"markerswitch/pkg/logging"
	"markerswitch/pkg/v4l2"
	"markerswitch/runner"
	"markerswitch/scene"
	"markerswitch/trace"
)

// Command-line flags. Settings flags override the config file and environment
// only when given explicitly.
var (
	configPath = flag.String("config", "", "YAML configuration file\n\t\tExample: -config=/etc/markerswitch.yaml")

	source       = flag.String("source", "", "Physical capture device\n\t\tExample: -source=/dev/video0")
	clone        = flag.String("clone", "", "v4l2loopback device the passthrough writes\n\t\tExample: -clone=/dev/video10")
	pixelFormat  = flag.String("pixel-format", "", "Source input format for ffmpeg\n\t\tExample: -pixel-format=yuyv422")
	frameRate    = flag.Int("frame-rate", 0, "Source frame rate (0 = device default)")
	resolution   = flag.String("resolution", "", "Source resolution WxH or None\n\t\tExample: -resolution=1280x720")
	sceneFrom    = flag.String("scene-from", "", "Scene shown while no marker is visible")
	sceneTo      = flag.String("scene-to", "", "Scene shown while the marker is visible")
	dictionary   = flag.String("dictionary", "", "ArUco dictionary tag\n\t\tExample: -dictionary=DICT_6X6_250")
	markerID     = flag.String("marker", "", "Marker ID to react to, or \"any\"\n\t\tExample: -marker=23")
	stableFrames = flag.Int("stable-frames", -1, "Frames a detection run must last before misses start counting toward scene-from")
	absentFrames = flag.Int("absent-frames", -1, "Consecutive misses tolerated before switching back")
	sinkName     = flag.String("sink-name", "", "Host input that shows the clone device")
	sinkRes      = flag.String("sink-resolution", "", "Host input resolution (None, 16:9, 1280x720, ...)")
	noProvision  = flag.Bool("no-provision", false, "Do not create the sink input in the host")
	obsURL       = flag.String("obs-url", "", "obs-websocket address\n\t\tExample: -obs-url=ws://127.0.0.1:4455")
	obsPassword  = flag.String("obs-password", "", "obs-websocket password")
	snapshotDir  = flag.String("snapshot-dir", "", "Save an annotated JPEG of every switch under this directory")
	logLevel     = flag.String("log-level", "", "debug, info, warn or error")
	debugMode    = flag.Bool("debug", false, "Shorthand for -log-level=debug")

	listDevices      = flag.Bool("list-devices", false, "List video devices with their formats and exit")
	listDictionaries = flag.Bool("list-dictionaries", false, "List marker dictionaries and exit")
	listScenes       = flag.Bool("list-scenes", false, "List host scenes and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)

	if err := setupLogging(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch {
	case *listDictionaries:
		printDictionaries(os.Stdout)
		return
	case *listDevices:
		if err := printDevices(ctx, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	case *listScenes:
		if err := printScenes(ctx, os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Use -h for flag descriptions")
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("markerswitch failed", "error", err)
		if errors.Is(err, v4l2.ErrModuleMissing) {
			fmt.Fprintln(os.Stderr, "Load the module first: sudo modprobe v4l2loopback devices=1 video_nr=10 exclusive_caps=1")
		}
		os.Exit(1)
	}
}

// applyFlags copies explicitly set flags over the loaded configuration
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "source":
			cfg.Source = *source
		case "clone":
			cfg.Clone = *clone
		case "pixel-format":
			cfg.PixelFormat = *pixelFormat
		case "frame-rate":
			cfg.FrameRate = *frameRate
		case "resolution":
			cfg.Resolution = *resolution
		case "scene-from":
			cfg.SceneFrom = *sceneFrom
		case "scene-to":
			cfg.SceneTo = *sceneTo
		case "dictionary":
			cfg.Dictionary = *dictionary
		case "marker":
			cfg.Marker = *markerID
		case "stable-frames":
			cfg.StableFrames = *stableFrames
		case "absent-frames":
			cfg.AbsentFrames = *absentFrames
		case "sink-name":
			cfg.Sink.Name = *sinkName
		case "sink-resolution":
			cfg.Sink.Resolution = *sinkRes
		case "no-provision":
			cfg.Sink.Provision = !*noProvision
		case "obs-url":
			cfg.OBS.URL = *obsURL
		case "obs-password":
			cfg.OBS.Password = *obsPassword
		case "snapshot-dir":
			cfg.SnapshotDir = *snapshotDir
		case "log-level":
			cfg.Log.Level = *logLevel
		case "debug":
			if *debugMode {
				cfg.Log.Level = "debug"
			}
		}
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	tcfg := trace.DefaultConfig()
	tcfg.Exporter = cfg.Trace.Exporter
	tcfg.OTLPEndpoint = cfg.Trace.Endpoint
	tcfg.SamplingRate = cfg.Trace.SamplingRate
	if err := trace.Initialize(ctx, tcfg); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := trace.Shutdown(shutdownCtx); err != nil {
			slog.Warn("trace shutdown failed", "error", err)
		}
	}()

	client, err := obs.Dial(ctx, obsConfig(cfg))
	if err != nil {
		return err
	}
	defer client.Close()

	provider, err := detection.NewProvider(cfg.DictionaryValue())
	if err != nil {
		return err
	}
	defer provider.Close()
	slog.Info("detector ready", "provider", provider.GetProviderInfo().String())

	sup := ffmpeg.NewSupervisor(ffmpeg.SupervisorConfig{
		Binary:       cfg.Passthrough.Binary,
		TokenPath:    cfg.Passthrough.TokenPath,
		LogLevel:     cfg.Passthrough.LogLevel,
		GracePeriod:  cfg.Passthrough.GracePeriod,
		StartupProbe: cfg.Passthrough.StartupProbe,
	})

	deps := runner.Deps{
		Passthrough: runner.NewFFmpegPassthrough(sup, cfg.Source, cfg.Clone, cfg.Profile()),
		Open: func(ctx context.Context, device string) (runner.FrameSource, error) {
			src, err := capture.Open(ctx, device, capture.OpenOptions{
				Attempts: cfg.Capture.OpenAttempts,
				Backoff:  cfg.Capture.OpenBackoff,
			})
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		Detector:  provider,
		Scenes:    scene.NewBinding(client),
		Snapshots: overlay.NewRenderer(cfg.SnapshotDir),
	}
	if cfg.Sink.Provision {
		deps.Provision = func(ctx context.Context) error {
			return client.EnsureVideoInput(ctx, obs.VideoInput{
				Scene:      cfg.SceneFrom,
				Name:       cfg.Sink.Name,
				Device:     cfg.Clone,
				Resolution: cfg.Sink.Resolution,
			})
		}
	}

	worker := runner.New(runner.Options{
		Clone:        cfg.Clone,
		Machine:      cfg.Machine(),
		InitialScene: cfg.InitialScene,
	}, deps)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := worker.Start(ctx); err != nil {
		return err
	}
	slog.Info("markerswitch started", "source", cfg.Source, "clone", cfg.Clone,
		"from", cfg.SceneFrom, "to", cfg.SceneTo, "marker", cfg.Marker, "dictionary", cfg.Dictionary)

	select {
	case sig := <-sigChan:
		logging.Debug("INFO", fmt.Sprintf("Received signal %v. Cleaning up...", sig))
		err = worker.Stop()
	case <-client.Done():
		slog.Warn("host connection lost, stopping")
		err = worker.Stop()
	case <-worker.Done():
		err = worker.Wait()
	}

	if stats := worker.Stats(); !stats.Started.IsZero() {
		slog.Info("run summary", "frames", stats.Frames, "switches", stats.Switches,
			"uptime", time.Since(stats.Started).Round(time.Second).String())
	}
	return err
}

func obsConfig(cfg *config.Config) obs.Config {
	return obs.Config{
		URL:            cfg.OBS.URL,
		Password:       cfg.OBS.Password,
		RequestTimeout: cfg.OBS.Timeout,
	}
}
