package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/rowstate/internal/app"
	"codeberg.org/mutker/rowstate/internal/audio"
	"codeberg.org/mutker/rowstate/internal/ble"
	"codeberg.org/mutker/rowstate/internal/config"
	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/peripheral"
	"codeberg.org/mutker/rowstate/internal/pid"
	"codeberg.org/mutker/rowstate/internal/session"
	"codeberg.org/mutker/rowstate/internal/sim"
	"codeberg.org/mutker/rowstate/internal/stream"
	"codeberg.org/mutker/rowstate/internal/timeutil"
	"tinygo.org/x/bluetooth"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")

	pidFile := pid.New("")
	if err := pidFile.Acquire(); err != nil {
		var coded errors.Error
		if errors.As(err, &coded) {
			logger.FatalWithCode(coded).Str("pid_file", pidFile.Path()).Msg("failed to acquire PID file")
		}
		logger.Fatal().Err(err).Str("pid_file", pidFile.Path()).Msg("failed to acquire PID file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	code := 0
	if err := run(ctx, cfg); err != nil {
		logger.ErrorWithCode(errors.New().Wrap(errors.ErrMainLoop, err)).Msg("error in main loop")
		code = 1
	}
	cancel()

	if err := pidFile.Release(); err != nil {
		logger.Error().Err(err).Msg("failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
	os.Exit(code)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func run(ctx context.Context, cfg *config.Config) error {
	errFactory := errors.New()
	log := logger.New("rowstate")
	clock := timeutil.RealClock{}

	var transport peripheral.Transport
	if cfg.Simulate {
		logger.Info().Msg("Using simulated peripherals")
		transport = sim.New(clock, float64(cfg.BaselineSPM), sim.DefaultInterval, log)
	} else {
		transport = ble.New(bluetooth.DefaultAdapter, time.Duration(cfg.ScanTimeout)*time.Second, log)
	}

	engine := audio.New(audio.DefaultSampleRate, cfg.Volume, log)
	silent := false
	if err := engine.Start(); err != nil {
		if cfg.Metronome {
			return errFactory.Wrap(errors.ErrInitAudio, err)
		}
		logger.Warn().Err(err).Msg("Audio output unavailable, metronome disabled")
		silent = true
	}
	defer engine.Close()

	var publisher *stream.Publisher
	if cfg.NATSURL != "" {
		nc, err := stream.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn().Err(errFactory.Wrap(errors.ErrInitPublisher, err)).Str("url", cfg.NATSURL).Msg("Telemetry publishing disabled")
		} else {
			publisher = stream.NewPublisher(nc, log)
		}
	}

	sessionCfg := session.DefaultConfig()
	sessionCfg.Enabled = cfg.Session
	sessionCfg.DBPath = cfg.SessionDB
	sessionCfg.Baseline = float64(cfg.BaselineSPM)
	recorder, err := session.NewService(sessionCfg, log)
	if err != nil {
		if publisher != nil {
			publisher.Close()
		}
		return errFactory.Wrap(errors.ErrInitSession, err)
	}
	if cfg.Session {
		logger.Info().Str("session", recorder.ID()).Str("db", cfg.SessionDB).Msg("Recording session")
	}

	a, err := app.New(cfg, app.Deps{
		Transport: transport,
		Audio:     engine,
		Clock:     clock,
		Publisher: publisher,
		Recorder:  recorder,
		Silent:    silent,
	}, log)
	if err != nil {
		if publisher != nil {
			publisher.Close()
		}
		if cerr := recorder.Close(); cerr != nil {
			logger.Error().Err(cerr).Msg("failed to close session")
		}
		return err
	}

	return a.Run(ctx)
}
