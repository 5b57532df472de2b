package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxhub/internal/asr"
	"voxhub/internal/asr/whisper"
	"voxhub/internal/audio"
	"voxhub/internal/calldb"
	"voxhub/internal/config"
	"voxhub/internal/hub"
	"voxhub/internal/ipc"
	"voxhub/internal/metrics"
	"voxhub/internal/nlu"
	"voxhub/internal/slu"
	"voxhub/internal/tts"
	"voxhub/internal/tts/espeak"
	"voxhub/internal/voipio"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	cfgFile := cli.StringP("config", "c", "", "Config file path (YAML)")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	device := cli.StringP("device", "d", "", "Line device: websocket, file or local")
	input := cli.StringP("input", "i", "", "Caller recording for the file device")
	maxCalls := cli.IntP("max-calls", "n", -1, "Stop after this many calls (0 = never)")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevelMap[*logLevel],
		TimeFormat: time.TimeOnly,
	})))

	log.Info("Booting up")

	if err := godotenv.Load(*envFile); err != nil {
		log.Debug("No env file loaded", "path", *envFile, "err", err)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fatal("Failed to load config", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fatal("Failed to apply environment", err)
	}
	if *device != "" {
		cfg.VoipIO.Device = *device
	}
	if *input != "" {
		cfg.VoipIO.InputFile = *input
	}
	if *maxCalls >= 0 {
		cfg.Hub.MaxCalls = *maxCalls
	}
	if err := cfg.Validate(); err != nil {
		fatal("Invalid config", err)
	}

	log.Debug("Loaded config", "device", cfg.VoipIO.Device, "asr", cfg.ASR.Engine,
		"slu", cfg.SLU.Classifier, "tts", cfg.TTS.Engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector("voxhub", reg)
	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr, reg)
	}

	db, err := calldb.Open(cfg.CallDB.Path)
	if err != nil {
		fatal("Failed to open call database", err)
	}

	engines, err := loadEngines(&cfg)
	if err != nil {
		fatal("Failed to load engines", err)
	}

	log.Info("Boot up - successful")

	pipe := hub.NewPipeline(&cfg, engines, m)
	h := hub.New(&cfg, hub.NewOrchestrator(&cfg, db, m), pipe, m)

	srv, err := ipc.StartServer(ctx, cfg.IPC.Socket, hub.Name, h.Submit)
	if err != nil {
		fatal("Failed ipc server", err)
	}
	defer srv.Close()

	if err := h.Run(ctx); err != nil {
		log.Error("Hub failed", "err", err)
		os.Exit(1)
	}
	log.Info("Bye")
}

func fatal(msg string, err error) {
	log.Error(msg, "err", err)
	os.Exit(1)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Metrics server failed", "addr", addr, "err", err)
	}
}

func loadEngines(cfg *config.Config) (hub.Engines, error) {
	var e hub.Engines

	switch cfg.VoipIO.Device {
	case "websocket":
		e.Device = voipio.NewWebSocketDevice(cfg.VoipIO)
	case "file":
		e.Device = voipio.NewFileDevice(cfg)
	case "local":
		e.Device = audio.NewLocalDevice(cfg.Audio.SampleRate, cfg.Audio.SamplesPerFrame)
	}

	switch cfg.ASR.Engine {
	case "whisper":
		w, err := whisper.New(cfg.ASR)
		if err != nil {
			return e, err
		}
		e.ASR = w
		log.Debug("Loaded whisper", "model", cfg.ASR.Model)
	default:
		e.ASR = asr.Null{}
	}

	switch cfg.SLU.Classifier {
	case "openai":
		c, err := nlu.New(cfg)
		if err != nil {
			return e, err
		}
		e.Classifier = c
		log.Debug("Loaded openai classifier", "model", cfg.NLU.Model, "proxy", cfg.NLU.Proxy)
	default:
		c, err := slu.NewPhraseClassifier(cfg.SLU.Phrases, cfg.SLU.NBest)
		if err != nil {
			return e, err
		}
		e.Classifier = c
	}

	switch cfg.TTS.Engine {
	case "espeak":
		s, err := espeak.New(cfg.TTS)
		if err != nil {
			return e, err
		}
		e.TTS = s
		log.Debug("Loaded espeak", "voice", cfg.TTS.Voice)
	default:
		e.TTS = tts.Null{Rate: cfg.Audio.SampleRate}
	}
	return e, nil
}
