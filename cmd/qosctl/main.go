package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamqos/internal/core/domain"
	"streamqos/internal/core/services"
	"streamqos/internal/infrastructure/distributed"
	"streamqos/pkg/config"
	"streamqos/pkg/logger"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "qosctl",
		Usage: "inspect streamqos decisions from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to config file, defaults are used when unset",
				EnvVars: []string{"STREAMQOS_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "evaluate",
				Usage:  "evaluate one telemetry record and print recommendation, policy and advisories",
				Action: evaluateCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "input",
						Usage: "JSON telemetry record file, - for stdin",
					},
					&cli.Float64Flag{Name: "bandwidth", Usage: "available bandwidth in kbps"},
					&cli.Float64Flag{Name: "packet-loss", Usage: "packet loss in percent"},
					&cli.Float64Flag{Name: "jitter", Usage: "jitter in ms"},
					&cli.Float64Flag{Name: "buffer", Usage: "buffered seconds", Value: domain.DefaultBufferSeconds},
					&cli.StringFlag{Name: "current", Usage: "tier currently playing"},
				},
			},
			{
				Name:   "tiers",
				Usage:  "print the configured tier ladder",
				Action: tiersCommand,
			},
			{
				Name:   "savings",
				Usage:  "compare the data volume of two bitrates",
				Action: savingsCommand,
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "original", Usage: "original bitrate in kbps", Required: true},
					&cli.Float64Flag{Name: "optimized", Usage: "optimized bitrate in kbps", Required: true},
					&cli.Float64Flag{Name: "duration", Usage: "duration in seconds", Value: 60},
				},
			},
			{
				Name:   "watch",
				Usage:  "print events published by qosd instances",
				Action: watchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "redis", Usage: "redis address, overrides redis.address"},
					&cli.StringFlag{Name: "channel", Usage: "event channel, overrides redis.channel"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.DefaultConfig(), nil
}

func loadProfile(c *cli.Context) (domain.QoSProfile, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return domain.QoSProfile{}, err
	}
	return cfg.Profile()
}

// evaluationOutput mirrors what a control loop tick emits, minus the
// session bookkeeping.
type evaluationOutput struct {
	Recommendation     domain.Recommendation     `json:"recommendation"`
	TransmissionPolicy domain.TransmissionPolicy `json:"transmissionPolicy"`
	Advisories         []domain.Advisory         `json:"advisories"`
}

func evaluate(profile domain.QoSProfile, record domain.TelemetryRecord, at time.Time) evaluationOutput {
	snapshot := domain.NewTelemetrySnapshot(record, at)
	transmission := services.NewTransmissionService(profile)
	return evaluationOutput{
		Recommendation:     services.NewQualityService(profile).RecommendQuality(snapshot),
		TransmissionPolicy: transmission.OptimizeTransmission(snapshot),
		Advisories:         transmission.OptimizationRecommendations(snapshot),
	}
}

// readRecord builds a record from --input, then applies any explicitly set
// flags on top of it.
func readRecord(c *cli.Context, stdin io.Reader) (domain.TelemetryRecord, error) {
	record := domain.NewTelemetryRecord()

	if input := c.String("input"); input != "" {
		var (
			data []byte
			err  error
		)
		if input == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(input)
		}
		if err != nil {
			return record, fmt.Errorf("failed to read telemetry record: %w", err)
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return record, fmt.Errorf("telemetry record must be a JSON object: %w", err)
		}
	}

	if c.IsSet("bandwidth") {
		record.Bandwidth = c.Float64("bandwidth")
	}
	if c.IsSet("packet-loss") {
		record.PacketLoss = c.Float64("packet-loss")
	}
	if c.IsSet("jitter") {
		record.Jitter = c.Float64("jitter")
	}
	if c.IsSet("buffer") {
		record.BufferLength = c.Float64("buffer")
	}
	if c.IsSet("current") {
		record.CurrentQuality = c.String("current")
	}
	return record, nil
}

func evaluateCommand(c *cli.Context) error {
	profile, err := loadProfile(c)
	if err != nil {
		return err
	}
	record, err := readRecord(c, os.Stdin)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, evaluate(profile, record, time.Now()))
}

func tiersCommand(c *cli.Context) error {
	profile, err := loadProfile(c)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "%-8s %8s  %-9s %4s %9s %11s\n", "NAME", "KBPS", "RES", "FPS", "MAX LOSS", "MAX JITTER")
	for _, tier := range profile.Tiers {
		fmt.Fprintf(w, "%-8s %8d  %-9s %4d %8.1f%% %9.0fms\n",
			tier.Name, tier.BitrateKbps, tier.Resolution, tier.FPS, tier.MaxPacketLoss, tier.MaxJitterMs)
	}
	return nil
}

func savingsCommand(c *cli.Context) error {
	profile, err := loadProfile(c)
	if err != nil {
		return err
	}
	if c.Float64("duration") <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	savings := services.NewTransmissionService(profile).DataSavings(c.Float64("original"), c.Float64("optimized"), c.Float64("duration"))
	return printJSON(c.App.Writer, savings)
}

func watchCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("redis"); addr != "" {
		cfg.Redis.Address = addr
	}
	if channel := c.String("channel"); channel != "" {
		cfg.Redis.Channel = channel
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := distributed.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, 2, log)
	if err != nil {
		return err
	}
	defer client.Close()

	bus := distributed.NewEventBus(client, distributed.EventBusConfig{Channel: cfg.Redis.Channel}, log)
	enc := json.NewEncoder(c.App.Writer)
	err = bus.Subscribe(ctx, true, func(event *distributed.Event) error {
		return enc.Encode(event)
	})
	if err == context.Canceled {
		return nil
	}
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
