package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"digil-incl-reset/internal/auth"
	"digil-incl-reset/internal/config"
	"digil-incl-reset/internal/digil"
	"digil-incl-reset/internal/fleet"
	"digil-incl-reset/internal/logger"
	"digil-incl-reset/internal/matcher"
	"digil-incl-reset/internal/orchestrator"
	"digil-incl-reset/internal/verify"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath  = pflag.String("config", "", "optional YAML config file (env vars override)")
		devicesPath = pflag.String("devices", "", "text file with device ids, one per line")
		quickMode   = pflag.Bool("quick", false, "fire-and-forget mode: send commands without confirmation")
		checkOnly   = pflag.Bool("check", false, "only read maintenance mode for each device")
		skipVerify  = pflag.Bool("skip-verify", false, "skip the post-reset verification pass")
		noCleanup   = pflag.Bool("no-cleanup", false, "skip the pending-maintenance cleanup pass")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "digil-incl-reset")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *devicesPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: digil-incl-reset --devices <file> [--config <file>] [--quick|--check]")
		os.Exit(2)
	}
	deviceIDs, err := readDeviceIDs(*devicesPath)
	if err != nil {
		log.Fatal("Failed to read device list", zap.Error(err))
	}
	if len(deviceIDs) == 0 {
		log.Fatal("Device list is empty", zap.String("path", *devicesPath))
	}

	log.Info("Starting digil-incl-reset",
		zap.Int("device_count", len(deviceIDs)),
		zap.Bool("quick_mode", *quickMode),
	)

	timeout := time.Duration(cfg.API.TimeoutSeconds) * time.Second
	tokens := auth.NewTokenManager(cfg.Auth.AuthURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret, timeout, cfg.API.TLSInsecure, log)
	client := digil.NewClient(cfg.API.BaseURL, timeout, cfg.API.TLSInsecure, tokens, log)
	checker := matcher.New(client, log)
	engine := verify.NewEngine(client, cfg.Verify.InclTolerance, log)

	sched := fleet.NewScheduler(client, checker, engine, tokens, fleet.Options{
		Workers: cfg.Fleet.MaxWorkers,
		Orchestrator: orchestrator.Options{
			PollInterval: time.Duration(cfg.Fleet.PollIntervalSeconds) * time.Second,
			SendBackoff:  time.Duration(cfg.Fleet.SendRetrySeconds) * time.Second,
		},
	}, log)

	// 监听系统信号，协作式取消
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("Received signal, cancelling run", zap.String("signal", sig.String()))
		cancel()
	}()

	// 进度事件消费：结构化事件 → 日志
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sched.Events():
				log.Debug("State transition",
					zap.String("device_id", ev.DeviceID),
					zap.String("from", string(ev.From)),
					zap.String("to", string(ev.To)),
					zap.Int("attempt", ev.Attempt),
				)
			}
		}
	}()

	if *checkOnly {
		runMaintenanceCheck(ctx, sched, deviceIDs, log)
		return
	}

	resetRecords := runResetPass(ctx, sched, deviceIDs, *quickMode, log)

	if !*skipVerify && !*quickMode {
		inputs := sched.ConfirmedResets()
		log.Info("Starting verification pass", zap.Int("device_count", len(inputs)))
		for _, rec := range sched.RunVerify(ctx, inputs) {
			fields := []zap.Field{
				zap.String("device_id", rec.DeviceID),
				zap.String("status", string(rec.Status)),
				zap.Bool("all_ok", rec.AllOK),
			}
			if rec.DeltaReadable != "" {
				fields = append(fields, zap.String("data_delta", rec.DeltaReadable))
			}
			if rec.FailureReason != "" {
				fields = append(fields, zap.String("reason", rec.FailureReason))
			}
			log.Info("Verification result", fields...)
		}
	}

	if !*noCleanup {
		// 清理必须在取消之后也能跑，用独立的限时上下文
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 60*time.Second)
		cleaned := sched.CleanupPendingMaintenance(cleanupCtx)
		cleanupCancel()
		if cleaned > 0 {
			log.Info("Cleanup pass finished", zap.Int("devices", cleaned))
		}
	}

	stats := sched.Stats()
	log.Info("Run finished",
		zap.Int("devices", len(resetRecords)),
		zap.Int64("success", stats.Success),
		zap.Int64("partial", stats.Partial),
		zap.Int64("failed", stats.Failed),
	)
}

func runResetPass(ctx context.Context, sched *fleet.Scheduler, deviceIDs []string, quick bool, log *zap.Logger) []string {
	var records = sched.RunReset
	if quick {
		records = sched.RunQuick
	}

	processed := make([]string, 0, len(deviceIDs))
	for _, rec := range records(ctx, deviceIDs) {
		processed = append(processed, rec.DeviceID)
		log.Info("Device result",
			zap.String("device_id", rec.DeviceID),
			zap.String("class", string(rec.Class)),
			zap.String("state", string(rec.State)),
			zap.String("overall", rec.Overall()),
			zap.String("maint_on", string(rec.MaintOn.Outcome)),
			zap.String("reset", string(rec.Reset.Outcome)),
			zap.String("maint_off", string(rec.MaintOff.Outcome)),
			zap.Bool("pending_maintenance", rec.PendingMaintenance),
		)
	}
	return processed
}

func runMaintenanceCheck(ctx context.Context, sched *fleet.Scheduler, deviceIDs []string, log *zap.Logger) {
	for _, res := range sched.RunMaintenanceCheck(ctx, deviceIDs) {
		fields := []zap.Field{
			zap.String("device_id", res.DeviceID),
			zap.String("maintenance_mode", res.Status),
		}
		if res.Error != "" {
			fields = append(fields, zap.String("error", res.Error))
		}
		log.Info("Maintenance check", fields...)
	}
}

// readDeviceIDs 读取设备清单：每行一个 ID，忽略空行和 # 注释
func readDeviceIDs(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device list: %w", err)
	}
	defer file.Close()

	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read device list: %w", err)
	}
	return ids, nil
}
