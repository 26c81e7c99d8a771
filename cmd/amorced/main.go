package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Amorce-Core/internal/api"
	"Amorce-Core/internal/approval"
	"Amorce-Core/internal/config"
	"Amorce-Core/internal/notify"
	"Amorce-Core/internal/ratelimit"
	"Amorce-Core/internal/registry"
	"Amorce-Core/internal/transaction"
	"Amorce-Core/internal/txlog"
	"Amorce-Core/pkg/logger"
)

// main 是事务运行时守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "", "配置文件路径,默认读取 AMORCE_CONFIG")
	flag.Parse()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("amorced 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	auditPath := cfg.Logging.AuditPath
	if auditPath == "" {
		auditPath = filepath.Join(cfg.Runtime.DataDir, "audit.log")
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Audit: logger.AuditConfig{
			Enabled:   true,
			Path:      auditPath,
			MaxSizeMB: cfg.Logging.AuditMaxSize,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	agents, services, closeDirectory, err := buildDirectory(cfg)
	if err != nil {
		return err
	}
	defer closeDirectory()

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}
	defer limiter.Close()

	txLog, err := buildTxLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer txLog.Close()

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	defer notifier.Close()

	approvals := approval.NewManager(approval.NewMemoryStore())
	approvals.StartSweeper(ctx, cfg.SweepInterval())

	orchestrator, err := transaction.NewOrchestrator(transaction.Options{
		Agents:    agents,
		Services:  services,
		Limiter:   limiter,
		Store:     transaction.NewMemoryStore(),
		Log:       txLog,
		Approvals: approvals,
		Forwarder: transaction.NewHTTPForwarder(cfg.ForwardTimeout()),
		Notifier:  notifier,
		Retry: transaction.RetryPolicy{
			Attempts: cfg.Registry.RetryAttempts,
			Interval: cfg.RetryInterval(),
		},
		ApprovalTimeout: cfg.Approvals.DefaultTimeoutSeconds,
	})
	if err != nil {
		return err
	}

	logger.L().Info("amorced 启动",
		slog.String("mode", cfg.Mode),
		slog.String("address", cfg.Server.Address),
		slog.String("registry", cfg.Registry.Driver),
	)

	server := api.NewServer(api.Options{
		Config:       cfg,
		Orchestrator: orchestrator,
		Approvals:    approvals,
		Agents:       agents,
		Services:     services,
		Log:          txLog,
	})
	return server.Start(ctx)
}

func buildDirectory(cfg *config.Config) (registry.AgentRegistry, registry.ServiceRegistry, func(), error) {
	switch cfg.Registry.Driver {
	case "local":
		local, err := registry.NewLocal(cfg.Registry.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return local, local, func() {}, nil
	case "cloud":
		cloud, err := registry.NewCloud(registry.CloudConfig{
			BaseURL: cfg.Registry.BaseURL,
			APIKey:  cfg.Registry.APIKey,
			Timeout: cfg.RegistryTimeout(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return cloud, cloud, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的目录驱动: %s", cfg.Registry.Driver)
	}
}

func buildLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	switch cfg.RateLimit.Driver {
	case "noop":
		return ratelimit.NewNoop(), nil
	case "local":
		return ratelimit.NewLocal(cfg.RateLimit.Limit, window), nil
	case "redis":
		return ratelimit.NewRedis(ratelimit.RedisConfig{
			Address:  cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
			Limit:    cfg.RateLimit.Limit,
			Window:   window,
		})
	default:
		return nil, fmt.Errorf("未知的限流驱动: %s", cfg.RateLimit.Driver)
	}
}

func buildTxLog(ctx context.Context, cfg *config.Config) (txlog.Log, error) {
	switch cfg.TxLog.Driver {
	case "file":
		return txlog.NewFileLog(cfg.TxLog.Path)
	case "mysql":
		return txlog.NewMySQLLog(ctx, txlog.MySQLConfig{DSN: cfg.TxLog.DSN})
	default:
		return nil, fmt.Errorf("未知的事务日志驱动: %s", cfg.TxLog.Driver)
	}
}

func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Driver {
	case "none":
		return notify.NoopNotifier{}, nil
	case "rabbitmq":
		return notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:      cfg.Notify.URL,
			Exchange: cfg.Notify.Exchange,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的事件通道驱动: %s", cfg.Notify.Driver)
	}
}
