package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/betbot/sigrouter/internal/alert"
	"github.com/betbot/sigrouter/internal/exchange"
	_ "github.com/betbot/sigrouter/internal/exchange/all"
	"github.com/betbot/sigrouter/internal/execution"
	"github.com/betbot/sigrouter/internal/health"
	"github.com/betbot/sigrouter/internal/pipeline"
	"github.com/betbot/sigrouter/internal/ports"
	"github.com/betbot/sigrouter/internal/server"
	"github.com/betbot/sigrouter/internal/store"
	"github.com/betbot/sigrouter/pkg/config"
	"github.com/betbot/sigrouter/pkg/logger"
	"github.com/betbot/sigrouter/pkg/ratelimit"
	"github.com/betbot/sigrouter/pkg/retry"
	"github.com/betbot/sigrouter/pkg/secretstore"
	"github.com/betbot/sigrouter/pkg/shutdown"
)

const (
	connectTimeout  = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	// .env 尽力加载，缺失时直接使用真实环境变量
	_ = godotenv.Load()

	configPath := flag.String("config", getenv("SIGROUTER_CONFIG", "config.yaml"), "config file path (yaml/json)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		os.Exit(1)
	}
}

func run(configPath string) error {
	config.SetConfigPath(configPath)
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Format:     os.Getenv("LOG_FORMAT"),
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if cfg.DryRun {
		logger.Infof("📝 [纸交易] DRY_RUN 已开启：所有适配器替换为模拟后端")
	}

	sm := shutdown.NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secrets, err := openSecretStore(cfg)
	if err != nil {
		return err
	}
	var deps exchange.Deps
	if secrets != nil {
		deps.Secrets = secrets
		sm.OnShutdown("secretstore", func(context.Context) { _ = secrets.Close() })
	}

	adapters, err := buildAdapters(ctx, cfg, deps)
	if err != nil {
		return err
	}
	sm.OnShutdown("adapters", func(ctx context.Context) {
		for _, a := range adapters {
			a.Disconnect(ctx)
		}
	})

	limits, err := staticLimits(cfg.Pipeline)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Storage.DBPath, limits)
	if err != nil {
		return err
	}

	var alerter ports.Alerter = alert.LogAlerter{}
	if cfg.Alerts.Enabled {
		alerter = alert.Multi{alert.LogAlerter{}, alert.NewWebhookAlerter(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout)}
	}

	dispatcher := execution.NewDispatcher(cfg.Pipeline.DispatchQueue, cfg.Pipeline.DispatchWorkers)
	dispatcher.Start(ctx)
	// dispatcher 先停（排空记录任务），再关闭数据库
	sm.OnShutdown("dispatcher+store", func(ctx context.Context) {
		if err := dispatcher.Stop(ctx); err != nil {
			logger.Warnf("%v", err)
		}
		_ = db.Close()
	})

	policy := retry.DefaultPolicy(exchange.IsRetryable)
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.BaseDelay = cfg.Retry.BaseDelay
	policy.MaxDelay = cfg.Retry.MaxDelay

	processor := execution.NewProcessor(execution.ProcessorConfig{
		Timeout:    cfg.Pipeline.FanoutTimeout,
		Retry:      policy,
		Recorder:   db,
		Alerter:    alerter,
		Dispatcher: dispatcher,
	})

	limiter := ratelimit.NewKeyedSlidingWindow(cfg.Pipeline.RateLimitMax, cfg.Pipeline.RateLimitWindow)
	coordinator := shutdown.NewCoordinator()
	pipe, err := pipeline.New(pipeline.Config{
		Dedup:       execution.NewDeduplicator(cfg.Pipeline.DedupTTL),
		Limiter:     limiter,
		Limits:      db,
		Coordinator: coordinator,
		Processor:   processor,
		Adapters:    adapters,
		Simulation:  cfg.DryRun,
	})
	if err != nil {
		return err
	}

	monitor := health.NewMonitor(adapters, cfg.HealthInterval, alerter)
	monitor.Start(ctx)
	sm.OnShutdown("health", func(context.Context) { monitor.Stop() })

	srv := server.New(server.Config{
		Passphrase:        cfg.Server.WebhookPassphrase,
		CallerHeader:      cfg.Server.CallerHeader,
		FingerprintBucket: cfg.Pipeline.FingerprintBucket,
	}, pipe, coordinator, monitor)
	if err := srv.Start(cfg.Server.ListenAddr); err != nil {
		sm.Shutdown(context.Background())
		return err
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-stopCh
	logger.Infof("收到信号 %s，开始优雅关闭", sig)

	// 1) 不再接收新信号（webhook 返回 503，/healthz 变为 503）
	pipe.BeginDrain()
	// 2) 等待在途信号完成
	if !pipe.AwaitDrain(cfg.Pipeline.GracePeriod) {
		actx, acancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = alerter.Notify(actx, ports.AlertShutdownTimeout, map[string]any{"in_flight": coordinator.InFlight()})
		acancel()
	}
	// 3) 关闭 HTTP
	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(hctx); err != nil {
		logger.Warnf("HTTP 关闭超时: %v", err)
	}
	hcancel()

	// 4) 断开适配器、停止后台任务、关闭存储
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	sm.Shutdown(sctx)

	logger.Info("sigrouter stopped")
	return nil
}

func openSecretStore(cfg *config.Config) (*secretstore.Store, error) {
	key, err := secretstore.ParseKey(os.Getenv("SIGROUTER_SECRET_KEY"))
	if err != nil {
		return nil, fmt.Errorf("SIGROUTER_SECRET_KEY: %w", err)
	}
	if key == nil {
		logger.Infof("未设置 SIGROUTER_SECRET_KEY，secret:// 引用不可用")
		return nil, nil
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.SecretStorePath, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return ss, nil
}

// buildAdapters 构造并连接所有启用的适配器；连接失败的适配器不参与扇出
func buildAdapters(ctx context.Context, cfg *config.Config, deps exchange.Deps) ([]exchange.Adapter, error) {
	cfgs := cfg.EnabledAdapters()
	if cfg.DryRun {
		sim := make([]config.AdapterConfig, 0, len(cfgs))
		for _, c := range cfgs {
			sim = append(sim, config.AdapterConfig{ID: c.ID, Kind: config.AdapterKindSimulated, Enabled: true, Simulated: c.Simulated})
		}
		cfgs = sim
	}

	built, err := exchange.BuildAll(cfgs, deps)
	if err != nil {
		return nil, err
	}

	active := make([]exchange.Adapter, 0, len(built))
	for _, a := range built {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := a.Connect(cctx, exchange.ConnectParams{})
		cancel()
		if err != nil {
			logger.Errorf("❌ 适配器 %s 连接失败，已跳过: %v", a.ID(), err)
			continue
		}
		logger.Infof("✅ 适配器 %s 已连接", a.ID())
		active = append(active, a)
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("no adapter could connect (%d configured)", len(built))
	}
	return active, nil
}

func staticLimits(p config.PipelineConfig) (ports.StaticSizeLimits, error) {
	def, err := decimal.NewFromString(p.MaxPositionSize)
	if err != nil {
		return ports.StaticSizeLimits{}, fmt.Errorf("max_position_size: %w", err)
	}
	out := ports.StaticSizeLimits{Default: def, PerCaller: make(map[string]decimal.Decimal, len(p.CallerLimits))}
	for caller, raw := range p.CallerLimits {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return ports.StaticSizeLimits{}, fmt.Errorf("caller_limits[%s]: %w", caller, err)
		}
		out.PerCaller[caller] = d
	}
	return out, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
