package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"stockHftBot/config"
	"stockHftBot/internal/adapters/alerter"
	"stockHftBot/internal/adapters/decision"
	"stockHftBot/internal/adapters/gatewayclient"
	"stockHftBot/internal/adapters/logger"
	"stockHftBot/internal/adapters/sqlite"
	"stockHftBot/internal/app"
	"stockHftBot/internal/connpool"
	"stockHftBot/internal/executor"
	"stockHftBot/internal/metrics"
	"stockHftBot/internal/risk"
	"stockHftBot/internal/session"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger.WithComponent("tradelog"),
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade log repository")
		log.Fatalf("FATAL: Failed to initialize trade log repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing trade log repository")
		}
	}()

	// 4. Initialize Alert Sink
	alerts, err := alerter.New(alerter.Config{
		WebhookURL: cfg.AlertWebhookURL,
		Logger:     appLogger.WithComponent("alerts"),
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize alert sink")
		log.Fatalf("FATAL: Failed to initialize alert sink: %v", err)
	}

	// 5. Initialize Session Manager
	sessions, err := session.New(session.Config{
		AllowPreMarket:  cfg.AllowPreMarket,
		AllowAfterHours: cfg.AllowAfterHours,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize session manager")
		log.Fatalf("FATAL: Failed to initialize session manager: %v", err)
	}

	// 6. Initialize Gateway Dialer and Connection Pool
	dialer, err := gatewayclient.NewDialer(gatewayclient.Config{
		Host:   cfg.GatewayHost,
		Port:   cfg.GatewayPort,
		Env:    cfg.TradingEnv,
		Logger: appLogger.WithComponent("gateway"),
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize gateway dialer")
		log.Fatalf("FATAL: Failed to initialize gateway dialer: %v", err)
	}

	pool, err := connpool.New(context.Background(), connpool.Config{
		Size:                 cfg.PoolSize,
		AcquireTimeout:       cfg.PoolAcquireTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, dialer, appLogger.WithComponent("pool"))
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize connection pool")
		log.Fatalf("FATAL: Failed to initialize connection pool: %v", err)
	}
	defer pool.Shutdown()
	appLogger.Info(context.Background(), "Connection pool initialized", map[string]interface{}{"size": cfg.PoolSize})

	// 7. Initialize Risk Manager
	riskMgr, err := risk.NewManager(risk.Config{
		MaxPositionPerSymbol: decimal.NewFromFloat(cfg.MaxPositionPerSymbol),
		DailyLossLimit:       decimal.NewFromFloat(cfg.DailyLossLimit),
		MaxDrawdown:          decimal.NewFromFloat(cfg.MaxDrawdown),
		MaxSlippage:          decimal.NewFromFloat(cfg.MaxSlippage),
		MaxOrderValue:        decimal.NewFromFloat(cfg.MaxOrderValue),
		MinOrderInterval:     cfg.MinOrderInterval,
		MaxOrdersPerMinute:   cfg.MaxOrdersPerMinute,
		ConsecutiveLossLimit: cfg.ConsecutiveLossLimit,
		SlippageStreakLimit:  cfg.SlippageStreakLimit,
		SlippageStreakWindow: cfg.SlippageStreakWindow,
		AllowFlattenHalted:   cfg.AllowFlattenHalted,
		EnableShort:          cfg.EnableShort,
	}, sessions, repo, alerts, appLogger.WithComponent("risk"), decimal.NewFromFloat(cfg.InitialCash))
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}

	// 8. Initialize Trade Executor
	exec, err := executor.New(executor.Config{
		OrderTimeout: cfg.OrderTimeout,
	}, pool, sessions, riskMgr, appLogger.WithComponent("executor"))
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade executor")
		log.Fatalf("FATAL: Failed to initialize trade executor: %v", err)
	}

	// 9. Initialize Decision Provider
	decisions, err := decision.New(decision.Config{
		URL:    cfg.DecisionURL,
		Logger: appLogger.WithComponent("decision"),
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize decision provider")
		log.Fatalf("FATAL: Failed to initialize decision provider: %v", err)
	}

	// 10. Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		appLogger.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error(context.Background(), err, "Metrics endpoint failed")
		}
	}()

	// 11. Initialize Application Service
	tradingService, err := app.NewTradingService(cfg, appLogger, decisions, riskMgr, exec, sessions, repo, alerts, pool)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 12. Start the Service
	if err := tradingService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
