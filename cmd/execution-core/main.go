package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/binee108/webserver-sub003/internal/api"
	"github.com/binee108/webserver-sub003/internal/bootstrap"
	"github.com/binee108/webserver-sub003/internal/events"
	"github.com/binee108/webserver-sub003/internal/exchange"
	"github.com/binee108/webserver-sub003/internal/fills"
	"github.com/binee108/webserver-sub003/internal/locks"
	"github.com/binee108/webserver-sub003/internal/notify"
	"github.com/binee108/webserver-sub003/internal/position"
	"github.com/binee108/webserver-sub003/internal/pricing"
	"github.com/binee108/webserver-sub003/internal/queue"
	"github.com/binee108/webserver-sub003/internal/retry"
	"github.com/binee108/webserver-sub003/internal/symbols"
	"github.com/binee108/webserver-sub003/internal/webhook"
	"github.com/binee108/webserver-sub003/pkg/config"
	"github.com/binee108/webserver-sub003/pkg/db"
)

const (
	staleProcessingThreshold = 5 * time.Minute
	// Orders quiet for this long get REST-confirmed by the drift sweep.
	streamDriftThreshold = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		logrus.Fatalf("startup failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	database, err := db.New(cfg.DBPath, cfg.DBPoolSize, cfg.DBMaxOverflow)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strategiesFile, err := bootstrap.Load(cfg.StrategiesFile)
	if err != nil {
		return err
	}
	repo := database.Repo()
	if _, err := bootstrap.Seed(ctx, repo, strategiesFile); err != nil {
		return fmt.Errorf("seed strategies: %w", err)
	}
	logrus.Infof("seeded %d accounts, %d strategies",
		len(strategiesFile.Accounts), len(strategiesFile.Strategies))

	validator := symbols.NewValidator(symbols.NewStaticSource(strategiesFile.MarketTable()))
	if err := validator.Load(ctx); err != nil {
		return err
	}
	validator.StartRefresh(ctx, time.Hour)

	// Venue-native adapters register here, pulling credentials from
	// <ACCOUNT>_API_KEY / <ACCOUNT>_API_SECRET. Accounts without credentials
	// run on the paper adapter.
	adapters := exchange.NewRegistry()
	accounts, err := repo.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if os.Getenv(envKey(a.Name, "API_KEY")) != "" {
			logrus.Warnf("account %s has credentials but no native client is built in; using paper adapter", a.Name)
		}
		adapters.Register(a.ID, exchange.NewPaper(a.Exchange))
	}

	limiters := exchange.NewLimiterRegistry(func(ex string) float64 {
		return config.ExchangeRateLimit(ex, 10)
	})

	prices := pricing.NewCache(30*time.Second, nil)
	fx := pricing.NewFXService(cfg.FXRateURL, time.Duration(cfg.ExchangeTimeout)*time.Second)
	lockReg := locks.NewRegistry(cfg.MaxWebhookLocks)
	bus := events.NewBus()

	startNotifier(ctx, cfg, bus)
	if cfg.NATSURL != "" {
		bridge, err := events.NewNATSBridge(cfg.NATSURL)
		if err != nil {
			// The bridge is an optional mirror; the core trades without it.
			logrus.Warnf("NATS bridge disabled: %v", err)
		} else {
			defer bridge.Close()
			bridge.Start(ctx, bus)
		}
	}

	mapping := queue.NewMapping(0)
	reconciler := position.NewReconciler(bus)
	qm := queue.NewManager(database, adapters, limiters, validator, prices, lockReg, mapping, bus, queue.Options{
		LockTimeout:      time.Duration(cfg.WebhookLockTimeout) * time.Second,
		ExchangeTimeout:  time.Duration(cfg.ExchangeTimeout) * time.Second,
		MaxCancelRetries: cfg.MaxCancelRetries,
		Reconciler:       reconciler,
	})

	// Crash recovery: free processing locks held by a previous run before
	// any worker starts.
	if reaped, err := repo.ReapStaleProcessing(ctx, staleProcessingThreshold); err != nil {
		return err
	} else if reaped > 0 {
		logrus.Warnf("reaped %d stale processing locks from previous run", reaped)
	}

	monitor := fills.NewMonitor(database, adapters, qm, mapping, reconciler, bus)
	monitor.Start(ctx)
	monitor.StartSweep(ctx, time.Duration(cfg.QueueSweepInterval)*time.Second, streamDriftThreshold)

	cancelWorker := retry.NewCancelWorker(database, adapters, limiters, bus,
		time.Duration(cfg.CancelQueueInterval)*time.Second,
		time.Duration(cfg.ExchangeTimeout)*time.Second)
	go cancelWorker.Run(ctx)

	failedWorker := retry.NewFailedOrderWorker(database, qm, 30*time.Second)
	go failedWorker.Run(ctx)

	qm.StartSweep(ctx, time.Duration(cfg.QueueSweepInterval)*time.Second)
	go func() {
		ticker := time.NewTicker(staleProcessingThreshold)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := repo.ReapStaleProcessing(ctx, staleProcessingThreshold); err != nil {
					logrus.Errorf("reap stale processing: %v", err)
				}
				prices.SweepStale()
				mapping.Sweep()
			}
		}
	}()

	dispatcher := webhook.NewDispatcher(database, qm, prices, fx, lockReg,
		time.Duration(cfg.WebhookLockTimeout)*time.Second)
	server := api.NewServer(database, dispatcher, failedWorker, cfg.JWTSecret)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("listening on :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// startNotifier wires the CRITICAL alert sink: Telegram when configured,
// logs otherwise.
func startNotifier(ctx context.Context, cfg *config.Config, bus *events.Bus) {
	var sink notify.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sink = notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	} else {
		sink = notify.NewLogNotifier()
	}

	ch, unsub := bus.Subscribe(events.EventCriticalAlert, 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				alert, ok := payload.(events.Alert)
				if !ok {
					continue
				}
				if err := sink.Notify(ctx, string(events.EventCriticalAlert),
					fmt.Sprintf("%s: %s", alert.Source, alert.Message)); err != nil {
					logrus.Errorf("notify: %v", err)
				}
			}
		}
	}()
}

func envKey(accountName, suffix string) string {
	key := strings.ToUpper(accountName)
	key = strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(key)
	return key + "_" + suffix
}
