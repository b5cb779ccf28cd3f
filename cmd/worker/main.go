// CloudLedger expense worker: consumes import tasks from the queue, runs
// the raw-to-clean reconciliation pipeline per cloud account and processes
// follow-on traffic tasks.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"cloudledger/internal/account"
	"cloudledger/internal/adapter"
	"cloudledger/internal/api"
	"cloudledger/internal/config"
	"cloudledger/internal/importer"
	"cloudledger/internal/logging"
	"cloudledger/internal/model"
	"cloudledger/internal/queue"
	"cloudledger/internal/registry"
	"cloudledger/internal/store"
	"cloudledger/internal/traffic"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	tasks := queue.New(rdb)

	accounts := account.NewService(db)
	resources := registry.NewRegistry(db)
	raw := store.NewRawStore(db)
	ledger := store.NewLedgerStore(db)
	trafficLedger := store.NewTrafficLedgerStore(db)

	processor := traffic.NewProcessor(accounts, raw, trafficLedger, adapter.ForAccount)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runImportLoop(ctx, cfg, accounts, resources, raw, ledger, tasks)
	go runTrafficLoop(ctx, cfg, processor, tasks)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(db, tasks, cfg.Environment),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("worker listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		log.Warn("redis close", zap.Error(err))
	}
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	logLevel := gormlogger.Silent
	if cfg.Environment != "production" {
		logLevel = gormlogger.Warn
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		return nil, err
	}
	return db, nil
}

// providerFor maps account types onto their import rules. Only providers
// with a raw importer appear here; traffic extraction supports more types
// than raw import does.
func providerFor(accountType string) importer.Provider {
	switch accountType {
	case "alibaba_cnr":
		return importer.NewAlibaba()
	default:
		return nil
	}
}

func runImportLoop(ctx context.Context, cfg *config.Config, accounts *account.Service,
	resources *registry.Registry, raw *store.RawStore, ledger *store.LedgerStore, tasks *queue.Queue) {
	log := logging.L()
	for ctx.Err() == nil {
		task, ok, err := tasks.DequeueImport(ctx, cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("import dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		acc, err := accounts.Get(ctx, task.CloudAccountID)
		if err != nil {
			log.Error("import task for unknown account",
				zap.String("cloud_account_id", task.CloudAccountID), zap.Error(err))
			continue
		}
		provider := providerFor(acc.Type)
		if provider == nil {
			log.Warn("no importer for account type",
				zap.String("cloud_account_id", acc.ID), zap.String("type", acc.Type))
			continue
		}
		cloud, err := adapter.ForAccount(acc)
		if err != nil {
			log.Error("adapter construction failed",
				zap.String("cloud_account_id", acc.ID), zap.Error(err))
			continue
		}
		imp := importer.New(acc.ID, provider, importer.Deps{
			Accounts: accounts,
			Registry: resources,
			Raw:      raw,
			Ledger:   ledger,
			Cloud:    cloud,
			Tasks:    tasks,
		}, importer.Options{
			Recalculate: task.Recalculate,
			AdapterRate: rate.Limit(cfg.AdapterRatePerSecond),
		})
		// Failures are recorded on the account by ImportReport; the
		// scheduler retries on its own cadence.
		_ = imp.ImportReport(ctx)
	}
}

func runTrafficLoop(ctx context.Context, cfg *config.Config, processor *traffic.Processor, tasks *queue.Queue) {
	log := logging.L()
	for ctx.Err() == nil {
		task, ok, err := tasks.DequeueTraffic(ctx, cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("traffic dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		err = processor.Process(ctx, task.CloudAccountID, []traffic.Task{{
			StartDate: task.StartDate,
			EndDate:   task.EndDate,
		}})
		if err != nil {
			log.Error("traffic task failed",
				zap.String("cloud_account_id", task.CloudAccountID), zap.Error(err))
		}
	}
}
