// Точка входа VaultShare — сервиса временных ссылок на файлы.
// Загружает конфигурацию, открывает хранилища блобов и записей,
// восстанавливает незавершённые загрузки по журналу, запускает
// фоновую очистку и сверку, topologymetrics и HTTP-сервер
// с graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Nay2017/VaultShare/internal/api/handlers"
	"github.com/Nay2017/VaultShare/internal/api/middleware"
	"github.com/Nay2017/VaultShare/internal/config"
	"github.com/Nay2017/VaultShare/internal/database"
	"github.com/Nay2017/VaultShare/internal/repository"
	"github.com/Nay2017/VaultShare/internal/server"
	"github.com/Nay2017/VaultShare/internal/service"
	"github.com/Nay2017/VaultShare/internal/storage/blob"
	"github.com/Nay2017/VaultShare/internal/storage/filestore"
	"github.com/Nay2017/VaultShare/internal/storage/index"
	"github.com/Nay2017/VaultShare/internal/storage/s3store"
	"github.com/Nay2017/VaultShare/internal/storage/wal"
)

// Параметры JWKS-клиента операторских эндпоинтов.
const (
	jwksClientTimeout   = 10 * time.Second
	jwksRefreshInterval = 15 * time.Minute
	jwtLeeway           = 5 * time.Second
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("VaultShare запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("blob_backend", cfg.BlobBackend),
		slog.String("link_store", cfg.LinkStore),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Сервис завершился с ошибкой", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("VaultShare остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checks []handlers.NamedCheck
	deps := service.DephealthTargets{}

	// 3. Хранилище блобов
	blobs, blobCheck, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	checks = append(checks, handlers.NamedCheck{Name: "blobs", Checker: blobCheck})
	if cfg.BlobBackend == config.BlobBackendS3 && cfg.S3Endpoint != "" {
		deps.S3Endpoint = cfg.S3Endpoint
		deps.S3HealthPath = cfg.DephealthS3HealthPath
	}

	// 4. Хранилище записей ссылок
	var links service.LinkStore
	switch cfg.LinkStore {
	case config.LinkStorePostgres:
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			return fmt.Errorf("миграции БД: %w", err)
		}

		var pool *pgxpool.Pool
		pool, err = database.Connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		// Адаптер pgxpool → *sql.DB для topologymetrics: проверка идёт
		// через тот же пул соединений.
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()
		deps.DB = pgDB
		deps.PgConnURL = cfg.DatabaseDSN()

		links = repository.NewLinkRepository(pool)
		checks = append(checks, handlers.NamedCheck{Name: "links", Checker: database.NewReadinessChecker(pool)})

	default:
		idx, err := index.New(cfg.RecordsDir, logger)
		if err != nil {
			return fmt.Errorf("индекс записей: %w", err)
		}
		if err := idx.BuildFromDir(); err != nil {
			return fmt.Errorf("построение индекса записей: %w", err)
		}
		logger.Info("Индекс записей построен", slog.Int("links", idx.Count()))
		links = idx
		checks = append(checks, handlers.NamedCheck{Name: "links", Checker: idx})
	}

	// 5. Журнал загрузок и восстановление после сбоя
	journal, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return fmt.Errorf("WAL: %w", err)
	}
	checks = append(checks, handlers.NamedCheck{Name: "wal", Checker: journal})

	recovery, err := service.RecoverUploads(ctx, journal, blobs, links, logger)
	if err != nil {
		return fmt.Errorf("восстановление загрузок: %w", err)
	}
	if recovery.Committed+recovery.RolledBack+recovery.Errors > 0 {
		logger.Info("Незавершённые загрузки разобраны",
			slog.Int("committed", recovery.Committed),
			slog.Int("rolled_back", recovery.RolledBack),
			slog.Int("errors", recovery.Errors),
		)
	}

	// 6. Сервисный слой
	cache := service.NewRecordCache(cfg.CacheSize, cfg.CacheTTL)
	transfers := service.NewTransferService(blobs, links, journal, cache, service.TransferConfig{
		DefaultExpiryHours: cfg.DefaultExpiryHours,
		BcryptCost:         cfg.BcryptCost,
	}, logger)
	defer transfers.Wait()

	// 7. Фоновые задачи
	reaper := service.NewReaper(links, blobs, cache, cfg.ReaperInterval, cfg.ReaperBatchSize, logger)
	reaper.Start(ctx)
	defer reaper.Stop()

	reconciler := service.NewReconciler(blobs, links, journal, service.ReconcileConfig{
		Interval:          cfg.ReconcileInterval,
		OrphanGracePeriod: cfg.OrphanGracePeriod,
		StaleUploadAge:    cfg.StaleUploadAge,
	}, logger)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	// 8. Операторские эндпоинты (только при заданном JWKS)
	var (
		jwtAuth *middleware.JWTAuth
		admin   *handlers.AdminHandler
	)
	if cfg.JWKSUrl != "" {
		jwtAuth, err = middleware.NewJWTAuth(ctx, middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			ClientTimeout:   jwksClientTimeout,
			RefreshInterval: jwksRefreshInterval,
			JWTLeeway:       jwtLeeway,
		}, logger)
		if err != nil {
			return fmt.Errorf("JWT middleware: %w", err)
		}
		admin = handlers.NewAdminHandler(transfers, reaper, reconciler, logger)
		deps.JWKSUrl = cfg.JWKSUrl
		logger.Info("Операторские эндпоинты включены", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("VS_JWKS_URL не задан, операторские эндпоинты отключены")
	}

	// 9. topologymetrics
	dephealthSvc, err := service.NewDephealthService(
		cfg.ServiceID, cfg.DephealthGroup, deps, cfg.DephealthCheckInterval, logger,
	)
	switch {
	case errors.Is(err, service.ErrNoDependencies):
		logger.Info("Внешних зависимостей нет, topologymetrics не запускается")
	case err != nil:
		return fmt.Errorf("topologymetrics: %w", err)
	default:
		if err := dephealthSvc.Start(ctx); err != nil {
			return fmt.Errorf("запуск topologymetrics: %w", err)
		}
		defer dephealthSvc.Stop()
		checks = append(checks, handlers.NamedCheck{
			Name:    "dependencies",
			Checker: handlers.CheckFunc(func() (string, string) { return dependencyStatus(dephealthSvc.Health()) }),
		})
	}

	// 10. HTTP-сервер
	health := handlers.NewHealthHandler(checks...)
	logger.Info("Проверки готовности настроены", slog.Any("checks", health.CheckNames()))

	srv := server.New(cfg, logger, server.Handlers{
		Files:  handlers.NewFilesHandler(transfers, cfg.TransferIdleTimeout, logger),
		Admin:  admin,
		Health: health,
		Auth:   jwtAuth,
	})

	// 11. Запуск сервера (блокирующий вызов с graceful shutdown)
	return srv.Run()
}

// openBlobStore открывает хранилище блобов выбранного бэкенда
// и возвращает проверку его готовности.
func openBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (blob.Store, handlers.ReadinessChecker, error) {
	if cfg.BlobBackend == config.BlobBackendS3 {
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Prefix:       cfg.S3Prefix,
			PartSize:     cfg.S3PartSize,
			UsePathStyle: cfg.S3UsePathStyle,
			MaxSize:      cfg.MaxFileSize,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("S3: %w", err)
		}
		// Доступность S3 отслеживает topologymetrics.
		return store, handlers.CheckFunc(func() (string, string) { return "ok", "" }), nil
	}

	store, err := filestore.New(cfg.DataDir, cfg.MaxFileSize)
	if err != nil {
		return nil, nil, fmt.Errorf("файловое хранилище: %w", err)
	}
	return store, writableDirCheck(store.DataDir()), nil
}

// writableDirCheck проверяет доступность директории на запись.
func writableDirCheck(dir string) handlers.ReadinessChecker {
	return handlers.CheckFunc(func() (string, string) {
		testFile := filepath.Join(dir, ".health_check")
		if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
			return "fail", "Директория данных недоступна для записи: " + err.Error()
		}
		_ = os.Remove(testFile)
		return "ok", ""
	})
}

// dependencyStatus сводит состояние зависимостей topologymetrics
// к статусу readiness. Недоступная зависимость даёт degraded:
// критичные отказы уже видны в собственных проверках хранилищ.
func dependencyStatus(health map[string]bool) (string, string) {
	var down []string
	for name, ok := range health {
		if !ok {
			down = append(down, name)
		}
	}
	if len(down) == 0 {
		return "ok", ""
	}
	return "degraded", fmt.Sprintf("недоступны: %v", down)
}
