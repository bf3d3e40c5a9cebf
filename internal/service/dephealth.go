// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// VaultShare мониторит то, что включено в конфигурации:
//   - PostgreSQL — SQL checker через существующий pgxpool (хранилище postgres)
//   - S3 endpoint — HTTP checker (бэкенд s3 с явным endpoint)
//   - JWKS endpoint — HTTP checker (операторские эндпоинты)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками.
package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // регистрация HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoDependencies — в конфигурации нет внешних зависимостей для мониторинга.
var ErrNoDependencies = errors.New("нет зависимостей для мониторинга")

// DephealthTargets — внешние зависимости экземпляра.
// Пустые поля означают, что зависимость не используется.
type DephealthTargets struct {
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PgConnURL — URL PostgreSQL (для лейблов, не для подключения)
	PgConnURL string
	// S3Endpoint — URL S3-совместимого хранилища
	S3Endpoint string
	// S3HealthPath — путь health-эндпоинта S3
	S3HealthPath string
	// JWKSUrl — URL JWKS для операторских эндпоинтов
	JWKSUrl string
}

func (t DephealthTargets) empty() bool {
	return t.DB == nil && t.S3Endpoint == "" && t.JWKSUrl == ""
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (*DephealthService, error) {
	return newDephealthService(serviceID, group, targets, checkInterval, logger,
		dephealth.WithRegisterer(registerer))
}

func newDephealthService(
	serviceID string,
	group string,
	targets DephealthTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	extraOpts ...dephealth.Option,
) (*DephealthService, error) {
	if targets.empty() {
		return nil, ErrNoDependencies
	}

	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if targets.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(targets.DB)),
			dephealth.FromURL(targets.PgConnURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		))
	}

	if targets.S3Endpoint != "" {
		opts = append(opts, dephealth.HTTP("object-storage",
			httpDepOpts(targets.S3Endpoint, targets.S3HealthPath, checkInterval, true)...,
		))
	}

	if targets.JWKSUrl != "" {
		// Без JWKS недоступны только операторские эндпоинты.
		opts = append(opts, dephealth.HTTP("jwks",
			httpDepOpts(targets.JWKSUrl, "", checkInterval, false)...,
		))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(serviceID, group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// httpDepOpts собирает опции HTTP-зависимости.
func httpDepOpts(rawURL, healthPath string, interval time.Duration, critical bool) []dephealth.DependencyOption {
	opts := []dephealth.DependencyOption{
		dephealth.FromURL(rawURL),
		dephealth.CheckInterval(interval),
		dephealth.Critical(critical),
	}
	parsed, err := url.Parse(rawURL)
	// По умолчанию dephealth проверяет /health; для JWKS проверяется
	// путь самого JWKS URL.
	if healthPath == "" && err == nil && parsed.Path != "" {
		healthPath = parsed.Path
	}
	if healthPath != "" {
		opts = append(opts, dephealth.WithHTTPHealthPath(healthPath))
	}
	if err == nil && parsed.Scheme == "https" {
		opts = append(opts, dephealth.WithHTTPTLSSkipVerify(false))
	}
	return opts
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
