// Пакет config — загрузка и валидация конфигурации VaultShare
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды хранилища блобов.
const (
	BlobBackendFile = "file"
	BlobBackendS3   = "s3"
)

// Бэкенды хранилища записей ссылок.
const (
	LinkStoreFile     = "file"
	LinkStorePostgres = "postgres"
)

// Config содержит все параметры конфигурации VaultShare.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Идентификатор экземпляра сервиса (для topologymetrics)
	ServiceID string

	// Бэкенд блобов: file или s3
	BlobBackend string
	// Директория блобов (бэкенд file)
	DataDir string
	// Параметры S3 (бэкенд s3)
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3Prefix       string
	S3PartSize     int64
	S3UsePathStyle bool

	// Хранилище записей ссылок: file или postgres
	LinkStore string
	// Директория JSON-записей ссылок (хранилище file)
	RecordsDir string
	// Параметры PostgreSQL (хранилище postgres)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Директория журнала загрузок
	WALDir string

	// Максимальный размер файла в байтах
	MaxFileSize int64
	// Срок жизни ссылки по умолчанию, если клиент его не передал
	DefaultExpiryHours int
	// Стоимость bcrypt для хеша пароля
	BcryptCost int

	// Интервал и размер пачки очистки истёкших ссылок
	ReaperInterval  time.Duration
	ReaperBatchSize int
	// Интервал сверки блобов и записей
	ReconcileInterval time.Duration
	// Минимальный возраст блоба без записи, после которого он считается сиротой
	OrphanGracePeriod time.Duration
	// Возраст незавершённой загрузки, после которого её временный файл удаляется
	StaleUploadAge time.Duration

	// Кэш метаданных ссылок
	CacheSize int
	CacheTTL  time.Duration

	// Максимальное время простоя чтения/записи одной передачи
	TransferIdleTimeout time.Duration
	// Таймауты HTTP-сервера (0: без ограничения)
	HTTPReadHeaderTimeout time.Duration
	HTTPReadTimeout       time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration

	// Путь к TLS сертификату и ключу (опционально, оба или ни одного)
	TLSCert string
	TLSKey  string

	// URL JWKS для операторских эндпоинтов (опционально)
	JWKSUrl string
	// Разрешённые источники CORS
	CORSAllowedOrigins []string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Путь health-эндпоинта S3 для проверки доступности
	DephealthS3HealthPath string
}

// s3MaxParts — предел числа частей одного multipart upload в S3.
const s3MaxParts = 10000

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// VS_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("VS_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("VS_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("VS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.ServiceID = getEnvDefault("VS_SERVICE_ID", "vaultshare")

	// VS_BLOB_BACKEND — file (по умолчанию) или s3
	cfg.BlobBackend = getEnvDefault("VS_BLOB_BACKEND", BlobBackendFile)
	switch cfg.BlobBackend {
	case BlobBackendFile:
		cfg.DataDir = getEnvDefault("VS_DATA_DIR", "/data/blobs")
	case BlobBackendS3:
		if err := loadS3(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("VS_BLOB_BACKEND: недопустимое значение %q, допустимые: file, s3", cfg.BlobBackend)
	}

	// VS_LINK_STORE — file (по умолчанию) или postgres
	cfg.LinkStore = getEnvDefault("VS_LINK_STORE", LinkStoreFile)
	switch cfg.LinkStore {
	case LinkStoreFile:
		cfg.RecordsDir = getEnvDefault("VS_RECORDS_DIR", "/data/links")
	case LinkStorePostgres:
		if err := loadDB(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("VS_LINK_STORE: недопустимое значение %q, допустимые: file, postgres", cfg.LinkStore)
	}

	cfg.WALDir = getEnvDefault("VS_WAL_DIR", "/data/wal")

	// VS_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 16 GiB)
	cfg.MaxFileSize, err = getEnvInt64("VS_MAX_FILE_SIZE", 16<<30)
	if err != nil {
		return nil, fmt.Errorf("VS_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("VS_MAX_FILE_SIZE: значение должно быть положительным")
	}
	// Файл предельного размера должен уложиться в лимит частей S3
	if cfg.BlobBackend == BlobBackendS3 && cfg.S3PartSize*s3MaxParts < cfg.MaxFileSize {
		return nil, fmt.Errorf("VS_S3_PART_SIZE: %d байт * %d частей меньше VS_MAX_FILE_SIZE %d",
			cfg.S3PartSize, s3MaxParts, cfg.MaxFileSize)
	}

	cfg.DefaultExpiryHours, err = getEnvInt("VS_DEFAULT_EXPIRY_HOURS", 24)
	if err != nil {
		return nil, fmt.Errorf("VS_DEFAULT_EXPIRY_HOURS: %w", err)
	}
	if !allowedExpiryHours(cfg.DefaultExpiryHours) {
		return nil, fmt.Errorf("VS_DEFAULT_EXPIRY_HOURS: недопустимое значение %d, допустимые: 1, 24, 72, 168", cfg.DefaultExpiryHours)
	}

	// VS_BCRYPT_COST — стоимость bcrypt (4-31, по умолчанию 10)
	cfg.BcryptCost, err = getEnvInt("VS_BCRYPT_COST", 10)
	if err != nil {
		return nil, fmt.Errorf("VS_BCRYPT_COST: %w", err)
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, fmt.Errorf("VS_BCRYPT_COST: значение %d вне диапазона 4-31", cfg.BcryptCost)
	}

	cfg.ReaperInterval, err = getEnvDuration("VS_REAPER_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("VS_REAPER_INTERVAL: %w", err)
	}
	cfg.ReaperBatchSize, err = getEnvInt("VS_REAPER_BATCH_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("VS_REAPER_BATCH_SIZE: %w", err)
	}
	if cfg.ReaperBatchSize <= 0 {
		return nil, fmt.Errorf("VS_REAPER_BATCH_SIZE: значение должно быть положительным")
	}

	cfg.ReconcileInterval, err = getEnvDuration("VS_RECONCILE_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("VS_RECONCILE_INTERVAL: %w", err)
	}
	cfg.OrphanGracePeriod, err = getEnvDuration("VS_ORPHAN_GRACE_PERIOD", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("VS_ORPHAN_GRACE_PERIOD: %w", err)
	}
	cfg.StaleUploadAge, err = getEnvDuration("VS_STALE_UPLOAD_AGE", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("VS_STALE_UPLOAD_AGE: %w", err)
	}

	cfg.CacheSize, err = getEnvInt("VS_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("VS_CACHE_SIZE: %w", err)
	}
	cfg.CacheTTL, err = getEnvDuration("VS_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VS_CACHE_TTL: %w", err)
	}

	// Длинные передачи не ограничиваются общим дедлайном: контролируется
	// только простой между чанками.
	cfg.TransferIdleTimeout, err = getEnvDuration("VS_TRANSFER_IDLE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("VS_TRANSFER_IDLE_TIMEOUT: %w", err)
	}
	cfg.HTTPReadHeaderTimeout, err = getEnvDuration("VS_HTTP_READ_HEADER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VS_HTTP_READ_HEADER_TIMEOUT: %w", err)
	}
	cfg.HTTPReadTimeout, err = getEnvDuration("VS_HTTP_READ_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("VS_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("VS_HTTP_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("VS_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("VS_HTTP_IDLE_TIMEOUT", 2*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("VS_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("VS_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VS_SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.TLSCert = getEnvDefault("VS_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("VS_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("VS_TLS_CERT и VS_TLS_KEY должны задаваться вместе")
	}

	cfg.JWKSUrl = getEnvDefault("VS_JWKS_URL", "")
	cfg.CORSAllowedOrigins = parseCSV(getEnvDefault("VS_CORS_ALLOWED_ORIGINS", "*"))

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("VS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("VS_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("VS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("VS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("VS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("VS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("VS_DEPHEALTH_GROUP", "vaultshare")
	cfg.DephealthS3HealthPath = getEnvDefault("VS_DEPHEALTH_S3_HEALTH_PATH", "/minio/health/live")

	return cfg, nil
}

// loadS3 читает параметры S3-бэкенда.
func loadS3(cfg *Config) error {
	var err error
	cfg.S3Bucket, err = getEnvRequired("VS_S3_BUCKET")
	if err != nil {
		return err
	}
	cfg.S3Region = getEnvDefault("VS_S3_REGION", "us-east-1")
	cfg.S3Endpoint = getEnvDefault("VS_S3_ENDPOINT", "")
	cfg.S3AccessKey = getEnvDefault("VS_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("VS_S3_SECRET_KEY", "")
	if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return fmt.Errorf("VS_S3_ACCESS_KEY и VS_S3_SECRET_KEY должны задаваться вместе")
	}
	cfg.S3Prefix = strings.Trim(getEnvDefault("VS_S3_PREFIX", "blobs"), "/")

	// Минимальный размер части multipart upload в S3: 5 MiB
	cfg.S3PartSize, err = getEnvInt64("VS_S3_PART_SIZE", 16<<20)
	if err != nil {
		return fmt.Errorf("VS_S3_PART_SIZE: %w", err)
	}
	if cfg.S3PartSize < 5<<20 {
		return fmt.Errorf("VS_S3_PART_SIZE: значение %d меньше минимального 5 MiB", cfg.S3PartSize)
	}

	cfg.S3UsePathStyle, err = getEnvBool("VS_S3_USE_PATH_STYLE", cfg.S3Endpoint != "")
	if err != nil {
		return fmt.Errorf("VS_S3_USE_PATH_STYLE: %w", err)
	}
	return nil
}

// loadDB читает параметры подключения к PostgreSQL.
func loadDB(cfg *Config) error {
	var err error
	cfg.DBHost, err = getEnvRequired("VS_DB_HOST")
	if err != nil {
		return err
	}
	cfg.DBPort, err = getEnvInt("VS_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("VS_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("VS_DB_NAME")
	if err != nil {
		return err
	}
	cfg.DBUser, err = getEnvRequired("VS_DB_USER")
	if err != nil {
		return err
	}
	cfg.DBPassword, err = getEnvRequired("VS_DB_PASSWORD")
	if err != nil {
		return err
	}
	cfg.DBSSLMode = getEnvDefault("VS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("VS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// MigrateURL возвращает URL для golang-migrate (схема pgx5).
func (c *Config) MigrateURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// allowedExpiryHours дублирует model.AllowedExpiryHours, чтобы config
// не зависел от доменного пакета.
func allowedExpiryHours(h int) bool {
	switch h {
	case 1, 24, 72, 168:
		return true
	}
	return false
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает bool значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
