package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Nay2017/VaultShare/internal/database"
	"github.com/Nay2017/VaultShare/internal/domain/model"
)

// --- Модульные тесты без базы ---

func TestIsNotFound(t *testing.T) {
	if !isNotFound(pgx.ErrNoRows) {
		t.Error("pgx.ErrNoRows должна считаться отсутствием записи")
	}
	if !isNotFound(fmt.Errorf("обёртка: %w", &pgconn.PgError{Code: pgerrcode.InvalidTextRepresentation})) {
		t.Error("некорректный UUID должен считаться отсутствием записи")
	}
	if isNotFound(&pgconn.PgError{Code: pgerrcode.UniqueViolation}) {
		t.Error("нарушение уникальности не является отсутствием записи")
	}
	if isNotFound(errors.New("сеть")) {
		t.Error("произвольная ошибка не является отсутствием записи")
	}
}

func TestNullableString(t *testing.T) {
	if nullableString("") != nil {
		t.Error("пустая строка должна давать NULL")
	}
	if p := nullableString("x"); p == nil || *p != "x" {
		t.Error("непустая строка должна сохраняться")
	}
}

// --- Интеграционные тесты (testcontainers) ---

// setupTestPool запускает PostgreSQL, применяет миграции и возвращает пул.
func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("vaultshare_test"),
		postgres.WithUsername("vaultshare"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Не удалось получить строку подключения: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	// postgres://... → pgx5://... для golang-migrate
	if err := database.MigrateURL("pgx5"+connStr[len("postgres"):], logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("Ошибка создания пула: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newRecord(expiresAt time.Time, credentialHash string) *model.LinkRecord {
	id := uuid.NewString()
	return &model.LinkRecord{
		ID:             id,
		BlobRef:        "blob_" + id,
		OriginalName:   "архив.zip",
		ContentType:    "application/zip",
		SizeBytes:      2048,
		Checksum:       "deadbeef",
		CredentialHash: credentialHash,
		CreatedAt:      expiresAt.Add(-time.Hour).UTC().Truncate(time.Microsecond),
		ExpiresAt:      expiresAt.UTC().Truncate(time.Microsecond),
	}
}

func TestLinkRepository_CRUD(t *testing.T) {
	pool := setupTestPool(t)
	repo := NewLinkRepository(pool)
	ctx := context.Background()

	rec := newRecord(time.Now().Add(time.Hour), "$2a$10$hash")
	if err := repo.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := repo.Put(ctx, rec); !errors.Is(err, model.ErrDuplicateLinkID) {
		t.Errorf("повторный Put: ожидалась ErrDuplicateLinkID, получено %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BlobRef != rec.BlobRef || got.CredentialHash != rec.CredentialHash || got.SizeBytes != rec.SizeBytes {
		t.Errorf("Get: неожиданная запись %+v", got)
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("ExpiresAt: хотели %v, получили %v", rec.ExpiresAt, got.ExpiresAt)
	}

	open := newRecord(time.Now().Add(time.Hour), "")
	repo.Put(ctx, open)
	gotOpen, _ := repo.Get(ctx, open.ID)
	if gotOpen.HasCredential() {
		t.Error("запись без пароля не должна требовать пароль после чтения")
	}

	if _, err := repo.Get(ctx, "not-a-uuid"); !errors.Is(err, model.ErrLinkNotFound) {
		t.Errorf("Get с некорректным id: ожидалась ErrLinkNotFound, получено %v", err)
	}

	ok, err := repo.ReferencesBlob(ctx, rec.BlobRef)
	if err != nil || !ok {
		t.Errorf("ReferencesBlob: ожидалось true, получено %v, %v", ok, err)
	}

	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, rec.ID); !errors.Is(err, model.ErrLinkNotFound) {
		t.Errorf("повторный Delete: ожидалась ErrLinkNotFound, получено %v", err)
	}
	if _, err := repo.Get(ctx, rec.ID); !errors.Is(err, model.ErrLinkNotFound) {
		t.Errorf("Get после Delete: ожидалась ErrLinkNotFound, получено %v", err)
	}
}

func TestLinkRepository_ConcurrentIncrements(t *testing.T) {
	pool := setupTestPool(t)
	repo := NewLinkRepository(pool)
	ctx := context.Background()

	rec := newRecord(time.Now().Add(time.Hour), "")
	repo.Put(ctx, rec)

	const n = 40
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.IncrementDownloads(ctx, rec.ID); err != nil {
				t.Errorf("IncrementDownloads: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := repo.Get(ctx, rec.ID)
	if got.DownloadCount != n {
		t.Errorf("DownloadCount: хотели %d, получили %d", n, got.DownloadCount)
	}
	if err := repo.IncrementDownloads(ctx, uuid.NewString()); !errors.Is(err, model.ErrLinkNotFound) {
		t.Errorf("IncrementDownloads несуществующей: ожидалась ErrLinkNotFound, получено %v", err)
	}
}

func TestLinkRepository_ScanExpired(t *testing.T) {
	pool := setupTestPool(t)
	repo := NewLinkRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	old := newRecord(now.Add(-2*time.Hour), "")
	recent := newRecord(now.Add(-time.Minute), "")
	alive := newRecord(now.Add(time.Hour), "")
	for _, r := range []*model.LinkRecord{recent, alive, old} {
		if err := repo.Put(ctx, r); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	expired, err := repo.ScanExpired(ctx, now, 0)
	if err != nil {
		t.Fatalf("ScanExpired: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != old.ID || expired[1].ID != recent.ID {
		t.Errorf("ожидались [old, recent], получено %d записей", len(expired))
	}

	limited, _ := repo.ScanExpired(ctx, now, 1)
	if len(limited) != 1 {
		t.Errorf("limit=1: получено %d", len(limited))
	}
}
