// reaper.go — фоновая очистка истёкших ссылок.
//
// Для каждой записи с expiresAt <= now:
//  1. Удаляет запись ссылки (ссылка сразу перестаёт открываться)
//  2. Удаляет блоб
//
// Если блоб удалить не удалось, он остаётся сиротой и удаляется
// следующей сверкой. Запись при этом обратно не создаётся.
//
// Запускается как горутина с периодическим тикером (VS_REAPER_INTERVAL).
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nay2017/VaultShare/internal/domain/model"
	"github.com/Nay2017/VaultShare/internal/storage/blob"
)

// Prometheus метрики очистки
var (
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_reaper_runs_total",
		Help: "Общее количество запусков очистки истёкших ссылок",
	})

	reaperLinksExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_reaper_links_expired_total",
		Help: "Общее количество удалённых истёкших ссылок",
	})

	reaperOrphansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_reaper_orphans_total",
		Help: "Количество блобов, которые не удалось удалить вместе со ссылкой",
	})

	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vs_reaper_duration_seconds",
		Help:    "Длительность очистки истёкших ссылок в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReaperResult — результат одного запуска очистки.
type ReaperResult struct {
	// Expired — количество удалённых записей ссылок
	Expired int `json:"expired"`
	// BlobsDeleted — количество удалённых блобов
	BlobsDeleted int `json:"blobs_deleted"`
	// Orphaned — блобы, оставшиеся без записи из-за ошибки удаления
	Orphaned int `json:"orphaned"`
	// Errors — ошибки при удалении записей
	Errors int `json:"errors"`
	// Duration — длительность выполнения
	Duration time.Duration `json:"duration_ns"`
}

// Reaper — сервис очистки истёкших ссылок.
type Reaper struct {
	links     LinkStore
	blobs     blob.Store
	cache     *RecordCache
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper создаёт сервис очистки. cache может быть nil.
func NewReaper(
	links LinkStore,
	blobs blob.Store,
	cache *RecordCache,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		links:     links,
		blobs:     blobs,
		cache:     cache,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "reaper")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник текущего времени.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Start запускает фоновую горутину с периодическим тикером.
func (r *Reaper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx)

	r.logger.Info("Очистка истёкших ссылок запущена",
		slog.String("interval", r.interval.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения текущего прохода.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Очистка истёкших ссылок остановлена")
}

// run — основной цикл фоновой горутины.
func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	// Первый запуск — сразу после старта
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки, выбирая истёкшие записи
// пачками по batchSize, пока они не закончатся.
// Потокобезопасен: параллельные вызовы выполняются по очереди.
func (r *Reaper) RunOnce(ctx context.Context) *ReaperResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	result := &ReaperResult{}
	now := r.now()

	for ctx.Err() == nil {
		batch, err := r.links.ScanExpired(ctx, now, r.batchSize)
		if err != nil {
			r.logger.Error("Ошибка поиска истёкших ссылок",
				slog.String("error", err.Error()),
			)
			result.Errors++
			break
		}
		if len(batch) == 0 {
			break
		}

		removed := 0
		for _, rec := range batch {
			if ctx.Err() != nil {
				break
			}
			if r.reap(ctx, rec, result) {
				removed++
			}
		}

		// Ни одна запись пачки не удалена: следующая выборка вернёт
		// те же записи.
		if removed == 0 || r.batchSize <= 0 || len(batch) < r.batchSize {
			break
		}
	}

	result.Duration = time.Since(start)

	reaperRunsTotal.Inc()
	reaperLinksExpiredTotal.Add(float64(result.Expired))
	reaperOrphansTotal.Add(float64(result.Orphaned))
	reaperDurationSeconds.Observe(result.Duration.Seconds())

	level := slog.LevelDebug
	if result.Expired > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	r.logger.Log(ctx, level, "Очистка истёкших ссылок завершена",
		slog.Int("expired", result.Expired),
		slog.Int("blobs_deleted", result.BlobsDeleted),
		slog.Int("orphaned", result.Orphaned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// reap удаляет одну истёкшую ссылку: сначала запись, затем блоб.
// Возвращает true, если запись удалена.
func (r *Reaper) reap(ctx context.Context, rec *model.LinkRecord, result *ReaperResult) bool {
	if err := r.links.Delete(ctx, rec.ID); err != nil && !errors.Is(err, model.ErrLinkNotFound) {
		r.logger.Error("Ошибка удаления истёкшей ссылки",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
		result.Errors++
		return false
	}
	if r.cache != nil {
		r.cache.Delete(rec.ID)
	}
	result.Expired++

	if err := r.blobs.Delete(ctx, rec.BlobRef); err != nil {
		r.logger.Warn("Блоб истёкшей ссылки не удалён, остаётся сиротой",
			slog.String("file_id", rec.ID),
			slog.String("blob_ref", rec.BlobRef),
			slog.String("error", err.Error()),
		)
		result.Orphaned++
		return true
	}
	result.BlobsDeleted++

	r.logger.Debug("Истёкшая ссылка удалена",
		slog.String("file_id", rec.ID),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return true
}
