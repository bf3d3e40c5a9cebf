// reconcile.go — фоновая сверка блобов с записями ссылок.
//
// Сверка находит и удаляет:
//   - stale_upload: незавершённая запись старше VS_STALE_UPLOAD_AGE
//   - orphaned_blob: блоб, на который не ссылается ни одна запись,
//     старше VS_ORPHAN_GRACE_PERIOD
//
// Блобы активных загрузок (pending в WAL) пропускаются.
// После сверки из WAL удаляются завершённые транзакции.
//
// Запускается как горутина с периодическим тикером (VS_RECONCILE_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Nay2017/VaultShare/internal/storage/blob"
	"github.com/Nay2017/VaultShare/internal/storage/wal"
)

// Типы проблем, обнаруживаемых сверкой.
const (
	IssueStaleUpload  = "stale_upload"
	IssueOrphanedBlob = "orphaned_blob"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vs_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vs_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vs_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// ReconcileIssue — одна найденная проблема.
type ReconcileIssue struct {
	Type    string `json:"type"`
	BlobRef string `json:"blob_ref"`
	Size    int64  `json:"size"`
	// Removed — блоб удалён
	Removed bool `json:"removed"`
}

// ReconcileResult — результат одного запуска сверки.
type ReconcileResult struct {
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
	BlobsChecked int              `json:"blobs_checked"`
	Issues       []ReconcileIssue `json:"issues"`
	// WALCleaned — удалено завершённых WAL-записей
	WALCleaned int `json:"wal_cleaned"`
	Errors     int `json:"errors"`
}

// ReconcileConfig — пороги сверки.
type ReconcileConfig struct {
	Interval          time.Duration
	OrphanGracePeriod time.Duration
	StaleUploadAge    time.Duration
}

// Reconciler — сервис сверки блобов и записей.
type Reconciler struct {
	blobs   blob.Store
	links   LinkStore
	journal *wal.WAL
	cfg     ReconcileConfig
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool       // сверка в процессе выполнения
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconciler создаёт сервис сверки.
func NewReconciler(
	blobs blob.Store,
	links LinkStore,
	journal *wal.WAL,
	cfg ReconcileConfig,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		blobs:   blobs,
		links:   links,
		journal: journal,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "reconcile")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник текущего времени.
func (rc *Reconciler) SetClock(now func() time.Time) {
	rc.now = now
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rc *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rc.cancel = cancel
	rc.done = make(chan struct{})

	go rc.run(runCtx)

	rc.logger.Info("Сверка запущена",
		slog.String("interval", rc.cfg.Interval.String()),
	)
}

// Stop останавливает фоновую сверку.
func (rc *Reconciler) Stop() {
	if rc.cancel == nil {
		return
	}
	rc.cancel()
	<-rc.done
	rc.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rc *Reconciler) IsInProgress() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.inProcess
}

func (rc *Reconciler) run(ctx context.Context) {
	defer close(rc.done)

	ticker := time.NewTicker(rc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rc *Reconciler) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rc.mu.Lock()
	if rc.inProcess {
		rc.mu.Unlock()
		rc.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rc.inProcess = true
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		rc.inProcess = false
		rc.mu.Unlock()
	}()

	result := &ReconcileResult{StartedAt: rc.now(), Issues: []ReconcileIssue{}}
	rc.reconcile(ctx, result)

	cleaned, err := rc.journal.CleanCommitted()
	if err != nil {
		rc.logger.Error("Ошибка очистки WAL", slog.String("error", err.Error()))
		result.Errors++
	}
	result.WALCleaned = cleaned
	result.CompletedAt = rc.now()

	duration := result.CompletedAt.Sub(result.StartedAt)
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range result.Issues {
		reconcileIssuesTotal.WithLabelValues(issue.Type).Inc()
	}

	rc.logger.Info("Сверка завершена",
		slog.Int("blobs_checked", result.BlobsChecked),
		slog.Int("issues", len(result.Issues)),
		slog.Int("wal_cleaned", result.WALCleaned),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", duration),
	)

	return result, false
}

// reconcile сверяет список блобов с записями ссылок.
func (rc *Reconciler) reconcile(ctx context.Context, result *ReconcileResult) {
	// Блобы активных загрузок ещё не имеют записи, трогать их нельзя.
	// Список читается до списка блобов: загрузка, начатая позже,
	// ещё не успеет зафиксировать блоб старше порога.
	pending, err := rc.journal.PendingBlobRefs()
	if err != nil {
		rc.logger.Error("Ошибка чтения WAL", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	infos, err := rc.blobs.List(ctx)
	if err != nil {
		rc.logger.Error("Ошибка получения списка блобов", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	now := rc.now()
	for _, info := range infos {
		if ctx.Err() != nil {
			return
		}
		result.BlobsChecked++

		if pending[info.Ref] {
			continue
		}

		age := now.Sub(info.ModTime)
		if info.Partial {
			if age < rc.cfg.StaleUploadAge {
				continue
			}
			rc.remove(ctx, IssueStaleUpload, info, result)
			continue
		}

		if age < rc.cfg.OrphanGracePeriod {
			continue
		}
		referenced, err := rc.links.ReferencesBlob(ctx, info.Ref)
		if err != nil {
			rc.logger.Warn("Ошибка проверки ссылок на блоб",
				slog.String("blob_ref", info.Ref),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		if !referenced {
			rc.remove(ctx, IssueOrphanedBlob, info, result)
		}
	}
}

// remove удаляет блоб и фиксирует проблему в результате.
func (rc *Reconciler) remove(ctx context.Context, issueType string, info blob.Info, result *ReconcileResult) {
	issue := ReconcileIssue{Type: issueType, BlobRef: info.Ref, Size: info.Size}
	if err := rc.blobs.Delete(ctx, info.Ref); err != nil {
		rc.logger.Error("Ошибка удаления блоба при сверке",
			slog.String("type", issueType),
			slog.String("blob_ref", info.Ref),
			slog.String("error", err.Error()),
		)
		result.Errors++
	} else {
		issue.Removed = true
		rc.logger.Info("Блоб удалён при сверке",
			slog.String("type", issueType),
			slog.String("blob_ref", info.Ref),
			slog.Int64("size", info.Size),
		)
	}
	result.Issues = append(result.Issues, issue)
}
