// Пакет index — файловое хранилище записей ссылок.
//
// Каждая запись лежит в своём *.link.json (пакет attr), а потокобезопасный
// in-memory индекс строится при старте (BuildFromDir) и обновляется
// синхронно при каждой записи на диск. Чтения обслуживаются из памяти.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nay2017/VaultShare/internal/domain/model"
	"github.com/Nay2017/VaultShare/internal/storage/attr"
)

// Index — записи ссылок в памяти поверх файлов записей.
// sync.RWMutex: конкурентное чтение, эксклюзивная запись.
type Index struct {
	mu     sync.RWMutex
	dir    string
	links  map[string]*model.LinkRecord // id → запись
	byBlob map[string]string            // blob_ref → id
	ready  bool
	logger *slog.Logger
}

// New создаёт пустой индекс над директорией записей.
// Для заполнения вызовите BuildFromDir.
func New(dir string, logger *slog.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию записей %s: %w", dir, err)
	}
	return &Index{
		dir:    dir,
		links:  make(map[string]*model.LinkRecord),
		byBlob: make(map[string]string),
		logger: logger.With(slog.String("component", "index")),
	}, nil
}

// BuildFromDir строит индекс из файлов записей. Заменяет текущее
// содержимое и помечает индекс готовым.
func (idx *Index) BuildFromDir() error {
	recs, err := attr.ScanDir(idx.dir, idx.logger)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.links = make(map[string]*model.LinkRecord, len(recs))
	idx.byBlob = make(map[string]string, len(recs))
	for _, rec := range recs {
		idx.links[rec.ID] = rec
		idx.byBlob[rec.BlobRef] = rec.ID
	}
	idx.ready = true

	idx.logger.Info("Индекс записей ссылок построен",
		slog.Int("links", len(idx.links)),
		slog.String("dir", idx.dir),
	)
	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// CheckReady реализует проверку готовности для /health/ready.
func (idx *Index) CheckReady() (status string, message string) {
	if !idx.IsReady() {
		return "fail", "индекс записей не построен"
	}
	return "ok", fmt.Sprintf("записей: %d", idx.Count())
}

// Put сохраняет новую запись. Существующий id даёт ErrDuplicateLinkID.
func (idx *Index) Put(_ context.Context, rec *model.LinkRecord) error {
	if _, err := uuid.Parse(rec.ID); err != nil {
		return fmt.Errorf("некорректный id записи %q: %w", rec.ID, err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.links[rec.ID]; ok {
		return model.ErrDuplicateLinkID
	}

	copied := rec.Clone()
	if err := attr.Write(attr.FilePath(idx.dir, rec.ID), copied); err != nil {
		return err
	}
	idx.links[rec.ID] = copied
	idx.byBlob[rec.BlobRef] = rec.ID
	return nil
}

// Get возвращает копию записи по id.
func (idx *Index) Get(_ context.Context, id string) (*model.LinkRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rec, ok := idx.links[id]
	if !ok {
		return nil, model.ErrLinkNotFound
	}
	return rec.Clone(), nil
}

// IncrementDownloads увеличивает счётчик скачиваний под эксклюзивной
// блокировкой и сохраняет запись. При ошибке записи счётчик в памяти
// возвращается к прежнему значению.
func (idx *Index) IncrementDownloads(_ context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.links[id]
	if !ok {
		return model.ErrLinkNotFound
	}

	rec.DownloadCount++
	if err := attr.Write(attr.FilePath(idx.dir, id), rec); err != nil {
		rec.DownloadCount--
		return err
	}
	return nil
}

// Delete удаляет запись с диска и из индекса.
func (idx *Index) Delete(_ context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.links[id]
	if !ok {
		return model.ErrLinkNotFound
	}
	if err := attr.Delete(attr.FilePath(idx.dir, id)); err != nil {
		return err
	}
	delete(idx.links, id)
	delete(idx.byBlob, rec.BlobRef)
	return nil
}

// ScanExpired возвращает до limit записей с ExpiresAt <= now,
// упорядоченных по времени истечения (0 — без ограничения).
func (idx *Index) ScanExpired(_ context.Context, now time.Time, limit int) ([]*model.LinkRecord, error) {
	idx.mu.RLock()
	var expired []*model.LinkRecord
	for _, rec := range idx.links {
		if !rec.IsVisible(now) {
			expired = append(expired, rec.Clone())
		}
	}
	idx.mu.RUnlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// ReferencesBlob сообщает, ссылается ли какая-либо запись на блоб.
func (idx *Index) ReferencesBlob(_ context.Context, ref string) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byBlob[ref]
	return ok, nil
}

// Count возвращает общее количество записей.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.links)
}
