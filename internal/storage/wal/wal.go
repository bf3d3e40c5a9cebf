package wal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WAL — файловый журнал загрузок.
// Сначала создаётся запись со статусом pending, затем пишется блоб
// и запись ссылки, затем транзакция коммитится или откатывается.
// При рестарте pending записи разбираются сервисом восстановления.
//
// Каждая транзакция пишется в свой файл и изменяется только
// владеющей ею загрузкой, общей блокировки нет.
type WAL struct {
	// dir — директория хранения WAL-файлов (VS_WAL_DIR)
	dir    string
	logger *slog.Logger
}

// New создаёт новый WAL. Проверяет и создаёт директорию
// если она не существует. Возвращает ошибку при проблемах с FS.
func New(dir string, logger *slog.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию WAL %s: %w", dir, err)
	}

	// Проверяем доступность на запись через temp файл
	testFile := filepath.Join(dir, ".wal_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return nil, fmt.Errorf("директория WAL %s недоступна для записи: %w", dir, err)
	}
	os.Remove(testFile)

	return &WAL{
		dir:    dir,
		logger: logger.With(slog.String("component", "wal")),
	}, nil
}

// StartTransaction создаёт запись со статусом pending для блоба blobRef.
func (w *WAL) StartTransaction(op OperationType, blobRef string) (*Entry, error) {
	entry := &Entry{
		TransactionID: uuid.New().String(),
		Operation:     op,
		Status:        StatusPending,
		BlobRef:       blobRef,
		StartedAt:     time.Now().UTC(),
	}

	if err := w.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось создать WAL-запись: %w", err)
	}

	w.logger.Debug("WAL транзакция начата",
		slog.String("tx_id", entry.TransactionID),
		slog.String("operation", string(entry.Operation)),
		slog.String("blob_ref", blobRef),
	)

	return entry, nil
}

// Commit помечает транзакцию завершённой и запоминает созданную ссылку.
func (w *WAL) Commit(txID, linkID string) error {
	entry, err := w.complete(txID, StatusCommitted, linkID)
	if err != nil {
		return err
	}

	w.logger.Debug("WAL транзакция завершена",
		slog.String("tx_id", txID),
		slog.String("link_id", linkID),
		slog.Duration("duration", entry.CompletedAt.Sub(entry.StartedAt)),
	)
	return nil
}

// Rollback помечает транзакцию отменённой.
func (w *WAL) Rollback(txID string) error {
	entry, err := w.complete(txID, StatusRolledBack, "")
	if err != nil {
		return err
	}

	w.logger.Debug("WAL транзакция отменена",
		slog.String("tx_id", txID),
		slog.String("blob_ref", entry.BlobRef),
	)
	return nil
}

// complete переводит pending транзакцию в конечный статус.
func (w *WAL) complete(txID string, status TransactionStatus, linkID string) (*Entry, error) {
	entry, err := w.readEntry(txID)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать WAL-запись %s: %w", txID, err)
	}

	if entry.Status != StatusPending {
		return nil, fmt.Errorf("WAL-запись %s имеет статус %s, ожидается %s", txID, entry.Status, StatusPending)
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.LinkID = linkID
	entry.CompletedAt = &now

	if err := w.writeEntry(entry); err != nil {
		return nil, fmt.Errorf("не удалось обновить WAL-запись %s: %w", txID, err)
	}
	return entry, nil
}

// RecoverPending возвращает все записи со статусом pending.
// Вызывается при старте, до приёма запросов.
func (w *WAL) RecoverPending() ([]*Entry, error) {
	entries, err := w.scan()
	if err != nil {
		return nil, err
	}

	var pending []*Entry
	for _, entry := range entries {
		if entry.Status != StatusPending {
			continue
		}
		pending = append(pending, entry)
		w.logger.Warn("Обнаружена незавершённая WAL-транзакция",
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("blob_ref", entry.BlobRef),
			slog.Time("started_at", entry.StartedAt),
		)
	}
	return pending, nil
}

// PendingBlobRefs возвращает ссылки на блобы, которые пишутся прямо сейчас.
// Сверка не трогает такие блобы.
func (w *WAL) PendingBlobRefs() (map[string]bool, error) {
	entries, err := w.scan()
	if err != nil {
		return nil, err
	}
	refs := make(map[string]bool)
	for _, entry := range entries {
		if entry.Status == StatusPending {
			refs[entry.BlobRef] = true
		}
	}
	return refs, nil
}

// GetTransaction читает WAL-запись по идентификатору транзакции.
func (w *WAL) GetTransaction(txID string) (*Entry, error) {
	return w.readEntry(txID)
}

// CleanCommitted удаляет все завершённые (committed/rolled_back) записи.
func (w *WAL) CleanCommitted() (int, error) {
	entries, err := w.scan()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.Status != StatusCommitted && entry.Status != StatusRolledBack {
			continue
		}
		path := filepath.Join(w.dir, walFileName(entry.TransactionID))
		if err := os.Remove(path); err != nil {
			w.logger.Warn("Не удалось удалить завершённую WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		w.logger.Info("Очистка WAL завершена",
			slog.Int("cleaned", cleaned),
		)
	}
	return cleaned, nil
}

// scan читает все записи директории. Нечитаемые файлы пропускаются.
func (w *WAL) scan() ([]*Entry, error) {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*.wal.json"))
	if err != nil {
		return nil, fmt.Errorf("не удалось сканировать директорию WAL: %w", err)
	}

	entries := make([]*Entry, 0, len(paths))
	for _, path := range paths {
		txID := strings.TrimSuffix(filepath.Base(path), ".wal.json")
		entry, err := w.readEntry(txID)
		if err != nil {
			w.logger.Warn("Не удалось прочитать WAL-запись",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// writeEntry атомарно записывает WAL-запись на диск.
// Паттерн: temp файл → fsync → atomic rename.
func (w *WAL) writeEntry(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации: %w", err)
	}

	targetPath := filepath.Join(w.dir, walFileName(entry.TransactionID))
	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// readEntry читает WAL-запись из файла.
func (w *WAL) readEntry(txID string) (*Entry, error) {
	path := filepath.Join(w.dir, walFileName(txID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("ошибка десериализации: %w", err)
	}

	return &entry, nil
}

// Dir возвращает путь к директории WAL.
func (w *WAL) Dir() string {
	return w.dir
}

// CheckReady проверяет, что директория WAL доступна на запись.
func (w *WAL) CheckReady() (status string, message string) {
	testFile := filepath.Join(w.dir, ".wal_ready_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return "fail", fmt.Sprintf("директория WAL недоступна для записи: %v", err)
	}
	os.Remove(testFile)
	return "ok", "директория WAL доступна"
}
