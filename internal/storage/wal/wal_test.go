package wal

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// testLogger возвращает логгер для тестов (вывод подавляется).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "wal"), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

// TestNew_CreatesDirectory проверяет, что New создаёт директорию WAL.
func TestNew_CreatesDirectory(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")

	w, err := New(walDir, testLogger())
	if err != nil {
		t.Fatalf("ожидалось успешное создание WAL, получена ошибка: %v", err)
	}
	if w.Dir() != walDir {
		t.Errorf("ожидался путь %s, получен %s", walDir, w.Dir())
	}
	info, err := os.Stat(walDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("директория WAL не создана: %v", err)
	}
	if status, _ := w.CheckReady(); status != "ok" {
		t.Errorf("CheckReady: ожидалось ok, получено %s", status)
	}
}

// TestTransactionLifecycle проверяет start → commit и содержимое файла.
func TestTransactionLifecycle(t *testing.T) {
	w := newTestWAL(t)

	entry, err := w.StartTransaction(OpUpload, "blob_1")
	if err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	if entry.Status != StatusPending || entry.BlobRef != "blob_1" {
		t.Errorf("неожиданная запись: %+v", entry)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), walFileName(entry.TransactionID)))
	if err != nil {
		t.Fatalf("WAL-файл не создан: %v", err)
	}
	var onDisk Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("WAL-файл не является валидным JSON: %v", err)
	}
	if onDisk.Operation != OpUpload {
		t.Errorf("Operation: хотели %s, получили %s", OpUpload, onDisk.Operation)
	}

	if err := w.Commit(entry.TransactionID, "link-1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	got, err := w.GetTransaction(entry.TransactionID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if got.Status != StatusCommitted || got.LinkID != "link-1" || got.CompletedAt == nil {
		t.Errorf("после Commit неожиданная запись: %+v", got)
	}

	if err := w.Rollback(entry.TransactionID); err == nil {
		t.Error("Rollback завершённой транзакции должен вернуть ошибку")
	}
}

// TestRecoverPendingAndClean проверяет восстановление и очистку.
func TestRecoverPendingAndClean(t *testing.T) {
	w := newTestWAL(t)

	committed, _ := w.StartTransaction(OpUpload, "blob_c")
	w.Commit(committed.TransactionID, "link-c")
	rolled, _ := w.StartTransaction(OpUpload, "blob_r")
	w.Rollback(rolled.TransactionID)
	pending, _ := w.StartTransaction(OpUpload, "blob_p")

	os.WriteFile(filepath.Join(w.Dir(), "broken.wal.json"), []byte("{"), 0o640)

	recovered, err := w.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(recovered) != 1 || recovered[0].TransactionID != pending.TransactionID {
		t.Fatalf("ожидалась одна pending транзакция, получено %d", len(recovered))
	}

	refs, err := w.PendingBlobRefs()
	if err != nil {
		t.Fatalf("PendingBlobRefs: %v", err)
	}
	if len(refs) != 1 || !refs["blob_p"] {
		t.Errorf("PendingBlobRefs: неожиданный результат %v", refs)
	}

	cleaned, err := w.CleanCommitted()
	if err != nil {
		t.Fatalf("CleanCommitted: %v", err)
	}
	if cleaned != 2 {
		t.Errorf("CleanCommitted: хотели 2, получили %d", cleaned)
	}
	if _, err := w.GetTransaction(pending.TransactionID); err != nil {
		t.Errorf("pending транзакция не должна удаляться: %v", err)
	}
}

// TestConcurrentTransactions проверяет независимость параллельных транзакций.
func TestConcurrentTransactions(t *testing.T) {
	w := newTestWAL(t)

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := w.StartTransaction(OpUpload, "blob")
			if err != nil {
				t.Errorf("StartTransaction: %v", err)
				return
			}
			if err := w.Commit(e.TransactionID, "link"); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	pending, _ := w.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("не должно остаться pending транзакций, найдено %d", len(pending))
	}
}
