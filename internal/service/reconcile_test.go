package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Nay2017/VaultShare/internal/storage/blob"
	"github.com/Nay2017/VaultShare/internal/storage/wal"
)

// newTestReconciler создаёт сверку поверх окружения с часами at.
func newTestReconciler(env *transferEnv, at time.Time) *Reconciler {
	rc := NewReconciler(env.store, env.idx, env.journal, ReconcileConfig{
		Interval:          time.Hour,
		OrphanGracePeriod: time.Hour,
		StaleUploadAge:    24 * time.Hour,
	}, testLogger())
	rc.SetClock(func() time.Time { return at })
	return rc
}

// writeBlob записывает зафиксированный блоб без записи ссылки.
func writeBlob(t *testing.T, store blob.Store, data []byte) string {
	t.Helper()
	w, err := store.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	res, err := w.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return res.Ref
}

func blobExists(t *testing.T, store blob.Store, ref string) bool {
	t.Helper()
	r, err := store.Open(context.Background(), ref)
	if errors.Is(err, blob.ErrNotFound) {
		return false
	}
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = io.Copy(io.Discard, r)
	r.Close()
	return true
}

func TestReconcile_RemovesOrphanAfterGracePeriod(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	linked := env.upload(t, payload(10), hours(168), "")
	orphan := writeBlob(t, env.store, payload(20))

	// Сразу после записи сирота моложе порога и не трогается.
	rc := newTestReconciler(env, time.Now())
	result, skipped := rc.RunOnce(context.Background())
	if skipped {
		t.Fatal("сверка не должна пропускаться")
	}
	if len(result.Issues) != 0 {
		t.Errorf("молодой блоб не должен считаться сиротой: %+v", result.Issues)
	}

	rc = newTestReconciler(env, time.Now().Add(2*time.Hour))
	result, _ = rc.RunOnce(context.Background())
	if result.BlobsChecked != 2 {
		t.Errorf("BlobsChecked: хотели 2, получили %d", result.BlobsChecked)
	}
	if len(result.Issues) != 1 || result.Issues[0].Type != IssueOrphanedBlob ||
		result.Issues[0].BlobRef != orphan || !result.Issues[0].Removed {
		t.Fatalf("неожиданные проблемы: %+v", result.Issues)
	}

	if blobExists(t, env.store, orphan) {
		t.Error("сирота должна быть удалена")
	}
	if !blobExists(t, env.store, linked.BlobRef) {
		t.Error("блоб живой ссылки удалён")
	}
}

func TestReconcile_StaleUploadAndPending(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)

	// Незавершённая запись без WAL: брошенная загрузка.
	stale, err := env.store.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _ = stale.Write(payload(10))

	// Незавершённая запись с pending WAL: идущая загрузка.
	active, err := env.store.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _ = active.Write(payload(10))
	if _, err := env.journal.StartTransaction(wal.OpUpload, active.Ref()); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}

	rc := newTestReconciler(env, time.Now().Add(48*time.Hour))
	result, _ := rc.RunOnce(context.Background())

	if len(result.Issues) != 1 || result.Issues[0].Type != IssueStaleUpload || result.Issues[0].BlobRef != stale.Ref() {
		t.Fatalf("неожиданные проблемы: %+v", result.Issues)
	}

	infos, _ := env.store.List(context.Background())
	if len(infos) != 1 || infos[0].Ref != active.Ref() {
		t.Errorf("должна остаться только активная загрузка: %+v", infos)
	}
	_ = active.Abort(context.Background())
}

func TestReconcile_CleansCommittedWAL(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	env.upload(t, payload(10), hours(1), "")
	env.upload(t, payload(10), hours(1), "")

	rc := newTestReconciler(env, time.Now())
	result, _ := rc.RunOnce(context.Background())
	if result.WALCleaned != 2 {
		t.Errorf("WALCleaned: хотели 2, получили %d", result.WALCleaned)
	}
}

func TestReconcile_SkipWhenInProgress(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	rc := newTestReconciler(env, time.Now())

	rc.mu.Lock()
	rc.inProcess = true
	rc.mu.Unlock()

	if !rc.IsInProgress() {
		t.Error("IsInProgress: ожидалось true")
	}
	result, skipped := rc.RunOnce(context.Background())
	if !skipped || result != nil {
		t.Errorf("ожидался пропуск, получено skipped=%v result=%+v", skipped, result)
	}
}
