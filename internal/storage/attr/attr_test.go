package attr

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nay2017/VaultShare/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleRecord(id string) *model.LinkRecord {
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	return &model.LinkRecord{
		ID:             id,
		BlobRef:        "blob_20261016100000_" + id,
		OriginalName:   "отчёт.pdf",
		ContentType:    "application/pdf",
		SizeBytes:      1024,
		Checksum:       "abc",
		CredentialHash: "$2a$10$hash",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	rec := sampleRecord("11111111-1111-4111-8111-111111111111")
	path := FilePath(dir, rec.ID)

	if err := Write(path, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл должен отсутствовать после Write")
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.ID != rec.ID || got.BlobRef != rec.BlobRef || got.OriginalName != rec.OriginalName ||
		got.SizeBytes != rec.SizeBytes || got.CredentialHash != rec.CredentialHash {
		t.Errorf("прочитанная запись отличается:\nхотели %+v\nполучили %+v", rec, got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) || !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("время записи отличается: %v/%v", got.CreatedAt, got.ExpiresAt)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	dir := t.TempDir()
	rec := sampleRecord("22222222-2222-4222-8222-222222222222")
	path := FilePath(dir, rec.ID)
	Write(path, rec)

	if err := Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := Delete(path); err != nil {
		t.Errorf("повторный Delete должен вернуть nil: %v", err)
	}
}

func TestScanDir_SkipsCorrupted(t *testing.T) {
	dir := t.TempDir()
	rec := sampleRecord("33333333-3333-4333-8333-333333333333")
	Write(FilePath(dir, rec.ID), rec)
	os.WriteFile(filepath.Join(dir, "broken"+Suffix), []byte("{not json"), 0o640)
	os.WriteFile(filepath.Join(dir, "empty"+Suffix), []byte("{}"), 0o640)
	os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o640)

	recs, err := ScanDir(dir, testLogger())
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Errorf("ожидалась одна валидная запись, получено %d", len(recs))
	}
	if !IsRecordFile(FilePath(dir, rec.ID)) || IsRecordFile("x.json") {
		t.Error("IsRecordFile: неверное определение файла записи")
	}
}
