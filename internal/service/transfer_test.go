package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Nay2017/VaultShare/internal/domain/model"
	"github.com/Nay2017/VaultShare/internal/storage/filestore"
	"github.com/Nay2017/VaultShare/internal/storage/index"
	"github.com/Nay2017/VaultShare/internal/storage/wal"
)

// transferEnv — тестовое окружение на файловых хранилищах.
type transferEnv struct {
	svc     *TransferService
	store   *filestore.FileStore
	idx     *index.Index
	journal *wal.WAL
	cache   *RecordCache
	now     time.Time
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupTransferEnv создаёт сервис передачи с потолком maxSize байт.
func setupTransferEnv(t *testing.T, maxSize int64) *transferEnv {
	t.Helper()

	dir := t.TempDir()
	logger := testLogger()

	store, err := filestore.New(filepath.Join(dir, "blobs"), maxSize)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	idx, err := index.New(filepath.Join(dir, "links"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания индекса: %v", err)
	}
	if err := idx.BuildFromDir(); err != nil {
		t.Fatalf("Ошибка построения индекса: %v", err)
	}
	journal, err := wal.New(filepath.Join(dir, "wal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}

	env := &transferEnv{
		store:   store,
		idx:     idx,
		journal: journal,
		cache:   NewRecordCache(100, time.Minute),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = NewTransferService(store, idx, journal, env.cache, TransferConfig{
		DefaultExpiryHours: 24,
		BcryptCost:         bcrypt.MinCost,
	}, logger)
	env.svc.SetClock(func() time.Time { return env.now })
	return env
}

// payload возвращает детерминированные данные длины n.
func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func hours(h int) *int { return &h }

// upload загружает data и завершает тест при ошибке.
func (e *transferEnv) upload(t *testing.T, data []byte, expiry *int, password string) *model.LinkRecord {
	t.Helper()
	rec, err := e.svc.Upload(context.Background(), UploadParams{
		Body:         bytes.NewReader(data),
		OriginalName: "report.bin",
		ContentType:  "application/octet-stream",
		ExpiryHours:  expiry,
		Password:     password,
	})
	if err != nil {
		t.Fatalf("Upload: неожиданная ошибка: %v", err)
	}
	return rec
}

// download скачивает файл целиком.
func (e *transferEnv) download(t *testing.T, id, password string) ([]byte, error) {
	t.Helper()
	dl, err := e.svc.Download(context.Background(), id, password)
	if err != nil {
		return nil, err
	}
	defer dl.Body.Close()
	return io.ReadAll(dl.Body)
}

// assertEmpty проверяет, что не осталось ни блобов, ни записей.
func (e *transferEnv) assertEmpty(t *testing.T) {
	t.Helper()
	if n := e.idx.Count(); n != 0 {
		t.Errorf("записей ссылок: хотели 0, получили %d", n)
	}
	infos, err := e.store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("блобов: хотели 0, получили %d (%v)", len(infos), infos)
	}
	pending, _ := e.journal.RecoverPending()
	if len(pending) != 0 {
		t.Errorf("pending WAL: хотели 0, получили %d", len(pending))
	}
}

// --- Сценарии ---

func TestTransfer_ScenarioA_NoPassword(t *testing.T) {
	env := setupTransferEnv(t, 16<<20)
	data := payload(10 << 20)

	rec := env.upload(t, data, hours(1), "")

	meta, err := env.svc.Metadata(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.HasCredential() {
		t.Error("hasPassword: ожидалось false")
	}
	if meta.SizeBytes != 10485760 {
		t.Errorf("SizeBytes: хотели 10485760, получили %d", meta.SizeBytes)
	}
	if got := meta.ExpiresAt.Sub(meta.CreatedAt); got != time.Hour {
		t.Errorf("срок жизни: хотели 1h, получили %v", got)
	}

	got, err := env.download(t, rec.ID, "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("скачанные данные не совпадают с загруженными")
	}
}

func TestTransfer_ScenarioB_Password(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	data := payload(1024)

	rec := env.upload(t, data, hours(24), "secret")
	if !rec.HasCredential() || rec.CredentialHash == "secret" {
		t.Fatal("пароль должен храниться только в виде хеша")
	}

	if _, err := env.download(t, rec.ID, "wrong"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("неверный пароль: ожидалась ErrAccessDenied, получено %v", err)
	}
	if _, err := env.download(t, rec.ID, ""); !errors.Is(err, ErrCredentialRequired) {
		t.Errorf("без пароля: ожидалась ErrCredentialRequired, получено %v", err)
	}

	got, err := env.download(t, rec.ID, "secret")
	if err != nil {
		t.Fatalf("верный пароль: %v", err)
	}
	if len(got) != 1024 || !bytes.Equal(got, data) {
		t.Errorf("ожидались исходные 1024 байта, получено %d", len(got))
	}
}

func TestTransfer_ScenarioC_ExpiredBeforeReaper(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	rec := env.upload(t, payload(100), hours(1), "")

	// Прогреваем кэш, чтобы проверить видимость и для кэшированной записи.
	if _, err := env.svc.Metadata(context.Background(), rec.ID); err != nil {
		t.Fatalf("Metadata до истечения: %v", err)
	}

	env.now = env.now.Add(time.Hour)

	_, metaErr := env.svc.Metadata(context.Background(), rec.ID)
	_, dlErr := env.download(t, rec.ID, "")
	_, unknownErr := env.svc.Metadata(context.Background(), "5f1c6a1e-9a38-4a57-9a3e-2f1f0b6f4c11")

	for name, err := range map[string]error{"metadata": metaErr, "download": dlErr, "unknown": unknownErr} {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: ожидалась ErrNotFound, получено %v", name, err)
		}
	}

	// Запись физически ещё на месте.
	if env.idx.Count() != 1 {
		t.Error("запись не должна удаляться без очистки")
	}
}

// failingReader отдаёт limit байт и затем возвращает err.
type failingReader struct {
	data  []byte
	limit int
	pos   int
	err   error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.pos >= r.limit {
		return 0, r.err
	}
	n := copy(p, r.data[r.pos:r.limit])
	r.pos += n
	return n, nil
}

func TestTransfer_ScenarioD_Disconnect(t *testing.T) {
	env := setupTransferEnv(t, 16<<20)
	data := payload(10 << 20)

	_, err := env.svc.Upload(context.Background(), UploadParams{
		Body:         &failingReader{data: data, limit: 5 << 20, err: io.ErrUnexpectedEOF},
		OriginalName: "big.iso",
		ExpiryHours:  hours(1),
	})
	if !errors.Is(err, ErrUploadAborted) {
		t.Fatalf("ожидалась ErrUploadAborted, получено %v", err)
	}
	env.assertEmpty(t)
}

// cancelReader отменяет контекст после первой порции данных.
type cancelReader struct {
	cancel context.CancelFunc
	reads  int
}

func (r *cancelReader) Read(p []byte) (int, error) {
	r.reads++
	if r.reads == 2 {
		r.cancel()
	}
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestTransfer_UploadContextCanceled(t *testing.T) {
	env := setupTransferEnv(t, 64<<20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.svc.Upload(ctx, UploadParams{
		Body:        &cancelReader{cancel: cancel},
		ExpiryHours: hours(1),
	})
	if !errors.Is(err, ErrUploadAborted) {
		t.Fatalf("ожидалась ErrUploadAborted, получено %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ошибка должна оборачивать context.Canceled: %v", err)
	}
	env.assertEmpty(t)
}

func TestTransfer_UploadOversize(t *testing.T) {
	env := setupTransferEnv(t, 1024)

	_, err := env.svc.Upload(context.Background(), UploadParams{
		Body:        bytes.NewReader(payload(4096)),
		ExpiryHours: hours(1),
	})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("ожидалась ErrCapacityExceeded, получено %v", err)
	}
	env.assertEmpty(t)

	// Ровно на потолке загрузка проходит.
	rec := env.upload(t, payload(1024), hours(1), "")
	if rec.SizeBytes != 1024 {
		t.Errorf("SizeBytes: хотели 1024, получили %d", rec.SizeBytes)
	}
}

func TestTransfer_UploadValidation(t *testing.T) {
	tests := []struct {
		name   string
		params UploadParams
	}{
		{"срок жизни вне набора", UploadParams{Body: strings.NewReader("x"), ExpiryHours: hours(48)}},
		{"нулевой срок жизни", UploadParams{Body: strings.NewReader("x"), ExpiryHours: hours(0)}},
		{"отрицательный срок жизни", UploadParams{Body: strings.NewReader("x"), ExpiryHours: hours(-1)}},
		{"длинный пароль", UploadParams{Body: strings.NewReader("x"), Password: strings.Repeat("p", 73)}},
		{"нет тела", UploadParams{}},
		{"ошибка формы в потоке", UploadParams{Body: &failingReader{
			data: payload(10), limit: 10, err: fmt.Errorf("%w: поле после файла", ErrValidation),
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTransferEnv(t, 1<<20)
			_, err := env.svc.Upload(context.Background(), tt.params)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("ожидалась ErrValidation, получено %v", err)
			}
			env.assertEmpty(t)
		})
	}
}

func TestTransfer_UploadDefaultsAndSanitizing(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)

	rec, err := env.svc.Upload(context.Background(), UploadParams{
		Body:         strings.NewReader("hello"),
		OriginalName: `C:\Users\bob\..\отчёт.pdf`,
		ContentType:  "application/pdf; charset=binary",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 24*time.Hour {
		t.Errorf("срок жизни по умолчанию: хотели 24h, получили %v", got)
	}
	if rec.OriginalName != "отчёт.pdf" {
		t.Errorf("OriginalName: получено %q", rec.OriginalName)
	}
	if rec.ContentType != "application/pdf" {
		t.Errorf("ContentType: получено %q", rec.ContentType)
	}
	if rec.Checksum == "" {
		t.Error("Checksum не должен быть пустым")
	}
}

func TestTransfer_DuplicateIDRetried(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	first := env.upload(t, payload(10), hours(1), "")

	fresh := "0b8e3c58-3f0e-4a53-b8b5-0c9d5fe4b0a7"
	ids := []string{first.ID, first.ID, fresh}
	env.svc.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	second := env.upload(t, payload(20), hours(1), "")
	if second.ID != fresh {
		t.Errorf("ID: хотели %s, получили %s", fresh, second.ID)
	}
	if env.idx.Count() != 2 {
		t.Errorf("записей: хотели 2, получили %d", env.idx.Count())
	}
	// Первая запись не перезаписана.
	got, _ := env.svc.Metadata(context.Background(), first.ID)
	if got.SizeBytes != 10 {
		t.Errorf("первая запись изменена: SizeBytes=%d", got.SizeBytes)
	}
}

func TestTransfer_DuplicateIDExhausted(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	first := env.upload(t, payload(10), hours(1), "")
	env.svc.newID = func() string { return first.ID }

	_, err := env.svc.Upload(context.Background(), UploadParams{
		Body: bytes.NewReader(payload(10)), ExpiryHours: hours(1),
	})
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("ожидалась ErrStorageFailure, получено %v", err)
	}
	infos, _ := env.store.List(context.Background())
	if len(infos) != 1 {
		t.Errorf("должен остаться только блоб первой загрузки, получено %d", len(infos))
	}
}

func TestTransfer_DownloadCounter(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	rec := env.upload(t, payload(10), hours(1), "")

	for i := 0; i < 3; i++ {
		if _, err := env.download(t, rec.ID, ""); err != nil {
			t.Fatalf("Download %d: %v", i, err)
		}
	}
	env.svc.Wait()

	got, err := env.idx.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DownloadCount != 3 {
		t.Errorf("DownloadCount: хотели 3, получили %d", got.DownloadCount)
	}
}

func TestTransfer_MetadataIdempotent(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	rec := env.upload(t, payload(10), hours(72), "pw")

	a, _ := env.svc.Metadata(context.Background(), rec.ID)
	b, _ := env.svc.Metadata(context.Background(), rec.ID)
	if a.OriginalName != b.OriginalName || a.SizeBytes != b.SizeBytes ||
		!a.CreatedAt.Equal(b.CreatedAt) || !a.ExpiresAt.Equal(b.ExpiresAt) {
		t.Error("повторные запросы метаданных вернули разные значения")
	}
}

func TestTransfer_MalformedID(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	for _, id := range []string{"", "abc", "../../etc/passwd"} {
		if _, err := env.svc.Metadata(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Metadata(%q): ожидалась ErrNotFound, получено %v", id, err)
		}
		if _, err := env.svc.Download(context.Background(), id, ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("Download(%q): ожидалась ErrNotFound, получено %v", id, err)
		}
	}
}

func TestTransfer_BlobGone(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	rec := env.upload(t, payload(10), hours(1), "")

	if err := env.store.Delete(context.Background(), rec.BlobRef); err != nil {
		t.Fatalf("Delete блоба: %v", err)
	}
	if _, err := env.download(t, rec.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
	env.svc.Wait()

	got, err := env.idx.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DownloadCount != 0 {
		t.Errorf("неудачное скачивание не должно считаться: DownloadCount=%d", got.DownloadCount)
	}
}

func TestTransfer_SizeMismatchNotCounted(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	rec := env.upload(t, payload(10), hours(1), "")

	// Запись с неверным размером при живом блобе.
	bad := rec.Clone()
	bad.SizeBytes = 11
	if err := env.idx.Delete(context.Background(), rec.ID); err != nil {
		t.Fatalf("Delete записи: %v", err)
	}
	if err := env.idx.Put(context.Background(), bad); err != nil {
		t.Fatalf("Put: %v", err)
	}
	env.cache.Delete(rec.ID)

	if _, err := env.download(t, rec.ID, ""); !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("ожидалась ErrStorageFailure, получено %v", err)
	}
	env.svc.Wait()

	got, err := env.idx.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DownloadCount != 0 {
		t.Errorf("скачивание с несовпавшим размером не должно считаться: DownloadCount=%d", got.DownloadCount)
	}
}

func TestTransfer_OperatorDelete(t *testing.T) {
	env := setupTransferEnv(t, 1<<20)
	rec := env.upload(t, payload(10), hours(1), "")
	_, _ = env.svc.Metadata(context.Background(), rec.ID) // в кэш

	if err := env.svc.Delete(context.Background(), rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := env.svc.Metadata(context.Background(), rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("после удаления: ожидалась ErrNotFound, получено %v", err)
	}
	env.assertEmpty(t)

	if err := env.svc.Delete(context.Background(), rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление: ожидалась ErrNotFound, получено %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"/etc/passwd", "passwd"},
		{`..\..\boot.ini`, "boot.ini"},
		{"", "file"},
		{"..", "file"},
		{"a\x00b\nc.txt", "abc.txt"},
		{"  spaced.txt  ", "spaced.txt"},
		{strings.Repeat("я", 200), strings.Repeat("я", 127)},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, хотели %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeContentType(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "application/octet-stream"},
		{"text/plain; charset=utf-8", "text/plain"},
		{"IMAGE/PNG", "image/png"},
		{"garbage", "application/octet-stream"},
		{";;;", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := normalizeContentType(tt.in); got != tt.want {
			t.Errorf("normalizeContentType(%q) = %q, хотели %q", tt.in, got, tt.want)
		}
	}
}
