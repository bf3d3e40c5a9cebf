// transfer.go — сервис передачи файлов: загрузка, метаданные, скачивание.
//
// Загрузка идёт потоком из тела запроса прямо в хранилище блобов.
// Запись ссылки создаётся только после того, как блоб полностью
// записан, поэтому клиент никогда не получает ссылку на неполные данные.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Nay2017/VaultShare/internal/api/middleware"
	"github.com/Nay2017/VaultShare/internal/domain/access"
	"github.com/Nay2017/VaultShare/internal/domain/model"
	"github.com/Nay2017/VaultShare/internal/storage/blob"
	"github.com/Nay2017/VaultShare/internal/storage/wal"
)

const (
	// maxIDAttempts — попытки генерации id при коллизии первичного ключа.
	maxIDAttempts = 3
	// maxNameLength — максимальная длина имени файла в байтах.
	maxNameLength = 255
	// copyBufferSize — размер буфера потокового копирования.
	copyBufferSize = 256 << 10
	// cleanupTimeout — время на удаление частичных данных после сбоя.
	cleanupTimeout = 30 * time.Second
	// incrementTimeout — время на асинхронное увеличение счётчика скачиваний.
	incrementTimeout = 5 * time.Second

	defaultContentType = "application/octet-stream"
	defaultFileName    = "file"
)

// LinkStore — хранилище записей ссылок.
// Реализации: index.Index (файлы) и repository.LinkRepository (PostgreSQL).
type LinkStore interface {
	Put(ctx context.Context, rec *model.LinkRecord) error
	Get(ctx context.Context, id string) (*model.LinkRecord, error)
	IncrementDownloads(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ScanExpired(ctx context.Context, now time.Time, limit int) ([]*model.LinkRecord, error)
	ReferencesBlob(ctx context.Context, ref string) (bool, error)
}

// TransferConfig — параметры сервиса передачи.
type TransferConfig struct {
	// DefaultExpiryHours — срок жизни ссылки, если клиент его не передал
	DefaultExpiryHours int
	// BcryptCost — стоимость хеширования пароля
	BcryptCost int
}

// UploadParams — параметры загрузки файла.
type UploadParams struct {
	// Body — поток данных файла, длина заранее неизвестна
	Body io.Reader
	// OriginalName — имя файла, указанное клиентом
	OriginalName string
	// ContentType — MIME-тип, указанный клиентом
	ContentType string
	// ExpiryHours — срок жизни ссылки; nil — значение по умолчанию
	ExpiryHours *int
	// Password — пароль на скачивание; пустая строка — без пароля
	Password string
}

// Download — открытое скачивание. Вызывающий обязан закрыть Body.
type Download struct {
	Record *model.LinkRecord
	Body   blob.Reader
}

// TransferService — контроллер передачи файлов.
// Глобальной блокировки нет: каждая передача независима, общими
// являются только хранилища, безопасные для конкурентного доступа.
type TransferService struct {
	blobs   blob.Store
	links   LinkStore
	journal *wal.WAL
	cache   *RecordCache
	cfg     TransferConfig
	logger  *slog.Logger

	now   func() time.Time
	newID func() string

	// pending — незавершённые асинхронные увеличения счётчика
	pending sync.WaitGroup
}

// NewTransferService создаёт сервис передачи файлов.
// cache может быть nil.
func NewTransferService(
	blobs blob.Store,
	links LinkStore,
	journal *wal.WAL,
	cache *RecordCache,
	cfg TransferConfig,
	logger *slog.Logger,
) *TransferService {
	return &TransferService{
		blobs:   blobs,
		links:   links,
		journal: journal,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "transfer")),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// SetClock подменяет источник текущего времени.
func (s *TransferService) SetClock(now func() time.Time) {
	s.now = now
}

// Wait ждёт завершения асинхронных увеличений счётчика скачиваний.
func (s *TransferService) Wait() {
	s.pending.Wait()
}

// Upload принимает поток файла и создаёт ссылку.
//
// Поток:
//  1. Проверка срока жизни и пароля
//  2. Создание блоба и WAL StartTransaction
//  3. Потоковая запись с проверкой потолка размера
//  4. Commit блоба, хеш пароля
//  5. Put записи ссылки (новый id при коллизии)
//  6. WAL Commit
//
// При ошибке блоб удаляется, WAL откатывается, запись не создаётся.
func (s *TransferService) Upload(ctx context.Context, p UploadParams) (*model.LinkRecord, error) {
	expiryHours := s.cfg.DefaultExpiryHours
	if p.ExpiryHours != nil {
		expiryHours = *p.ExpiryHours
	}
	if !model.IsAllowedExpiry(expiryHours) {
		s.countOp("upload", "rejected")
		return nil, fmt.Errorf("%w: срок жизни %d ч недопустим, разрешены %v",
			ErrValidation, expiryHours, model.AllowedExpiryHours)
	}
	if len(p.Password) > access.MaxCredentialLength {
		s.countOp("upload", "rejected")
		return nil, fmt.Errorf("%w: %s", ErrValidation, access.ErrCredentialTooLong.Error())
	}
	if p.Body == nil {
		s.countOp("upload", "rejected")
		return nil, fmt.Errorf("%w: отсутствует содержимое файла", ErrValidation)
	}

	w, err := s.blobs.Create(ctx)
	if err != nil {
		s.countOp("upload", "error")
		return nil, fmt.Errorf("%w: создание блоба: %w", ErrStorageFailure, err)
	}

	entry, err := s.journal.StartTransaction(wal.OpUpload, w.Ref())
	if err != nil {
		s.discard(ctx, w, false)
		s.countOp("upload", "error")
		return nil, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	committed := false
	fail := func(err error) (*model.LinkRecord, error) {
		s.discard(ctx, w, committed)
		if rbErr := s.journal.Rollback(entry.TransactionID); rbErr != nil {
			s.logger.Error("Ошибка отката WAL",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
		s.countOp("upload", resultLabel(err))
		return nil, err
	}

	middleware.TransfersActive.WithLabelValues("upload").Inc()
	copyErr := s.copyIn(ctx, w, p.Body)
	middleware.TransfersActive.WithLabelValues("upload").Dec()
	middleware.TransferBytesTotal.WithLabelValues("upload").Add(float64(w.Written()))
	if copyErr != nil {
		s.logger.Warn("Загрузка прервана",
			slog.String("blob_ref", w.Ref()),
			slog.Int64("written", w.Written()),
			slog.String("error", copyErr.Error()),
		)
		return fail(copyErr)
	}

	res, err := w.Commit(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return fail(fmt.Errorf("%w: %w", ErrUploadAborted, ctx.Err()))
		}
		return fail(fmt.Errorf("%w: фиксация блоба: %w", ErrStorageFailure, err))
	}
	committed = true

	hash, err := access.HashCredential(p.Password, s.cfg.BcryptCost)
	if err != nil {
		return fail(fmt.Errorf("%w: хеширование пароля: %w", ErrStorageFailure, err))
	}

	createdAt := s.now()
	rec := &model.LinkRecord{
		BlobRef:        res.Ref,
		OriginalName:   sanitizeName(p.OriginalName),
		ContentType:    normalizeContentType(p.ContentType),
		SizeBytes:      res.Size,
		Checksum:       res.Checksum,
		CredentialHash: hash,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(time.Duration(expiryHours) * time.Hour),
	}

	if err := s.putWithFreshID(ctx, rec); err != nil {
		return fail(fmt.Errorf("%w: сохранение записи: %w", ErrStorageFailure, err))
	}

	// Запись уже сохранена: незакоммиченный WAL при восстановлении
	// будет закоммичен, так как блоб на неё ссылается.
	if err := s.journal.Commit(entry.TransactionID, rec.ID); err != nil {
		s.logger.Error("Ошибка коммита WAL (данные сохранены)",
			slog.String("tx_id", entry.TransactionID),
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	s.countOp("upload", "success")
	s.logger.Info("Файл загружен",
		slog.String("file_id", rec.ID),
		slog.String("filename", rec.OriginalName),
		slog.Int64("size", rec.SizeBytes),
		slog.Int("expiry_hours", expiryHours),
		slog.Bool("has_password", rec.HasCredential()),
	)

	return rec.Clone(), nil
}

// putWithFreshID сохраняет запись, генерируя новый id при коллизии.
func (s *TransferService) putWithFreshID(ctx context.Context, rec *model.LinkRecord) error {
	var err error
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		rec.ID = s.newID()
		err = s.links.Put(ctx, rec)
		if !errors.Is(err, model.ErrDuplicateLinkID) {
			return err
		}
		s.logger.Warn("Коллизия id ссылки, повтор",
			slog.String("file_id", rec.ID),
			slog.Int("attempt", attempt),
		)
	}
	return err
}

// copyIn копирует тело запроса в блоб. Ошибки чтения считаются обрывом
// загрузки, ошибки записи — ошибкой хранилища или превышением размера.
func (s *TransferService) copyIn(ctx context.Context, w blob.Writer, body io.Reader) error {
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrUploadAborted, err)
		}

		n, rErr := body.Read(buf)
		if n > 0 {
			if _, wErr := w.Write(buf[:n]); wErr != nil {
				if errors.Is(wErr, blob.ErrCapacityExceeded) {
					return fmt.Errorf("%w: %w", ErrCapacityExceeded, wErr)
				}
				return fmt.Errorf("%w: запись блоба: %w", ErrStorageFailure, wErr)
			}
		}

		switch {
		case rErr == nil:
		case errors.Is(rErr, io.EOF):
			return nil
		case errors.Is(rErr, ErrValidation), errors.Is(rErr, ErrCapacityExceeded):
			return rErr
		default:
			return fmt.Errorf("%w: %w", ErrUploadAborted, rErr)
		}
	}
}

// discard удаляет частично или полностью записанный блоб.
// Вызывается и после отмены запроса, поэтому использует отдельный контекст.
func (s *TransferService) discard(ctx context.Context, w blob.Writer, committed bool) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var err error
	if committed {
		err = s.blobs.Delete(cleanupCtx, w.Ref())
	} else {
		err = w.Abort(cleanupCtx)
	}
	if err != nil {
		s.logger.Error("Ошибка удаления частичного блоба",
			slog.String("blob_ref", w.Ref()),
			slog.String("error", err.Error()),
		)
	}
}

// Metadata возвращает видимую запись ссылки.
// Неизвестная, истёкшая и некорректная ссылка дают одинаковый ErrNotFound.
func (s *TransferService) Metadata(ctx context.Context, id string) (*model.LinkRecord, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Download проверяет доступ и открывает поток блоба.
//
// Поток:
//  1. Поиск видимой записи (истёкшая = не найдена)
//  2. Проверка пароля
//  3. Открытие блоба и сверка размера с записью
//  4. Асинхронное увеличение счётчика скачиваний
func (s *TransferService) Download(ctx context.Context, id, password string) (*Download, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		s.countOp("download", resultLabel(err))
		return nil, err
	}

	switch access.Authorize(rec, password) {
	case access.CredentialRequired:
		s.countOp("download", "credential_required")
		return nil, ErrCredentialRequired
	case access.AccessDenied:
		s.countOp("download", "denied")
		s.logger.Warn("Неверный пароль при скачивании", slog.String("file_id", rec.ID))
		return nil, ErrAccessDenied
	}

	body, err := s.blobs.Open(ctx, rec.BlobRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// Запись пережила свой блоб: ссылка уже недействительна.
			s.logger.Warn("Блоб ссылки отсутствует",
				slog.String("file_id", rec.ID),
				slog.String("blob_ref", rec.BlobRef),
			)
			s.countOp("download", "not_found")
			return nil, ErrNotFound
		}
		s.countOp("download", "error")
		return nil, fmt.Errorf("%w: открытие блоба: %w", ErrStorageFailure, err)
	}

	if body.Size() != rec.SizeBytes {
		body.Close()
		s.logger.Error("Размер блоба не совпадает с записью",
			slog.String("file_id", rec.ID),
			slog.Int64("expected", rec.SizeBytes),
			slog.Int64("actual", body.Size()),
		)
		s.countOp("download", "error")
		return nil, fmt.Errorf("%w: размер блоба %d, ожидался %d", ErrStorageFailure, body.Size(), rec.SizeBytes)
	}

	s.incrementAsync(ctx, rec.ID)

	s.countOp("download", "success")
	return &Download{Record: rec, Body: newCountingReader(body)}, nil
}

// Delete удаляет ссылку по запросу оператора: сначала запись, затем блоб.
func (s *TransferService) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	rec, err := s.links.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrLinkNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	if err := s.links.Delete(ctx, id); err != nil {
		if errors.Is(err, model.ErrLinkNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: удаление записи: %w", ErrStorageFailure, err)
	}
	if s.cache != nil {
		s.cache.Delete(id)
	}

	if err := s.blobs.Delete(ctx, rec.BlobRef); err != nil {
		// Блоб без записи уберёт сверка.
		s.logger.Error("Ошибка удаления блоба, остаётся сирота",
			slog.String("file_id", id),
			slog.String("blob_ref", rec.BlobRef),
			slog.String("error", err.Error()),
		)
	}

	s.countOp("delete", "success")
	s.logger.Info("Ссылка удалена оператором", slog.String("file_id", id))
	return nil
}

// lookup находит запись и проверяет её видимость на текущий момент.
func (s *TransferService) lookup(ctx context.Context, id string) (*model.LinkRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var (
		rec *model.LinkRecord
		ok  bool
	)
	if s.cache != nil {
		rec, ok = s.cache.Get(id)
	}
	if !ok {
		var err error
		rec, err = s.links.Get(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrLinkNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("%w: чтение записи: %w", ErrStorageFailure, err)
		}
		if s.cache != nil {
			s.cache.Set(rec)
		}
	}

	if !rec.IsVisible(s.now()) {
		if s.cache != nil {
			s.cache.Delete(id)
		}
		return nil, ErrNotFound
	}
	return rec, nil
}

// incrementAsync увеличивает счётчик скачиваний вне пути данных.
func (s *TransferService) incrementAsync(ctx context.Context, id string) {
	incCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incrementTimeout)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer cancel()
		if err := s.links.IncrementDownloads(incCtx, id); err != nil {
			s.logger.Warn("Не удалось увеличить счётчик скачиваний",
				slog.String("file_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (s *TransferService) countOp(operation, result string) {
	middleware.OperationsTotal.WithLabelValues(operation, result).Inc()
}

// resultLabel переводит ошибку в лейбл метрики.
func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrCapacityExceeded):
		return "too_large"
	case errors.Is(err, ErrUploadAborted):
		return "aborted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// countingReader учитывает отдачу блоба в метриках передач.
type countingReader struct {
	blob.Reader
	closed bool
}

func newCountingReader(r blob.Reader) *countingReader {
	middleware.TransfersActive.WithLabelValues("download").Inc()
	return &countingReader{Reader: r}
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		middleware.TransferBytesTotal.WithLabelValues("download").Add(float64(n))
	}
	return n, err
}

func (r *countingReader) Close() error {
	if !r.closed {
		r.closed = true
		middleware.TransfersActive.WithLabelValues("download").Dec()
	}
	return r.Reader.Close()
}

// sanitizeName оставляет от имени файла только базовое имя без
// управляющих символов и обрезает его до maxNameLength байт.
func sanitizeName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == utf8.RuneError {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		name = ""
	}

	for len(name) > maxNameLength {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	if name == "" {
		return defaultFileName
	}
	return name
}

// normalizeContentType отбрасывает параметры MIME-типа.
// Некорректный или пустой тип заменяется на application/octet-stream.
func normalizeContentType(ct string) string {
	if ct == "" {
		return defaultContentType
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.Contains(mediaType, "/") {
		return defaultContentType
	}
	return mediaType
}
