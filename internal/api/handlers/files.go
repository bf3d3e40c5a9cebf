// files.go — HTTP handlers передачи файлов: загрузка, метаданные, скачивание.
//
// Тело загрузки разбирается потоком через Request.MultipartReader:
// поля expiryHours и password должны идти до поля file, сам файл
// передаётся в сервис без буферизации на диске или в памяти.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/Nay2017/VaultShare/internal/api/errors"
	"github.com/Nay2017/VaultShare/internal/domain/model"
	"github.com/Nay2017/VaultShare/internal/service"
)

// Имена полей формы загрузки.
const (
	fieldExpiryHours = "expiryHours"
	fieldPassword    = "password"
	fieldFile        = "file"
)

const (
	// maxFieldSize — предел размера текстового поля формы.
	maxFieldSize = 1024
	// maxDownloadBodySize — предел тела запроса скачивания.
	maxDownloadBodySize = 4096
	// downloadBufferSize — размер буфера отдачи файла.
	downloadBufferSize = 256 << 10
	// deadlineStep — не продлевать дедлайн чаще этого интервала.
	deadlineStep = time.Second
)

// Transfers — операции передачи, нужные обработчику.
type Transfers interface {
	Upload(ctx context.Context, p service.UploadParams) (*model.LinkRecord, error)
	Metadata(ctx context.Context, id string) (*model.LinkRecord, error)
	Download(ctx context.Context, id, password string) (*service.Download, error)
}

// FilesHandler — обработчик публичных эндпоинтов передачи файлов.
type FilesHandler struct {
	transfers   Transfers
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewFilesHandler создаёт обработчик. idleTimeout — максимальный простой
// чтения или записи одной передачи, 0 отключает продление дедлайнов.
func NewFilesHandler(transfers Transfers, idleTimeout time.Duration, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		transfers:   transfers,
		idleTimeout: idleTimeout,
		logger:      logger.With(slog.String("component", "files_handler")),
	}
}

// uploadResponse — ответ на успешную загрузку.
type uploadResponse struct {
	FileID    string    `json:"fileId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// metadataResponse — публичные метаданные ссылки. Хеш пароля не отдаётся.
type metadataResponse struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	HasPassword bool      `json:"hasPassword"`
}

// downloadRequest — тело запроса скачивания.
type downloadRequest struct {
	Password string `json:"password"`
}

// Upload обрабатывает POST /api/v1/files/upload.
// Multipart form: expiryHours (опционально), password (опционально), file (обязательно).
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	deadline := newIdleDeadline(w, h.idleTimeout)
	deadline.extendRead()

	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data")
		return
	}

	params := service.UploadParams{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			apierrors.ValidationError(w, "Поле 'file' обязательно")
			return
		}
		if err != nil {
			apierrors.ValidationError(w, "Ошибка разбора multipart: "+err.Error())
			return
		}

		switch part.FormName() {
		case fieldExpiryHours:
			value, err := readField(part)
			if err != nil {
				apierrors.ValidationError(w, err.Error())
				return
			}
			hours, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				apierrors.ValidationError(w, fmt.Sprintf("Поле 'expiryHours' должно быть целым числом, получено %q", value))
				return
			}
			params.ExpiryHours = &hours

		case fieldPassword:
			value, err := readField(part)
			if err != nil {
				apierrors.ValidationError(w, err.Error())
				return
			}
			params.Password = value

		case fieldFile:
			params.Body = &filePartReader{part: part, mr: mr, deadline: deadline}
			params.OriginalName = part.FileName()
			params.ContentType = part.Header.Get("Content-Type")
			h.finishUpload(w, r, params, deadline)
			return

		default:
			// Неизвестные поля пропускаются.
			_, _ = io.Copy(io.Discard, part)
		}
	}
}

// finishUpload передаёт поток файла в сервис и пишет ответ.
func (h *FilesHandler) finishUpload(w http.ResponseWriter, r *http.Request, params service.UploadParams, deadline *idleDeadline) {
	rec, err := h.transfers.Upload(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	deadline.extendWrite()
	writeJSON(w, http.StatusCreated, uploadResponse{
		FileID:    rec.ID,
		ExpiresAt: rec.ExpiresAt,
	})
}

// GetMetadata обрабатывает GET /api/v1/files/{fileId}.
func (h *FilesHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	rec, err := h.transfers.Metadata(r.Context(), chi.URLParam(r, "fileId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, metadataResponse{
		Name:        rec.OriginalName,
		Size:        rec.SizeBytes,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		HasPassword: rec.HasCredential(),
	})
}

// Download обрабатывает POST /api/v1/files/download/{fileId}.
// Тело: {"password": "..."} или пустое.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	deadline := newIdleDeadline(w, h.idleTimeout)

	password, err := readPassword(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	dl, err := h.transfers.Download(r.Context(), chi.URLParam(r, "fileId"), password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer dl.Body.Close()

	rec := dl.Record
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Body.Size(), 10))
	w.Header().Set("Content-Disposition", contentDisposition(rec.OriginalName))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if rec.Checksum != "" {
		w.Header().Set("ETag", `"`+rec.Checksum+`"`)
	}
	w.WriteHeader(http.StatusOK)

	written, err := copyOut(w, dl.Body, deadline)
	if err != nil {
		// Заголовки уже отправлены: обрываем ответ, повтора нет.
		h.logger.Warn("Скачивание прервано",
			slog.String("file_id", rec.ID),
			slog.Int64("written", written),
			slog.Int64("size", rec.SizeBytes),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Debug("Файл отдан",
		slog.String("file_id", rec.ID),
		slog.Int64("size", written),
	)
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ.
func (h *FilesHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrCapacityExceeded):
		apierrors.FileTooLarge(w, "Файл превышает максимальный допустимый размер")
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Файл не найден или срок его хранения истёк")
	case errors.Is(err, service.ErrCredentialRequired):
		apierrors.PasswordRequired(w, "Для скачивания требуется пароль")
	case errors.Is(err, service.ErrAccessDenied):
		apierrors.AccessDenied(w, "Неверный пароль")
	case errors.Is(err, service.ErrUploadAborted):
		apierrors.UploadAborted(w, "Загрузка прервана до завершения")
	default:
		h.logger.Error("Ошибка обработки запроса",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// readField читает текстовое поле формы ограниченного размера.
func readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldSize+1))
	if err != nil {
		return "", fmt.Errorf("ошибка чтения поля %q: %w", part.FormName(), err)
	}
	if len(data) > maxFieldSize {
		return "", fmt.Errorf("поле %q длиннее %d байт", part.FormName(), maxFieldSize)
	}
	return string(data), nil
}

// readPassword извлекает пароль из тела запроса скачивания.
// Пустое тело означает отсутствие пароля.
func readPassword(r *http.Request) (string, error) {
	if r.Body == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDownloadBodySize+1))
	if err != nil {
		return "", fmt.Errorf("ошибка чтения тела запроса: %w", err)
	}
	if len(data) > maxDownloadBodySize {
		return "", errors.New("тело запроса слишком большое")
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", nil
	}

	var req downloadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("некорректный JSON: %w", err)
	}
	return req.Password, nil
}

// filePartReader читает часть file и после её окончания проверяет,
// что в форме не осталось полей настроек.
type filePartReader struct {
	part     *multipart.Part
	mr       *multipart.Reader
	deadline *idleDeadline
	done     bool
}

func (f *filePartReader) Read(p []byte) (int, error) {
	if f.done {
		return 0, io.EOF
	}
	f.deadline.extendRead()

	n, err := f.part.Read(p)
	if !errors.Is(err, io.EOF) {
		return n, err
	}

	if tailErr := f.drainTail(); tailErr != nil {
		return n, tailErr
	}
	f.done = true
	return n, io.EOF
}

// drainTail дочитывает оставшиеся части формы.
func (f *filePartReader) drainTail() error {
	for {
		next, err := f.mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch name := next.FormName(); name {
		case fieldExpiryHours, fieldPassword, fieldFile:
			return fmt.Errorf("%w: поле %q должно идти до поля 'file'", service.ErrValidation, name)
		}
		if _, err := io.Copy(io.Discard, next); err != nil {
			return err
		}
	}
}

// copyOut отдаёт блоб клиенту, продлевая дедлайн записи на каждом блоке.
func copyOut(w io.Writer, r io.Reader, deadline *idleDeadline) (int64, error) {
	buf := make([]byte, downloadBufferSize)
	var written int64
	for {
		n, rErr := r.Read(buf)
		if n > 0 {
			deadline.extendWrite()
			m, wErr := w.Write(buf[:n])
			written += int64(m)
			if wErr != nil {
				return written, wErr
			}
		}
		if errors.Is(rErr, io.EOF) {
			return written, nil
		}
		if rErr != nil {
			return written, rErr
		}
	}
}

// idleDeadline продлевает дедлайны соединения по мере передачи данных,
// так что ограничено время простоя, а не вся передача.
type idleDeadline struct {
	rc        *http.ResponseController
	timeout   time.Duration
	lastRead  time.Time
	lastWrite time.Time
}

func newIdleDeadline(w http.ResponseWriter, timeout time.Duration) *idleDeadline {
	return &idleDeadline{rc: http.NewResponseController(w), timeout: timeout}
}

// extendRead продлевает дедлайн чтения. Ошибка ErrNotSupported
// (writer без поддержки дедлайнов) игнорируется.
func (d *idleDeadline) extendRead() {
	if d.timeout <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(d.lastRead) < deadlineStep {
		return
	}
	d.lastRead = now
	_ = d.rc.SetReadDeadline(now.Add(d.timeout))
}

// extendWrite продлевает дедлайн записи.
func (d *idleDeadline) extendWrite() {
	if d.timeout <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(d.lastWrite) < deadlineStep {
		return
	}
	d.lastWrite = now
	_ = d.rc.SetWriteDeadline(now.Add(d.timeout))
}

// contentDisposition строит заголовок attachment с ASCII-именем
// и именем в UTF-8 по RFC 5987.
func contentDisposition(name string) string {
	var fallback strings.Builder
	for _, r := range name {
		switch {
		case r == '"' || r == '\\':
			fallback.WriteByte('_')
		case r >= 0x20 && r < 0x7f:
			fallback.WriteRune(r)
		default:
			fallback.WriteByte('_')
		}
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, fallback.String(), encodeRFC5987(name))
}

// encodeRFC5987 кодирует строку как ext-value (attr-char или %XX).
func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

// writeJSON пишет JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
