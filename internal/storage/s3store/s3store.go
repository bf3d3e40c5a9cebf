// Пакет s3store — хранилище блобов в S3-совместимом объектном хранилище.
// Запись идёт частями фиксированного размера через multipart upload,
// в памяти держится не больше одной части.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/Nay2017/VaultShare/internal/storage/blob"
)

// headBucketTimeout — таймаут проверки доступности бакета при старте.
const headBucketTimeout = 30 * time.Second

// API — подмножество методов s3.Client, используемых хранилищем.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, in *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Config — параметры подключения к S3.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Prefix       string
	PartSize     int64
	UsePathStyle bool
	// MaxSize — потолок размера одного блоба
	MaxSize int64
}

// Store — блобы в виде объектов {prefix}/{yyyy}/{mm}/{dd}/{uuid}.
type Store struct {
	client   API
	bucket   string
	prefix   string
	partSize int64
	maxSize  int64
	logger   *slog.Logger
}

var _ blob.Store = (*Store)(nil)

// New создаёт клиент S3 и проверяет доступ к бакету.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMode(aws.RetryModeAdaptive),
		awsconfig.WithRetryMaxAttempts(3),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	store := NewWithClient(client, cfg, logger)

	headCtx, cancel := context.WithTimeout(ctx, headBucketTimeout)
	defer cancel()
	if _, err := client.HeadBucket(headCtx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("нет доступа к бакету %s: %w", cfg.Bucket, err)
	}

	store.logger.Info("Подключение к S3 установлено",
		slog.String("bucket", cfg.Bucket),
		slog.String("endpoint", cfg.Endpoint),
		slog.Int64("part_size", cfg.PartSize),
	)
	return store, nil
}

// NewWithClient создаёт Store поверх готового клиента.
func NewWithClient(client API, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		partSize: cfg.PartSize,
		maxSize:  cfg.MaxSize,
		logger:   logger.With(slog.String("component", "s3store")),
	}
}

// Create начинает запись нового объекта. Multipart upload создаётся
// лениво, при заполнении первой части.
func (s *Store) Create(ctx context.Context) (blob.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ref := generateRef()
	return &s3Writer{
		store:  s,
		ctx:    ctx,
		ref:    ref,
		key:    s.key(ref),
		buf:    make([]byte, 0, s.partSize),
		hasher: sha256.New(),
	}, nil
}

// Open открывает объект на чтение.
func (s *Store) Open(ctx context.Context, ref string) (blob.Reader, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("%w: %q", blob.ErrInvalidRef, ref)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("ошибка получения объекта %s: %w", ref, err)
	}

	return &s3Reader{ReadCloser: out.Body, size: aws.ToInt64(out.ContentLength)}, nil
}

// Delete удаляет объект и прерывает незавершённые multipart upload того же ключа.
// Отсутствие объекта не является ошибкой.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if !validRef(ref) {
		return fmt.Errorf("%w: %q", blob.ErrInvalidRef, ref)
	}
	key := s.key(ref)

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil && !isNotFound(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", ref, err)
	}

	uploads, err := s.listUploads(ctx, key)
	if err != nil {
		return fmt.Errorf("ошибка получения списка multipart upload %s: %w", ref, err)
	}
	var errs []error
	for _, u := range uploads {
		if aws.ToString(u.Key) != key {
			continue
		}
		if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      u.Key,
			UploadId: u.UploadId,
		}); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("ошибка прерывания multipart upload %s: %w", ref, err))
		}
	}
	return errors.Join(errs...)
}

// List перечисляет объекты под префиксом и незавершённые multipart upload.
func (s *Store) List(ctx context.Context) ([]blob.Info, error) {
	var result []blob.Info
	listPrefix := s.prefix + "/"

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения списка объектов: %w", err)
		}
		for _, obj := range page.Contents {
			result = append(result, blob.Info{
				Ref:     strings.TrimPrefix(aws.ToString(obj.Key), listPrefix),
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	uploads, err := s.listUploads(ctx, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка multipart upload: %w", err)
	}
	for _, u := range uploads {
		result = append(result, blob.Info{
			Ref:     strings.TrimPrefix(aws.ToString(u.Key), listPrefix),
			ModTime: aws.ToTime(u.Initiated),
			Partial: true,
		})
	}

	return result, nil
}

// listUploads возвращает все незавершённые multipart upload под префиксом.
// S3 отдаёт не больше 1000 upload за запрос, продолжение идёт по
// паре маркеров KeyMarker/UploadIdMarker.
func (s *Store) listUploads(ctx context.Context, prefix string) ([]types.MultipartUpload, error) {
	var (
		result    []types.MultipartUpload
		keyMarker *string
		idMarker  *string
	)
	for {
		page, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(s.bucket),
			Prefix:         aws.String(prefix),
			KeyMarker:      keyMarker,
			UploadIdMarker: idMarker,
		})
		if err != nil {
			return nil, err
		}
		result = append(result, page.Uploads...)
		if !aws.ToBool(page.IsTruncated) {
			return result, nil
		}
		if aws.ToString(page.NextKeyMarker) == "" && aws.ToString(page.NextUploadIdMarker) == "" {
			return nil, errors.New("усечённый список multipart upload без маркеров продолжения")
		}
		keyMarker, idMarker = page.NextKeyMarker, page.NextUploadIdMarker
	}
}

func (s *Store) key(ref string) string {
	return s.prefix + "/" + ref
}

// s3Writer — незавершённая запись объекта.
type s3Writer struct {
	store    *Store
	ctx      context.Context
	ref      string
	key      string
	buf      []byte
	uploadID *string
	parts    []types.CompletedPart
	written  int64
	hasher   hash.Hash
	done     bool
}

// Write накапливает данные в буфере части и отправляет заполненные части.
func (w *s3Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	if w.written+int64(len(p)) > w.store.maxSize {
		return 0, blob.ErrCapacityExceeded
	}

	n := 0
	for len(p) > 0 {
		free := cap(w.buf) - len(w.buf)
		chunk := p
		if len(chunk) > free {
			chunk = chunk[:free]
		}
		w.buf = append(w.buf, chunk...)
		w.hasher.Write(chunk)
		w.written += int64(len(chunk))
		n += len(chunk)
		p = p[len(chunk):]

		if len(w.buf) == cap(w.buf) {
			if err := w.flushPart(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// flushPart отправляет текущий буфер очередной частью.
func (w *s3Writer) flushPart() error {
	s := w.store
	if w.uploadID == nil {
		out, err := s.client.CreateMultipartUpload(w.ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(w.key),
		})
		if err != nil {
			return fmt.Errorf("ошибка создания multipart upload: %w", err)
		}
		w.uploadID = out.UploadId
	}

	partNumber := int32(len(w.parts) + 1)
	out, err := s.client.UploadPart(w.ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(w.key),
		UploadId:      w.uploadID,
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(w.buf),
		ContentLength: aws.Int64(int64(len(w.buf))),
	})
	if err != nil {
		return fmt.Errorf("ошибка загрузки части %d: %w", partNumber, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	w.buf = w.buf[:0]
	return nil
}

func (w *s3Writer) Ref() string    { return w.ref }
func (w *s3Writer) Written() int64 { return w.written }

// Commit завершает запись. Объект меньше одной части отправляется
// одним PutObject, иначе дописывается последняя часть и upload завершается.
func (w *s3Writer) Commit(ctx context.Context) (*blob.Result, error) {
	if w.done {
		return nil, os.ErrClosed
	}
	s := w.store

	if w.uploadID == nil {
		w.done = true
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(w.key),
			Body:          bytes.NewReader(w.buf),
			ContentLength: aws.Int64(int64(len(w.buf))),
		}); err != nil {
			return nil, fmt.Errorf("ошибка записи объекта: %w", err)
		}
		return w.result(), nil
	}

	if len(w.buf) > 0 {
		if err := w.flushPart(); err != nil {
			w.abortUpload(ctx)
			return nil, err
		}
	}

	w.done = true
	if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(w.key),
		UploadId:        w.uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	}); err != nil {
		w.abortUpload(ctx)
		return nil, fmt.Errorf("ошибка завершения multipart upload: %w", err)
	}
	return w.result(), nil
}

// Abort отбрасывает буфер и прерывает multipart upload. Повторный вызов безопасен.
func (w *s3Writer) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.buf = nil
	if w.uploadID == nil {
		return nil
	}
	return w.abortUpload(ctx)
}

func (w *s3Writer) abortUpload(ctx context.Context) error {
	s := w.store
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(w.key),
		UploadId: w.uploadID,
	})
	if err != nil && !isNotFound(err) {
		s.logger.Error("Ошибка прерывания multipart upload",
			slog.String("ref", w.ref),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ошибка прерывания multipart upload: %w", err)
	}
	return nil
}

func (w *s3Writer) result() *blob.Result {
	return &blob.Result{
		Ref:      w.ref,
		Size:     w.written,
		Checksum: hex.EncodeToString(w.hasher.Sum(nil)),
	}
}

// s3Reader — тело GetObject с известным размером.
type s3Reader struct {
	io.ReadCloser
	size int64
}

func (r *s3Reader) Size() int64 { return r.size }

// isNotFound распознаёт отсутствие ключа или upload.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return true
		}
	}
	return false
}

// generateRef генерирует ссылку вида 2026/10/16/{uuid}.
func generateRef() string {
	d := time.Now().UTC()
	return fmt.Sprintf("%04d/%02d/%02d/%s", d.Year(), d.Month(), d.Day(), uuid.New())
}

// validRef отсекает пустые ссылки и ссылки с переходом по пути.
func validRef(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "/") {
		return false
	}
	for _, seg := range strings.Split(ref, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
