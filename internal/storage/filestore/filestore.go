// Пакет filestore — хранилище блобов на локальном диске.
// Обеспечивает потоковую запись с подсчётом SHA-256 на лету,
// потолком размера, fsync и атомарным rename; чтение, удаление и перечисление.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nay2017/VaultShare/internal/storage/blob"
)

// tmpSuffix — суффикс временного файла незавершённой записи.
const tmpSuffix = ".tmp"

// FileStore — блобы в виде файлов в одной директории.
type FileStore struct {
	// dataDir — корневая директория хранения блобов (VS_DATA_DIR)
	dataDir string
	// maxSize — потолок размера одного блоба
	maxSize int64
}

var _ blob.Store = (*FileStore)(nil)

// New создаёт новый FileStore. Проверяет и создаёт директорию
// если она не существует.
func New(dataDir string, maxSize int64) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir, maxSize: maxSize}, nil
}

// DataDir возвращает путь к директории данных.
func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// Create создаёт временный файл для потоковой записи нового блоба.
func (fs *FileStore) Create(ctx context.Context) (blob.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ref := generateRef()
	fullPath := filepath.Join(fs.dataDir, ref)
	tmpPath := fullPath + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	return &fileWriter{
		f:        f,
		ref:      ref,
		fullPath: fullPath,
		tmpPath:  tmpPath,
		maxSize:  fs.maxSize,
		hasher:   sha256.New(),
	}, nil
}

// Open открывает блоб для чтения. Вызывающий код обязан закрыть Reader.
func (fs *FileStore) Open(ctx context.Context, ref string) (blob.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validRef(ref) {
		return nil, fmt.Errorf("%w: %q", blob.ErrInvalidRef, ref)
	}

	f, err := os.Open(filepath.Join(fs.dataDir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("ошибка открытия блоба %s: %w", ref, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ошибка получения информации о блобе %s: %w", ref, err)
	}

	return &fileReader{File: f, size: info.Size()}, nil
}

// Delete удаляет блоб и его временный файл, если он остался.
// Возвращает nil если файла уже нет.
func (fs *FileStore) Delete(ctx context.Context, ref string) error {
	if !validRef(ref) {
		return fmt.Errorf("%w: %q", blob.ErrInvalidRef, ref)
	}
	fullPath := filepath.Join(fs.dataDir, ref)

	var errs []error
	for _, p := range []string{fullPath, fullPath + tmpSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("ошибка удаления %s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}

// List перечисляет блобы директории данных. Временные файлы
// возвращаются с признаком Partial и ссылкой без суффикса.
func (fs *FileStore) List(ctx context.Context) ([]blob.Info, error) {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения директории %s: %w", fs.dataDir, err)
	}

	result := make([]blob.Info, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Файл удалён между ReadDir и Info
			continue
		}

		name := e.Name()
		partial := strings.HasSuffix(name, tmpSuffix)
		if partial {
			name = strings.TrimSuffix(name, tmpSuffix)
		}
		result = append(result, blob.Info{
			Ref:     name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Partial: partial,
		})
	}
	return result, nil
}

// fileWriter — незавершённая запись во временный файл.
type fileWriter struct {
	f        *os.File
	ref      string
	fullPath string
	tmpPath  string
	maxSize  int64
	written  int64
	hasher   hash.Hash
	done     bool
}

// Write дописывает чанк. Чанк, выводящий размер за потолок,
// не записывается вовсе.
func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	if w.written+int64(len(p)) > w.maxSize {
		return 0, blob.ErrCapacityExceeded
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	w.hasher.Write(p[:n])
	return n, err
}

func (w *fileWriter) Ref() string    { return w.ref }
func (w *fileWriter) Written() int64 { return w.written }

// Commit: fsync → close → атомарный rename.
// При ошибке временный файл удаляется.
func (w *fileWriter) Commit(ctx context.Context) (*blob.Result, error) {
	if w.done {
		return nil, os.ErrClosed
	}
	w.done = true

	if err := ctx.Err(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return nil, err
	}

	// fsync для гарантии записи на диск
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.fullPath); err != nil {
		os.Remove(w.tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &blob.Result{
		Ref:      w.ref,
		Size:     w.written,
		Checksum: hex.EncodeToString(w.hasher.Sum(nil)),
	}, nil
}

// Abort закрывает и удаляет временный файл. Повторный вызов безопасен.
func (w *fileWriter) Abort(_ context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления временного файла: %w", err)
	}
	return nil
}

// fileReader — открытый блоб с известным размером.
type fileReader struct {
	*os.File
	size int64
}

func (r *fileReader) Size() int64 { return r.size }

// generateRef генерирует имя файла блоба.
// Формат: blob_{timestamp}_{uuid}
// Пример: blob_20260221150405_a1b2c3d4-...
func generateRef() string {
	ts := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("blob_%s_%s", ts, uuid.New().String())
}

// validRef отсекает ссылки, выходящие за пределы директории данных.
func validRef(ref string) bool {
	return ref != "" &&
		filepath.Base(ref) == ref &&
		!strings.HasPrefix(ref, ".") &&
		!strings.HasSuffix(ref, tmpSuffix)
}
