// Пакет attr — чтение и запись JSON-файлов записей ссылок (*.link.json).
// Файл записи является единственным источником истины для файлового
// хранилища ссылок. Все операции записи атомарны: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nay2017/VaultShare/internal/domain/model"
)

// Suffix — суффикс файла записи.
const Suffix = ".link.json"

// maxFileSize — максимальный допустимый размер файла записи (4 КБ).
const maxFileSize = 4096

// FilePath возвращает путь к файлу записи ссылки id в директории dir.
func FilePath(dir, id string) string {
	return filepath.Join(dir, id+Suffix)
}

// IsRecordFile проверяет, является ли путь файлом записи.
func IsRecordFile(path string) bool {
	return strings.HasSuffix(path, Suffix)
}

// Write атомарно записывает запись ссылки в файл.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func Write(path string, rec *model.LinkRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи: %w", err)
	}
	if len(data) > maxFileSize {
		return fmt.Errorf("размер записи (%d байт) превышает максимум (%d байт)", len(data), maxFileSize)
	}

	tmpPath := path + ".tmp"

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

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return nil
}

// Read читает и десериализует запись из файла.
func Read(path string) (*model.LinkRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения записи %s: %w", path, err)
	}

	var rec model.LinkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка десериализации записи %s: %w", path, err)
	}
	if rec.ID == "" || rec.BlobRef == "" {
		return nil, fmt.Errorf("запись %s не содержит id или blob_ref", path)
	}

	return &rec, nil
}

// Delete удаляет файл записи.
// Возвращает nil если файл уже не существует.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления записи %s: %w", path, err)
	}
	return nil
}

// ScanDir читает все файлы записей директории (не рекурсивно).
// Повреждённые файлы пропускаются с предупреждением в лог.
func ScanDir(dir string, logger *slog.Logger) ([]*model.LinkRecord, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Suffix))
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	result := make([]*model.LinkRecord, 0, len(matches))
	for _, path := range matches {
		rec, err := Read(path)
		if err != nil {
			logger.Warn("Пропущен повреждённый файл записи",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		result = append(result, rec)
	}

	return result, nil
}
