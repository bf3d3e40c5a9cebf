// Пакет blob — контракт хранилища блобов.
// Блоб записывается потоком через Writer и читается потоком через Reader;
// целиком в памяти объект не держится ни на одном из путей.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound — блоб с такой ссылкой отсутствует или уже удалён.
	ErrNotFound = errors.New("блоб не найден")
	// ErrCapacityExceeded — объём записи превысил установленный потолок.
	ErrCapacityExceeded = errors.New("превышен максимальный размер блоба")
	// ErrInvalidRef — ссылка имеет недопустимый формат.
	ErrInvalidRef = errors.New("недопустимая ссылка на блоб")
)

// Store — хранилище блобов. Реализации безопасны для конкурентного использования.
type Store interface {
	// Create открывает новую потоковую запись.
	Create(ctx context.Context) (Writer, error)
	// Open открывает блоб на чтение. Размер известен до чтения первого байта.
	Open(ctx context.Context, ref string) (Reader, error)
	// Delete удаляет блоб. Повторный вызов не является ошибкой.
	Delete(ctx context.Context, ref string) error
	// List перечисляет все блобы, включая незавершённые записи.
	List(ctx context.Context) ([]Info, error)
}

// Writer — дескриптор потоковой записи. Завершается ровно одним из
// вызовов Commit или Abort.
type Writer interface {
	io.Writer
	// Ref возвращает ссылку, под которой блоб станет доступен после Commit.
	Ref() string
	// Written возвращает число принятых байт.
	Written() int64
	// Commit делает блоб долговечным и доступным для Open.
	Commit(ctx context.Context) (*Result, error)
	// Abort отбрасывает частично записанные данные.
	Abort(ctx context.Context) error
}

// Reader — дескриптор потокового чтения.
type Reader interface {
	io.ReadCloser
	// Size возвращает полный размер блоба в байтах.
	Size() int64
}

// Result — итог завершённой записи.
type Result struct {
	Ref      string
	Size     int64
	Checksum string
}

// Info — сведения о блобе для сверки.
type Info struct {
	Ref     string
	Size    int64
	ModTime time.Time
	// Partial — незавершённая запись (временный файл или multipart upload)
	Partial bool
}
