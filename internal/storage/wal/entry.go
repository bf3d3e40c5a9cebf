// Пакет wal — файловый журнал загрузок.
// Каждая загрузка открывает транзакцию до записи первого байта блоба
// и закрывает её после создания записи ссылки (или отката).
// Каждая транзакция — отдельный файл {tx_id}.wal.json в VS_WAL_DIR.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpUpload — приём блоба и создание записи ссылки
	OpUpload OperationType = "upload"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — запись ссылки создана
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — блоб удалён, запись не создана
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись WAL.
type Entry struct {
	// TransactionID — уникальный идентификатор транзакции (UUID v4)
	TransactionID string `json:"transaction_id"`

	// Operation — тип операции
	Operation OperationType `json:"operation"`

	// Status — текущий статус транзакции
	Status TransactionStatus `json:"status"`

	// BlobRef — ссылка на блоб, который пишет транзакция
	BlobRef string `json:"blob_ref"`

	// LinkID — идентификатор созданной ссылки, заполняется при коммите
	LinkID string `json:"link_id,omitempty"`

	// StartedAt — время начала транзакции (UTC)
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время завершения транзакции (UTC).
	// nil для pending транзакций.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
