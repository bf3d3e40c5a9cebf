// Пакет model — доменные модели VaultShare.
// LinkRecord — единая структура записи ссылки, используется как
// in-memory представление, формат JSON-файла записи и строка таблицы links.
package model

import (
	"errors"
	"slices"
	"time"
)

// AllowedExpiryHours — допустимые сроки жизни ссылки в часах.
var AllowedExpiryHours = []int{1, 24, 72, 168}

// IsAllowedExpiry проверяет, входит ли срок жизни в допустимый набор.
func IsAllowedExpiry(hours int) bool {
	return slices.Contains(AllowedExpiryHours, hours)
}

// Ошибки хранилища записей ссылок.
var (
	// ErrLinkNotFound — запись с таким идентификатором отсутствует.
	ErrLinkNotFound = errors.New("запись ссылки не найдена")
	// ErrDuplicateLinkID — запись с таким идентификатором уже существует.
	ErrDuplicateLinkID = errors.New("запись ссылки с таким идентификатором уже существует")
)

// LinkRecord — метаданные одной загрузки.
// Поля кроме DownloadCount неизменяемы после создания.
type LinkRecord struct {
	// ID — публичный идентификатор ссылки (UUID v4)
	ID string `json:"id"`

	// BlobRef — непрозрачная ссылка на байты в хранилище блобов.
	// Не возвращается в API.
	BlobRef string `json:"blob_ref"`

	// OriginalName — имя файла, указанное отправителем
	OriginalName string `json:"original_name"`

	// ContentType — MIME-тип файла
	ContentType string `json:"content_type"`

	// SizeBytes — размер сохранённых байт
	SizeBytes int64 `json:"size_bytes"`

	// Checksum — SHA-256 содержимого (hex)
	Checksum string `json:"checksum"`

	// CredentialHash — bcrypt-хеш пароля, пустой если пароль не задан
	CredentialHash string `json:"credential_hash,omitempty"`

	// CreatedAt — время создания (UTC)
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt — CreatedAt + срок жизни
	ExpiresAt time.Time `json:"expires_at"`

	// DownloadCount — число начатых скачиваний
	DownloadCount int64 `json:"download_count"`
}

// IsVisible сообщает, доступна ли запись в момент now.
// Видимость вычисляется только из ExpiresAt.
func (r *LinkRecord) IsVisible(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// HasCredential сообщает, защищена ли ссылка паролем.
func (r *LinkRecord) HasCredential() bool {
	return r.CredentialHash != ""
}

// Clone возвращает копию записи.
func (r *LinkRecord) Clone() *LinkRecord {
	c := *r
	return &c
}
