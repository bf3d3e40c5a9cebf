// Пакет access — политика доступа к скачиванию по ссылке.
// Решение принимается только по записи и предъявленному паролю,
// без обращения к хранилищам.
package access

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/Nay2017/VaultShare/internal/domain/model"
)

// MaxCredentialLength — максимальная длина пароля в байтах (ограничение bcrypt).
const MaxCredentialLength = 72

// ErrCredentialTooLong — пароль длиннее MaxCredentialLength.
var ErrCredentialTooLong = errors.New("пароль длиннее 72 байт")

// Decision — результат проверки доступа.
type Decision int

const (
	// Allowed — скачивание разрешено
	Allowed Decision = iota
	// CredentialRequired — ссылка защищена, пароль не предъявлен
	CredentialRequired
	// AccessDenied — предъявлен неверный пароль
	AccessDenied
)

// String возвращает имя решения для логов и метрик.
func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case CredentialRequired:
		return "credential_required"
	case AccessDenied:
		return "access_denied"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Authorize решает, может ли скачивание продолжиться.
// Сравнение выполняет bcrypt за постоянное время относительно содержимого хеша.
// Повреждённый хеш трактуется как отказ.
func Authorize(rec *model.LinkRecord, presented string) Decision {
	if !rec.HasCredential() {
		return Allowed
	}
	if presented == "" {
		return CredentialRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.CredentialHash), []byte(presented)); err != nil {
		return AccessDenied
	}
	return Allowed
}

// HashCredential вычисляет bcrypt-хеш пароля с солью.
// Пустой пароль означает ссылку без защиты и даёт пустой хеш.
func HashCredential(plain string, cost int) (string, error) {
	if plain == "" {
		return "", nil
	}
	if len(plain) > MaxCredentialLength {
		return "", ErrCredentialTooLong
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("ошибка вычисления bcrypt-хеша: %w", err)
	}
	return string(h), nil
}
