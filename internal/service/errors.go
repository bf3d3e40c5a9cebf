// Пакет service — бизнес-логика VaultShare.
// errors.go — ошибки сервисного слоя, по которым HTTP-слой выбирает ответ.
package service

import "errors"

var (
	// ErrValidation — некорректные входные данные (срок жизни, поля формы, пароль).
	ErrValidation = errors.New("некорректный запрос")
	// ErrCapacityExceeded — файл больше допустимого размера.
	ErrCapacityExceeded = errors.New("превышен максимальный размер файла")
	// ErrNotFound — ссылка неизвестна, истекла или её данные недоступны.
	// Неизвестная и истёкшая ссылка для клиента неразличимы.
	ErrNotFound = errors.New("ссылка не найдена")
	// ErrCredentialRequired — ссылка защищена паролем, пароль не передан.
	ErrCredentialRequired = errors.New("требуется пароль")
	// ErrAccessDenied — передан неверный пароль.
	ErrAccessDenied = errors.New("доступ запрещён")
	// ErrUploadAborted — поток загрузки оборван клиентом.
	ErrUploadAborted = errors.New("загрузка прервана")
	// ErrStorageFailure — ошибка хранилища блобов или записей.
	ErrStorageFailure = errors.New("ошибка хранилища")
)
