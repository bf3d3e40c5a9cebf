// recovery.go — разбор незавершённых загрузок после рестарта.
//
// Процесс мог остановиться в любой точке загрузки. Для каждой
// pending WAL-транзакции:
//   - если на блоб ссылается запись, загрузка успела завершиться,
//     транзакция коммитится;
//   - иначе блоб (или его незавершённая часть) удаляется, транзакция
//     откатывается.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Nay2017/VaultShare/internal/storage/blob"
	"github.com/Nay2017/VaultShare/internal/storage/wal"
)

// RecoveryResult — итог восстановления.
type RecoveryResult struct {
	Committed  int
	RolledBack int
	Errors     int
}

// RecoverUploads разбирает pending транзакции журнала.
// Вызывается при старте, до приёма запросов.
func RecoverUploads(
	ctx context.Context,
	journal *wal.WAL,
	blobs blob.Store,
	links LinkStore,
	logger *slog.Logger,
) (*RecoveryResult, error) {
	logger = logger.With(slog.String("component", "recovery"))

	pending, err := journal.RecoverPending()
	if err != nil {
		return nil, fmt.Errorf("чтение WAL: %w", err)
	}

	result := &RecoveryResult{}
	for _, entry := range pending {
		referenced, err := links.ReferencesBlob(ctx, entry.BlobRef)
		if err != nil {
			logger.Error("Ошибка проверки ссылок на блоб",
				slog.String("tx_id", entry.TransactionID),
				slog.String("blob_ref", entry.BlobRef),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if referenced {
			if err := journal.Commit(entry.TransactionID, ""); err != nil {
				logger.Error("Ошибка коммита WAL при восстановлении",
					slog.String("tx_id", entry.TransactionID),
					slog.String("error", err.Error()),
				)
				result.Errors++
				continue
			}
			result.Committed++
			continue
		}

		if err := blobs.Delete(ctx, entry.BlobRef); err != nil {
			logger.Error("Ошибка удаления блоба незавершённой загрузки",
				slog.String("tx_id", entry.TransactionID),
				slog.String("blob_ref", entry.BlobRef),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		if err := journal.Rollback(entry.TransactionID); err != nil {
			logger.Error("Ошибка отката WAL при восстановлении",
				slog.String("tx_id", entry.TransactionID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.RolledBack++
	}

	if len(pending) > 0 {
		logger.Info("Восстановление незавершённых загрузок завершено",
			slog.Int("committed", result.Committed),
			slog.Int("rolled_back", result.RolledBack),
			slog.Int("errors", result.Errors),
		)
	}
	return result, nil
}
