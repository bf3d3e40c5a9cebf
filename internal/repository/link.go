package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Nay2017/VaultShare/internal/domain/model"
)

// linkColumns — список столбцов таблицы links для SELECT-запросов.
const linkColumns = `id::text, blob_ref, original_name, content_type, size_bytes, checksum,
	COALESCE(credential_hash, ''), created_at, expires_at, download_count`

// linkPKey — имя ограничения первичного ключа таблицы links.
const linkPKey = "links_pkey"

// LinkRepository — записи ссылок в таблице links.
type LinkRepository struct {
	db DBTX
}

// NewLinkRepository создаёт репозиторий записей ссылок.
func NewLinkRepository(db DBTX) *LinkRepository {
	return &LinkRepository{db: db}
}

// Put вставляет новую запись одним INSERT вместе с хешем пароля.
// Совпадение первичного ключа даёт ErrDuplicateLinkID.
func (r *LinkRepository) Put(ctx context.Context, rec *model.LinkRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO links (id, blob_ref, original_name, content_type, size_bytes, checksum,
			credential_hash, created_at, expires_at, download_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.BlobRef, rec.OriginalName, rec.ContentType, rec.SizeBytes, rec.Checksum,
		nullableString(rec.CredentialHash), rec.CreatedAt, rec.ExpiresAt, rec.DownloadCount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == linkPKey {
			return model.ErrDuplicateLinkID
		}
		return fmt.Errorf("ошибка создания записи ссылки: %w", err)
	}
	return nil
}

// Get возвращает запись по id или ErrLinkNotFound.
func (r *LinkRepository) Get(ctx context.Context, id string) (*model.LinkRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM links WHERE id = $1`, linkColumns)

	rec, err := scanLink(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFound(err) {
			return nil, model.ErrLinkNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи ссылки: %w", err)
	}
	return rec, nil
}

// IncrementDownloads атомарно увеличивает счётчик одним UPDATE.
func (r *LinkRepository) IncrementDownloads(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE links SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		if isNotFound(err) {
			return model.ErrLinkNotFound
		}
		return fmt.Errorf("ошибка обновления счётчика скачиваний: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrLinkNotFound
	}
	return nil
}

// Delete удаляет запись.
func (r *LinkRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM links WHERE id = $1`, id)
	if err != nil {
		if isNotFound(err) {
			return model.ErrLinkNotFound
		}
		return fmt.Errorf("ошибка удаления записи ссылки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrLinkNotFound
	}
	return nil
}

// ScanExpired возвращает до limit записей с expires_at <= now (0 — без ограничения).
func (r *LinkRepository) ScanExpired(ctx context.Context, now time.Time, limit int) ([]*model.LinkRecord, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	query := fmt.Sprintf(
		`SELECT %s FROM links WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2`, linkColumns)
	rows, err := r.db.Query(ctx, query, now, limitArg)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска истёкших ссылок: %w", err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.LinkRecord, error) {
		return scanLink(row)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения истёкших ссылок: %w", err)
	}
	return recs, nil
}

// ReferencesBlob сообщает, ссылается ли какая-либо запись на блоб.
func (r *LinkRepository) ReferencesBlob(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM links WHERE blob_ref = $1)`, ref).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки ссылки на блоб: %w", err)
	}
	return exists, nil
}

// scanLink читает одну строку linkColumns.
func scanLink(row pgx.Row) (*model.LinkRecord, error) {
	rec := &model.LinkRecord{}
	err := row.Scan(
		&rec.ID, &rec.BlobRef, &rec.OriginalName, &rec.ContentType, &rec.SizeBytes, &rec.Checksum,
		&rec.CredentialHash, &rec.CreatedAt, &rec.ExpiresAt, &rec.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

// isNotFound — нет строк или id не является UUID.
func isNotFound(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidTextRepresentation
}

// nullableString превращает пустую строку в NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
