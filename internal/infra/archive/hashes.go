package archive

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// FileHash — отпечатки одного файла: точный sha256 и опциональные
// перцептивный и fuzzy-хеши для поиска почти-дубликатов.
type FileHash struct {
	FileID         int64
	SHA256         string
	PerceptualHash string
	FuzzyHash      string
}

// AddFileHash записывает отпечатки файла. Повтор file_id обновляет строку:
// более поздний расчёт может добавить перцептивный или fuzzy-хеш, но пустое
// значение не затирает уже известное.
func (e *Engine) AddFileHash(ctx context.Context, h FileHash) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO file_hashes(file_id, sha256, perceptual_hash, fuzzy_hash, created_at)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(file_id) DO UPDATE SET
				sha256 = excluded.sha256,
				perceptual_hash = COALESCE(NULLIF(excluded.perceptual_hash, ''), file_hashes.perceptual_hash),
				fuzzy_hash = COALESCE(NULLIF(excluded.fuzzy_hash, ''), file_hashes.fuzzy_hash)`,
			h.FileID, h.SHA256, h.PerceptualHash, h.FuzzyHash, time.Now().UTC().Unix())
		return errors.Wrapf(err, "add file hash %d", h.FileID)
	})
}

// HasSHA256 проверяет точное совпадение отпечатка. channelID > 0 сужает
// поиск до файлов, замеченных в этом канале (join с инвентарём).
func (e *Engine) HasSHA256(ctx context.Context, sha string, channelID int64) (bool, error) {
	query := `SELECT COUNT(*) FROM file_hashes WHERE sha256 = ?`
	args := []any{sha}
	if channelID > 0 {
		query = `
			SELECT COUNT(*) FROM file_hashes h
			JOIN channel_file_inventory i ON i.file_id = h.file_id
			WHERE h.sha256 = ? AND i.channel_id = ?`
		args = append(args, channelID)
	}
	var n int
	if err := e.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, errors.Wrap(err, "lookup sha256")
	}
	return n > 0, nil
}

// AllSHA256 потоково читает все точные отпечатки. Используется для прогрева
// кеша дедупликации на старте.
func (e *Engine) AllSHA256(ctx context.Context, fn func(sha string) error) error {
	rows, err := e.db.QueryContext(ctx, `SELECT sha256 FROM file_hashes`)
	if err != nil {
		return errors.Wrap(err, "query sha256 set")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return errors.Wrap(err, "scan sha256")
		}
		if err := fn(sha); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "iterate sha256 set")
}

// ListNearHashes возвращает строки с заполненным перцептивным или fuzzy-хешем
// для сравнения на почти-дубликаты. channelID > 0 сужает до одного канала.
func (e *Engine) ListNearHashes(ctx context.Context, channelID int64) ([]FileHash, error) {
	query := `
		SELECT file_id, sha256, COALESCE(perceptual_hash, ''), COALESCE(fuzzy_hash, '')
		FROM file_hashes
		WHERE perceptual_hash IS NOT NULL OR fuzzy_hash IS NOT NULL`
	args := []any{}
	if channelID > 0 {
		query = `
			SELECT h.file_id, h.sha256, COALESCE(h.perceptual_hash, ''), COALESCE(h.fuzzy_hash, '')
			FROM file_hashes h
			JOIN channel_file_inventory i ON i.file_id = h.file_id
			WHERE (h.perceptual_hash IS NOT NULL OR h.fuzzy_hash IS NOT NULL)
				AND i.channel_id = ?`
		args = append(args, channelID)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query near hashes")
	}
	defer func() { _ = rows.Close() }()

	var out []FileHash
	for rows.Next() {
		var h FileHash
		if err := rows.Scan(&h.FileID, &h.SHA256, &h.PerceptualHash, &h.FuzzyHash); err != nil {
			return nil, errors.Wrap(err, "scan near hash")
		}
		out = append(out, h)
	}
	return out, errors.Wrap(rows.Err(), "iterate near hashes")
}

// AddChannelFileInventory отмечает появление файла в канале. Повтор тройки
// (channel, file, message) молча игнорируется.
func (e *Engine) AddChannelFileInventory(ctx context.Context, channelID, fileID, messageID, topicID int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		var topic any
		if topicID != 0 {
			topic = topicID
		}
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO channel_file_inventory(channel_id, file_id, message_id, topic_id)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(channel_id, file_id, message_id) DO NOTHING`,
			channelID, fileID, messageID, topic)
		return errors.Wrapf(err, "add inventory %d/%d/%d", channelID, fileID, messageID)
	})
}
