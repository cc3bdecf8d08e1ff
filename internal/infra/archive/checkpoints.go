package archive

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

// SaveCheckpoint дописывает чекпоинт для пары (entity, context). Таблица
// только растёт: история сканов сохраняется, текущим считается последний
// по времени.
func (e *Engine) SaveCheckpoint(ctx context.Context, entity, scanCtx string, lastID int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO checkpoints(entity, context, last_message_id, checkpoint_time)
			VALUES(?, ?, ?, ?)`,
			entity, scanCtx, lastID, time.Now().UTC().Unix())
		return errors.Wrapf(err, "save checkpoint %s/%s", entity, scanCtx)
	})
}

// LatestCheckpoint возвращает последний чекпоинт пары (entity, context).
// ok=false, если чекпоинтов ещё нет.
func (e *Engine) LatestCheckpoint(ctx context.Context, entity, scanCtx string) (lastID int64, ok bool, err error) {
	err = e.db.QueryRowContext(ctx, `
		SELECT last_message_id FROM checkpoints
		WHERE entity = ? AND context = ?
		ORDER BY checkpoint_time DESC, id DESC LIMIT 1`,
		entity, scanCtx).Scan(&lastID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "latest checkpoint %s/%s", entity, scanCtx)
	}
	return lastID, true, nil
}
