package archive

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Таблицы статистики пишутся только на инкремент; чтение — отчётами консоли.

// IncrChannelForwardStats прибавляет счётчики пересылки канала.
func (e *Engine) IncrChannelForwardStats(ctx context.Context, channelID int64, msgs, files, bytes int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO channel_forward_stats(channel_id, messages_forwarded, files_forwarded, bytes_forwarded, updated_at)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET
				messages_forwarded = messages_forwarded + excluded.messages_forwarded,
				files_forwarded = files_forwarded + excluded.files_forwarded,
				bytes_forwarded = bytes_forwarded + excluded.bytes_forwarded,
				updated_at = excluded.updated_at`,
			channelID, msgs, files, bytes, time.Now().UTC().Unix())
		return errors.Wrapf(err, "incr channel stats %d", channelID)
	})
}

// IncrFileForwardStats прибавляет счётчики файлового расписания.
func (e *Engine) IncrFileForwardStats(ctx context.Context, scheduleID int64, files, bytes, errs int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO file_forward_stats(schedule_id, files_forwarded, bytes_forwarded, errors, updated_at)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(schedule_id) DO UPDATE SET
				files_forwarded = files_forwarded + excluded.files_forwarded,
				bytes_forwarded = bytes_forwarded + excluded.bytes_forwarded,
				errors = errors + excluded.errors,
				updated_at = excluded.updated_at`,
			scheduleID, files, bytes, errs, time.Now().UTC().Unix())
		return errors.Wrapf(err, "incr file stats %d", scheduleID)
	})
}

// IncrAttributionStats считает сообщения, ушедшие с заголовком атрибуции.
func (e *Engine) IncrAttributionStats(ctx context.Context, sourceChannelID int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO attribution_stats(source_channel_id, forwarded)
			VALUES(?, 1)
			ON CONFLICT(source_channel_id) DO UPDATE SET forwarded = forwarded + 1`,
			sourceChannelID)
		return errors.Wrapf(err, "incr attribution stats %d", sourceChannelID)
	})
}
