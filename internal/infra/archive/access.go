package archive

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

// ChannelAccess — строка реестра доступности: какой аккаунт видит какой канал.
type ChannelAccess struct {
	AccountPhone string
	ChannelID    int64
	ChannelName  string
	AccessHash   int64
	LastSeen     time.Time
}

// UniqueChannel — канал с лучшим аккаунтом для доступа к нему.
type UniqueChannel struct {
	ChannelID    int64
	ChannelName  string
	AccountPhone string
}

// UpsertAccountChannelAccess фиксирует успешное разрешение канала аккаунтом.
// Повтор пары (phone, channel) обновляет имя, access_hash и отметку времени.
func (e *Engine) UpsertAccountChannelAccess(ctx context.Context, a ChannelAccess) error {
	seen := a.LastSeen
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO account_channel_access(account_phone, channel_id, channel_name, access_hash, last_seen)
			VALUES(?, ?, ?, ?, ?)
			ON CONFLICT(account_phone, channel_id) DO UPDATE SET
				channel_name = excluded.channel_name,
				access_hash = excluded.access_hash,
				last_seen = excluded.last_seen`,
			a.AccountPhone, a.ChannelID, a.ChannelName, a.AccessHash, seen.Unix())
		return errors.Wrapf(err, "upsert access %s/%d", a.AccountPhone, a.ChannelID)
	})
}

// GetAllUniqueChannels возвращает каждый известный канал ровно один раз с
// лучшим аккаунтом: сначала предпочитаются записи с access_hash, при
// равенстве — более свежие.
func (e *Engine) GetAllUniqueChannels(ctx context.Context) ([]UniqueChannel, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT channel_id, channel_name, account_phone FROM (
			SELECT channel_id, COALESCE(channel_name, '') AS channel_name, account_phone,
				ROW_NUMBER() OVER (
					PARTITION BY channel_id
					ORDER BY (access_hash IS NOT NULL AND access_hash != 0) DESC, last_seen DESC
				) AS rank
			FROM account_channel_access
		) WHERE rank = 1
		ORDER BY channel_id`)
	if err != nil {
		return nil, errors.Wrap(err, "query unique channels")
	}
	defer func() { _ = rows.Close() }()

	var out []UniqueChannel
	for rows.Next() {
		var c UniqueChannel
		if err := rows.Scan(&c.ChannelID, &c.ChannelName, &c.AccountPhone); err != nil {
			return nil, errors.Wrap(err, "scan unique channel")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate unique channels")
}

// AccessHashFor возвращает сохранённый access_hash канала для аккаунта.
// ok=false, если пара неизвестна или хеш нулевой.
func (e *Engine) AccessHashFor(ctx context.Context, phone string, channelID int64) (int64, bool, error) {
	var hash int64
	err := e.db.QueryRowContext(ctx, `
		SELECT COALESCE(access_hash, 0) FROM account_channel_access
		WHERE account_phone = ? AND channel_id = ?`,
		phone, channelID).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "access hash %s/%d", phone, channelID)
	}
	return hash, hash != 0, nil
}
