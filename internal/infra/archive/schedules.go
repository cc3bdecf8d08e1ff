package archive

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
)

// ChannelForwardSchedule — cron-предикат полноканальной пересылки.
type ChannelForwardSchedule struct {
	ID            int64
	Source        string
	Destination   string
	CronExpr      string
	LastMessageID int64
	Enabled       bool
}

// FileForwardSchedule — cron-предикат файловой пересылки с фильтрами:
// whitelist MIME-типов и границы размера (0 — без ограничения).
type FileForwardSchedule struct {
	ID            int64
	Source        string
	Destination   string
	CronExpr      string
	MIMEWhitelist []string
	MinSize       int64
	MaxSize       int64
	Priority      int
	LastMessageID int64
	Enabled       bool
}

// AddChannelForwardSchedule создаёт расписание и возвращает его id.
func (e *Engine) AddChannelForwardSchedule(ctx context.Context, s ChannelForwardSchedule) (int64, error) {
	var id int64
	err := e.write(ctx, func(ctx context.Context) error {
		res, err := e.db.ExecContext(ctx, `
			INSERT INTO channel_forward_schedule(source, destination, cron_expr, last_message_id, is_enabled)
			VALUES(?, ?, ?, ?, ?)`,
			s.Source, s.Destination, s.CronExpr, s.LastMessageID, boolInt(s.Enabled))
		if err != nil {
			return errors.Wrap(err, "add channel schedule")
		}
		id, err = res.LastInsertId()
		return errors.Wrap(err, "channel schedule id")
	})
	return id, err
}

// AddFileForwardSchedule создаёт файловое расписание и возвращает его id.
func (e *Engine) AddFileForwardSchedule(ctx context.Context, s FileForwardSchedule) (int64, error) {
	var id int64
	err := e.write(ctx, func(ctx context.Context) error {
		res, err := e.db.ExecContext(ctx, `
			INSERT INTO file_forward_schedule(source, destination, cron_expr, mime_whitelist,
				min_size, max_size, priority, last_message_id, is_enabled)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Source, s.Destination, s.CronExpr, strings.Join(s.MIMEWhitelist, ","),
			s.MinSize, s.MaxSize, s.Priority, s.LastMessageID, boolInt(s.Enabled))
		if err != nil {
			return errors.Wrap(err, "add file schedule")
		}
		id, err = res.LastInsertId()
		return errors.Wrap(err, "file schedule id")
	})
	return id, err
}

// ListFileForwardSchedules возвращает файловые расписания; enabledOnly
// ограничивает выборку активными.
func (e *Engine) ListFileForwardSchedules(ctx context.Context, enabledOnly bool) ([]FileForwardSchedule, error) {
	query := `
		SELECT id, source, destination, cron_expr, COALESCE(mime_whitelist, ''),
			min_size, max_size, priority, last_message_id, is_enabled
		FROM file_forward_schedule`
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "query file schedules")
	}
	defer func() { _ = rows.Close() }()

	var out []FileForwardSchedule
	for rows.Next() {
		var (
			s       FileForwardSchedule
			mimes   string
			enabled int
		)
		if err := rows.Scan(&s.ID, &s.Source, &s.Destination, &s.CronExpr, &mimes,
			&s.MinSize, &s.MaxSize, &s.Priority, &s.LastMessageID, &enabled); err != nil {
			return nil, errors.Wrap(err, "scan file schedule")
		}
		if mimes != "" {
			s.MIMEWhitelist = strings.Split(mimes, ",")
		}
		s.Enabled = enabled != 0
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate file schedules")
}

// FileForwardScheduleByID возвращает одно файловое расписание.
func (e *Engine) FileForwardScheduleByID(ctx context.Context, id int64) (FileForwardSchedule, error) {
	all, err := e.ListFileForwardSchedules(ctx, false)
	if err != nil {
		return FileForwardSchedule{}, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return FileForwardSchedule{}, errors.Errorf("file schedule %d not found", id)
}

// ListChannelForwardSchedules возвращает канальные расписания.
func (e *Engine) ListChannelForwardSchedules(ctx context.Context, enabledOnly bool) ([]ChannelForwardSchedule, error) {
	query := `
		SELECT id, source, destination, cron_expr, last_message_id, is_enabled
		FROM channel_forward_schedule`
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "query channel schedules")
	}
	defer func() { _ = rows.Close() }()

	var out []ChannelForwardSchedule
	for rows.Next() {
		var (
			s       ChannelForwardSchedule
			enabled int
		)
		if err := rows.Scan(&s.ID, &s.Source, &s.Destination, &s.CronExpr,
			&s.LastMessageID, &enabled); err != nil {
			return nil, errors.Wrap(err, "scan channel schedule")
		}
		s.Enabled = enabled != 0
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate channel schedules")
}

// SetFileForwardScheduleEnabled включает или выключает файловое расписание.
func (e *Engine) SetFileForwardScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx,
			`UPDATE file_forward_schedule SET is_enabled = ? WHERE id = ?`,
			boolInt(enabled), id)
		return errors.Wrapf(err, "toggle file schedule %d", id)
	})
}

// UpdateFileForwardWatermark продвигает водяной знак расписания. Знак
// монотонный: откаты назад игнорируются.
func (e *Engine) UpdateFileForwardWatermark(ctx context.Context, id, lastMessageID int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			UPDATE file_forward_schedule SET last_message_id = ?
			WHERE id = ? AND last_message_id < ?`,
			lastMessageID, id, lastMessageID)
		return errors.Wrapf(err, "update watermark %d", id)
	})
}

// UpdateChannelForwardWatermark — то же для канального расписания.
func (e *Engine) UpdateChannelForwardWatermark(ctx context.Context, id, lastMessageID int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			UPDATE channel_forward_schedule SET last_message_id = ?
			WHERE id = ? AND last_message_id < ?`,
			lastMessageID, id, lastMessageID)
		return errors.Wrapf(err, "update channel watermark %d", id)
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
