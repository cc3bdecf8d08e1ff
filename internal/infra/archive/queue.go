package archive

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Статусы строки очереди. Ошибочный статус несёт короткую причину после
// двоеточия: "error:flood_wait".
const (
	StatusPending     = "pending"
	StatusSuccess     = "success"
	StatusErrorPrefix = "error:"
)

// QueueItem — строка очереди файловой пересылки. Source и Destination —
// адреса сущностей в нотации конфигурации (@handle или числовой id).
type QueueItem struct {
	QueueID     int64
	ScheduleID  int64
	MessageID   int64
	FileID      int64
	Source      string
	Destination string
	Priority    int
	Status      string
}

// AddToFileForwardQueue ставит файл в очередь со статусом pending.
func (e *Engine) AddToFileForwardQueue(ctx context.Context, item QueueItem) (int64, error) {
	var id int64
	err := e.write(ctx, func(ctx context.Context) error {
		var schedID, dest any
		if item.ScheduleID != 0 {
			schedID = item.ScheduleID
		}
		if item.Destination != "" {
			dest = item.Destination
		}
		now := time.Now().UTC().Unix()
		res, err := e.db.ExecContext(ctx, `
			INSERT INTO file_forward_queue(schedule_id, message_id, file_id, source,
				destination, priority, status, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			schedID, item.MessageID, item.FileID, item.Source,
			dest, item.Priority, StatusPending, now, now)
		if err != nil {
			return errors.Wrap(err, "enqueue file")
		}
		id, err = res.LastInsertId()
		return errors.Wrap(err, "queue row id")
	})
	return id, err
}

// PendingQueue возвращает pending-строки в порядке дренажа: приоритет по
// убыванию, внутри класса — строгий FIFO по queue_id. limit <= 0 — все.
func (e *Engine) PendingQueue(ctx context.Context, limit int) ([]QueueItem, error) {
	query := `
		SELECT queue_id, COALESCE(schedule_id, 0), message_id, file_id, source,
			COALESCE(destination, ''), priority, status
		FROM file_forward_queue
		WHERE status = ?
		ORDER BY priority DESC, queue_id ASC`
	args := []any{StatusPending}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query pending queue")
	}
	defer func() { _ = rows.Close() }()

	var out []QueueItem
	for rows.Next() {
		var it QueueItem
		if err := rows.Scan(&it.QueueID, &it.ScheduleID, &it.MessageID, &it.FileID,
			&it.Source, &it.Destination, &it.Priority, &it.Status); err != nil {
			return nil, errors.Wrap(err, "scan queue row")
		}
		out = append(out, it)
	}
	return out, errors.Wrap(rows.Err(), "iterate pending queue")
}

// UpdateQueueStatus переводит pending-строку в конечный статус. Переход
// выполняется ровно один раз: уже завершённая строка не перезаписывается.
func (e *Engine) UpdateQueueStatus(ctx context.Context, queueID int64, status string) error {
	return e.write(ctx, func(ctx context.Context) error {
		res, err := e.db.ExecContext(ctx, `
			UPDATE file_forward_queue SET status = ?, updated_at = ?
			WHERE queue_id = ? AND status = ?`,
			status, time.Now().UTC().Unix(), queueID, StatusPending)
		if err != nil {
			return errors.Wrapf(err, "update queue row %d", queueID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		if n == 0 {
			return errors.Errorf("queue row %d is not pending", queueID)
		}
		return nil
	})
}

// QueueCounts возвращает число строк по статусным классам для отчётов.
func (e *Engine) QueueCounts(ctx context.Context) (pending, success, failed int, err error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT CASE
			WHEN status = 'pending' THEN 'pending'
			WHEN status = 'success' THEN 'success'
			ELSE 'error'
		END AS class, COUNT(*)
		FROM file_forward_queue GROUP BY class`)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "count queue")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			class string
			n     int
		)
		if err := rows.Scan(&class, &n); err != nil {
			return 0, 0, 0, errors.Wrap(err, "scan queue count")
		}
		switch class {
		case "pending":
			pending = n
		case "success":
			success = n
		default:
			failed = n
		}
	}
	return pending, success, failed, errors.Wrap(rows.Err(), "iterate queue counts")
}
