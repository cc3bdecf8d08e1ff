package archive

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/messages"
)

// MonthCount — число сообщений за календарный месяц (UTC).
type MonthCount struct {
	Year  int
	Month time.Month
	Count int64
}

// DayCount — число сообщений за день. Page — номер страницы при листании
// месяца по pageSize дней, начиная с 1.
type DayCount struct {
	Day   int
	Count int64
	Page  int
}

// VerifyReport — итог проверки контрольных сумм: сколько строк проверено и
// какие id не сошлись с пересчётом.
type VerifyReport struct {
	Checked    int64
	Mismatched []int64
}

// Months возвращает помесячную хронологию архива по возрастанию.
func (e *Engine) Months(ctx context.Context) ([]MonthCount, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT strftime('%Y', date, 'unixepoch') AS y,
			strftime('%m', date, 'unixepoch') AS m,
			COUNT(*)
		FROM messages GROUP BY y, m ORDER BY y, m`)
	if err != nil {
		return nil, errors.Wrap(err, "query months")
	}
	defer func() { _ = rows.Close() }()

	var out []MonthCount
	for rows.Next() {
		var (
			y, m  int
			count int64
		)
		if err := rows.Scan(&y, &m, &count); err != nil {
			return nil, errors.Wrap(err, "scan month")
		}
		out = append(out, MonthCount{Year: y, Month: time.Month(m), Count: count})
	}
	return out, errors.Wrap(rows.Err(), "iterate months")
}

// Days возвращает подневную разбивку месяца целиком; каждой строке
// присваивается номер страницы по порядковому месту дня (pageSize <= 0 —
// одна страница).
func (e *Engine) Days(ctx context.Context, year int, month time.Month, pageSize int) ([]DayCount, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT CAST(strftime('%d', date, 'unixepoch') AS INTEGER) AS d, COUNT(*)
		FROM messages
		WHERE strftime('%Y', date, 'unixepoch') = printf('%04d', ?)
			AND strftime('%m', date, 'unixepoch') = printf('%02d', ?)
		GROUP BY d ORDER BY d`, year, int(month))
	if err != nil {
		return nil, errors.Wrap(err, "query days")
	}
	defer func() { _ = rows.Close() }()

	var out []DayCount
	for rows.Next() {
		var d DayCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, errors.Wrap(err, "scan day")
		}
		d.Page = 1
		if pageSize > 0 {
			d.Page = len(out)/pageSize + 1
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate days")
}

// VerifyChecksums пересчитывает контрольные суммы сообщений канала и сверяет
// их с записанными. channelID <= 0 проверяет весь архив; fromID/toID сужают
// диапазон id (0 — без границы).
func (e *Engine) VerifyChecksums(ctx context.Context, channelID, fromID, toID int64) (VerifyReport, error) {
	query := `
		SELECT id, type, date, content, COALESCE(media_id, 0), file_size, checksum
		FROM messages WHERE 1=1`
	args := []any{}
	if channelID > 0 {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	if fromID > 0 {
		query += ` AND id >= ?`
		args = append(args, fromID)
	}
	if toID > 0 {
		query += ` AND id <= ?`
		args = append(args, toID)
	}
	query += ` ORDER BY channel_id, id`

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return VerifyReport{}, errors.Wrap(err, "query messages for verify")
	}
	defer func() { _ = rows.Close() }()

	var report VerifyReport
	for rows.Next() {
		var (
			m       messages.Message
			date    int64
			fileID  int64
			size    int64
			content string
			stored  string
		)
		if err := rows.Scan(&m.ID, &m.Type, &date, &content, &fileID, &size, &stored); err != nil {
			return report, errors.Wrap(err, "scan message for verify")
		}
		m.Date = time.Unix(date, 0).UTC()
		m.Text = content
		if fileID != 0 {
			m.File = &messages.File{ID: fileID, Size: size}
		}
		report.Checked++
		if messages.ComputeChecksum(m) != stored {
			report.Mismatched = append(report.Mismatched, m.ID)
		}
	}
	return report, errors.Wrap(rows.Err(), "iterate messages for verify")
}
