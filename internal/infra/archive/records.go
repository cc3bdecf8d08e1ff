package archive

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/domain/recovery"
)

// ErrChecksumMismatch — попытка переписать сообщение с другой контрольной
// суммой. Пара (id, checksum) после первой записи неизменяема.
var ErrChecksumMismatch = recovery.Mark(
	errors.New("archive: message checksum mismatch"), recovery.CategoryDataIntegrity)

// UpsertUser вставляет или обновляет автора по его id.
func (e *Engine) UpsertUser(ctx context.Context, u messages.User) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO users(id, username, first_name, last_name)
			VALUES(?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				first_name = excluded.first_name,
				last_name = excluded.last_name`,
			u.ID, u.Username, u.FirstName, u.LastName)
		return errors.Wrapf(err, "upsert user %d", u.ID)
	})
}

// UpsertMedia вставляет или обновляет карточку медиа по её id.
func (e *Engine) UpsertMedia(ctx context.Context, m messages.Media) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO media(id, type, url, title, description, thumb, checksum)
			VALUES(?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type,
				url = excluded.url,
				title = excluded.title,
				description = excluded.description,
				thumb = excluded.thumb,
				checksum = excluded.checksum`,
			m.ID, m.Type, m.URL, m.Title, m.Description, m.Thumb, m.Checksum)
		return errors.Wrapf(err, "upsert media %d", m.ID)
	})
}

// UpsertMessage записывает сообщение источника channelID. В строку уходят
// только ссылки user_id/media_id; сами автор и медиа пишутся отдельными
// upsert'ами. Повторная запись с другой контрольной суммой отклоняется с
// ErrChecksumMismatch — существующая строка не меняется.
func (e *Engine) UpsertMessage(ctx context.Context, channelID int64, m messages.Message) error {
	checksum := m.Checksum
	if checksum == "" {
		checksum = messages.ComputeChecksum(m)
	}

	return e.write(ctx, func(ctx context.Context) error {
		var existing string
		err := e.db.QueryRowContext(ctx,
			`SELECT checksum FROM messages WHERE channel_id = ? AND id = ?`,
			channelID, m.ID).Scan(&existing)
		switch {
		case err == nil:
			if existing != checksum {
				return errors.Wrapf(ErrChecksumMismatch, "message %d in %d", m.ID, channelID)
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return errors.Wrapf(err, "read message %d checksum", m.ID)
		}

		var userID, mediaID, editDate, replyTo, topicID any
		var fileSize int64
		if m.SenderID != 0 {
			userID = m.SenderID
		}
		if id, ok := m.MediaID(); ok {
			mediaID = id
			fileSize = m.File.Size
		}
		if !m.EditDate.IsZero() {
			editDate = m.EditDate.Unix()
		}
		if m.ReplyTo != 0 {
			replyTo = m.ReplyTo
		}
		if m.TopicID != 0 {
			topicID = m.TopicID
		}

		_, err = e.db.ExecContext(ctx, `
			INSERT INTO messages(channel_id, id, type, date, edit_date, content,
				reply_to, topic_id, user_id, media_id, file_size, checksum)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, id) DO UPDATE SET
				type = excluded.type,
				edit_date = excluded.edit_date,
				content = excluded.content,
				reply_to = excluded.reply_to,
				topic_id = excluded.topic_id,
				user_id = excluded.user_id,
				media_id = excluded.media_id,
				file_size = excluded.file_size`,
			channelID, m.ID, m.Type, m.Date.Unix(), editDate, m.Text,
			replyTo, topicID, userID, mediaID, fileSize, checksum)
		return errors.Wrapf(err, "upsert message %d in %d", m.ID, channelID)
	})
}
