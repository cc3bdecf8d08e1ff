package pool

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/telegram/runtime"
)

// HistoryOptions ограничивают выборку истории.
type HistoryOptions struct {
	MinID   int64 // только сообщения с id строго больше
	ReplyTo int64 // фильтр по топику форума; 0 — вся история
	Limit   int   // максимум сообщений; 0 — без ограничения
}

const historyPageSize = 100

// History выкачивает историю источника страницами вглубь и возвращает
// сообщения по возрастанию id. Между страницами выдерживается случайная
// пауза: равномерный темп выдаёт автоматизацию.
func (s *Session) History(ctx context.Context, from messages.ResolvedEntity, opts HistoryOptions) ([]messages.Message, error) {
	var out []messages.Message
	offsetID := 0
	pageSize := historyPageSize
	if b := s.pool.cfg.Batch; b > 0 && b < pageSize {
		pageSize = b
	}

	for {
		var history tg.MessagesMessagesClass
		err := s.invoke(ctx, func(ctx context.Context) error {
			var err error
			history, err = s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:     from.Peer,
				OffsetID: offsetID,
				MinID:    int(opts.MinID),
				Limit:    pageSize,
			})
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "history of %s", from.Handle())
		}

		var batch []tg.MessageClass
		var users []tg.UserClass
		switch h := history.(type) {
		case *tg.MessagesChannelMessages:
			batch, users = h.Messages, h.Users
		case *tg.MessagesMessagesSlice:
			batch, users = h.Messages, h.Users
		case *tg.MessagesMessages:
			batch, users = h.Messages, h.Users
		}
		if len(batch) == 0 {
			break
		}

		names := userNames(users)
		done := false
		for _, mc := range batch {
			raw, ok := mc.(*tg.Message)
			if !ok {
				continue
			}
			if opts.MinID > 0 && int64(raw.ID) <= opts.MinID {
				done = true
				break
			}
			m := convertMessage(raw, names)
			if opts.ReplyTo > 0 && m.TopicID != opts.ReplyTo {
				continue
			}
			out = append(out, m)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				done = true
				break
			}
		}
		if done {
			break
		}

		last := batch[len(batch)-1]
		if last.GetID() >= offsetID && offsetID != 0 {
			break
		}
		offsetID = last.GetID()

		if s.pool.cfg.SleepBetweenBatches > 0 {
			ms := int(s.pool.cfg.SleepBetweenBatches * 1000)
			runtime.WaitRandomTimeMs(ctx, ms/2, ms)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	// История приходит от новых к старым; конвейер ждёт возрастание id.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Messages возвращает сообщения источника по точным id. Отсутствующие id
// молча выпадают из ответа: сообщение могло быть удалено на сервере.
func (s *Session) Messages(ctx context.Context, from messages.ResolvedEntity, ids []int64) ([]messages.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	reqIDs := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		reqIDs[i] = &tg.InputMessageID{ID: int(id)}
	}

	var resp tg.MessagesMessagesClass
	err := s.invoke(ctx, func(ctx context.Context) error {
		var err error
		switch from.Kind {
		case messages.ChatChannel, messages.ChatMegagroup, messages.ChatGigagroup:
			resp, err = s.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: from.ID, AccessHash: from.AccessHash},
				ID:      reqIDs,
			})
		default:
			resp, err = s.api.MessagesGetMessages(ctx, reqIDs)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "messages of %s", from.Handle())
	}

	var batch []tg.MessageClass
	var users []tg.UserClass
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		batch, users = h.Messages, h.Users
	case *tg.MessagesMessagesSlice:
		batch, users = h.Messages, h.Users
	case *tg.MessagesMessages:
		batch, users = h.Messages, h.Users
	}

	names := userNames(users)
	out := make([]messages.Message, 0, len(batch))
	for _, mc := range batch {
		if raw, ok := mc.(*tg.Message); ok {
			out = append(out, convertMessage(raw, names))
		}
	}
	return out, nil
}

func userNames(users []tg.UserClass) map[int64]messages.User {
	names := make(map[int64]messages.User, len(users))
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			names[u.ID] = messages.User{
				ID:        u.ID,
				Username:  u.Username,
				FirstName: u.FirstName,
				LastName:  u.LastName,
			}
		}
	}
	return names
}

// convertMessage переводит сырое сообщение MTProto в словарь конвейера.
func convertMessage(raw *tg.Message, users map[int64]messages.User) messages.Message {
	m := messages.Message{
		ID:   int64(raw.ID),
		Type: messages.TypeText,
		Date: time.Unix(int64(raw.Date), 0).UTC(),
		Text: raw.Message,
		Raw:  raw,
	}
	if raw.EditDate != 0 {
		m.EditDate = time.Unix(int64(raw.EditDate), 0).UTC()
	}
	if reply, ok := raw.ReplyTo.(*tg.MessageReplyHeader); ok {
		m.ReplyTo = int64(reply.ReplyToMsgID)
		if reply.ReplyToTopID != 0 {
			m.TopicID = int64(reply.ReplyToTopID)
		} else if reply.ForumTopic {
			m.TopicID = int64(reply.ReplyToMsgID)
		}
	}
	if from, ok := raw.FromID.(*tg.PeerUser); ok {
		m.SenderID = from.UserID
		if u, known := users[from.UserID]; known {
			m.SenderName = u.DisplayName()
		}
	}

	classifyMedia(raw.Media, &m)
	return m
}

// classifyMedia определяет тип сообщения и вытаскивает атрибуты файла.
func classifyMedia(media tg.MessageMediaClass, m *messages.Message) {
	switch md := media.(type) {
	case nil:
	case *tg.MessageMediaPhoto:
		m.Type = messages.TypePhoto
		if photo, ok := md.Photo.(*tg.Photo); ok {
			m.File = &messages.File{
				ID:         photo.ID,
				AccessHash: photo.AccessHash,
				MIME:       "image/jpeg",
				Size:       photoSize(photo),
			}
		}
	case *tg.MessageMediaDocument:
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			m.Type = messages.TypeDocument
			return
		}
		m.Type = messages.TypeDocument
		m.File = &messages.File{
			ID:         doc.ID,
			AccessHash: doc.AccessHash,
			MIME:       doc.MimeType,
			Size:       doc.Size,
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				m.File.Name = a.FileName
			case *tg.DocumentAttributeVideo:
				m.Type = messages.TypeVideo
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					m.Type = messages.TypeVoice
				} else {
					m.Type = messages.TypeAudio
				}
			case *tg.DocumentAttributeSticker:
				m.Type = messages.TypeSticker
			case *tg.DocumentAttributeAnimated:
				m.Type = messages.TypeAnimation
			}
		}
	case *tg.MessageMediaPoll:
		m.Type = messages.TypePoll
	case *tg.MessageMediaWebPage:
		m.Type = messages.TypeWebpage
	case *tg.MessageMediaContact:
		m.Type = messages.TypeContact
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		m.Type = messages.TypeGeo
	default:
		m.Type = messages.TypeUnknown
	}
}

// photoSize возвращает размер самого крупного прогрессивного размера фото.
func photoSize(photo *tg.Photo) int64 {
	var best int64
	for _, sz := range photo.Sizes {
		switch v := sz.(type) {
		case *tg.PhotoSize:
			if int64(v.Size) > best {
				best = int64(v.Size)
			}
		case *tg.PhotoSizeProgressive:
			for _, s := range v.Sizes {
				if int64(s) > best {
					best = int64(s)
				}
			}
		}
	}
	return best
}
