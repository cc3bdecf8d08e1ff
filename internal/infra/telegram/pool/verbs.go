package pool

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/tg"

	"telesmasher/internal/domain/attribution"
	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/logger"
)

const downloadPart = 512 * 1024

// Forward пересылает сообщения ids из from в to штатным глаголом Telegram.
// topicID направляет пересылку в топик форума.
func (s *Session) Forward(ctx context.Context, from, to messages.ResolvedEntity, ids []int64, topicID int64) error {
	if len(ids) == 0 {
		return nil
	}
	req := &tg.MessagesForwardMessagesRequest{
		FromPeer: from.Peer,
		ToPeer:   to.Peer,
		ID:       make([]int, len(ids)),
		RandomID: make([]int64, len(ids)),
	}
	for i, id := range ids {
		req.ID[i] = int(id)
		req.RandomID[i] = rand.Int64()
	}
	if topicID != 0 {
		req.SetTopMsgID(int(topicID))
	}

	return s.invoke(ctx, func(ctx context.Context) error {
		_, err := s.api.MessagesForwardMessages(ctx, req)
		return errors.Wrapf(err, "forward %d messages to %s", len(ids), to.Handle())
	})
}

// ForwardToSelf пересылает сообщения в «Избранное» текущего аккаунта.
func (s *Session) ForwardToSelf(ctx context.Context, from messages.ResolvedEntity, ids []int64) error {
	self := messages.ResolvedEntity{Peer: &tg.InputPeerSelf{}, Title: "saved messages"}
	return s.Forward(ctx, from, self, ids, 0)
}

// SendText отправляет текстовое сообщение. replyTo задаёт ответ или топик.
func (s *Session) SendText(ctx context.Context, to messages.ResolvedEntity, text string, replyTo int64) error {
	return s.invoke(ctx, func(ctx context.Context) error {
		var err error
		if replyTo != 0 {
			_, err = s.sender.To(to.Peer).Reply(int(replyTo)).Text(ctx, text)
		} else {
			_, err = s.sender.To(to.Peer).Text(ctx, text)
		}
		return errors.Wrapf(err, "send text to %s", to.Handle())
	})
}

// SendFile загружает файл и отправляет его документом с подписью.
func (s *Session) SendFile(ctx context.Context, to messages.ResolvedEntity, path, caption, mime string, replyTo int64) error {
	return s.invoke(ctx, func(ctx context.Context) error {
		u, err := s.upload.FromPath(ctx, path)
		if err != nil {
			return errors.Wrapf(err, "upload %s", filepath.Base(path))
		}

		doc := message.UploadedDocument(u, styling.Plain(caption)).
			Filename(filepath.Base(path))
		if mime != "" {
			doc = doc.MIME(mime)
		}

		if replyTo != 0 {
			_, err = s.sender.To(to.Peer).Reply(int(replyTo)).Media(ctx, doc)
		} else {
			_, err = s.sender.To(to.Peer).Media(ctx, doc)
		}
		return errors.Wrapf(err, "send file to %s", to.Handle())
	})
}

// Download скачивает медиа сообщения в path и возвращает итоговый путь.
// Реализует dedup.Downloader.
func (s *Session) Download(ctx context.Context, m messages.Message, path string) (string, error) {
	if m.Raw == nil || m.Raw.Media == nil {
		return "", errors.Errorf("message %d carries no media", m.ID)
	}
	loc, err := mediaLocation(m.Raw.Media)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create download dir")
	}

	err = s.invoke(ctx, func(ctx context.Context) error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return errors.Wrap(err, "create download target")
		}
		defer func() { _ = f.Close() }()

		dl := downloader.NewDownloader().WithPartSize(downloadPart)
		_, err = dl.Download(s.api, loc).Stream(ctx, f)
		return errors.Wrapf(err, "download media of message %d", m.ID)
	})
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// mediaLocation строит location для скачивания документа или фото.
func mediaLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, error) {
	switch md := media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			return nil, errors.New("document is unavailable")
		}
		return doc.AsInputDocumentFileLocation(), nil
	case *tg.MessageMediaPhoto:
		photo, ok := md.Photo.(*tg.Photo)
		if !ok {
			return nil, errors.New("photo is unavailable")
		}
		thumb := largestThumb(photo)
		if thumb == "" {
			return nil, errors.New("photo has no sizes")
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, nil
	default:
		return nil, errors.Errorf("media %T is not downloadable", media)
	}
}

func largestThumb(photo *tg.Photo) string {
	var thumb string
	var best int64
	for _, sz := range photo.Sizes {
		switch v := sz.(type) {
		case *tg.PhotoSize:
			if int64(v.Size) >= best {
				best = int64(v.Size)
				thumb = v.Type
			}
		case *tg.PhotoSizeProgressive:
			for _, s := range v.Sizes {
				if int64(s) >= best {
					best = int64(s)
					thumb = v.Type
				}
			}
		}
	}
	return thumb
}

// DeleteMessages удаляет сообщения в сущности. Для каналов и супергрупп —
// канальный глагол, для остальных — общий с ревокацией у обеих сторон.
func (s *Session) DeleteMessages(ctx context.Context, e messages.ResolvedEntity, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	intIDs := make([]int, len(ids))
	for i, id := range ids {
		intIDs[i] = int(id)
	}

	return s.invoke(ctx, func(ctx context.Context) error {
		if e.Kind == messages.ChatChannel || e.Kind == messages.ChatMegagroup || e.Kind == messages.ChatGigagroup {
			_, err := s.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: e.ID, AccessHash: e.AccessHash},
				ID:      intIDs,
			})
			return errors.Wrapf(err, "delete in channel %s", e.Handle())
		}
		_, err := s.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
			Revoke: true,
			ID:     intIDs,
		})
		return errors.Wrapf(err, "delete in %s", e.Handle())
	})
}

// GetParticipants возвращает недавних участников канала, не больше limit.
func (s *Session) GetParticipants(ctx context.Context, e messages.ResolvedEntity, limit int) ([]messages.User, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []messages.User
	err := s.invoke(ctx, func(ctx context.Context) error {
		resp, err := s.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
			Channel: &tg.InputChannel{ChannelID: e.ID, AccessHash: e.AccessHash},
			Filter:  &tg.ChannelParticipantsRecent{},
			Limit:   limit,
		})
		if err != nil {
			return errors.Wrapf(err, "participants of %s", e.Handle())
		}
		participants, ok := resp.(*tg.ChannelsChannelParticipants)
		if !ok {
			return nil
		}
		out = out[:0]
		for _, uc := range participants.Users {
			if u, isUser := uc.(*tg.User); isUser {
				out = append(out, messages.User{
					ID:        u.ID,
					Username:  u.Username,
					FirstName: u.FirstName,
					LastName:  u.LastName,
				})
			}
		}
		return nil
	})
	return out, err
}

// Repost обходит запрет пересылки: скачивает медиа во временный файл и
// отправляет новое сообщение с заголовком атрибуции. Временный файл
// удаляется на всех путях выхода. Возвращает число пересланных байтов.
func (s *Session) Repost(ctx context.Context, m messages.Message, to messages.ResolvedEntity, header string, scratchDir string) (int64, error) {
	text := attribution.Apply(header, m.Text)

	if !m.HasFile() {
		return 0, s.SendText(ctx, to, text, 0)
	}

	name := m.File.Name
	if name == "" {
		name = "file.bin"
	}
	tmp := filepath.Join(scratchDir, "repost-"+name)
	defer func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			logger.Warnf("pool: remove repost temp: %v", err)
		}
	}()

	path, err := s.Download(ctx, m, tmp)
	if err != nil {
		return 0, errors.Wrapf(err, "repost download %d", m.ID)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, "stat repost temp")
	}
	if err := s.SendFile(ctx, to, path, text, m.File.MIME, 0); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
