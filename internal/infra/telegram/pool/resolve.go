package pool

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/logger"
)

// ResolveEntity разрешает адрес сущности: @username, голый username или
// числовой id. Для id перебираются источники access_hash (кэш сессии, реестр
// доступности, кэш пиров, свежий скан диалогов), затем канал, чат и
// пользователь по порядку. Успешное разрешение канала экспортируется в
// реестр доступности.
func (s *Session) ResolveEntity(ctx context.Context, handle string) (messages.ResolvedEntity, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return messages.ResolvedEntity{}, errors.New("empty entity handle")
	}

	if raw, err := strconv.ParseInt(handle, 10, 64); err == nil {
		// Боты и экспорты пишут каналы как -100<id>; нормализуем к голому id.
		id := raw
		if strings.HasPrefix(handle, "-100") {
			id, _ = strconv.ParseInt(strings.TrimPrefix(handle, "-100"), 10, 64)
		} else if id < 0 {
			id = -id
		}
		return s.resolveID(ctx, id)
	}
	return s.resolveUsername(ctx, strings.TrimPrefix(handle, "@"))
}

func (s *Session) resolveUsername(ctx context.Context, username string) (messages.ResolvedEntity, error) {
	var resolved *tg.ContactsResolvedPeer
	err := s.invoke(ctx, func(ctx context.Context) error {
		var err error
		resolved, err = s.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: username,
		})
		return err
	})
	if err != nil {
		return messages.ResolvedEntity{}, errors.Wrapf(err, "resolve @%s", username)
	}

	for _, c := range resolved.Chats {
		switch chat := c.(type) {
		case *tg.Channel:
			return s.entityFromChannel(ctx, chat), nil
		case *tg.Chat:
			return entityFromChat(chat), nil
		}
	}
	for _, u := range resolved.Users {
		if user, ok := u.(*tg.User); ok {
			return entityFromUser(user), nil
		}
	}
	return messages.ResolvedEntity{}, errors.Errorf("resolve @%s: empty response", username)
}

func (s *Session) resolveID(ctx context.Context, id int64) (messages.ResolvedEntity, error) {
	if hash, ok := s.lookupAccessHash(ctx, id); ok {
		if e, err := s.resolveChannelID(ctx, id, hash); err == nil {
			return e, nil
		}
	}

	// Канал без известного access_hash достижим только через скан диалогов.
	if e, err := s.resolveFromDialogs(ctx, id); err == nil {
		return e, nil
	}

	// Легаси-чат access_hash не требует.
	var chats tg.MessagesChatsClass
	err := s.invoke(ctx, func(ctx context.Context) error {
		var err error
		chats, err = s.api.MessagesGetChats(ctx, []int64{id})
		return err
	})
	if err == nil {
		for _, c := range chats.GetChats() {
			if chat, ok := c.(*tg.Chat); ok && chat.ID == id {
				return entityFromChat(chat), nil
			}
		}
	}
	return messages.ResolvedEntity{}, errors.Errorf("entity %d is not reachable by this session", id)
}

func (s *Session) resolveChannelID(ctx context.Context, id, hash int64) (messages.ResolvedEntity, error) {
	var chats tg.MessagesChatsClass
	err := s.invoke(ctx, func(ctx context.Context) error {
		var err error
		chats, err = s.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
			&tg.InputChannel{ChannelID: id, AccessHash: hash},
		})
		return err
	})
	if err != nil {
		return messages.ResolvedEntity{}, errors.Wrapf(err, "get channel %d", id)
	}
	for _, c := range chats.GetChats() {
		if ch, ok := c.(*tg.Channel); ok && ch.ID == id {
			return s.entityFromChannel(ctx, ch), nil
		}
	}
	return messages.ResolvedEntity{}, errors.Errorf("channel %d not in response", id)
}

// resolveFromDialogs сканирует первую страницу диалогов в поисках сущности.
// Попутно найденные каналы оседают в кэше access_hash.
func (s *Session) resolveFromDialogs(ctx context.Context, id int64) (messages.ResolvedEntity, error) {
	var dlgs tg.MessagesDialogsClass
	err := s.invoke(ctx, func(ctx context.Context) error {
		var err error
		dlgs, err = s.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: &tg.InputPeerEmpty{},
			Limit:      100,
		})
		return err
	})
	if err != nil {
		return messages.ResolvedEntity{}, errors.Wrap(err, "scan dialogs")
	}

	var chats []tg.ChatClass
	var users []tg.UserClass
	switch d := dlgs.(type) {
	case *tg.MessagesDialogs:
		chats, users = d.Chats, d.Users
	case *tg.MessagesDialogsSlice:
		chats, users = d.Chats, d.Users
	}

	var found *messages.ResolvedEntity
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Channel:
			s.cacheAccessHash(chat.ID, chat.AccessHash)
			if chat.ID == id {
				e := s.entityFromChannel(ctx, chat)
				found = &e
			}
		case *tg.Chat:
			if chat.ID == id {
				e := entityFromChat(chat)
				found = &e
			}
		}
	}
	if found == nil {
		for _, u := range users {
			if user, ok := u.(*tg.User); ok && user.ID == id {
				e := entityFromUser(user)
				found = &e
			}
		}
	}
	if found == nil {
		return messages.ResolvedEntity{}, errors.Errorf("entity %d not among dialogs", id)
	}
	return *found, nil
}

// lookupAccessHash ищет access_hash канала: кэш сессии, затем реестр
// доступности архива.
func (s *Session) lookupAccessHash(ctx context.Context, id int64) (int64, bool) {
	s.accessMu.Lock()
	hash, ok := s.accessHash[id]
	s.accessMu.Unlock()
	if ok {
		return hash, true
	}

	if s.pool.access != nil {
		hash, ok, err := s.pool.access.AccessHashFor(ctx, s.Phone(), id)
		if err == nil && ok {
			s.cacheAccessHash(id, hash)
			return hash, true
		}
	}
	return 0, false
}

func (s *Session) cacheAccessHash(id, hash int64) {
	if hash == 0 {
		return
	}
	s.accessMu.Lock()
	s.accessHash[id] = hash
	s.accessMu.Unlock()
}

// entityFromChannel строит ResolvedEntity из tg.Channel, дотягивая описание
// из полной карточки (best effort), и экспортирует доступ в реестр.
func (s *Session) entityFromChannel(ctx context.Context, ch *tg.Channel) messages.ResolvedEntity {
	kind := messages.ChatMegagroup
	switch {
	case ch.Gigagroup:
		kind = messages.ChatGigagroup
	case ch.Broadcast:
		kind = messages.ChatChannel
	}

	e := messages.ResolvedEntity{
		ID:                ch.ID,
		AccessHash:        ch.AccessHash,
		Kind:              kind,
		Title:             ch.Title,
		Username:          ch.Username,
		ParticipantsCount: ch.ParticipantsCount,
		Peer:              &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
	}

	var full *tg.MessagesChatFull
	err := s.invoke(ctx, func(ctx context.Context) error {
		var err error
		full, err = s.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{
			ChannelID: ch.ID, AccessHash: ch.AccessHash,
		})
		return err
	})
	if err == nil {
		if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
			e.Description = cf.About
			if cf.ParticipantsCount > 0 {
				e.ParticipantsCount = cf.ParticipantsCount
			}
		}
	} else {
		logger.Debugf("pool: full channel %d: %v", ch.ID, err)
	}

	s.cacheAccessHash(ch.ID, ch.AccessHash)
	s.exportAccess(ctx, e)
	if s.peers != nil {
		_ = s.peers.Mgr.Apply(ctx, nil, []tg.ChatClass{ch})
	}
	return e
}

func entityFromChat(chat *tg.Chat) messages.ResolvedEntity {
	return messages.ResolvedEntity{
		ID:                chat.ID,
		Kind:              messages.ChatGroup,
		Title:             chat.Title,
		ParticipantsCount: chat.ParticipantsCount,
		Peer:              &tg.InputPeerChat{ChatID: chat.ID},
	}
}

func entityFromUser(user *tg.User) messages.ResolvedEntity {
	title := strings.TrimSpace(user.FirstName + " " + user.LastName)
	return messages.ResolvedEntity{
		ID:         user.ID,
		AccessHash: user.AccessHash,
		Kind:       messages.ChatUser,
		Title:      title,
		Username:   user.Username,
		Peer:       &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash},
	}
}

// exportAccess записывает пару (аккаунт, канал) в реестр доступности.
func (s *Session) exportAccess(ctx context.Context, e messages.ResolvedEntity) {
	if s.pool.access == nil || s.Phone() == "" {
		return
	}
	err := s.pool.access.UpsertAccountChannelAccess(ctx, archive.ChannelAccess{
		AccountPhone: s.Phone(),
		ChannelID:    e.ID,
		ChannelName:  e.Title,
		AccessHash:   e.AccessHash,
	})
	if err != nil {
		logger.Warnf("pool: export access %d: %v", e.ID, err)
	}
}
