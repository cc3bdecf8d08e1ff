package peersmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/tg"

	tgruntime "telesmasher/internal/infra/telegram/runtime"
)

// Джиттер между страницами маскирует пагинацию под ручное листание.
const (
	dialogFetchWaitMinMs = 500
	dialogFetchWaitMaxMs = 1500
	dialogFetchPageLimit = 100
)

var errDialogsNotModified = errors.New("dialogs not modified")

// dialogScan — итог полного обхода диалогов аккаунта: сырые сущности для
// peers.Manager, офлайн-снимок DialogRef для консоли и access_hash каналов
// для реестра доступности. Наполняется постранично.
type dialogScan struct {
	users []tg.UserClass
	chats []tg.ChatClass
	refs  []DialogRef

	titles map[DialogKind]map[int64]string
	// hashes — access_hash каналов; попутно служит офсетам пагинации.
	hashes     map[int64]int64
	userHashes map[int64]int64
}

func newDialogScan() *dialogScan {
	return &dialogScan{
		titles:     make(map[DialogKind]map[int64]string),
		hashes:     make(map[int64]int64),
		userHashes: make(map[int64]int64),
	}
}

// absorbEntities вбирает сущности страницы: заголовки для снимка и
// access_hash для офсетов и реестра.
func (sc *dialogScan) absorbEntities(batch *tg.MessagesDialogs) {
	for _, entity := range batch.Users {
		if u, ok := entity.(*tg.User); ok {
			sc.users = append(sc.users, u)
			sc.userHashes[u.ID] = u.AccessHash
			sc.putTitle(DialogKindUser, u.ID, strings.TrimSpace(u.FirstName+" "+u.LastName))
		}
	}
	for _, entity := range batch.Chats {
		switch c := entity.(type) {
		case *tg.Chat:
			sc.chats = append(sc.chats, c)
			sc.putTitle(DialogKindChat, c.ID, c.Title)
		case *tg.Channel:
			sc.chats = append(sc.chats, c)
			sc.putTitle(DialogKindChannel, c.ID, c.Title)
			if c.AccessHash != 0 {
				sc.hashes[c.ID] = c.AccessHash
			}
		}
	}
}

// absorbDialogs переводит диалоги страницы в записи снимка. Сущности диалога
// приходят в той же странице, поэтому заголовки уже известны.
func (sc *dialogScan) absorbDialogs(batch *tg.MessagesDialogs) {
	for _, dialog := range batch.Dialogs {
		switch dlg := dialog.(type) {
		case *tg.Dialog:
			if ref, ok := sc.refFromPeer(dlg.Peer); ok {
				sc.refs = append(sc.refs, ref)
			}
		case *tg.DialogFolder:
			if !dlg.Folder.Zero() {
				sc.refs = append(sc.refs, DialogRef{
					Kind:  DialogKindFolder,
					ID:    int64(dlg.Folder.ID),
					Title: dlg.Folder.Title,
				})
			}
		}
	}
}

func (sc *dialogScan) putTitle(kind DialogKind, id int64, title string) {
	if title == "" {
		return
	}
	if sc.titles[kind] == nil {
		sc.titles[kind] = make(map[int64]string)
	}
	sc.titles[kind][id] = title
}

func (sc *dialogScan) refFromPeer(peer tg.PeerClass) (DialogRef, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return DialogRef{Kind: DialogKindUser, ID: p.UserID, Title: sc.titles[DialogKindUser][p.UserID]}, true
	case *tg.PeerChat:
		return DialogRef{Kind: DialogKindChat, ID: p.ChatID, Title: sc.titles[DialogKindChat][p.ChatID]}, true
	case *tg.PeerChannel:
		return DialogRef{Kind: DialogKindChannel, ID: p.ChannelID, Title: sc.titles[DialogKindChannel][p.ChannelID]}, true
	default:
		return DialogRef{}, false
	}
}

// peerToInput строит офсетный peer следующей страницы из собранных хешей.
func (sc *dialogScan) peerToInput(peer tg.PeerClass) tg.InputPeerClass {
	switch entity := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: entity.UserID, AccessHash: sc.userHashes[entity.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: entity.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: entity.ChannelID, AccessHash: sc.hashes[entity.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}

// fetchDialogs выгружает весь список диалогов через MessagesGetDialogs с
// пагинацией по (offset_date, offset_id, offset_peer) и собирает dialogScan.
func fetchDialogs(ctx context.Context, api *tg.Client) (*dialogScan, error) {
	scan := newDialogScan()

	offsetDate := 0
	offsetID := 0
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	tgruntime.WaitRandomTimeMs(ctx, dialogFetchWaitMinMs, dialogFetchWaitMaxMs)

	for {
		resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogFetchPageLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("MessagesGetDialogs: %w", err)
		}

		batch, err := normalizeDialogsResponse(resp)
		if err != nil {
			if errors.Is(err, errDialogsNotModified) {
				return scan, nil
			}
			return nil, err
		}
		if len(batch.Dialogs) == 0 {
			break
		}

		scan.absorbEntities(batch)
		scan.absorbDialogs(batch)

		lastDialog := batch.Dialogs[len(batch.Dialogs)-1]
		prevOffsetDate := offsetDate
		prevOffsetID := offsetID

		switch dlg := lastDialog.(type) {
		case *tg.Dialog:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = scan.peerToInput(dlg.Peer)
		case *tg.DialogFolder:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = scan.peerToInput(dlg.Peer)
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if offsetDate == 0 {
			offsetDate = prevOffsetDate
		}
		if offsetID == 0 {
			offsetID = prevOffsetID
		}

		if len(batch.Dialogs) < dialogFetchPageLimit {
			break
		}

		tgruntime.WaitRandomTimeMs(ctx, dialogFetchWaitMinMs, dialogFetchWaitMaxMs)
	}

	return scan, nil
}

func normalizeDialogsResponse(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, errDialogsNotModified
	default:
		return nil, fmt.Errorf("unexpected dialogs response: %T", resp)
	}
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		switch item := msg.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return 0
}
