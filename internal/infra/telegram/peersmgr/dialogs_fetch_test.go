package peersmgr

import (
	"reflect"
	"testing"

	"github.com/gotd/td/tg"
)

func TestDialogScanAbsorbsPageIntoSnapshot(t *testing.T) {
	t.Parallel()

	batch := &tg.MessagesDialogs{
		Users: []tg.UserClass{
			&tg.User{ID: 10, AccessHash: 1010, FirstName: "Ada", LastName: "L"},
		},
		Chats: []tg.ChatClass{
			&tg.Chat{ID: 20, Title: "old group"},
			&tg.Channel{ID: 30, AccessHash: 3030, Title: "news feed"},
		},
		Dialogs: []tg.DialogClass{
			&tg.Dialog{Peer: &tg.PeerChannel{ChannelID: 30}},
			&tg.Dialog{Peer: &tg.PeerUser{UserID: 10}},
			&tg.Dialog{Peer: &tg.PeerChat{ChatID: 20}},
		},
	}

	scan := newDialogScan()
	scan.absorbEntities(batch)
	scan.absorbDialogs(batch)

	wantRefs := []DialogRef{
		{Kind: DialogKindChannel, ID: 30, Title: "news feed"},
		{Kind: DialogKindUser, ID: 10, Title: "Ada L"},
		{Kind: DialogKindChat, ID: 20, Title: "old group"},
	}
	if !reflect.DeepEqual(scan.refs, wantRefs) {
		t.Fatalf("refs = %#v, want %#v", scan.refs, wantRefs)
	}
	if !reflect.DeepEqual(scan.hashes, map[int64]int64{30: 3030}) {
		t.Fatalf("hashes = %#v, want channel 30 only", scan.hashes)
	}
	if len(scan.users) != 1 || len(scan.chats) != 2 {
		t.Fatalf("entities = %d users, %d chats, want 1/2", len(scan.users), len(scan.chats))
	}
}

func TestDialogScanPeerToInputUsesCollectedHashes(t *testing.T) {
	t.Parallel()

	scan := newDialogScan()
	scan.absorbEntities(&tg.MessagesDialogs{
		Users: []tg.UserClass{&tg.User{ID: 10, AccessHash: 1010}},
		Chats: []tg.ChatClass{&tg.Channel{ID: 30, AccessHash: 3030, Title: "t"}},
	})

	cases := []struct {
		name string
		peer tg.PeerClass
		want tg.InputPeerClass
	}{
		{
			name: "channel",
			peer: &tg.PeerChannel{ChannelID: 30},
			want: &tg.InputPeerChannel{ChannelID: 30, AccessHash: 3030},
		},
		{
			name: "user",
			peer: &tg.PeerUser{UserID: 10},
			want: &tg.InputPeerUser{UserID: 10, AccessHash: 1010},
		},
		{
			name: "plain chat",
			peer: &tg.PeerChat{ChatID: 20},
			want: &tg.InputPeerChat{ChatID: 20},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := scan.peerToInput(tc.peer)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("peerToInput() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestNormalizeDialogsResponse(t *testing.T) {
	t.Parallel()

	slice := &tg.MessagesDialogsSlice{
		Dialogs: []tg.DialogClass{&tg.Dialog{Peer: &tg.PeerChat{ChatID: 1}}},
	}
	got, err := normalizeDialogsResponse(slice)
	if err != nil {
		t.Fatalf("normalizeDialogsResponse() error = %v", err)
	}
	if len(got.Dialogs) != 1 {
		t.Fatalf("dialogs = %d, want 1", len(got.Dialogs))
	}

	if _, err := normalizeDialogsResponse(&tg.MessagesDialogsNotModified{}); err == nil {
		t.Fatalf("normalizeDialogsResponse(not modified) error = nil, want sentinel")
	}
}
