package archive_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/archive"
)

func openEngine(t *testing.T) *archive.Engine {
	t.Helper()
	e, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestUpsertMessageChecksum(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	m := messages.Message{
		ID:   10,
		Type: messages.TypeDocument,
		Date: time.Unix(1700000000, 0).UTC(),
		Text: "payload",
		File: &messages.File{ID: 555, Name: "a.zip", Size: 1024},
	}
	m.Checksum = messages.ComputeChecksum(m)

	if err := e.UpsertMessage(ctx, 42, m); err != nil {
		t.Fatalf("UpsertMessage() error = %v", err)
	}

	// Повтор с тем же содержимым — идемпотентен.
	if err := e.UpsertMessage(ctx, 42, m); err != nil {
		t.Fatalf("UpsertMessage() repeat error = %v", err)
	}

	// Изменённое содержимое меняет контрольную сумму и отклоняется.
	changed := m
	changed.Text = "tampered"
	changed.Checksum = messages.ComputeChecksum(changed)
	err := e.UpsertMessage(ctx, 42, changed)
	if !errors.Is(err, archive.ErrChecksumMismatch) {
		t.Fatalf("UpsertMessage() error = %v, want ErrChecksumMismatch", err)
	}
}

func TestCheckpointsAppendOnly(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	if _, ok, err := e.LatestCheckpoint(ctx, "@chan", "sync"); err != nil || ok {
		t.Fatalf("LatestCheckpoint() = ok=%v err=%v, want empty", ok, err)
	}

	for _, id := range []int64{100, 250, 400} {
		if err := e.SaveCheckpoint(ctx, "@chan", "sync", id); err != nil {
			t.Fatalf("SaveCheckpoint(%d) error = %v", id, err)
		}
	}

	got, ok, err := e.LatestCheckpoint(ctx, "@chan", "sync")
	if err != nil || !ok {
		t.Fatalf("LatestCheckpoint() = ok=%v err=%v", ok, err)
	}
	if got != 400 {
		t.Fatalf("LatestCheckpoint() = %d, want 400", got)
	}

	// Другой контекст того же entity изолирован.
	if _, ok, _ := e.LatestCheckpoint(ctx, "@chan", "files"); ok {
		t.Fatalf("LatestCheckpoint() leaked across contexts")
	}
}

func TestGetAllUniqueChannels(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	rows := []archive.ChannelAccess{
		{AccountPhone: "+10000000001", ChannelID: 1, ChannelName: "alpha", AccessHash: 0, LastSeen: base.Add(2 * time.Hour)},
		{AccountPhone: "+10000000002", ChannelID: 1, ChannelName: "alpha", AccessHash: 777, LastSeen: base},
		{AccountPhone: "+10000000001", ChannelID: 2, ChannelName: "beta", AccessHash: 888, LastSeen: base},
		{AccountPhone: "+10000000002", ChannelID: 2, ChannelName: "beta", AccessHash: 999, LastSeen: base.Add(time.Hour)},
	}
	for _, r := range rows {
		if err := e.UpsertAccountChannelAccess(ctx, r); err != nil {
			t.Fatalf("UpsertAccountChannelAccess() error = %v", err)
		}
	}

	got, err := e.GetAllUniqueChannels(ctx)
	if err != nil {
		t.Fatalf("GetAllUniqueChannels() error = %v", err)
	}
	// Канал 1: запись с access_hash побеждает более свежую без него.
	// Канал 2: обе с хешем, побеждает более свежая.
	want := []archive.UniqueChannel{
		{ChannelID: 1, ChannelName: "alpha", AccountPhone: "+10000000002"},
		{ChannelID: 2, ChannelName: "beta", AccountPhone: "+10000000002"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetAllUniqueChannels() = %#v, want %#v", got, want)
	}
}

func TestFileHashesScope(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	if err := e.AddFileHash(ctx, archive.FileHash{FileID: 1, SHA256: "aa"}); err != nil {
		t.Fatalf("AddFileHash() error = %v", err)
	}
	if err := e.AddChannelFileInventory(ctx, 100, 1, 10, 0); err != nil {
		t.Fatalf("AddChannelFileInventory() error = %v", err)
	}
	// Повтор тройки игнорируется молча.
	if err := e.AddChannelFileInventory(ctx, 100, 1, 10, 0); err != nil {
		t.Fatalf("AddChannelFileInventory() repeat error = %v", err)
	}

	cases := []struct {
		name    string
		sha     string
		channel int64
		want    bool
	}{
		{name: "globalHit", sha: "aa", channel: 0, want: true},
		{name: "globalMiss", sha: "bb", channel: 0, want: false},
		{name: "scopedHit", sha: "aa", channel: 100, want: true},
		{name: "scopedMiss", sha: "aa", channel: 200, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.HasSHA256(ctx, tc.sha, tc.channel)
			if err != nil {
				t.Fatalf("HasSHA256() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("HasSHA256(%q, %d) = %v, want %v", tc.sha, tc.channel, got, tc.want)
			}
		})
	}
}

func TestAddFileHashKeepsKnownNearHashes(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	if err := e.AddFileHash(ctx, archive.FileHash{
		FileID: 1, SHA256: "aa", PerceptualHash: "p:cafe", FuzzyHash: "3:abc",
	}); err != nil {
		t.Fatalf("AddFileHash() error = %v", err)
	}
	// Повторный расчёт без медиа-хешей не затирает уже известные.
	if err := e.AddFileHash(ctx, archive.FileHash{FileID: 1, SHA256: "aa"}); err != nil {
		t.Fatalf("AddFileHash() repeat error = %v", err)
	}

	got, err := e.ListNearHashes(ctx, 0)
	if err != nil {
		t.Fatalf("ListNearHashes() error = %v", err)
	}
	want := []archive.FileHash{
		{FileID: 1, SHA256: "aa", PerceptualHash: "p:cafe", FuzzyHash: "3:abc"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListNearHashes() = %#v, want %#v", got, want)
	}

	// Поздний расчёт с новым значением всё же обновляет.
	if err := e.AddFileHash(ctx, archive.FileHash{FileID: 1, SHA256: "aa", FuzzyHash: "3:def"}); err != nil {
		t.Fatalf("AddFileHash() update error = %v", err)
	}
	got, err = e.ListNearHashes(ctx, 0)
	if err != nil {
		t.Fatalf("ListNearHashes() error = %v", err)
	}
	if len(got) != 1 || got[0].FuzzyHash != "3:def" || got[0].PerceptualHash != "p:cafe" {
		t.Fatalf("ListNearHashes() = %#v, want updated fuzzy and kept perceptual", got)
	}
}

func TestDaysCoverWholeMonthWithPages(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	// Три дня июля: 3, 14 и 28 число; по одному сообщению, у 14-го — два.
	dates := []time.Time{
		time.Date(2025, time.July, 3, 10, 0, 0, 0, time.UTC),
		time.Date(2025, time.July, 14, 11, 0, 0, 0, time.UTC),
		time.Date(2025, time.July, 14, 12, 0, 0, 0, time.UTC),
		time.Date(2025, time.July, 28, 13, 0, 0, 0, time.UTC),
	}
	for i, d := range dates {
		m := messages.Message{ID: int64(i + 1), Type: messages.TypeText, Date: d, Text: "msg"}
		m.Checksum = messages.ComputeChecksum(m)
		if err := e.UpsertMessage(ctx, 7, m); err != nil {
			t.Fatalf("UpsertMessage(%d) error = %v", i+1, err)
		}
	}

	got, err := e.Days(ctx, 2025, time.July, 2)
	if err != nil {
		t.Fatalf("Days() error = %v", err)
	}
	// Месяц возвращается целиком; pageSize лишь нумерует страницы.
	want := []archive.DayCount{
		{Day: 3, Count: 1, Page: 1},
		{Day: 14, Count: 2, Page: 1},
		{Day: 28, Count: 1, Page: 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Days() = %#v, want %#v", got, want)
	}

	got, err = e.Days(ctx, 2025, time.July, 0)
	if err != nil {
		t.Fatalf("Days() error = %v", err)
	}
	for _, d := range got {
		if d.Page != 1 {
			t.Fatalf("Days() without paging: day %d on page %d, want 1", d.Day, d.Page)
		}
	}
}

func TestQueueOrderAndStatus(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	items := []archive.QueueItem{
		{MessageID: 1, FileID: 11, Source: "@src", Priority: 0},
		{MessageID: 2, FileID: 12, Source: "@src", Priority: 5},
		{MessageID: 3, FileID: 13, Source: "@src", Priority: 5},
		{MessageID: 4, FileID: 14, Source: "@src", Priority: 1},
	}
	ids := make([]int64, len(items))
	for i, it := range items {
		id, err := e.AddToFileForwardQueue(ctx, it)
		if err != nil {
			t.Fatalf("AddToFileForwardQueue() error = %v", err)
		}
		ids[i] = id
	}

	pending, err := e.PendingQueue(ctx, 0)
	if err != nil {
		t.Fatalf("PendingQueue() error = %v", err)
	}
	gotOrder := make([]int64, len(pending))
	for i, it := range pending {
		gotOrder[i] = it.MessageID
	}
	// Приоритет по убыванию, внутри класса — FIFO.
	want := []int64{2, 3, 4, 1}
	if !reflect.DeepEqual(gotOrder, want) {
		t.Fatalf("PendingQueue() order = %v, want %v", gotOrder, want)
	}

	if err := e.UpdateQueueStatus(ctx, ids[1], archive.StatusSuccess); err != nil {
		t.Fatalf("UpdateQueueStatus() error = %v", err)
	}
	// Переход выполняется ровно один раз.
	if err := e.UpdateQueueStatus(ctx, ids[1], archive.StatusErrorPrefix+"late"); err == nil {
		t.Fatalf("UpdateQueueStatus() second transition succeeded, want error")
	}

	p, s, f, err := e.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts() error = %v", err)
	}
	if p != 3 || s != 1 || f != 0 {
		t.Fatalf("QueueCounts() = %d/%d/%d, want 3/1/0", p, s, f)
	}
}

func TestWatermarkMonotone(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	id, err := e.AddFileForwardSchedule(ctx, archive.FileForwardSchedule{
		Source:      "@src",
		Destination: "@dst",
		CronExpr:    "0 * * * *",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("AddFileForwardSchedule() error = %v", err)
	}

	if err := e.UpdateFileForwardWatermark(ctx, id, 100); err != nil {
		t.Fatalf("UpdateFileForwardWatermark() error = %v", err)
	}
	// Откат назад игнорируется.
	if err := e.UpdateFileForwardWatermark(ctx, id, 50); err != nil {
		t.Fatalf("UpdateFileForwardWatermark() rollback error = %v", err)
	}

	s, err := e.FileForwardScheduleByID(ctx, id)
	if err != nil {
		t.Fatalf("FileForwardScheduleByID() error = %v", err)
	}
	if s.LastMessageID != 100 {
		t.Fatalf("LastMessageID = %d, want 100", s.LastMessageID)
	}
}

func TestVerifyChecksums(t *testing.T) {
	t.Parallel()

	e := openEngine(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		m := messages.Message{
			ID:   i,
			Type: messages.TypeText,
			Date: time.Unix(1700000000+i, 0).UTC(),
			Text: "msg",
		}
		m.Checksum = messages.ComputeChecksum(m)
		if err := e.UpsertMessage(ctx, 7, m); err != nil {
			t.Fatalf("UpsertMessage(%d) error = %v", i, err)
		}
	}

	report, err := e.VerifyChecksums(ctx, 7, 0, 0)
	if err != nil {
		t.Fatalf("VerifyChecksums() error = %v", err)
	}
	want := archive.VerifyReport{Checked: 3}
	if !reflect.DeepEqual(report, want) {
		t.Fatalf("VerifyChecksums() = %#v, want %#v", report, want)
	}
}
