package forwarder_test

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telesmasher/internal/domain/attribution"
	"telesmasher/internal/domain/dedup"
	"telesmasher/internal/domain/forwarder"
	"telesmasher/internal/domain/messages"
	"telesmasher/internal/domain/recovery"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/telegram/pool"
)

type fakeSession struct {
	history    map[string][]messages.Message
	forwardErr error
	restricted bool

	forwarded [][]int64
	reposted  []int64
	headers   []string
}

func (s *fakeSession) Name() string  { return "test" }
func (s *fakeSession) Phone() string { return "+10000000000" }
func (s *fakeSession) Return()       {}

func (s *fakeSession) ResolveEntity(_ context.Context, handle string) (messages.ResolvedEntity, error) {
	return messages.ResolvedEntity{ID: int64(100 + len(handle)), Title: handle, Kind: messages.ChatChannel}, nil
}

// History повторяет контракт пула: сбор идёт от новых к старым, Limit
// оставляет самые свежие сообщения, результат разворачивается по возрастанию.
func (s *fakeSession) History(_ context.Context, from messages.ResolvedEntity, opts pool.HistoryOptions) ([]messages.Message, error) {
	stored := s.history[from.Title]
	var out []messages.Message
	for i := len(stored) - 1; i >= 0; i-- {
		m := stored[i]
		if opts.MinID > 0 && m.ID <= opts.MinID {
			break
		}
		out = append(out, m)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *fakeSession) Messages(_ context.Context, from messages.ResolvedEntity, ids []int64) ([]messages.Message, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []messages.Message
	for _, m := range s.history[from.Title] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeSession) Forward(_ context.Context, _, _ messages.ResolvedEntity, ids []int64, _ int64) error {
	if s.restricted {
		return tgerr.New(403, "CHAT_FORWARDS_RESTRICTED")
	}
	if s.forwardErr != nil {
		return s.forwardErr
	}
	cp := make([]int64, len(ids))
	copy(cp, ids)
	s.forwarded = append(s.forwarded, cp)
	return nil
}

func (s *fakeSession) Repost(_ context.Context, m messages.Message, _ messages.ResolvedEntity, header, _ string) (int64, error) {
	s.reposted = append(s.reposted, m.ID)
	s.headers = append(s.headers, header)
	if m.HasFile() {
		return m.File.Size, nil
	}
	return 0, nil
}

func (s *fakeSession) Download(_ context.Context, m messages.Message, path string) (string, error) {
	return path, nil
}

type fakePool struct {
	session *fakeSession
	saved   [][]int64
}

func (p *fakePool) Rent(_ context.Context, _ string) (forwarder.Session, error) {
	return p.session, nil
}

func (p *fakePool) RentByPhone(_ context.Context, _ string) (forwarder.Session, error) {
	return p.session, nil
}

func (p *fakePool) ForwardToSavedMessages(_ context.Context, _ messages.ResolvedEntity, ids []int64) error {
	cp := make([]int64, len(ids))
	copy(cp, ids)
	p.saved = append(p.saved, cp)
	return nil
}

type fakeStore struct {
	checkpoints []int64
	messages    []int64
	channels    []archive.UniqueChannel
	schedule    archive.FileForwardSchedule
	queue       []archive.QueueItem
	statuses    map[int64]string
	watermarks  map[int64]int64
	enqueued    []archive.QueueItem
	nextQueueID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:   make(map[int64]string),
		watermarks: make(map[int64]int64),
	}
}

func (st *fakeStore) UpsertUser(context.Context, messages.User) error { return nil }

func (st *fakeStore) UpsertMessage(_ context.Context, _ int64, m messages.Message) error {
	st.messages = append(st.messages, m.ID)
	return nil
}

func (st *fakeStore) SaveCheckpoint(_ context.Context, _, _ string, lastID int64) error {
	st.checkpoints = append(st.checkpoints, lastID)
	return nil
}

func (st *fakeStore) LatestCheckpoint(context.Context, string, string) (int64, bool, error) {
	return 0, false, nil
}

func (st *fakeStore) GetAllUniqueChannels(context.Context) ([]archive.UniqueChannel, error) {
	return st.channels, nil
}

func (st *fakeStore) IncrChannelForwardStats(context.Context, int64, int64, int64, int64) error {
	return nil
}

func (st *fakeStore) FileForwardScheduleByID(context.Context, int64) (archive.FileForwardSchedule, error) {
	return st.schedule, nil
}

func (st *fakeStore) AddToFileForwardQueue(_ context.Context, item archive.QueueItem) (int64, error) {
	st.nextQueueID++
	item.QueueID = st.nextQueueID
	st.enqueued = append(st.enqueued, item)
	return item.QueueID, nil
}

func (st *fakeStore) PendingQueue(context.Context, int) ([]archive.QueueItem, error) {
	pending := st.queue
	st.queue = nil
	return pending, nil
}

func (st *fakeStore) UpdateQueueStatus(_ context.Context, queueID int64, status string) error {
	if _, done := st.statuses[queueID]; done {
		return errors.Errorf("queue item %d already finished", queueID)
	}
	st.statuses[queueID] = status
	return nil
}

func (st *fakeStore) UpdateFileForwardWatermark(_ context.Context, id, lastMessageID int64) error {
	if st.watermarks[id] < lastMessageID {
		st.watermarks[id] = lastMessageID
	}
	return nil
}

func (st *fakeStore) IncrFileForwardStats(context.Context, int64, int64, int64, int64) error {
	return nil
}

func (st *fakeStore) CategoryGroup(context.Context, string) (int64, bool, error) {
	return 0, false, nil
}

func (st *fakeStore) IncrCategoryStats(context.Context, string, int64, int64) error { return nil }

func (st *fakeStore) AppendSortingAudit(context.Context, int64, string, int64) error { return nil }

type fakeOracle struct {
	dupFirstIDs map[int64]bool
	recorded    [][]int64
}

func (o *fakeOracle) IsDuplicate(_ context.Context, _ dedup.Downloader, group []messages.Message, _ int64) (bool, error) {
	return o.dupFirstIDs[group[0].ID], nil
}

func (o *fakeOracle) Record(_ context.Context, _ dedup.Downloader, group []messages.Message, _ int64) error {
	ids := make([]int64, len(group))
	for i, m := range group {
		ids[i] = m.ID
	}
	o.recorded = append(o.recorded, ids)
	return nil
}

func (o *fakeOracle) FlushProbes() {}

func testConfig() *config.Config {
	return &config.Config{
		Forwarding: config.Forwarding{
			EnableDeduplication:    true,
			ForwardWithAttribution: true,
		},
		Grouping: config.Grouping{Strategy: config.StrategyNone},
		Schedule: config.Schedule{MaxConcurrentForwards: 4},
	}
}

func msg(id int64, size int64) messages.Message {
	m := messages.Message{ID: id, Type: messages.TypeDocument, Text: "m"}
	if size > 0 {
		m.File = &messages.File{ID: id * 10, Name: "f.bin", MIME: "application/pdf", Size: size}
	}
	return m
}

func TestForwardMessagesSkipsDuplicatesAndRecords(t *testing.T) {
	t.Parallel()

	s := &fakeSession{history: map[string][]messages.Message{
		"src": {msg(1, 100), msg(2, 0), msg(3, 200)},
	}}
	p := &fakePool{session: s}
	st := newFakeStore()
	o := &fakeOracle{dupFirstIDs: map[int64]bool{2: true}}

	f := forwarder.New(testConfig(), p, st, o, nil, t.TempDir())
	res, err := f.ForwardMessages(context.Background(), "src", "dst", forwarder.Options{})
	if err != nil {
		t.Fatalf("ForwardMessages() error = %v", err)
	}

	wantForwarded := [][]int64{{1}, {3}}
	if !reflect.DeepEqual(s.forwarded, wantForwarded) {
		t.Fatalf("forwarded = %#v, want %#v", s.forwarded, wantForwarded)
	}
	if !reflect.DeepEqual(o.recorded, wantForwarded) {
		t.Fatalf("recorded = %#v, want %#v", o.recorded, wantForwarded)
	}
	if res.NewLastID != 3 {
		t.Fatalf("NewLastID = %d, want 3", res.NewLastID)
	}
	want := forwarder.Stats{MessagesForwarded: 2, FilesForwarded: 2, BytesForwarded: 300, GroupsSkipped: 1}
	if !reflect.DeepEqual(res.Stats, want) {
		t.Fatalf("Stats = %#v, want %#v", res.Stats, want)
	}
	if len(st.messages) != 3 {
		t.Fatalf("archived %d messages, want 3", len(st.messages))
	}
}

func TestForwardMessagesCheckpointsNeverRegress(t *testing.T) {
	t.Parallel()

	var hist []messages.Message
	for id := int64(1); id <= 250; id++ {
		hist = append(hist, msg(id, 0))
	}
	s := &fakeSession{history: map[string][]messages.Message{"src": hist}}
	p := &fakePool{session: s}
	st := newFakeStore()

	f := forwarder.New(testConfig(), p, st, &fakeOracle{}, nil, t.TempDir())
	res, err := f.ForwardMessages(context.Background(), "src", "dst", forwarder.Options{})
	if err != nil {
		t.Fatalf("ForwardMessages() error = %v", err)
	}

	if len(st.checkpoints) == 0 {
		t.Fatalf("checkpoints = none, want one per forwarded group")
	}
	// Позиция двигается только вперёд и только за пересланными группами:
	// откат чекпоинта при падении повторил бы уже доставленный хвост.
	prev := int64(0)
	for i, cp := range st.checkpoints {
		if cp < prev {
			t.Fatalf("checkpoints[%d] = %d after %d, want non-decreasing", i, cp, prev)
		}
		prev = cp
	}
	if prev != 250 || res.NewLastID != 250 {
		t.Fatalf("last checkpoint = %d, NewLastID = %d, want 250/250", prev, res.NewLastID)
	}
}

func TestForwardMessagesRestrictedFallsBackToRepost(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		restricted: true,
		history: map[string][]messages.Message{
			"src": {msg(7, 500)},
		},
	}
	p := &fakePool{session: s}
	attr := attribution.New(config.Attribution{
		Template:        "from {source_channel_name} #{message_id}",
		TimestampFormat: "2006-01-02",
	}, nil)

	f := forwarder.New(testConfig(), p, newFakeStore(), &fakeOracle{}, attr, t.TempDir())
	res, err := f.ForwardMessages(context.Background(), "src", "dst", forwarder.Options{})
	if err != nil {
		t.Fatalf("ForwardMessages() error = %v", err)
	}

	if !reflect.DeepEqual(s.reposted, []int64{7}) {
		t.Fatalf("reposted = %#v, want %#v", s.reposted, []int64{7})
	}
	wantHeader := "from src #7"
	if len(s.headers) != 1 || s.headers[0] != wantHeader {
		t.Fatalf("headers = %#v, want [%q]", s.headers, wantHeader)
	}
	if res.Stats.BytesForwarded != 500 {
		t.Fatalf("BytesForwarded = %d, want 500", res.Stats.BytesForwarded)
	}
}

func TestForwardMessagesAuthErrorIsFatal(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		forwardErr: recovery.Mark(errors.New("session revoked"), recovery.CategoryAuth),
		history: map[string][]messages.Message{
			"src": {msg(1, 0), msg(2, 0)},
		},
	}
	p := &fakePool{session: s}

	f := forwarder.New(testConfig(), p, newFakeStore(), &fakeOracle{}, nil, t.TempDir())
	if _, err := f.ForwardMessages(context.Background(), "src", "dst", forwarder.Options{}); err == nil {
		t.Fatalf("ForwardMessages() error = nil, want fatal auth error")
	}
}

func TestForwardAllAccessibleChannelsClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	s := &fakeSession{history: map[string][]messages.Message{}}
	p := &fakePool{session: s}
	st := newFakeStore()
	st.channels = []archive.UniqueChannel{
		{ChannelID: 11, ChannelName: "one", AccountPhone: "+1"},
		{ChannelID: 22, ChannelName: "two", AccountPhone: "+2"},
	}

	f := forwarder.New(testConfig(), p, st, &fakeOracle{}, nil, t.TempDir())
	report, err := f.ForwardAllAccessibleChannels(context.Background(), "dst")
	if err != nil {
		t.Fatalf("ForwardAllAccessibleChannels() error = %v", err)
	}
	// Пустые истории — оба канала успешны без пересланных сообщений.
	if len(report.Successful) != 2 || len(report.Banned) != 0 || len(report.Failed) != 0 {
		t.Fatalf("report classes = %d/%d/%d, want 2/0/0",
			len(report.Successful), len(report.Banned), len(report.Failed))
	}
}

func TestProcessFileForwardQueueStatusTransitions(t *testing.T) {
	t.Parallel()

	s := &fakeSession{history: map[string][]messages.Message{
		"src": {msg(5, 400)},
	}}
	p := &fakePool{session: s}
	st := newFakeStore()
	st.queue = []archive.QueueItem{
		{QueueID: 1, ScheduleID: 9, MessageID: 5, FileID: 50, Source: "src", Destination: "dst", Status: archive.StatusPending},
		{QueueID: 2, ScheduleID: 9, MessageID: 404, FileID: 51, Source: "src", Destination: "dst", Status: archive.StatusPending},
	}

	f := forwarder.New(testConfig(), p, st, &fakeOracle{}, nil, t.TempDir())
	stats, err := f.ProcessFileForwardQueue(context.Background(), "")
	if err != nil {
		t.Fatalf("ProcessFileForwardQueue() error = %v", err)
	}

	if stats.Succeeded != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %#v, want 1 success and 1 failure", stats)
	}
	if st.statuses[1] != archive.StatusSuccess {
		t.Fatalf("statuses[1] = %q, want %q", st.statuses[1], archive.StatusSuccess)
	}
	if !strings.HasPrefix(st.statuses[2], archive.StatusErrorPrefix) {
		t.Fatalf("statuses[2] = %q, want %q prefix", st.statuses[2], archive.StatusErrorPrefix)
	}
	if st.watermarks[9] != 5 {
		t.Fatalf("watermarks[9] = %d, want 5", st.watermarks[9])
	}
}

func TestForwardFilesByScheduleFiltersAndQueues(t *testing.T) {
	t.Parallel()

	s := &fakeSession{history: map[string][]messages.Message{
		"src": {
			msg(1, 100),  // проходит
			msg(2, 0),    // без файла
			msg(3, 5000), // слишком большой
			msg(4, 100),  // дубликат
		},
	}}
	p := &fakePool{session: s}
	st := newFakeStore()
	st.schedule = archive.FileForwardSchedule{
		ID: 3, Source: "src", Destination: "dst",
		MIMEWhitelist: []string{"application/pdf"},
		MaxSize:       1000, Priority: 2, Enabled: true,
	}
	o := &fakeOracle{dupFirstIDs: map[int64]bool{4: true}}

	f := forwarder.New(testConfig(), p, st, o, nil, t.TempDir())
	queued, err := f.ForwardFilesBySchedule(context.Background(), 3)
	if err != nil {
		t.Fatalf("ForwardFilesBySchedule() error = %v", err)
	}
	if queued != 1 {
		t.Fatalf("ForwardFilesBySchedule() = %d, want 1", queued)
	}
	if len(st.enqueued) != 1 || st.enqueued[0].MessageID != 1 || st.enqueued[0].Priority != 2 {
		t.Fatalf("enqueued = %#v, want message 1 with priority 2", st.enqueued)
	}
	if len(st.watermarks) != 0 {
		t.Fatalf("watermarks = %#v, want none before drain", st.watermarks)
	}
}

func TestMatchesScheduleFiltersTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		sched archive.FileForwardSchedule
		m     messages.Message
		want  bool
	}{
		{
			name:  "empty whitelist passes",
			sched: archive.FileForwardSchedule{},
			m:     msg(1, 10),
			want:  true,
		},
		{
			name:  "prefix entry",
			sched: archive.FileForwardSchedule{MIMEWhitelist: []string{"image/"}},
			m: messages.Message{ID: 1, File: &messages.File{
				ID: 1, MIME: "image/png", Size: 10,
			}},
			want: true,
		},
		{
			name:  "exact mismatch",
			sched: archive.FileForwardSchedule{MIMEWhitelist: []string{"image/png"}},
			m:     msg(1, 10),
			want:  false,
		},
		{
			name:  "below min size",
			sched: archive.FileForwardSchedule{MinSize: 100},
			m:     msg(1, 10),
			want:  false,
		},
		{
			name:  "above max size",
			sched: archive.FileForwardSchedule{MaxSize: 5},
			m:     msg(1, 10),
			want:  false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := forwarder.MatchesScheduleFilters(tc.sched, tc.m)
			if got != tc.want {
				t.Fatalf("MatchesScheduleFilters() = %#v, want %#v", got, tc.want)
			}
		})
	}
}
