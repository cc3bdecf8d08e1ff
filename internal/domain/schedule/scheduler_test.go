package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"telesmasher/internal/domain/forwarder"
	"telesmasher/internal/domain/schedule"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
)

type fakeRunner struct {
	mu         sync.Mutex
	scans      []int64
	drains     int
	queued     int
	blockScans chan struct{}
}

func (r *fakeRunner) ForwardFilesBySchedule(_ context.Context, scheduleID int64) (int, error) {
	r.mu.Lock()
	r.scans = append(r.scans, scheduleID)
	r.mu.Unlock()
	if r.blockScans != nil {
		<-r.blockScans
	}
	return r.queued, nil
}

func (r *fakeRunner) ProcessFileForwardQueue(context.Context, string) (forwarder.DrainStats, error) {
	r.mu.Lock()
	r.drains++
	r.mu.Unlock()
	return forwarder.DrainStats{}, nil
}

func (r *fakeRunner) snapshot() (scans []int64, drains int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.scans...), r.drains
}

type fakeStore struct {
	schedules []archive.FileForwardSchedule
	pending   int
}

func (s *fakeStore) ListFileForwardSchedules(context.Context, bool) ([]archive.FileForwardSchedule, error) {
	return s.schedules, nil
}

func (s *fakeStore) QueueCounts(context.Context) (int, int, int, error) {
	return s.pending, 0, 0, nil
}

func TestFireCoalescesOverlappingRuns(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{blockScans: make(chan struct{})}
	s := schedule.New(config.Schedule{MaxConcurrentForwards: 2}, r, &fakeStore{})

	s.Fire(7)
	s.Fire(7) // должен коалесцироваться: первый проход ещё жив
	s.Fire(8)

	// Даём горутинам дойти до скана, затем отпускаем.
	deadline := time.After(5 * time.Second)
	for {
		scans, _ := r.snapshot()
		if len(scans) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scans = %#v, want two started runs", scans)
		case <-time.After(10 * time.Millisecond):
		}
	}
	close(r.blockScans)
	s.Wait()

	scans, _ := r.snapshot()
	if len(scans) != 2 {
		t.Fatalf("scans = %#v, want exactly [7 8] in some order", scans)
	}
	seen := map[int64]int{}
	for _, id := range scans {
		seen[id]++
	}
	if seen[7] != 1 || seen[8] != 1 {
		t.Fatalf("scan counts = %#v, want one run per schedule", seen)
	}
}

func TestStartDrainsStalePendingRows(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	s := schedule.New(config.Schedule{}, r, &fakeStore{pending: 3})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	_, drains := r.snapshot()
	if drains != 1 {
		t.Fatalf("drains = %d, want 1 startup drain", drains)
	}
}

func TestFireSkipsDrainWhenNothingQueued(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{queued: 0}
	s := schedule.New(config.Schedule{}, r, &fakeStore{})

	s.Fire(1)
	s.Wait()

	scans, drains := r.snapshot()
	if len(scans) != 1 || drains != 0 {
		t.Fatalf("scans = %#v, drains = %d; want one scan and no drain", scans, drains)
	}
}

func TestFireDrainsAfterQueueing(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{queued: 4}
	s := schedule.New(config.Schedule{}, r, &fakeStore{})

	s.Fire(2)
	s.Wait()

	scans, drains := r.snapshot()
	if len(scans) != 1 || drains != 1 {
		t.Fatalf("scans = %#v, drains = %d; want one scan then one drain", scans, drains)
	}
}

func TestStartRegistersSchedulesWithBadCronIsolated(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	s := schedule.New(config.Schedule{}, r, &fakeStore{schedules: []archive.FileForwardSchedule{
		{ID: 1, CronExpr: "*/5 * * * *", Enabled: true},
		{ID: 2, CronExpr: "not a cron", Enabled: true},
		{ID: 3, CronExpr: "@hourly", Enabled: true},
	}})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
}
