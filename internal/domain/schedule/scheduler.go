// Пакет schedule — cron-движок файловой пересылки. Включённые расписания
// регистрируются в robfig/cron (пять полей либо дескрипторы @hourly и
// подобные); срабатывание наполняет очередь и разбирает её. Повторное
// срабатывание расписания, которое ещё работает, коалесцируется — на одно
// расписание не больше одного экземпляра. Общая ширина — семафор
// max_concurrent_forwards.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"

	"telesmasher/internal/domain/forwarder"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/telegram/runtime"
	"telesmasher/internal/infra/timeutil"
)

// defaultConcurrency — ширина семафора, если конфигурация молчит.
const defaultConcurrency = 4

// Окно джиттера перед запуском сработавшего расписания (мс).
const (
	fireJitterMinMs = 200
	fireJitterMaxMs = 1500
)

// Runner — операции пересылки, которые дёргает движок.
type Runner interface {
	ForwardFilesBySchedule(ctx context.Context, scheduleID int64) (int, error)
	ProcessFileForwardQueue(ctx context.Context, accountPrefer string) (forwarder.DrainStats, error)
}

// Store отдаёт включённые расписания.
type Store interface {
	ListFileForwardSchedules(ctx context.Context, enabledOnly bool) ([]archive.FileForwardSchedule, error)
	QueueCounts(ctx context.Context) (pending, success, failed int, err error)
}

// Scheduler владеет cron-циклом и дисциплиной запуска.
type Scheduler struct {
	runner Runner
	store  Store
	cfg    config.Schedule

	cron *cron.Cron
	sem  chan struct{}

	// mu защищает running: advisory-замки расписаний.
	mu      sync.Mutex
	running map[int64]bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New собирает движок. Ширина семафора и таймзона cron-цикла берутся из
// конфигурации; нечитаемая таймзона откатывается на локальную с
// предупреждением.
func New(cfg config.Schedule, runner Runner, store Store) *Scheduler {
	width := cfg.MaxConcurrentForwards
	if width <= 0 {
		width = defaultConcurrency
	}
	parser := cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	loc := time.Local
	if cfg.Timezone != "" {
		parsed, err := timeutil.ParseLocation(cfg.Timezone)
		if err != nil {
			logger.Warnf("schedule: timezone %q: %v; using local", cfg.Timezone, err)
		} else {
			loc = parsed
		}
	}
	return &Scheduler{
		runner:  runner,
		store:   store,
		cfg:     cfg,
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		sem:     make(chan struct{}, width),
		running: make(map[int64]bool),
	}
}

// Start разбирает зависшие pending-строки очереди, регистрирует включённые
// расписания и запускает cron-цикл. Битые cron-выражения пропускаются с
// предупреждением, остальные расписания не страдают.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Строки, оставшиеся pending с прошлого запуска, дренируются до приёма
	// новых срабатываний.
	if pending, _, _, err := s.store.QueueCounts(s.ctx); err == nil && pending > 0 {
		logger.Infof("schedule: draining %d stale pending queue rows", pending)
		if _, drainErr := s.runner.ProcessFileForwardQueue(s.ctx, ""); drainErr != nil {
			logger.Warnf("schedule: startup drain: %v", drainErr)
		}
	}

	schedules, err := s.store.ListFileForwardSchedules(s.ctx, true)
	if err != nil {
		return errors.Wrap(err, "list schedules")
	}
	registered := 0
	for _, sched := range schedules {
		id := sched.ID
		_, addErr := s.cron.AddFunc(sched.CronExpr, func() {
			s.Fire(id)
		})
		if addErr != nil {
			logger.Warnf("schedule: %d bad cron %q: %v", id, sched.CronExpr, addErr)
			continue
		}
		registered++
	}

	s.cron.Start()
	logger.Infof("schedule: engine started, %d of %d schedules registered", registered, len(schedules))
	return nil
}

// Stop гасит cron и дожидается активных запусков.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
}

// Fire запускает один проход расписания: наполнение очереди и разбор.
// Повторный Fire работающего расписания — no-op (коалесцирование).
func (s *Scheduler) Fire(scheduleID int64) {
	s.mu.Lock()
	if s.running[scheduleID] {
		s.mu.Unlock()
		logger.Debugf("schedule: %d is still running, fire coalesced", scheduleID)
		return
	}
	s.running[scheduleID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, scheduleID)
			s.mu.Unlock()
		}()

		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-ctx.Done():
			return
		}

		// Джиттер размазывает одновременные срабатывания разных расписаний.
		runtime.WaitRandomTimeMs(ctx, fireJitterMinMs, fireJitterMaxMs)
		if ctx.Err() != nil {
			return
		}

		queued, err := s.runner.ForwardFilesBySchedule(ctx, scheduleID)
		if err != nil {
			logger.Warnf("schedule: %d scan: %v", scheduleID, err)
			return
		}
		if queued == 0 {
			return
		}
		if _, err := s.runner.ProcessFileForwardQueue(ctx, ""); err != nil {
			logger.Warnf("schedule: %d drain: %v", scheduleID, err)
		}
	}()
}

// Wait блокирует до завершения всех запущенных проходов. Для тестов и
// ручного режима.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
