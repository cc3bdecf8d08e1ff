// Package app — верхний уровень сборки приложения. Здесь связываются
// конфигурация, архив, пул MTProto-сессий, оракул дубликатов, пересыльщик,
// планировщик и консоль; отсюда запускаются командные режимы и
// обеспечивается корректный shutdown.
package app

import (
	"context"
	"path/filepath"

	"github.com/go-faster/errors"

	"telesmasher/internal/adapters/cli"
	"telesmasher/internal/domain/attribution"
	"telesmasher/internal/domain/dedup"
	"telesmasher/internal/domain/forwarder"
	"telesmasher/internal/domain/schedule"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/storage"
	"telesmasher/internal/infra/telegram/pool"
)

// Каталоги рабочих данных рядом с базой архива.
const (
	sessionsDirName = "sessions"
	peersDirName    = "peers"
)

// App агрегирует подсистемы и управляет их связью. Отвечает за:
//   - архив (SQLite) и реестр доступности каналов,
//   - пул авторизованных сессий с прокси и flood-wait дисциплиной,
//   - дедупликацию, атрибуцию и пересылку,
//   - планировщик файловой пересылки и операторскую консоль.
type App struct {
	cfg        *config.Config
	mainCtx    context.Context    // контекст жизненного цикла приложения
	mainCancel context.CancelFunc // инициирует общий shutdown

	engine  *archive.Engine
	pool    *pool.Pool
	oracle  *dedup.Oracle
	attr    *attribution.Formatter
	fwd     *forwarder.Forwarder
	sched   *schedule.Scheduler
	console *cli.Service
}

// attributionSink адаптирует архив к счётчику атрибуции форматтера.
type attributionSink struct {
	engine *archive.Engine
}

func (s attributionSink) Incr(sourceChannelID int64) {
	if err := s.engine.IncrAttributionStats(context.Background(), sourceChannelID); err != nil {
		logger.Debugf("app: attribution stats %d: %v", sourceChannelID, err)
	}
}

// New создаёт каркас приложения. Фактическая инициализация — в Init().
func New(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Config) *App {
	return &App{
		cfg:        cfg,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Init собирает подсистемы в порядке зависимостей: архив → пул → оракул →
// пересыльщик → планировщик → консоль. Сетевых соединений здесь нет: сессии
// пула поднимаются лениво при первой аренде.
func (a *App) Init() error {
	if err := storage.EnsureDir(a.cfg.DBPath); err != nil {
		return errors.Wrap(err, "ensure archive dir")
	}
	engine, err := archive.Open(a.cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	a.engine = engine

	dataDir := filepath.Dir(a.cfg.DBPath)
	a.pool = pool.New(a.cfg,
		filepath.Join(dataDir, sessionsDirName),
		filepath.Join(dataDir, peersDirName),
		engine)

	if a.cfg.ForwardingOptions().EnableDeduplication {
		oracle, oracleErr := dedup.New(engine, a.cfg.DedupOptions(), a.cfg.MediaDir)
		if oracleErr != nil {
			return errors.Wrap(oracleErr, "init dedup oracle")
		}
		if hydrateErr := oracle.Hydrate(a.mainCtx); hydrateErr != nil {
			return errors.Wrap(hydrateErr, "hydrate dedup oracle")
		}
		a.oracle = oracle
	}

	a.attr = attribution.New(a.cfg.AttributionOptions(), attributionSink{engine: engine})

	scratch, err := storage.ScratchDir(a.cfg.MediaDir)
	if err != nil {
		return errors.Wrap(err, "allocate scratch dir")
	}

	// Типизированный nil в интерфейсе ненулевой, поэтому оракул передаётся
	// только когда дедупликация включена.
	var oracle forwarder.Oracle
	if a.oracle != nil {
		oracle = a.oracle
	}
	a.fwd = forwarder.New(a.cfg, forwarder.WrapPool(a.pool), engine, oracle, a.attr, scratch)
	a.sched = schedule.New(a.cfg.ScheduleOptions(), a.fwd, engine)
	a.console = cli.NewService(a.cfg, a.pool, engine, a.fwd, a.mainCancel)

	logger.Debugf("app: initialized, %d account(s) configured", len(a.cfg.Accounts))
	return nil
}

// Close освобождает ресурсы в порядке, обратном инициализации. Пул гасит
// фоновые клиенты до закрытия архива, чтобы поздние записи не потерялись.
func (a *App) Close() {
	if a.oracle != nil {
		a.oracle.FlushProbes()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			logger.Warnf("app: close archive: %v", err)
		}
	}
	logger.Sync()
}
