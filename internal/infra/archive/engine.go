// Пакет archive — реляционное хранилище платформы: сообщения, авторы, медиа,
// чекпоинты, хеши файлов, инвентарь каналов, расписания и очередь файловой
// пересылки. Движок — единственный владелец всех персистентных строк; другие
// компоненты читают запросами и меняют состояние только через операции этого
// пакета.
//
// Конкурентная модель: один логический писатель. Все мутации проходят через
// write(), который сериализует их мьютексом и повторяет при занятой базе
// (WAL-контеншн) с экспоненциальной паузой 1s/2s/4s. Читатели не блокируются.
// Транзакции никогда не держатся через сетевые вызовы.
package archive

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	sqlite3 "github.com/mattn/go-sqlite3"

	"telesmasher/internal/infra/logger"
)

// Параметры повторов при SQLITE_BUSY: три повтора с паузами 1s, 2s, 4s.
const (
	writeRetries   = 3
	writeRetryBase = time.Second
)

// Engine — SQLite-движок архива.
type Engine struct {
	db *sql.DB

	// mu сериализует мутации: база однописательная, и очередь в памяти
	// дешевле, чем контеншн на файле.
	mu sync.Mutex
}

// Open открывает (или создаёт) базу архива по пути path: включает WAL и
// внешние ключи, создаёт недостающие таблицы и применяет форвардные миграции.
func Open(path string) (*Engine, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create database directory %q", dir)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open database %q", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create schema")
	}

	e := &Engine{db: db}
	if err := e.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// Close закрывает базу.
func (e *Engine) Close() error {
	return e.db.Close()
}

// write выполняет мутацию под мьютексом писателя, повторяя её при занятой
// базе. Контекст прерывает паузы между повторами.
func (e *Engine) write(ctx context.Context, op func(ctx context.Context) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || !isBusy(err) || attempt >= writeRetries {
			return err
		}
		delay := writeRetryBase << attempt
		logger.Warnf("archive: database is busy, retrying in %s (attempt %d/%d)",
			delay, attempt+1, writeRetries)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// isBusy распознаёт ошибки контеншна WAL, имеющие смысл для повтора.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// migration — форвардный шаг схемы. Выполненные шаги фиксируются в
// migration_progress и не повторяются.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{
		name: "2026-02-queue-updated-index",
		stmt: `CREATE INDEX IF NOT EXISTS idx_queue_updated ON file_forward_queue(updated_at)`,
	},
}

func (e *Engine) applyMigrations(ctx context.Context) error {
	return e.write(ctx, func(ctx context.Context) error {
		for _, m := range migrations {
			var applied int
			err := e.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM migration_progress WHERE name = ?`, m.name).Scan(&applied)
			if err != nil {
				return errors.Wrapf(err, "check migration %q", m.name)
			}
			if applied > 0 {
				continue
			}
			if _, err := e.db.ExecContext(ctx, m.stmt); err != nil {
				return errors.Wrapf(err, "apply migration %q", m.name)
			}
			if _, err := e.db.ExecContext(ctx,
				`INSERT INTO migration_progress(name, applied_at) VALUES(?, ?)`,
				m.name, time.Now().UTC().Unix()); err != nil {
				return errors.Wrapf(err, "record migration %q", m.name)
			}
			logger.Infof("archive: applied migration %s", m.name)
		}
		return nil
	})
}
