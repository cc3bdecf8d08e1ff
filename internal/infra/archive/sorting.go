package archive

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

// Сортировочный слой: файлы раскладываются по группам согласно грубой
// категории (image/video/audio/document), карта category → group задаётся
// оператором. Каждое применение карты оставляет след в журнале аудита.

// AddSortingGroup регистрирует группу назначения и возвращает её id.
// Повтор имени возвращает id существующей группы.
func (e *Engine) AddSortingGroup(ctx context.Context, name string) (int64, error) {
	var id int64
	err := e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO sorting_groups(name, created_at) VALUES(?, ?)
			ON CONFLICT(name) DO NOTHING`,
			name, time.Now().UTC().Unix())
		if err != nil {
			return errors.Wrapf(err, "add sorting group %q", name)
		}
		return errors.Wrapf(
			e.db.QueryRowContext(ctx, `SELECT id FROM sorting_groups WHERE name = ?`, name).Scan(&id),
			"sorting group %q id", name)
	})
	return id, err
}

// MapCategoryToGroup привязывает категорию файлов к группе назначения.
func (e *Engine) MapCategoryToGroup(ctx context.Context, category string, groupID int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO category_to_group_mapping(category, group_id) VALUES(?, ?)
			ON CONFLICT(category) DO UPDATE SET group_id = excluded.group_id`,
			category, groupID)
		return errors.Wrapf(err, "map category %q", category)
	})
}

// CategoryGroup возвращает группу для категории; ok=false, если карта не
// задана.
func (e *Engine) CategoryGroup(ctx context.Context, category string) (int64, bool, error) {
	var id int64
	err := e.db.QueryRowContext(ctx,
		`SELECT group_id FROM category_to_group_mapping WHERE category = ?`, category).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "category group %q", category)
	}
	return id, true, nil
}

// IncrCategoryStats прибавляет счётчики категории.
func (e *Engine) IncrCategoryStats(ctx context.Context, category string, files, bytes int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO category_stats(category, files, bytes) VALUES(?, ?, ?)
			ON CONFLICT(category) DO UPDATE SET
				files = files + excluded.files,
				bytes = bytes + excluded.bytes`,
			category, files, bytes)
		return errors.Wrapf(err, "incr category stats %q", category)
	})
}

// AppendSortingAudit дописывает строку аудита: какой файл какой категорией
// в какую группу ушёл. groupID = 0 — карта не применялась.
func (e *Engine) AppendSortingAudit(ctx context.Context, fileID int64, category string, groupID int64) error {
	return e.write(ctx, func(ctx context.Context) error {
		var group any
		if groupID != 0 {
			group = groupID
		}
		_, err := e.db.ExecContext(ctx, `
			INSERT INTO sorting_audit_log(file_id, category, group_id, created_at)
			VALUES(?, ?, ?, ?)`,
			fileID, category, group, time.Now().UTC().Unix())
		return errors.Wrapf(err, "append sorting audit %d", fileID)
	})
}
