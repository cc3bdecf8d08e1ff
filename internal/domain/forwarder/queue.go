package forwarder

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/domain/recovery"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/redact"
	"telesmasher/internal/infra/telegram/connection"
	"telesmasher/internal/infra/telegram/pool"
)

// drainBatch — размер страницы при выкачивании очереди.
const drainBatch = 100

// statusErrLimit ограничивает длину короткого описания ошибки в статусе строки.
const statusErrLimit = 60

// ForwardFilesBySchedule сканирует источник расписания от водяного знака,
// фильтрует файлы по whitelist MIME и границам размера, отсеивает дубликаты
// и ставит выживших в очередь. Водяной знак здесь не двигается: он пишется
// только после фактической пересылки при разборе очереди.
func (f *Forwarder) ForwardFilesBySchedule(ctx context.Context, scheduleID int64) (int, error) {
	sched, err := f.store.FileForwardScheduleByID(ctx, scheduleID)
	if err != nil {
		return 0, errors.Wrapf(err, "schedule %d", scheduleID)
	}
	if !sched.Enabled {
		return 0, nil
	}

	s, err := f.pool.Rent(ctx, "")
	if err != nil {
		return 0, errors.Wrap(err, "rent session")
	}
	defer s.Return()
	defer func() {
		if f.oracle != nil {
			f.oracle.FlushProbes()
		}
	}()

	from, err := s.ResolveEntity(ctx, sched.Source)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve source %s", sched.Source)
	}
	msgs, err := s.History(ctx, from, pool.HistoryOptions{MinID: sched.LastMessageID})
	if err != nil {
		return 0, errors.Wrapf(err, "history of %s", sched.Source)
	}

	queued := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			return queued, ctx.Err()
		}
		if !m.HasFile() || !MatchesScheduleFilters(sched, m) {
			continue
		}

		if f.cfg.ForwardingOptions().EnableDeduplication && f.oracle != nil {
			dup, dupErr := f.oracle.IsDuplicate(ctx, s, []messages.Message{m}, from.ID)
			if dupErr != nil {
				logger.Warnf("forwarder: schedule %d dedup %d: %v", scheduleID, m.ID, dupErr)
			} else if dup {
				continue
			}
		}

		_, addErr := f.store.AddToFileForwardQueue(ctx, archive.QueueItem{
			ScheduleID:  sched.ID,
			MessageID:   m.ID,
			FileID:      m.File.ID,
			Source:      sched.Source,
			Destination: sched.Destination,
			Priority:    sched.Priority,
		})
		if addErr != nil {
			return queued, errors.Wrapf(addErr, "enqueue message %d", m.ID)
		}
		queued++
	}

	logger.Infof("forwarder: schedule %d queued %d of %d scanned", scheduleID, queued, len(msgs))
	return queued, nil
}

// MatchesScheduleFilters сверяет файл с whitelist MIME и границами
// размера. Пустой whitelist пропускает всё; элемент вида "image/" работает
// как префикс.
func MatchesScheduleFilters(sched archive.FileForwardSchedule, m messages.Message) bool {
	size := m.File.Size
	if sched.MinSize > 0 && size < sched.MinSize {
		return false
	}
	if sched.MaxSize > 0 && size > sched.MaxSize {
		return false
	}
	if len(sched.MIMEWhitelist) == 0 {
		return true
	}
	mime := strings.ToLower(m.File.MIME)
	for _, want := range sched.MIMEWhitelist {
		want = strings.ToLower(strings.TrimSpace(want))
		if want == "" {
			continue
		}
		if strings.HasSuffix(want, "/") {
			if strings.HasPrefix(mime, want) {
				return true
			}
			continue
		}
		if mime == want {
			return true
		}
	}
	return false
}

// DrainStats — итог одного разбора очереди.
type DrainStats struct {
	Processed int
	Succeeded int
	Failed    int
	Bytes     int64
}

// ProcessFileForwardQueue разбирает pending-строки очереди в порядке
// приоритета, затем id. Каждая строка завершается ровно одним переходом
// статуса: success либо error:<краткая причина>. Отмена контекста оставляет
// неразобранные строки pending. Полоса пропускания выравнивается сном
// пропорционально размеру файла.
func (f *Forwarder) ProcessFileForwardQueue(ctx context.Context, accountPrefer string) (DrainStats, error) {
	var stats DrainStats

	s, err := f.pool.Rent(ctx, accountPrefer)
	if err != nil {
		return stats, errors.Wrap(err, "rent session")
	}
	defer s.Return()
	defer func() {
		if f.oracle != nil {
			f.oracle.FlushProbes()
		}
	}()

	entities := make(map[string]messages.ResolvedEntity)
	resolve := func(handle string) (messages.ResolvedEntity, error) {
		if e, ok := entities[handle]; ok {
			return e, nil
		}
		e, resolveErr := s.ResolveEntity(ctx, handle)
		if resolveErr != nil {
			return messages.ResolvedEntity{}, resolveErr
		}
		entities[handle] = e
		return e, nil
	}

	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		items, listErr := f.store.PendingQueue(ctx, drainBatch)
		if listErr != nil {
			return stats, errors.Wrap(listErr, "list pending queue")
		}
		if len(items) == 0 {
			return stats, nil
		}

		// Отправка требует живой сессии; дожидаемся связности перед пачкой.
		connection.WaitOnline(ctx)

		for _, item := range items {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Processed++

			sent, itemErr := f.drainItem(ctx, s, resolve, item)
			if itemErr != nil {
				stats.Failed++
				f.finishItem(ctx, item, StatusError(itemErr))
				if err := f.store.IncrFileForwardStats(ctx, item.ScheduleID, 0, 0, 1); err != nil {
					logger.Debugf("forwarder: queue stats %d: %v", item.ScheduleID, err)
				}
				if recovery.Classify(itemErr).Category == recovery.CategoryAuth {
					return stats, itemErr
				}
				continue
			}

			stats.Succeeded++
			stats.Bytes += sent
			f.finishItem(ctx, item, archive.StatusSuccess)
			if item.ScheduleID != 0 {
				if err := f.store.UpdateFileForwardWatermark(ctx, item.ScheduleID, item.MessageID); err != nil {
					logger.Warnf("forwarder: watermark schedule %d: %v", item.ScheduleID, err)
				}
				if err := f.store.IncrFileForwardStats(ctx, item.ScheduleID, 1, sent, 0); err != nil {
					logger.Debugf("forwarder: queue stats %d: %v", item.ScheduleID, err)
				}
			}

			f.bandwidthSleep(ctx, sent)
		}
	}
}

// drainItem пересылает одну строку очереди и возвращает число байтов файла.
func (f *Forwarder) drainItem(ctx context.Context, s Session, resolve func(string) (messages.ResolvedEntity, error), item archive.QueueItem) (int64, error) {
	from, err := resolve(item.Source)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve source %s", item.Source)
	}
	to, err := resolve(item.Destination)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve destination %s", item.Destination)
	}

	// Сообщение нужно целиком: размер для полосы и содержимое для репоста.
	// Выборка строго по id: хвост истории может быть сколь угодно далеко.
	fetched, err := s.Messages(ctx, from, []int64{item.MessageID})
	if err != nil {
		return 0, errors.Wrapf(err, "fetch message %d", item.MessageID)
	}
	if len(fetched) == 0 || fetched[0].ID != item.MessageID {
		return 0, errors.Errorf("message %d is gone from %s", item.MessageID, item.Source)
	}
	m := fetched[0]

	group := []messages.Message{m}
	sent, err := f.forwardOrRepost(ctx, s, from, to, group, []int64{m.ID})
	if err != nil {
		return 0, err
	}
	if m.HasFile() {
		sent = m.File.Size
	}

	if f.cfg.ForwardingOptions().EnableDeduplication && f.oracle != nil {
		if err := f.oracle.Record(ctx, s, group, from.ID); err != nil {
			logger.Warnf("forwarder: record queue item %d: %v", item.QueueID, err)
		}
	}
	f.auditSorting(ctx, m)
	return sent, nil
}

// finishItem выполняет единственный переход статуса строки очереди.
func (f *Forwarder) finishItem(ctx context.Context, item archive.QueueItem, status string) {
	if err := f.store.UpdateQueueStatus(ctx, item.QueueID, status); err != nil {
		logger.Warnf("forwarder: queue %d status %q: %v", item.QueueID, status, err)
	}
}

// auditSorting относит пересланный файл к категории по MIME-классу и пишет
// след в журнал сортировки и счётчики категории.
func (f *Forwarder) auditSorting(ctx context.Context, m messages.Message) {
	if !m.HasFile() {
		return
	}
	category := mimeCategory(m.File.MIME)
	groupID, ok, err := f.store.CategoryGroup(ctx, category)
	if err != nil {
		logger.Debugf("forwarder: category group %q: %v", category, err)
		return
	}
	if !ok {
		groupID = 0
	}
	if err := f.store.AppendSortingAudit(ctx, m.File.ID, category, groupID); err != nil {
		logger.Debugf("forwarder: sorting audit %d: %v", m.File.ID, err)
	}
	if err := f.store.IncrCategoryStats(ctx, category, 1, m.File.Size); err != nil {
		logger.Debugf("forwarder: category stats %q: %v", category, err)
	}
}

// mimeCategory сводит MIME-тип к грубому классу для сортировки.
func mimeCategory(mime string) string {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.Contains(mime, "zip"), strings.Contains(mime, "rar"),
		strings.Contains(mime, "7z"), strings.Contains(mime, "tar"),
		strings.Contains(mime, "gzip"):
		return "archive"
	case mime == "":
		return "other"
	default:
		return "document"
	}
}

// bandwidthSleep выравнивает совокупную полосу: сон пропорционален байтам,
// ушедшим в последнюю пересылку.
func (f *Forwarder) bandwidthSleep(ctx context.Context, sent int64) {
	kbps := f.cfg.ScheduleOptions().BandwidthLimitKBps
	if kbps <= 0 || sent <= 0 {
		return
	}
	d := time.Duration(float64(sent) / float64(kbps*1024) * float64(time.Second))
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// StatusError строит статус error:<краткая причина> с редакцией секретов.
func StatusError(err error) string {
	msg := redact.Error(err)
	msg = strings.ReplaceAll(msg, "\n", " ")
	if len(msg) > statusErrLimit {
		msg = msg[:statusErrLimit]
	}
	return archive.StatusErrorPrefix + msg
}
