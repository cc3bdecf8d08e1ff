package forwarder

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telesmasher/internal/domain/attribution"
	"telesmasher/internal/domain/grouping"
	"telesmasher/internal/domain/messages"
	"telesmasher/internal/domain/recovery"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/telegram/pool"
)

// Контекст чекпоинтов пересылки.
const scanContext = "sync"

// ForwardMessages пересылает историю origin в destination: скан с позиции
// чекпоинта, архивация, группировка, затем конечный автомат по группам.
// Ошибка Auth фатальна для всей операции; прочие ошибки изолированы в
// границах группы.
func (f *Forwarder) ForwardMessages(ctx context.Context, origin, destination string, opts Options) (Result, error) {
	var res Result

	s, err := f.rent(ctx, opts)
	if err != nil {
		return res, errors.Wrap(err, "rent session")
	}
	defer s.Return()
	defer func() {
		if f.oracle != nil {
			f.oracle.FlushProbes()
		}
	}()

	from, err := s.ResolveEntity(ctx, origin)
	if err != nil {
		return res, errors.Wrapf(err, "resolve origin %s", origin)
	}
	to, err := s.ResolveEntity(ctx, destination)
	if err != nil {
		return res, errors.Wrapf(err, "resolve destination %s", destination)
	}

	startID := opts.StartMessageID
	if startID == 0 {
		if lastID, ok, cpErr := f.store.LatestCheckpoint(ctx, origin, scanContext); cpErr == nil && ok {
			startID = lastID
		}
	}

	msgs, err := s.History(ctx, from, pool.HistoryOptions{MinID: startID})
	if err != nil {
		return res, errors.Wrapf(err, "history of %s", origin)
	}
	if len(msgs) == 0 {
		return res, nil
	}
	f.archiveScan(ctx, from.ID, msgs)

	groups := grouping.Group(msgs, f.groupOpts)
	fw := f.cfg.ForwardingOptions()

	// Вторичное направление разрешается один раз на прогон.
	var secondary *messages.ResolvedEntity
	if fw.SecondaryUniqueDestination != 0 {
		if e, resolveErr := s.ResolveEntity(ctx, formatID(fw.SecondaryUniqueDestination)); resolveErr == nil {
			secondary = &e
		} else {
			logger.Warnf("forwarder: secondary destination %d: %v", fw.SecondaryUniqueDestination, resolveErr)
		}
	}

	for _, group := range groups {
		outcome, groupStats := f.forwardGroup(ctx, s, from, to, secondary, group)
		res.Stats.add(groupStats)
		switch outcome {
		case groupDone:
			res.NewLastID = group[0].ID
			last := group[len(group)-1].ID
			if err := f.store.SaveCheckpoint(ctx, origin, scanContext, last); err != nil {
				logger.Warnf("forwarder: checkpoint %s: %v", origin, err)
			}
		case groupFatal:
			return res, errors.Errorf("forwarding %s halted: authorization lost", origin)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}

	if err := f.store.IncrChannelForwardStats(ctx, from.ID,
		res.Stats.MessagesForwarded, res.Stats.FilesForwarded, res.Stats.BytesForwarded); err != nil {
		logger.Warnf("forwarder: channel stats %d: %v", from.ID, err)
	}
	return res, nil
}

type groupOutcome int

const (
	groupDone groupOutcome = iota
	groupSkipped
	groupFailed
	groupFatal
)

// forwardGroup гонит одну группу через автомат:
// Pending → Checked → PrimaryForwarded → (Recorded, Secondary?, Saved?) → Done.
// Группа не делится: частично пересланная группа не записывается в дедуп.
func (f *Forwarder) forwardGroup(ctx context.Context, s Session, from, to messages.ResolvedEntity, secondary *messages.ResolvedEntity, group []messages.Message) (groupOutcome, Stats) {
	var st Stats
	fw := f.cfg.ForwardingOptions()

	// Checked: любой дубликат в группе заражает всю группу.
	if fw.EnableDeduplication && f.oracle != nil {
		dup, err := f.oracle.IsDuplicate(ctx, s, group, from.ID)
		if err != nil {
			logger.Warnf("forwarder: dedup check group %d: %v", group[0].ID, err)
		} else if dup {
			logger.Debugf("forwarder: group %d is a duplicate, skipped", group[0].ID)
			st.GroupsSkipped++
			return groupSkipped, st
		}
	}

	ids := make([]int64, len(group))
	for i, m := range group {
		ids[i] = m.ID
	}

	// PrimaryForwarded: прямой форвард всей группы одним вызовом.
	if _, err := f.forwardOrRepost(ctx, s, from, to, group, ids); err != nil {
		class := recovery.Classify(err)
		if class.Category == recovery.CategoryAuth {
			logger.Errorf("forwarder: group %d: %v", group[0].ID, err)
			st.GroupsFailed++
			return groupFatal, st
		}
		logger.Warnf("forwarder: group %d failed (%s): %v", group[0].ID, class.Category, err)
		st.GroupsFailed++
		return groupFailed, st
	}
	st.MessagesForwarded += int64(len(group))
	for _, m := range group {
		if m.HasFile() {
			st.FilesForwarded++
			st.BytesForwarded += m.File.Size
		}
	}

	// Recorded: фиксация в дедупе только после успеха первичной пересылки.
	if fw.EnableDeduplication && f.oracle != nil {
		if err := f.oracle.Record(ctx, s, group, from.ID); err != nil {
			logger.Warnf("forwarder: record group %d: %v", group[0].ID, err)
		}
	}

	// Secondary и Saved — best effort: первичный результат уже состоялся.
	if secondary != nil {
		if err := s.Forward(ctx, from, *secondary, ids, 0); err != nil {
			logger.Warnf("forwarder: secondary forward group %d: %v", group[0].ID, err)
		}
	}
	if fw.ForwardToAllSavedMessages {
		if err := f.pool.ForwardToSavedMessages(ctx, from, ids); err != nil {
			logger.Warnf("forwarder: saved-messages fan-out group %d: %v", group[0].ID, err)
		}
	}
	return groupDone, st
}

// forwardOrRepost пробует прямой форвард; на запрете пересылки уходит в обход
// через скачивание и новое сообщение с заголовком атрибуции. Возвращает
// байты, пересланные репостом (прямой форвард байтов не качает).
func (f *Forwarder) forwardOrRepost(ctx context.Context, s Session, from, to messages.ResolvedEntity, group []messages.Message, ids []int64) (int64, error) {
	err := s.Forward(ctx, from, to, ids, 0)
	if err == nil {
		return 0, nil
	}
	if !tgerr.Is(err, "CHAT_FORWARDS_RESTRICTED") {
		return 0, err
	}

	logger.Infof("forwarder: %s restricts forwards, reposting group %d via download", from.Handle(), group[0].ID)
	var bytes int64
	for _, m := range group {
		header := ""
		if f.cfg.ForwardingOptions().ForwardWithAttribution && f.attr != nil {
			header = f.attr.Format(attribution.Origin{
				SenderName:        m.SenderName,
				SenderID:          m.SenderID,
				SourceChannelName: from.Title,
				SourceChannelID:   from.ID,
				MessageID:         m.ID,
				Timestamp:         m.Date,
			}, to.ID)
		}
		n, repostErr := s.Repost(ctx, m, to, header, f.scratchDir)
		if repostErr != nil {
			return bytes, errors.Wrapf(repostErr, "repost message %d", m.ID)
		}
		bytes += n
	}
	return bytes, nil
}

// archiveScan пишет просканированные сообщения и их авторов в архив. Чекпоинт
// здесь не двигается: позиция фиксируется только за пересланными группами,
// иначе падение между сканом и пересылкой молча потеряло бы хвост истории.
// Ошибки архивации не прерывают пересылку: запись идемпотентна и повторится
// на следующем прогоне.
func (f *Forwarder) archiveScan(ctx context.Context, channelID int64, msgs []messages.Message) {
	seenUsers := make(map[int64]struct{})
	for _, m := range msgs {
		if m.SenderID != 0 {
			if _, ok := seenUsers[m.SenderID]; !ok {
				seenUsers[m.SenderID] = struct{}{}
				if err := f.store.UpsertUser(ctx, messages.User{ID: m.SenderID, FirstName: m.SenderName}); err != nil {
					logger.Debugf("forwarder: upsert user %d: %v", m.SenderID, err)
				}
			}
		}
		if err := f.store.UpsertMessage(ctx, channelID, m); err != nil {
			logger.Warnf("forwarder: archive message %d: %v", m.ID, err)
		}
	}
}

func formatID(id int64) string {
	return messages.ResolvedEntity{ID: id}.Handle()
}
