package forwarder

import (
	"context"
	"strconv"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/recovery"
	"telesmasher/internal/infra/logger"
)

// ChannelOutcome — исход полноканальной пересылки для одного канала.
type ChannelOutcome struct {
	ChannelID   int64
	ChannelName string
	Err         string
}

// ChannelsReport — агрегированный отчёт ForwardAllAccessibleChannels.
type ChannelsReport struct {
	Successful []ChannelOutcome
	Banned     []ChannelOutcome
	Failed     []ChannelOutcome
	Stats      Stats
}

// logSummaryLimit ограничивает список каналов в журнальной сводке.
const logSummaryLimit = 10

// ForwardAllAccessibleChannels прогоняет ForwardMessages для каждого канала
// из реестра доступности. Канал ведёт аккаунт с известным access_hash;
// ошибки каналов изолированы. Permission-ошибки считаются баном.
func (f *Forwarder) ForwardAllAccessibleChannels(ctx context.Context, destination string) (ChannelsReport, error) {
	var report ChannelsReport

	channels, err := f.store.GetAllUniqueChannels(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list unique channels")
	}
	if len(channels) == 0 {
		return report, errors.New("access registry is empty; run a dialogs scan first")
	}
	logger.Infof("forwarder: forwarding %d accessible channels to %s", len(channels), destination)

	for _, ch := range channels {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		outcome := ChannelOutcome{ChannelID: ch.ChannelID, ChannelName: ch.ChannelName}
		res, fwErr := f.ForwardMessages(ctx, strconv.FormatInt(ch.ChannelID, 10), destination, Options{
			AccountPhone: ch.AccountPhone,
		})
		report.Stats.add(res.Stats)

		switch {
		case fwErr == nil:
			report.Successful = append(report.Successful, outcome)
		case recovery.Classify(fwErr).Category == recovery.CategoryPermission:
			outcome.Err = recovery.Classify(fwErr).Category.String()
			report.Banned = append(report.Banned, outcome)
		default:
			outcome.Err = fwErr.Error()
			report.Failed = append(report.Failed, outcome)
			logger.Warnf("forwarder: channel %d (%s): %v", ch.ChannelID, ch.ChannelName, fwErr)
		}
	}

	logger.Infof("forwarder: full pass done: %d ok, %d banned, %d failed; %d messages, %d files",
		len(report.Successful), len(report.Banned), len(report.Failed),
		report.Stats.MessagesForwarded, report.Stats.FilesForwarded)
	logChannelClass("successful", report.Successful)
	logChannelClass("banned", report.Banned)
	logChannelClass("failed", report.Failed)
	return report, nil
}

// logChannelClass пишет в журнал первые logSummaryLimit каналов класса.
func logChannelClass(class string, outcomes []ChannelOutcome) {
	if len(outcomes) == 0 {
		return
	}
	shown := outcomes
	if len(shown) > logSummaryLimit {
		shown = shown[:logSummaryLimit]
	}
	for _, o := range shown {
		logger.Debugf("forwarder: %s: %d %s", class, o.ChannelID, o.ChannelName)
	}
	if rest := len(outcomes) - len(shown); rest > 0 {
		logger.Debugf("forwarder: %s: … and %d more", class, rest)
	}
}
