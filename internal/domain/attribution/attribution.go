// Пакет attribution рендерит заголовок происхождения для пересылаемых
// сообщений: откуда, от кого и когда пришёл оригинал. Шаблон и формат времени
// задаются конфигурацией; для перечисленных направлений заголовок отключается.
package attribution

import (
	"strconv"
	"strings"
	"time"

	"telesmasher/internal/infra/config"
)

// StatsSink принимает учёт успешных атрибуций по каналу-источнику.
type StatsSink interface {
	Incr(sourceChannelID int64)
}

// Origin — контекст происхождения одного сообщения.
type Origin struct {
	SenderName        string
	SenderID          int64
	SourceChannelName string
	SourceChannelID   int64
	MessageID         int64
	Timestamp         time.Time
}

// Formatter подставляет поля Origin в шаблон. Значение создаётся на один
// прогон пересылки и передаётся явно.
type Formatter struct {
	template string
	tsFormat string
	disabled map[int64]struct{}
	stats    StatsSink
}

// New собирает форматтер из секции конфигурации. stats может быть nil —
// тогда учёт не ведётся.
func New(cfg config.Attribution, stats StatsSink) *Formatter {
	disabled := make(map[int64]struct{}, len(cfg.DisableAttributionForGroups))
	for _, id := range cfg.DisableAttributionForGroups {
		disabled[id] = struct{}{}
	}
	return &Formatter{
		template: cfg.Template,
		tsFormat: cfg.TimestampFormat,
		disabled: disabled,
		stats:    stats,
	}
}

// Format рендерит заголовок для сообщения, уходящего в destinationID.
// Для отключённых направлений и пустого шаблона возвращает пустую строку;
// успешный рендер инкрементирует счётчик канала-источника.
func (f *Formatter) Format(origin Origin, destinationID int64) string {
	if f.template == "" {
		return ""
	}
	if _, off := f.disabled[destinationID]; off {
		return ""
	}

	ts := ""
	if !origin.Timestamp.IsZero() {
		ts = origin.Timestamp.UTC().Format(f.tsFormat)
	}
	header := strings.NewReplacer(
		"{sender_name}", origin.SenderName,
		"{sender_id}", strconv.FormatInt(origin.SenderID, 10),
		"{source_channel_name}", origin.SourceChannelName,
		"{source_channel_id}", strconv.FormatInt(origin.SourceChannelID, 10),
		"{message_id}", strconv.FormatInt(origin.MessageID, 10),
		"{timestamp}", ts,
	).Replace(f.template)

	if f.stats != nil {
		f.stats.Incr(origin.SourceChannelID)
	}
	return header
}

// Apply приклеивает заголовок к тексту сообщения через пустую строку.
func Apply(header, text string) string {
	if header == "" {
		return text
	}
	if text == "" {
		return header
	}
	return header + "\n\n" + text
}
