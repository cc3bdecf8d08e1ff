// Пакет grouping сегментирует поток сообщений источника на семантические
// группы — единицы пересылки. Вход отсортирован по возрастанию id; выход —
// упорядоченное разбиение: каждое сообщение попадает ровно в одну группу,
// группы идут по возрастанию id первого сообщения.
package grouping

import (
	"sort"
	"time"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/config"
)

// Options — стратегия сегментации и окно для стратегии time.
type Options struct {
	Strategy   string
	TimeWindow time.Duration
}

// FromConfig переводит секцию конфигурации в опции группировки.
func FromConfig(g config.Grouping) Options {
	return Options{
		Strategy:   g.Strategy,
		TimeWindow: time.Duration(g.TimeWindowSeconds) * time.Second,
	}
}

// Group разбивает msgs на группы согласно стратегии. Стратегия none даёт
// одиночные группы; time начинает новую группу при смене отправителя или
// разрыве дат больше окна; filename кластеризует многочастные файлы по
// (отправитель, основа имени, расширение).
func Group(msgs []messages.Message, opts Options) [][]messages.Message {
	if len(msgs) == 0 {
		return nil
	}
	switch opts.Strategy {
	case config.StrategyTime:
		return groupByTime(msgs, opts.TimeWindow)
	case config.StrategyFilename:
		return groupByFilename(msgs)
	default:
		return groupNone(msgs)
	}
}

func groupNone(msgs []messages.Message) [][]messages.Message {
	groups := make([][]messages.Message, len(msgs))
	for i, m := range msgs {
		groups[i] = []messages.Message{m}
	}
	return groups
}

// groupByTime идёт по списку и открывает новую группу, когда текущее
// сообщение отрывается от предыдущего: другой отправитель либо пауза больше
// окна. Сравнение с предыдущим сообщением цепочки, не с первым в группе.
func groupByTime(msgs []messages.Message, window time.Duration) [][]messages.Message {
	groups := [][]messages.Message{{msgs[0]}}
	for _, m := range msgs[1:] {
		last := &groups[len(groups)-1]
		prev := (*last)[len(*last)-1]
		if m.SenderID != prev.SenderID || m.Date.Sub(prev.Date) > window {
			groups = append(groups, []messages.Message{m})
			continue
		}
		*last = append(*last, m)
	}
	return groups
}

type nameKey struct {
	sender int64
	base   string
	ext    string
}

// groupByFilename кластеризует сообщения с файлами по разобранному имени.
// Сообщения без файла остаются одиночными группами. Внутри кластера порядок —
// по номеру части, затем по id; кластеры и одиночки упорядочиваются по id
// первого сообщения.
func groupByFilename(msgs []messages.Message) [][]messages.Message {
	type item struct {
		msg  messages.Message
		part int
	}
	clusters := make(map[nameKey][]item)
	keys := make([]nameKey, 0)
	var loose [][]messages.Message

	for _, m := range msgs {
		if !m.HasFile() || m.File.Name == "" {
			loose = append(loose, []messages.Message{m})
			continue
		}
		parsed := ParseName(m.File.Name)
		key := nameKey{sender: m.SenderID, base: parsed.Base, ext: parsed.Ext}
		if _, ok := clusters[key]; !ok {
			keys = append(keys, key)
		}
		clusters[key] = append(clusters[key], item{msg: m, part: parsed.N})
	}

	groups := make([][]messages.Message, 0, len(keys)+len(loose))
	for _, key := range keys {
		items := clusters[key]
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].part != items[j].part {
				return items[i].part < items[j].part
			}
			return items[i].msg.ID < items[j].msg.ID
		})
		group := make([]messages.Message, len(items))
		for i, it := range items {
			group[i] = it.msg
		}
		groups = append(groups, group)
	}
	groups = append(groups, loose...)

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i][0].ID < groups[j][0].ID
	})
	return groups
}
