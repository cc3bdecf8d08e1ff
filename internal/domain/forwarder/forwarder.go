// Пакет forwarder — конечный автомат пересылки: скан истории источника,
// группировка, дедупликация, прямой форвард с откатом на репост, вторичное
// направление и веер по «Избранному». Группа — неделимая единица: либо
// переслана и записана целиком, либо не тронула ни архив, ни дедуп.
package forwarder

import (
	"context"

	"telesmasher/internal/domain/attribution"
	"telesmasher/internal/domain/dedup"
	"telesmasher/internal/domain/grouping"
	"telesmasher/internal/domain/messages"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/telegram/pool"
)

// Session — арендованная сессия пула. Сессия занята вызывающим до Return.
type Session interface {
	dedup.Downloader

	Name() string
	Phone() string
	Return()

	ResolveEntity(ctx context.Context, handle string) (messages.ResolvedEntity, error)
	History(ctx context.Context, from messages.ResolvedEntity, opts pool.HistoryOptions) ([]messages.Message, error)
	Messages(ctx context.Context, from messages.ResolvedEntity, ids []int64) ([]messages.Message, error)
	Forward(ctx context.Context, from, to messages.ResolvedEntity, ids []int64, topicID int64) error
	Repost(ctx context.Context, m messages.Message, to messages.ResolvedEntity, header, scratchDir string) (int64, error)
}

// Pool выдаёт сессии и ведёт веер по «Избранному» активных аккаунтов.
type Pool interface {
	Rent(ctx context.Context, prefer string) (Session, error)
	RentByPhone(ctx context.Context, phone string) (Session, error)
	ForwardToSavedMessages(ctx context.Context, from messages.ResolvedEntity, ids []int64) error
}

// Store — операции архива, нужные пересылке.
type Store interface {
	UpsertUser(ctx context.Context, u messages.User) error
	UpsertMessage(ctx context.Context, channelID int64, m messages.Message) error
	SaveCheckpoint(ctx context.Context, entity, scanCtx string, lastID int64) error
	LatestCheckpoint(ctx context.Context, entity, scanCtx string) (int64, bool, error)
	GetAllUniqueChannels(ctx context.Context) ([]archive.UniqueChannel, error)
	IncrChannelForwardStats(ctx context.Context, channelID int64, msgs, files, bytes int64) error

	FileForwardScheduleByID(ctx context.Context, id int64) (archive.FileForwardSchedule, error)
	AddToFileForwardQueue(ctx context.Context, item archive.QueueItem) (int64, error)
	PendingQueue(ctx context.Context, limit int) ([]archive.QueueItem, error)
	UpdateQueueStatus(ctx context.Context, queueID int64, status string) error
	UpdateFileForwardWatermark(ctx context.Context, id, lastMessageID int64) error
	IncrFileForwardStats(ctx context.Context, scheduleID int64, files, bytes, errs int64) error

	CategoryGroup(ctx context.Context, category string) (int64, bool, error)
	IncrCategoryStats(ctx context.Context, category string, files, bytes int64) error
	AppendSortingAudit(ctx context.Context, fileID int64, category string, groupID int64) error
}

// Oracle отвечает на вопрос «видели ли мы эти файлы» и фиксирует пересланное.
type Oracle interface {
	IsDuplicate(ctx context.Context, dl dedup.Downloader, group []messages.Message, originChannel int64) (bool, error)
	Record(ctx context.Context, dl dedup.Downloader, group []messages.Message, originChannel int64) error
	FlushProbes()
}

// Stats — счётчики одного прогона пересылки.
type Stats struct {
	MessagesForwarded int64
	FilesForwarded    int64
	BytesForwarded    int64
	GroupsSkipped     int64
	GroupsFailed      int64
}

func (s *Stats) add(o Stats) {
	s.MessagesForwarded += o.MessagesForwarded
	s.FilesForwarded += o.FilesForwarded
	s.BytesForwarded += o.BytesForwarded
	s.GroupsSkipped += o.GroupsSkipped
	s.GroupsFailed += o.GroupsFailed
}

// Result — итог ForwardMessages. NewLastID — представительный id последней
// успешно пересланной группы; 0, если не переслано ничего.
type Result struct {
	NewLastID int64
	Stats     Stats
}

// Options выбирают аккаунт и стартовую позицию скана.
type Options struct {
	Account        string // имя сессии; пусто — любой активный
	AccountPhone   string // телефон аккаунта; приоритетнее Account
	StartMessageID int64  // 0 — продолжить с последнего чекпоинта
}

// Forwarder связывает пул, архив, оракула и форматтер атрибуции.
type Forwarder struct {
	pool   Pool
	store  Store
	oracle Oracle
	attr   *attribution.Formatter
	cfg    *config.Config

	groupOpts  grouping.Options
	scratchDir string
}

// New собирает конечный автомат пересылки. oracle может быть nil — тогда
// дедупликация выключена независимо от конфигурации.
func New(cfg *config.Config, p Pool, store Store, oracle Oracle, attr *attribution.Formatter, scratchDir string) *Forwarder {
	return &Forwarder{
		pool:       p,
		store:      store,
		oracle:     oracle,
		attr:       attr,
		cfg:        cfg,
		groupOpts:  grouping.FromConfig(cfg.GroupingOptions()),
		scratchDir: scratchDir,
	}
}

func (f *Forwarder) rent(ctx context.Context, opts Options) (Session, error) {
	if opts.AccountPhone != "" {
		return f.pool.RentByPhone(ctx, opts.AccountPhone)
	}
	return f.pool.Rent(ctx, opts.Account)
}

// WrapPool адаптирует конкретный пул к интерфейсу Pool.
func WrapPool(p *pool.Pool) Pool { return poolAdapter{p} }

type poolAdapter struct{ p *pool.Pool }

func (a poolAdapter) Rent(ctx context.Context, prefer string) (Session, error) {
	return a.p.Rent(ctx, prefer)
}

func (a poolAdapter) RentByPhone(ctx context.Context, phone string) (Session, error) {
	return a.p.RentByPhone(ctx, phone)
}

func (a poolAdapter) ForwardToSavedMessages(ctx context.Context, from messages.ResolvedEntity, ids []int64) error {
	return a.p.ForwardToSavedMessages(ctx, from, ids)
}
