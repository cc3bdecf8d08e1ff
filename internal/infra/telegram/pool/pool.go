// Пакет pool — пул авторизованных MTProto-клиентов, по одному на аккаунт.
// Сессии арендуются на время операции: Rent выдаёт сессию с гарантией «не
// больше одного глагола в полёте», Return возвращает её пулу. Клиент каждой
// сессии живёт в фоновой горутине client.Run и переживает аренды; flood wait
// и повторы обрабатываются внутри глаголов, идентичность сессии при повторе
// не меняется.
package pool

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/messages"
	"telesmasher/internal/domain/recovery"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/throttle"
)

// fanoutRPS ограничивает скорость веерной рассылки по Saved Messages.
const fanoutRPS = 2

// AccessSink принимает экспорт реестра доступности: кто какой канал видит.
type AccessSink interface {
	UpsertAccountChannelAccess(ctx context.Context, a archive.ChannelAccess) error
	AccessHashFor(ctx context.Context, phone string, channelID int64) (int64, bool, error)
}

// Pool раздаёт сессии по имени. Сессии создаются лениво при первой аренде и
// живут до Close.
type Pool struct {
	cfg    *config.Config
	access AccessSink

	sessionsDir string
	peersDir    string

	// fanout выравнивает веерную рассылку и отрабатывает FLOOD_WAIT между
	// аккаунтами.
	fanout *throttle.Throttler

	mu       sync.Mutex
	sessions map[string]*Session
}

// New собирает пул. access может быть nil — тогда реестр доступности не
// ведётся.
func New(cfg *config.Config, sessionsDir, peersDir string, access AccessSink) *Pool {
	fanout := throttle.New(fanoutRPS,
		throttle.WithMaxRetries(cfg.RecoveryOptions().MaxRetries),
		throttle.WithWaitExtractors(floodWaitExtractor()),
	)
	fanout.Start(context.Background())
	return &Pool{
		cfg:         cfg,
		access:      access,
		sessionsDir: sessionsDir,
		peersDir:    peersDir,
		fanout:      fanout,
		sessions:    make(map[string]*Session),
	}
}

// Rent выдаёт авторизованную сессию. prefer выбирает аккаунт по имени
// сессии; пустая строка — случайный активный аккаунт. Возвращённая сессия
// занята вызывающим до Return.
func (p *Pool) Rent(ctx context.Context, prefer string) (*Session, error) {
	acc, err := p.cfg.PickAccount(prefer)
	if err != nil {
		return nil, errors.Wrap(err, "pick account")
	}
	return p.rentAccount(ctx, acc)
}

// Login арендует сессию с разрешённым интерактивным входом с терминала.
// Используется режимом -login для первичной авторизации аккаунта.
func (p *Pool) Login(ctx context.Context, prefer string) (*Session, error) {
	acc, err := p.cfg.PickAccount(prefer)
	if err != nil {
		return nil, errors.Wrap(err, "pick account")
	}
	p.mu.Lock()
	s, ok := p.sessions[acc.SessionName]
	if !ok {
		s = p.newSession(acc)
		p.sessions[acc.SessionName] = s
	}
	s.EnableInteractiveLogin()
	p.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureRunning(ctx); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// RentByPhone арендует сессию аккаунта с данным номером. Используется
// полноканальной пересылкой, где лучший аккаунт известен из реестра.
func (p *Pool) RentByPhone(ctx context.Context, phone string) (*Session, error) {
	for _, acc := range p.cfg.ActiveAccounts() {
		if acc.PhoneNumber == phone {
			return p.rentAccount(ctx, acc)
		}
	}
	return nil, errors.Errorf("no active account with phone %q", phone)
}

func (p *Pool) rentAccount(ctx context.Context, acc config.Account) (*Session, error) {
	p.mu.Lock()
	s, ok := p.sessions[acc.SessionName]
	if !ok {
		s = p.newSession(acc)
		p.sessions[acc.SessionName] = s
	}
	p.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureRunning(ctx); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// ForEachActive арендует по очереди сессию каждого активного аккаунта и
// вызывает fn. Ошибки отдельных аккаунтов журналируются и не прерывают
// обход; смена сессии чистая — предыдущая возвращается до аренды следующей.
func (p *Pool) ForEachActive(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	accounts := p.cfg.ActiveAccounts()
	if len(accounts) == 0 {
		return errors.New("no active accounts")
	}
	for _, acc := range accounts {
		s, err := p.rentAccount(ctx, acc)
		if err != nil {
			logger.Warnf("pool: rent %s: %v", acc.SessionName, err)
			continue
		}
		err = fn(ctx, s)
		s.Return()
		if err != nil {
			logger.Warnf("pool: account %s: %v", acc.SessionName, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Close останавливает все сессии пула.
func (p *Pool) Close() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	p.fanout.Stop()
}

// ForwardToSavedMessages рассылает группу в «Избранное» каждого активного
// аккаунта через троттлер веера. Ошибки отдельных аккаунтов изолированы;
// мёртвая авторизация и запреты доступа не ретраятся.
func (p *Pool) ForwardToSavedMessages(ctx context.Context, from messages.ResolvedEntity, ids []int64) error {
	return p.ForEachActive(ctx, func(ctx context.Context, s *Session) error {
		return p.fanout.Do(ctx, func() error {
			err := s.ForwardToSelf(ctx, from, ids)
			if err == nil {
				return nil
			}
			switch recovery.Classify(err).Category {
			case recovery.CategoryAuth, recovery.CategoryPermission:
				return throttle.Permanent(err)
			}
			return err
		})
	})
}
