package pool

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"telesmasher/internal/domain/recovery"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/telegram/connection"
	"telesmasher/internal/infra/telegram/peersmgr"
	"telesmasher/internal/infra/telegram/session"
	tgauth "telesmasher/internal/infra/telegram/auth"
)

// ErrNotAuthorized — сессия аккаунта не авторизована. Нужен интерактивный
// вход (-login) либо включённый interactive-режим.
var ErrNotAuthorized = recovery.Mark(
	errors.New("pool: session is not authorized"), recovery.CategoryAuth)

// Ограничение исходящих RPC на сессию. Burst вдвое больше скорости.
const (
	throttleRPS  = 10
	uploadPart   = 512 * 1024
	startTimeout = 60 * time.Second
)

// Session — один аккаунт в пуле: MTProto-клиент в фоновой горутине, его API
// и помощники. Аренда эксклюзивна: slot гарантирует не больше одного глагола
// в полёте.
type Session struct {
	account config.Account
	pool    *Pool

	slot chan struct{}

	// runMu защищает поля фонового запуска.
	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan error

	client *telegram.Client
	waiter *floodwait.Waiter
	api    *tg.Client
	sender *message.Sender
	upload *uploader.Uploader
	peers  *peersmgr.Service
	self   *tg.User

	// accessMu защищает кэш access_hash каналов.
	accessMu   sync.Mutex
	accessHash map[int64]int64

	// login включает интерактивную авторизацию вместо ErrNotAuthorized.
	// Атомарный: пишется из Login, читается горутиной клиента.
	login atomic.Bool
}

func (p *Pool) newSession(acc config.Account) *Session {
	s := &Session{
		account:    acc,
		pool:       p,
		slot:       make(chan struct{}, 1),
		accessHash: make(map[int64]int64),
	}
	return s
}

// Name возвращает имя сессии.
func (s *Session) Name() string { return s.account.SessionName }

// Phone возвращает телефон аккаунта.
func (s *Session) Phone() string { return s.account.PhoneNumber }

// EnableInteractiveLogin разрешает сессии интерактивный вход с терминала.
func (s *Session) EnableInteractiveLogin() { s.login.Store(true) }

// acquire занимает эксклюзивный слот сессии.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	select {
	case <-s.slot:
	default:
	}
}

// Return возвращает сессию пулу. Клиент остаётся подключённым.
func (s *Session) Return() {
	s.release()
}

// ensureRunning поднимает фоновый client.Run, если он ещё не жив, и ждёт
// готовности: авторизация проверена, API собран.
func (s *Session) ensureRunning(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}

	opts, err := s.clientOptions()
	if err != nil {
		return err
	}
	s.waiter = floodwait.NewWaiter()
	opts.Middlewares = append(opts.Middlewares, s.waiter)
	s.client = telegram.NewClient(s.account.APIID, s.account.APIHash, opts)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		err := s.waiter.Run(runCtx, func(ctx context.Context) error {
			return s.client.Run(ctx, func(ctx context.Context) error {
				if err := s.authorize(ctx); err != nil {
					return err
				}

				s.api = s.client.API()
				s.sender = message.NewSender(s.api)
				s.upload = uploader.NewUploader(s.api).WithPartSize(uploadPart)
				if err := s.openPeers(ctx); err != nil {
					logger.Warnf("pool: %s peers cache: %v", s.Name(), err)
				}

				connection.MarkConnected()
				close(ready)
				<-ctx.Done()
				return ctx.Err()
			})
		})
		done <- err
		connection.MarkDisconnected()
	}()

	select {
	case <-ready:
		s.running = true
		s.cancel = cancel
		s.done = done
		logger.Infof("pool: session %s is online (%s)", s.Name(), displayUser(s.self))
		return nil
	case err := <-done:
		cancel()
		return errors.Wrapf(err, "start session %s", s.Name())
	case <-time.After(startTimeout):
		cancel()
		return errors.Errorf("start session %s: timeout", s.Name())
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// authorize проверяет статус авторизации. Неавторизованная сессия либо
// проходит интерактивный вход (login-режим), либо падает с ErrNotAuthorized.
func (s *Session) authorize(ctx context.Context) error {
	status, err := s.client.Auth().Status(ctx)
	if err != nil {
		return errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		if !s.login.Load() {
			return errors.Wrapf(ErrNotAuthorized, "session %s", s.Name())
		}
		flow := auth.NewFlow(
			tgauth.TerminalAuthenticator{PhoneNumber: s.account.PhoneNumber},
			auth.SendCodeOptions{},
		)
		if err := s.client.Auth().IfNecessary(ctx, flow); err != nil {
			return errors.Wrap(err, "interactive login")
		}
	}

	self, err := s.client.Self(ctx)
	if err != nil {
		return errors.Wrap(err, "self")
	}
	s.self = self
	return nil
}

// clientOptions собирает опции MTProto-клиента: файловая сессия, лимитер,
// хук мёртвого соединения, паспорт устройства и прокси.
func (s *Session) clientOptions() (telegram.Options, error) {
	opts := telegram.Options{
		SessionStorage: &session.FileStorage{
			Path: filepath.Join(s.pool.sessionsDir, s.account.SessionName+".json"),
		},
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Limit(throttleRPS), throttleRPS*2),
		},
		OnDead: func() {
			connection.MarkDisconnected()
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    "1.0.0",
		},
	}

	if p := s.pool.cfg.Proxy; p != nil {
		resolver, err := proxiedResolver(p)
		if err != nil {
			return opts, err
		}
		opts.Resolver = resolver
	}
	return opts, nil
}

// openPeers открывает bbolt-кэш пиров сессии.
func (s *Session) openPeers(ctx context.Context) error {
	svc, err := peersmgr.New(s.api, filepath.Join(s.pool.peersDir, s.Name()+".bolt"))
	if err != nil {
		return err
	}
	s.peers = svc
	if err := svc.LoadFromStorage(ctx); err != nil {
		logger.Warnf("pool: %s load peers: %v", s.Name(), err)
	}
	return nil
}

// Peers возвращает кэш пиров сессии; nil до первого подключения.
func (s *Session) Peers() *peersmgr.Service { return s.peers }

// Self возвращает профиль авторизованного аккаунта; nil до подключения.
func (s *Session) Self() *tg.User { return s.self }

// RefreshDialogs перечитывает диалоги аккаунта с сервера и возвращает снимок.
func (s *Session) RefreshDialogs(ctx context.Context) ([]peersmgr.DialogRef, error) {
	if s.peers == nil {
		return nil, errors.New("peers cache is not open")
	}
	if err := s.peers.RefreshDialogs(ctx, s.api); err != nil {
		return nil, err
	}
	return s.peers.Dialogs(), nil
}

// stop гасит фоновый цикл клиента и закрывает кэш пиров.
func (s *Session) stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	if err := <-s.done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Debugf("pool: session %s stopped: %v", s.Name(), err)
	}
	if s.peers != nil {
		_ = s.peers.Close()
	}
	s.running = false
}

// invoke выполняет один глагол с таймаутом и политикой повторов. FloodWait
// отрабатывается сном с сервеной подсказкой и джиттером, сессия при повторе
// та же.
func (s *Session) invoke(ctx context.Context, op func(ctx context.Context) error) error {
	rc := s.pool.cfg.RecoveryOptions()
	policy := recovery.DefaultPolicy()
	if rc.MaxRetries > 0 {
		policy.MaxRetries = rc.MaxRetries
	}

	timeout := time.Duration(rc.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	return recovery.Retry(ctx, policy, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return op(opCtx)
	})
}

func displayUser(u *tg.User) string {
	if u == nil {
		return "?"
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.FirstName
}
