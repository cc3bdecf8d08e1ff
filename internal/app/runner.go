// Файл runner.go — командные режимы приложения. Разовые режимы (login,
// forward, drain, verify) выполняются линейно и завершаются; daemon собирает
// дерево узлов в lifecycle-менеджере и живёт до сигнала.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"telesmasher/internal/domain/forwarder"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/lifecycle"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/pr"
)

// RunLogin выполняет интерактивную авторизацию аккаунта session (пустая
// строка — любой активный). Сессия остаётся на диске для последующих режимов.
func (a *App) RunLogin(session string) error {
	s, err := a.pool.Login(a.mainCtx, session)
	if err != nil {
		return errors.Wrap(err, "login")
	}
	defer s.Return()

	self := s.Self()
	if self == nil {
		return errors.New("login: no profile after authorization")
	}
	pr.Printf("Logged in as %s %s (@%s), id=%d, session %q\n",
		self.FirstName, self.LastName, self.Username, self.ID, s.Name())
	return nil
}

// RunForward пересылает новые сообщения origin в destination один раз.
func (a *App) RunForward(origin, destination string) error {
	if !config.ValidEntity(origin) || !config.ValidEntity(destination) {
		return errors.Errorf("invalid entity pair %q -> %q", origin, destination)
	}

	started := time.Now()
	res, err := a.fwd.ForwardMessages(a.mainCtx, origin, destination, forwarder.Options{})
	if err != nil {
		return errors.Wrapf(err, "forward %s -> %s", origin, destination)
	}
	st := res.Stats
	pr.Printf("Forwarded %d messages (%d files, %d bytes) in %s; skipped %d, failed %d\n",
		st.MessagesForwarded, st.FilesForwarded, st.BytesForwarded,
		time.Since(started).Round(time.Millisecond), st.GroupsSkipped, st.GroupsFailed)
	return nil
}

// RunForwardAll обходит все каналы реестра доступности и пересылает их в
// destination, печатая классификацию исходов.
func (a *App) RunForwardAll(destination string) error {
	if !config.ValidEntity(destination) {
		return errors.Errorf("invalid destination %q", destination)
	}

	report, err := a.fwd.ForwardAllAccessibleChannels(a.mainCtx, destination)
	if err != nil {
		return errors.Wrap(err, "forward all channels")
	}
	pr.Printf("Channels: %d ok, %d banned, %d failed\n",
		len(report.Successful), len(report.Banned), len(report.Failed))
	for _, ch := range report.Banned {
		pr.Printf("  banned: %s (%d)\n", ch.ChannelName, ch.ChannelID)
	}
	for _, ch := range report.Failed {
		pr.Printf("  failed: %s (%d): %v\n", ch.ChannelName, ch.ChannelID, ch.Err)
	}
	st := report.Stats
	pr.Printf("Totals: %d messages, %d files, %d bytes\n",
		st.MessagesForwarded, st.FilesForwarded, st.BytesForwarded)
	return nil
}

// RunDrain разбирает pending-строки очереди файловой пересылки один раз.
func (a *App) RunDrain() error {
	stats, err := a.fwd.ProcessFileForwardQueue(a.mainCtx, "")
	pr.Printf("Drained: processed=%d succeeded=%d failed=%d bytes=%d\n",
		stats.Processed, stats.Succeeded, stats.Failed, stats.Bytes)
	return errors.Wrap(err, "drain queue")
}

// RunVerify пересчитывает контрольные суммы всего архива.
func (a *App) RunVerify() error {
	report, err := a.engine.VerifyChecksums(a.mainCtx, 0, 0, 0)
	if err != nil {
		return errors.Wrap(err, "verify checksums")
	}
	pr.Printf("Checked %d rows, %d mismatched\n", report.Checked, len(report.Mismatched))
	for _, id := range report.Mismatched {
		pr.Printf("  mismatch: message %d\n", id)
	}
	if len(report.Mismatched) > 0 {
		return errors.Errorf("%d checksum mismatch(es)", len(report.Mismatched))
	}
	return nil
}

// ShowConfig печатает действующую конфигурацию с замаскированными секретами.
func (a *App) ShowConfig() {
	masked := *a.cfg
	masked.Accounts = make([]config.Account, len(a.cfg.Accounts))
	for i, acc := range a.cfg.Accounts {
		masked.Accounts[i] = acc.Masked()
	}
	pr.Printf("Config loaded from %s\n", a.cfg.Path())
	pr.PP(masked)
}

// RunDaemon поднимает планировщик (и консоль, если withConsole) через
// lifecycle-менеджер и блокируется до отмены главного контекста. Узлы гаснут
// в порядке, обратном запуску.
func (a *App) RunDaemon(withConsole bool) error {
	life := lifecycle.New(a.mainCtx)

	if err := life.Register("scheduler", nil,
		func(ctx context.Context) error {
			return a.sched.Start(ctx)
		},
		func(context.Context) error {
			a.sched.Stop()
			return nil
		}); err != nil {
		return err
	}

	if withConsole {
		if err := life.Register("console", []string{"scheduler"},
			func(ctx context.Context) error {
				a.console.Start(ctx)
				return nil
			},
			func(context.Context) error {
				a.console.Stop()
				return nil
			}); err != nil {
			return err
		}
	}

	if err := life.StartAll(); err != nil {
		life.Shutdown()
		return errors.Wrap(err, "start daemon")
	}
	logger.Info("daemon is running")

	<-a.mainCtx.Done()
	logger.Info("daemon is stopping")
	return life.Shutdown()
}
