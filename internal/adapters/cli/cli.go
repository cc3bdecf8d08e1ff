// Package cli — интерактивная операторская консоль. Сервис стартует фоном,
// читает команды из readline и дёргает остальные подсистемы: пул сессий,
// пересыльщик, архив и планировщик. Интеграция в lifecycle корректная:
// Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"telesmasher/internal/domain/forwarder"
	"telesmasher/internal/infra/archive"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/pr"
	"telesmasher/internal/infra/telegram/connection"
	"telesmasher/internal/infra/telegram/pool"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show connectivity, accounts and queue counters"},
	{name: "config", description: "Dump the loaded configuration (secrets masked)"},
	{name: "accounts", description: "List configured accounts"},
	{name: "dialogs", description: "Refresh and print dialogs of an account"},
	{name: "forward", description: "forward <src> <dst> — forward new messages from src to dst"},
	{name: "forward-all", description: "forward-all <dst> — forward every accessible channel to dst"},
	{name: "schedules", description: "List file forward schedules"},
	{name: "queue", description: "Show file forward queue counters"},
	{name: "drain", description: "Process pending file forward queue rows now"},
	{name: "verify", description: "verify [channel [from [to]]] — recheck archive checksums"},
	{name: "months", description: "Print per-month archive timeline"},
	{name: "quit", description: "Stop the console and terminate the service"},
}

// Service инкапсулирует консоль и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной горутине
// и синхронно закрывается через Stop().
type Service struct {
	cfg     *config.Config
	pool    *pool.Pool
	store   *archive.Engine
	fwd     *forwarder.Forwarder
	stopApp context.CancelFunc // внешняя отмена приложения (команда quit, Ctrl-C на пустой строке)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. stopApp используется как «глобальная» остановка
// приложения.
func NewService(
	cfg *config.Config,
	p *pool.Pool,
	store *archive.Engine,
	fwd *forwarder.Forwarder,
	stopApp context.CancelFunc,
) *Service {
	return &Service{cfg: cfg, pool: p, store: store, fwd: fwd, stopApp: stopApp}
}

// Start запускает цикл чтения команд в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.wg.Go(func() {
			s.run()
		})
	})
}

// Stop завершает консоль: прерывает readline, отменяет локальный контекст и
// дожидается завершения цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл: печатает подсказку и построчно читает команды.
// Выход — по отмене контекста или по EOF от readline.
func (s *Service) run() {
	logger.Debug("console started")
	pr.SetPrompt("> ")
	pr.Println("Console ready. Commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for details.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if s.ctx.Err() != nil {
			logger.Debug("console: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("console: input closed")
			return
		}

		if s.handleCommand(strings.TrimSpace(line)) {
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint:mnd // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	pr.Println("Available commands:")
	for _, d := range commandDescriptors {
		pr.Printf("  %-12s - %s\n", d.name, d.description)
	}
}

// handleCommand разбирает введённую команду. Возвращает true, если команда
// инициирует завершение консоли.
func (s *Service) handleCommand(input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "config":
		s.handleConfig()
	case "accounts":
		s.handleAccounts()
	case "dialogs":
		s.handleDialogs(args)
	case "forward":
		s.handleForward(args)
	case "forward-all":
		s.handleForwardAll(args)
	case "schedules":
		s.handleSchedules()
	case "queue":
		s.handleQueue()
	case "drain":
		s.handleDrain()
	case "verify":
		s.handleVerify(args)
	case "months":
		s.handleMonths()
	case "quit", "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// handleStatus сводит состояние: связность, аккаунты, счётчики очереди.
func (s *Service) handleStatus() {
	if connection.Online() {
		pr.Println("Connection: online")
	} else {
		pr.Println("Connection: offline")
	}
	pr.Printf("Accounts: %d configured, %d active\n",
		len(s.cfg.Accounts), len(s.cfg.ActiveAccounts()))

	pending, success, failed, err := s.store.QueueCounts(s.ctx)
	if err != nil {
		pr.ErrPrintln("queue counters:", err)
		return
	}
	pr.Printf("File queue: pending=%d success=%d failed=%d\n", pending, success, failed)
}

// handleConfig печатает конфигурацию с замаскированными секретами.
func (s *Service) handleConfig() {
	masked := *s.cfg
	masked.Accounts = make([]config.Account, len(s.cfg.Accounts))
	for i, acc := range s.cfg.Accounts {
		masked.Accounts[i] = acc.Masked()
	}
	pr.Printf("Config loaded from %s\n", s.cfg.Path())
	pr.PP(masked)
}

// handleAccounts перечисляет аккаунты реестра.
func (s *Service) handleAccounts() {
	for _, acc := range s.cfg.Accounts {
		state := "active"
		if acc.Disabled {
			state = "disabled"
		}
		m := acc.Masked()
		pr.Printf("%-20s %-8s api_id=%d phone=%s\n", m.SessionName, state, m.APIID, m.PhoneNumber)
	}
	pr.Printf("Total accounts: %d\n", len(s.cfg.Accounts))
}

// handleDialogs перечитывает диалоги аккаунта (первый аргумент — имя сессии,
// пусто — любой активный) и печатает снимок.
func (s *Service) handleDialogs(args []string) {
	prefer := ""
	if len(args) > 0 {
		prefer = args[0]
	}
	sess, err := s.pool.Rent(s.ctx, prefer)
	if err != nil {
		pr.ErrPrintln("rent session:", err)
		return
	}
	defer sess.Return()

	pr.Printf("Fetching dialogs of %s...\n", sess.Name())
	refs, err := sess.RefreshDialogs(s.ctx)
	if err != nil {
		pr.ErrPrintln("refresh dialogs:", err)
		return
	}
	for _, d := range refs {
		title := d.Title
		if title == "" {
			title = "<untitled>"
		}
		pr.Printf("%-8s '%s' id: %d\n", d.Kind, title, d.ID)
	}
	pr.Printf("Total dialogs: %d (%s)\n", len(refs), displaySelf(sess.Self()))
}

// handleForward пересылает новые сообщения источника в направление.
func (s *Service) handleForward(args []string) {
	if len(args) != 2 {
		pr.ErrPrintln("usage: forward <src> <dst>")
		return
	}
	src, dst := args[0], args[1]
	if !config.ValidEntity(src) || !config.ValidEntity(dst) {
		pr.ErrPrintln("invalid entity; use @username, channel name or numeric id")
		return
	}

	pr.Printf("Forwarding %s -> %s...\n", src, dst)
	started := time.Now()
	res, err := s.fwd.ForwardMessages(s.ctx, src, dst, forwarder.Options{})
	if err != nil {
		pr.ErrPrintln("forward:", err)
		return
	}
	printStats(res.Stats, time.Since(started))
	pr.Printf("Checkpoint advanced to message %d\n", res.NewLastID)
}

// handleForwardAll обходит все доступные каналы реестра.
func (s *Service) handleForwardAll(args []string) {
	if len(args) != 1 {
		pr.ErrPrintln("usage: forward-all <dst>")
		return
	}
	dst := args[0]
	if !config.ValidEntity(dst) {
		pr.ErrPrintln("invalid destination entity")
		return
	}

	pr.Printf("Forwarding all accessible channels -> %s...\n", dst)
	started := time.Now()
	report, err := s.fwd.ForwardAllAccessibleChannels(s.ctx, dst)
	if err != nil {
		pr.ErrPrintln("forward-all:", err)
		return
	}
	pr.Printf("Channels: %d ok, %d banned, %d failed\n",
		len(report.Successful), len(report.Banned), len(report.Failed))
	for _, ch := range report.Banned {
		pr.Printf("  banned: %s (%d)\n", ch.ChannelName, ch.ChannelID)
	}
	for _, ch := range report.Failed {
		pr.Printf("  failed: %s (%d): %v\n", ch.ChannelName, ch.ChannelID, ch.Err)
	}
	printStats(report.Stats, time.Since(started))
}

// handleSchedules перечисляет расписания файловой пересылки.
func (s *Service) handleSchedules() {
	schedules, err := s.store.ListFileForwardSchedules(s.ctx, false)
	if err != nil {
		pr.ErrPrintln("list schedules:", err)
		return
	}
	if len(schedules) == 0 {
		pr.Println("No file forward schedules.")
		return
	}
	for _, sched := range schedules {
		state := "enabled"
		if !sched.Enabled {
			state = "disabled"
		}
		pr.Printf("#%d %-8s %q %s -> %s prio=%d watermark=%d\n",
			sched.ID, state, sched.CronExpr, sched.Source, sched.Destination,
			sched.Priority, sched.LastMessageID)
	}
}

// handleQueue печатает счётчики очереди файловой пересылки.
func (s *Service) handleQueue() {
	pending, success, failed, err := s.store.QueueCounts(s.ctx)
	if err != nil {
		pr.ErrPrintln("queue counters:", err)
		return
	}
	pr.Printf("File queue: pending=%d success=%d failed=%d\n", pending, success, failed)
}

// handleDrain разбирает pending-строки очереди немедленно.
func (s *Service) handleDrain() {
	pr.Println("Draining file forward queue...")
	stats, err := s.fwd.ProcessFileForwardQueue(s.ctx, "")
	if err != nil {
		pr.ErrPrintln("drain:", err)
	}
	pr.Printf("Drained: processed=%d succeeded=%d failed=%d bytes=%d\n",
		stats.Processed, stats.Succeeded, stats.Failed, stats.Bytes)
}

// handleVerify пересчитывает контрольные суммы архива. Аргументы сужают
// область: канал, нижняя и верхняя границы id.
func (s *Service) handleVerify(args []string) {
	var bounds [3]int64
	for i, arg := range args {
		if i >= len(bounds) {
			break
		}
		v, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			pr.ErrPrintf("verify: argument %q is not a number\n", arg)
			return
		}
		bounds[i] = v
	}

	pr.Println("Verifying archive checksums...")
	report, err := s.store.VerifyChecksums(s.ctx, bounds[0], bounds[1], bounds[2])
	if err != nil {
		pr.ErrPrintln("verify:", err)
		return
	}
	pr.Printf("Checked %d rows, %d mismatched\n", report.Checked, len(report.Mismatched))
	for _, id := range report.Mismatched {
		pr.Printf("  mismatch: message %d\n", id)
	}
}

// handleMonths печатает помесячную хронологию архива.
func (s *Service) handleMonths() {
	months, err := s.store.Months(s.ctx)
	if err != nil {
		pr.ErrPrintln("months:", err)
		return
	}
	if len(months) == 0 {
		pr.Println("Archive is empty.")
		return
	}
	var total int64
	for _, m := range months {
		pr.Printf("%04d-%02d  %d messages\n", m.Year, int(m.Month), m.Count)
		total += m.Count
	}
	pr.Printf("Total: %d messages\n", total)
}

// printStats печатает сводку пересылки в человекочитаемом виде.
func printStats(st forwarder.Stats, took time.Duration) {
	pr.Printf("Forwarded %d messages (%d files, %d bytes) in %s\n",
		st.MessagesForwarded, st.FilesForwarded, st.BytesForwarded, took.Round(time.Millisecond))
	if st.GroupsSkipped > 0 {
		pr.Printf("Skipped %d duplicate group(s)\n", st.GroupsSkipped)
	}
	if st.GroupsFailed > 0 {
		pr.Printf("Failed %d group(s), see the log\n", st.GroupsFailed)
	}
}

// displaySelf возвращает короткую подпись авторизованного аккаунта.
func displaySelf(u *tg.User) string {
	if u == nil {
		return "not logged in"
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return fmt.Sprintf("id %d", u.ID)
}

// joinCommandNames собирает строку имён команд для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}
