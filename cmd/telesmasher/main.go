package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telesmasher/internal/app"
	"telesmasher/internal/infra/config"
	"telesmasher/internal/infra/logger"
	"telesmasher/internal/infra/pr"
)

const version = "1.0.0"

// Коды завершения процесса.
const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

// defaultConfigPath учитывает переменную окружения TELESMASHER_CONFIG;
// флаг -config имеет приоритет над ней.
func defaultConfigPath() string {
	if p := os.Getenv("TELESMASHER_CONFIG"); p != "" {
		return p
	}
	return "config.json"
}

//nolint:funlen // линейный разбор флагов и диспетчеризация режимов
func run() int {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	login := flag.String("login", "", "interactively authorize the named session")
	forward := flag.String("forward", "", "one-shot forward: src,dst")
	forwardAll := flag.String("forward-all", "", "forward every accessible channel to dst")
	drain := flag.Bool("drain", false, "process pending file forward queue rows and exit")
	daemon := flag.Bool("daemon", false, "run the file forward scheduler until interrupted")
	console := flag.Bool("console", false, "attach the operator console (implies -daemon)")
	verify := flag.Bool("verify", false, "recheck archive checksums and exit")
	showConfig := flag.Bool("show-config", false, "print the effective config and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("telesmasher v%s\n", version)
		return exitOK
	}

	if err := pr.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "console init: %v\n", err)
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return exitConfig
		}
		return exitError
	}

	logger.Init(cfg.Logging.Level)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if cfg.Logging.File != "" {
		logger.EnableFileSink(logger.FileSinkConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
	}
	for _, msg := range cfg.Warnings() {
		logger.Warn(msg)
	}

	// Контекст жизненного цикла: гаснет по Ctrl-C/SIGTERM и по команде quit.
	// Отдельный канал отличает сигнал от штатной остановки ради кода 130.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var interrupted atomic.Bool
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case <-sig:
			interrupted.Store(true)
		case <-ctx.Done():
		}
	}()

	a := app.New(ctx, stop, cfg)
	if err := a.Init(); err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}
	defer a.Close()

	var runErr error
	switch {
	case *showConfig:
		a.ShowConfig()
	case *login != "":
		runErr = a.RunLogin(*login)
	case *forward != "":
		src, dst, ok := strings.Cut(*forward, ",")
		if !ok || src == "" || dst == "" {
			fmt.Fprintln(os.Stderr, "usage: -forward src,dst")
			return exitError
		}
		runErr = a.RunForward(src, dst)
	case *forwardAll != "":
		runErr = a.RunForwardAll(*forwardAll)
	case *drain:
		runErr = a.RunDrain()
	case *verify:
		runErr = a.RunVerify()
	case *daemon, *console:
		runErr = a.RunDaemon(*console)
	default:
		flag.Usage()
		return exitError
	}

	if interrupted.Load() {
		logger.Info("interrupted")
		return exitInterrupted
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return exitOK
		}
		logger.Errorf("run failed: %v", runErr)
		return exitError
	}
	return exitOK
}
