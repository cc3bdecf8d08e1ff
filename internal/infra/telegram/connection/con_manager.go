// Пакет connection — координатор связности пула аккаунтов.
// Каждая сессия докладывает о своих переходах online/offline через
// MarkConnected/MarkDisconnected; счётчик живых сессий определяет общее
// состояние. WaitOnline блокирует до появления хотя бы одной живой сессии,
// HandleError нормализует сетевые ошибки RPC-слоя.
//
// Канал ожидания «поколенческий»: при уходе в офлайн создаётся новый открытый
// канал, при восстановлении он закрывается и все ожидатели просыпаются.
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"

	"telesmasher/internal/infra/logger"
)

var (
	mu        sync.Mutex
	connected int           // число сессий в онлайне
	waitCh    chan struct{} // закрыт, пока connected > 0
	lastDown  time.Time
)

func init() {
	waitCh = make(chan struct{})
	close(waitCh)
}

// MarkConnected фиксирует выход сессии в онлайн. Первая живая сессия
// закрывает канал ожидания и будит всех в WaitOnline.
func MarkConnected() {
	mu.Lock()
	defer mu.Unlock()

	connected++
	if connected == 1 {
		select {
		case <-waitCh:
		default:
			close(waitCh)
		}
		if !lastDown.IsZero() {
			logger.Infof("connection: restored after %v", time.Since(lastDown).Round(time.Second))
			lastDown = time.Time{}
		}
	}
}

// MarkDisconnected фиксирует уход сессии в офлайн. Когда гаснет последняя
// сессия, открывается новое поколение канала ожидания.
func MarkDisconnected() {
	mu.Lock()
	defer mu.Unlock()

	if connected > 0 {
		connected--
	}
	if connected == 0 {
		waitCh = make(chan struct{})
		lastDown = time.Now()
		logger.Debug("connection: all sessions offline")
	}
}

// Online сообщает, есть ли хотя бы одна живая сессия.
func Online() bool {
	mu.Lock()
	defer mu.Unlock()
	return connected > 0
}

// WaitOnline блокирует до появления живой сессии или отмены контекста.
// Снимок канала защищает от гонки поколений: пробуждение по устаревшему
// закрытому каналу продолжает ожидание.
func WaitOnline(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	for {
		ch := currentWaitCh()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if ch == currentWaitCh() {
				return
			}
		}
	}
}

func currentWaitCh() <-chan struct{} {
	mu.Lock()
	defer mu.Unlock()
	return waitCh
}

// Shutdown закрывает текущий канал ожидания, чтобы заблокированные горутины
// завершились при остановке приложения.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	select {
	case <-waitCh:
	default:
		close(waitCh)
	}
}

// HandleError проверяет ошибку RPC-слоя на сетевую природу. Сетевая ошибка
// помечает сессию офлайн и возвращает true.
func HandleError(err error) bool {
	if !IsNetworkError(err) {
		return false
	}
	MarkDisconnected()
	return true
}

// IsNetworkError определяет, сигнализирует ли ошибка о разрыве соединения:
// мёртвый коннект пула, закрытый движок, исчерпанные повторы RPC, дедлайн,
// EOF и любые net.Error. Контекстная отмена сетевой не считается.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
