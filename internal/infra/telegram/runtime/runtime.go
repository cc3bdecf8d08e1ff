// Пакет runtime — ожидания со случайной длительностью для темпа обращений к
// Telegram. Равномерный интервал между запросами выдаёт автоматизацию, поэтому
// паузы выбираются из окна.
package runtime

import (
	"context"
	"math/rand/v2"
	"time"

	"telesmasher/internal/infra/logger"
)

// Дефолтное окно ожидания (мс).
const (
	defaultWaitMinMs = 1111
	defaultWaitMaxMs = 3333
)

// WaitRandomTimeMs блокирует горутину на случайный интервал из [minMs, maxMs).
// Таймер снимается при отмене контекста. Края:
//   - minMs == maxMs — ждём ровно это значение;
//   - обе границы нулевые — дефолтное окно;
//   - minMs <= 0 или maxMs < minMs — ошибка в журнал, выход без ожидания.
func WaitRandomTimeMs(ctx context.Context, minMs, maxMs int) {
	switch {
	case minMs == 0 && maxMs == 0:
		minMs = defaultWaitMinMs
		maxMs = defaultWaitMaxMs
	case minMs <= 0:
		logger.Error("WaitRandomTimeMs: wait time <= 0")
		return
	case maxMs < minMs:
		logger.Error("WaitRandomTimeMs: max < min")
		return
	}

	delta := minMs
	if maxMs > minMs {
		delta = rand.IntN(maxMs-minMs) + minMs // #nosec G404
	}

	timer := time.NewTimer(time.Duration(delta) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
	case <-timer.C:
	}
}

// WaitRandomTime ждёт случайное время из дефолтного окна.
func WaitRandomTime(ctx context.Context) {
	WaitRandomTimeMs(ctx, 0, 0)
}
