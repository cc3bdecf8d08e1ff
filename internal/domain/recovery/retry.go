package recovery

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy задаёт пределы повторов одной логической операции.
type Policy struct {
	MaxRetries int           // число повторов после первой попытки
	Base       time.Duration // задержка перед первым повтором
	Cap        time.Duration // потолок экспоненты
	Jitter     float64       // доля симметричного разброса: 0.3 == ±30%
}

// Параметры по умолчанию: экспонента от секунды до пяти минут, ±30% джиттера,
// три повтора.
const (
	defaultMaxRetries = 3
	defaultBase       = time.Second
	defaultCap        = 5 * time.Minute
	defaultJitter     = 0.3

	floodJitter   = 0.2
	floodMinDelay = time.Second
)

// DefaultPolicy возвращает параметры повторов по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: defaultMaxRetries,
		Base:       defaultBase,
		Cap:        defaultCap,
		Jitter:     defaultJitter,
	}
}

func (p Policy) maxRetries() int {
	if p.MaxRetries < 0 {
		return 0
	}
	return p.MaxRetries
}

// Delay возвращает задержку перед повтором attempt (нумерация с единицы):
// base·2^(attempt-1) с потолком Cap и симметричным джиттером. Постоянные
// задержки запрещены: нулевой джиттер заменяется значением по умолчанию.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBase
	}
	limit := p.Cap
	if limit <= 0 {
		limit = defaultCap
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			d = limit
			break
		}
	}
	if d > limit {
		d = limit
	}
	return jittered(d, p.jitter())
}

func (p Policy) jitter() float64 {
	if p.Jitter <= 0 || p.Jitter >= 1 {
		return defaultJitter
	}
	return p.Jitter
}

// FloodDelay возвращает паузу для FloodWait: подсказанное сервером время с
// джиттером ±20%, но не меньше секунды.
func FloodDelay(hint time.Duration) time.Duration {
	d := jittered(hint, floodJitter)
	if d < floodMinDelay {
		return floodMinDelay
	}
	return d
}

// jittered умножает d на случайный множитель из [1-frac .. 1+frac].
func jittered(d time.Duration, frac float64) time.Duration {
	if d <= 0 {
		return 0
	}
	// #nosec G404 -- разброс задержек не требует криптостойкости
	factor := 1 + frac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}

// Retry выполняет op с экспоненциальным backoff по политике p. Повторяются
// только восстановимые ошибки; Unknown повторяется ровно один раз, после чего
// считается фатальной. RateLimit ждёт подсказанное сервером время вместо
// экспоненты.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	unknownRetried := false
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}

		class := Classify(err)
		if !class.Recoverable {
			return err
		}
		if class.Category == CategoryUnknown {
			if unknownRetried {
				return err
			}
			unknownRetried = true
		}
		if attempt >= p.maxRetries() {
			return err
		}

		delay := p.Delay(attempt + 1)
		if class.Category == CategoryRateLimit && class.Wait > 0 {
			delay = FloodDelay(class.Wait)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// sleepCtx ждёт d или отмену контекста, смотря что случится раньше.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
