package pool

import (
	rand "math/rand/v2"
	"time"

	"github.com/gotd/td/tgerr"

	"telesmasher/internal/infra/throttle"
)

// fanoutJitterMax — верхняя граница случайной добавки к обязательному
// FLOOD_WAIT. Разносит повторы разных аккаунтов при веерной рассылке.
const fanoutJitterMax = 3 * time.Second

// floodWaitExtractor распознаёт FLOOD_WAIT и FLOOD_PREMIUM_WAIT и возвращает
// серверную паузу с джиттером. Нераспознанные ошибки уходят в обычный backoff
// троттлера.
func floodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}
		return wait + fanoutJitter(), true
	}
}

func fanoutJitter() time.Duration {
	sec := int(fanoutJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	// #nosec G404 -- пауза не требует криптостойкости
	return time.Duration(rand.IntN(sec)) * time.Second
}
