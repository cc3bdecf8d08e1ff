// Пакет recovery — таксономия ошибок и политика повторов для всех обращений
// к Telegram и к архиву. Ошибки классифицируются один раз у места
// возникновения; дальше конечный автомат пересылки принимает решения по
// категории, а не по тексту или типу ошибки.
package recovery

import (
	"context"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
)

// Category — класс ошибки с точки зрения стратегии восстановления.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNetwork
	CategoryRateLimit
	CategoryAuth
	CategoryPermission
	CategoryDataIntegrity
	CategorySystem
)

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryRateLimit:
		return "rate_limit"
	case CategoryAuth:
		return "auth"
	case CategoryPermission:
		return "permission"
	case CategoryDataIntegrity:
		return "data_integrity"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// Severity — серьёзность для журналирования и отчётов.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "error"
	}
}

// Classified — результат классификации: категория, серьёзность, признак
// восстановимости и подсказка ожидания от FloodWait. Err хранит исходную
// ошибку.
type Classified struct {
	Category    Category
	Severity    Severity
	Recoverable bool
	Wait        time.Duration
	Err         error
}

// Коды RPC-ошибок Telegram, отрезанные от прав доступа. Повторять такие
// вызовы бессмысленно: исход не изменится без вмешательства оператора.
var permissionTypes = []string{
	"CHANNEL_PRIVATE",
	"USER_BANNED_IN_CHANNEL",
	"CHAT_ADMIN_REQUIRED",
	"CHAT_WRITE_FORBIDDEN",
	"CHAT_SEND_MEDIA_FORBIDDEN",
	"CHAT_FORWARDS_RESTRICTED",
	"USER_PRIVACY_RESTRICTED",
}

// Коды, означающие мёртвую или отозванную авторизацию. Фатальны для всей
// операции, не только для текущей группы.
var authTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_DUPLICATED",
	"AUTH_KEY_PERM_EMPTY",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"SESSION_PASSWORD_NEEDED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
	"PHONE_NUMBER_BANNED",
}

// Classify относит ошибку к категории таксономии. Жёсткие соответствия:
// FloodWait → RateLimit; отказ в доступе → Permission; мёртвый ключ → Auth;
// сеть и таймауты → Network; всё неопознанное → Unknown (восстановимо, но
// ровно один повтор — это решает Retry).
func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}

	var marked *markedError
	if errors.As(err, &marked) {
		return marked.class
	}

	if errors.Is(err, context.Canceled) {
		return Classified{Category: CategorySystem, Severity: SeverityInfo, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classified(CategoryNetwork, err)
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		c := classified(CategoryRateLimit, err)
		c.Wait = wait
		return c
	}
	if tgerr.Is(err, permissionTypes...) {
		return classified(CategoryPermission, err)
	}
	if tgerr.Is(err, authTypes...) {
		return classified(CategoryAuth, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return classified(CategoryNetwork, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return classified(CategoryNetwork, err)
	}

	return classified(CategoryUnknown, err)
}

// Mark принудительно присваивает ошибке категорию. Используется там, где
// источник знает класс лучше, чем общая классификация: например, расхождение
// контрольной суммы в архиве — это DataIntegrity.
func Mark(err error, cat Category) error {
	if err == nil {
		return nil
	}
	return &markedError{class: classified(cat, err)}
}

type markedError struct {
	class Classified
}

func (e *markedError) Error() string { return e.class.Err.Error() }
func (e *markedError) Unwrap() error { return e.class.Err }

// classified заполняет серьёзность и восстановимость по умолчанию для
// категории.
func classified(cat Category, err error) Classified {
	c := Classified{Category: cat, Err: err}
	switch cat {
	case CategoryNetwork, CategoryRateLimit:
		c.Severity = SeverityWarning
		c.Recoverable = true
	case CategoryAuth:
		c.Severity = SeverityCritical
	case CategoryPermission, CategoryDataIntegrity, CategorySystem:
		c.Severity = SeverityError
	default:
		c.Severity = SeverityError
		c.Recoverable = true
	}
	return c
}
