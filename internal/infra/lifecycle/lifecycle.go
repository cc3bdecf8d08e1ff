// Пакет lifecycle поднимает и гасит подсистемы демона (планировщик, консоль)
// в согласованном порядке: зависимости стартуют раньше зависимых, остановка
// идёт строго в обратном фактическому запуску порядке.
package lifecycle

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"

	"github.com/go-faster/errors"

	"telesmasher/internal/infra/logger"
)

// StartFunc запускает подсистему. Контекст отменяется на Shutdown: фоновые
// горутины подсистемы обязаны завершаться по нему.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает подсистему. К моменту вызова её контекст уже отменён.
type StopFunc func(ctx context.Context) error

type unitStatus int

const (
	statusRegistered unitStatus = iota
	statusStarting
	statusRunning
	statusStopped
	statusFailed
)

type unit struct {
	name string
	deps []string

	start StartFunc
	stop  StopFunc

	ctx    context.Context
	cancel context.CancelFunc
	status unitStatus
	err    error
}

// Manager держит плоский набор подсистем с явными зависимостями между ними.
// Потокобезопасен.
type Manager struct {
	root context.Context

	mu         sync.Mutex
	units      map[string]*unit
	startOrder []string
}

// New создаёт менеджер; root становится родителем контекстов всех подсистем.
func New(root context.Context) *Manager {
	if root == nil {
		root = context.Background()
	}
	return &Manager{
		root:  root,
		units: make(map[string]*unit),
	}
}

// Register добавляет подсистему name. deps перечисляют подсистемы, которые
// должны быть запущены раньше неё. Дубликаты в deps схлопываются.
func (m *Manager) Register(name string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" {
		return errors.New("lifecycle: empty unit name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.units[name]; exists {
		return errors.Errorf("lifecycle: unit %q already registered", name)
	}
	uniq := slices.Compact(slices.Clone(deps))
	if slices.Contains(uniq, name) {
		return errors.Errorf("lifecycle: unit %q cannot depend on itself", name)
	}

	m.units[name] = &unit{
		name:   name,
		deps:   uniq,
		start:  start,
		stop:   stop,
		status: statusRegistered,
	}
	return nil
}

// StartAll запускает все подсистемы с учётом зависимостей. Имена обходятся по
// алфавиту, фактический порядок фиксируется для обратной остановки. Первая
// ошибка прерывает запуск: поднятые к этому моменту подсистемы гасит Shutdown.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.units))
	for name := range m.units {
		names = append(names, name)
	}
	m.mu.Unlock()
	slices.Sort(names)

	for _, name := range names {
		if err := m.startUnit(name); err != nil {
			return err
		}
	}

	m.mu.Lock()
	order := append([]string(nil), m.startOrder...)
	m.mu.Unlock()
	logger.Debugf("lifecycle: start order %v", order)
	return nil
}

// startUnit рекурсивно поднимает зависимости, затем сам юнит. Повторный вход
// в статус Starting означает цикл зависимостей.
func (m *Manager) startUnit(name string) error {
	m.mu.Lock()
	u, exists := m.units[name]
	if !exists {
		m.mu.Unlock()
		return errors.Errorf("lifecycle: unit %q is not registered", name)
	}
	switch u.status {
	case statusRunning:
		m.mu.Unlock()
		return nil
	case statusStarting:
		m.mu.Unlock()
		return errors.Errorf("lifecycle: dependency cycle through %q", name)
	}
	u.status = statusStarting
	m.mu.Unlock()

	for _, dep := range u.deps {
		if err := m.startUnit(dep); err != nil {
			m.setFailed(name, err)
			return errors.Wrapf(err, "dependency of %q", name)
		}
	}

	ctx, cancel := context.WithCancel(m.root)
	if u.start != nil {
		if err := u.start(ctx); err != nil {
			cancel()
			m.setFailed(name, err)
			return errors.Wrapf(err, "start %q", name)
		}
	}

	m.mu.Lock()
	u.ctx = ctx
	u.cancel = cancel
	u.status = statusRunning
	u.err = nil
	m.startOrder = append(m.startOrder, name)
	m.mu.Unlock()

	logger.Debugf("lifecycle: unit %s is running", name)
	return nil
}

// Shutdown гасит запущенные подсистемы в порядке, обратном фактическому
// запуску: зависимые раньше зависимостей. Ошибки stop-хуков собираются,
// остановка не прерывается.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	order := append([]string(nil), m.startOrder...)
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopUnit(order[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (m *Manager) stopUnit(name string) error {
	m.mu.Lock()
	u, exists := m.units[name]
	if !exists || u.status != statusRunning {
		m.mu.Unlock()
		return nil
	}
	cancel := u.cancel
	stop := u.stop
	ctx := u.ctx
	m.mu.Unlock()

	// Отмена контекста — сигнал фоновым горутинам; stop-хук ждёт их.
	cancel()
	var err error
	if stop != nil {
		err = stop(ctx)
	}

	m.mu.Lock()
	if err != nil {
		u.status = statusFailed
		u.err = err
	} else {
		u.status = statusStopped
	}
	m.mu.Unlock()

	if err != nil {
		logger.Warnf("lifecycle: unit %s stopped with error: %v", name, err)
		return errors.Wrapf(err, "stop %q", name)
	}
	logger.Debugf("lifecycle: unit %s stopped", name)
	return nil
}

func (m *Manager) setFailed(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[name]; ok {
		u.status = statusFailed
		u.err = err
	}
}
