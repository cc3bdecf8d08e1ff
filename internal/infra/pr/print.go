// Пакет pr — узел консольного вывода поверх readline. Все печати приложения
// и консольные подсказки идут через его writer'ы: вывод не рвёт строку ввода
// оператора. До Init() писатели указывают на os.Stdout/os.Stderr, поэтому
// разовые режимы работают и без консоли.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	// rl — активный readline; nil до Init().
	rl *readline.Instance

	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr

	// mu защищает подмену writer'ов и cancelableIn; сами записи
	// сериализуются на стороне readline.
	mu sync.Mutex

	// cancelableIn закрывается при остановке: Readline() получает io.EOF.
	cancelableIn interface{ Close() error }
)

// Init поднимает readline с отменяемым stdin и переводит вывод на его
// буферы. Вызывается один раз на старте процесса.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()
	return nil
}

// InterruptReadline прерывает ожидание ввода. Идемпотентна.
func InterruptReadline() {
	mu.Lock()
	cs := cancelableIn
	mu.Unlock()
	if cs != nil {
		_ = cs.Close()
	}
}

// SetPrompt задаёт приглашение консоли; до Init() — no-op.
func SetPrompt(prompt string) {
	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// Rl возвращает активный readline; nil до Init().
func Rl() *readline.Instance {
	return rl
}

// Stdout возвращает текущий writer стандартного вывода.
func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

// Stderr возвращает текущий writer диагностики.
func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// Print пишет в Stdout без перевода строки. Используется промптами,
// которым ответ оператора нужен на той же строке.
func Print(a ...any) {
	fmt.Fprint(Stdout(), a...)
}

// Println пишет строку в Stdout.
func Println(a ...any) {
	fmt.Fprintln(Stdout(), a...)
}

// Printf форматирует и пишет в Stdout.
func Printf(format string, a ...any) {
	fmt.Fprintf(Stdout(), format, a...)
}

// ErrPrintln пишет строку в Stderr.
func ErrPrintln(a ...any) {
	fmt.Fprintln(Stderr(), a...)
}

// ErrPrintf форматирует и пишет в Stderr.
func ErrPrintf(format string, a ...any) {
	fmt.Fprintf(Stderr(), format, a...)
}

// PP печатает значение с разбором структуры: конфигурация, отчёты.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}
