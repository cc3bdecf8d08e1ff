package pr_test

import (
	"os"
	"testing"

	"telesmasher/internal/infra/pr"
)

// До Init() консоли нет: писатели указывают на стандартные потоки, а
// операции с readline молча пропускаются. Разовые режимы живут именно так.
func TestConsoleHelpersBeforeInit(t *testing.T) {
	if pr.Rl() != nil {
		t.Fatalf("Rl() = %v, want nil before Init", pr.Rl())
	}
	if pr.Stdout() != os.Stdout {
		t.Fatalf("Stdout() = %v, want os.Stdout before Init", pr.Stdout())
	}
	if pr.Stderr() != os.Stderr {
		t.Fatalf("Stderr() = %v, want os.Stderr before Init", pr.Stderr())
	}

	pr.SetPrompt("> ")
	pr.InterruptReadline()
}
