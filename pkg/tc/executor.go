package tc

import (
	"os/exec"
	"strings"

	"github.com/openshaper/shaperd/pkg/log"
)

// Executor runs batches of tc argument vectors in order. A failing
// command is logged with its output and the batch continues, so partial
// progress is preserved and the next diff re-converges.
type Executor struct {
	// ExecFunc runs one command and returns its combined output.
	// Injectable for testing; the default shells out to `tc`.
	ExecFunc func(args []string) ([]byte, error)
}

// NewExecutor returns an executor bound to the platform tc binary.
func NewExecutor() *Executor {
	return &Executor{
		ExecFunc: func(args []string) ([]byte, error) {
			return exec.Command("tc", args...).CombinedOutput()
		},
	}
}

// Run executes every command in the batch, in order.
func (e *Executor) Run(batch [][]string, context string) {
	if len(batch) == 0 {
		return
	}
	log.Logger.Debug().Int("commands", len(batch)).Str("context", context).Msg("executing tc batch")
	for _, args := range batch {
		if len(args) == 0 {
			continue
		}
		output, err := e.ExecFunc(args)
		if err != nil {
			log.Logger.Error().
				Str("command", "tc "+strings.Join(args, " ")).
				Str("output", strings.TrimSpace(string(output))).
				Err(err).
				Msg("tc command failed")
		}
	}
}
