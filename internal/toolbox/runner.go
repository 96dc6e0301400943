package toolbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultShell runs toolbox scripts.
const DefaultShell = "bash"

// Runner executes shell scripts in the toolbox. The prefix (for example
// "kubectl exec -i -n rook-ceph deploy/rook-ceph-tools --") is prepended to
// "<shell> -c <script>"; an empty prefix runs the shell locally.
type Runner struct {
	prefix []string
	shell  string
	limits *Limits
	logger *slog.Logger
}

// NewRunner creates a runner bound to the shared permit pools.
func NewRunner(prefix []string, shell string, limits *Limits, logger *slog.Logger) *Runner {
	if shell == "" {
		shell = DefaultShell
	}
	if limits == nil {
		limits = NewLimits(1, 1, 1)
	}
	return &Runner{
		prefix: append([]string(nil), prefix...),
		shell:  shell,
		limits: limits,
		logger: logger,
	}
}

// Remote reports whether scripts run through a command prefix.
func (r *Runner) Remote() bool {
	return len(r.prefix) > 0
}

// Describe renders the command line used for a script.
func (r *Runner) Describe(script string) string {
	return strings.Join(r.argv(script), " ")
}

func (r *Runner) argv(script string) []string {
	args := append([]string(nil), r.prefix...)
	return append(args, r.shell, "-c", script)
}

// permits takes an operator permit for toolbox commands and an exec permit
// for every spawned process.
func (r *Runner) permits(ctx context.Context) (func(), error) {
	var releases []func()
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	if r.Remote() {
		rel, err := acquire(ctx, r.limits.Operator, "operator")
		if err != nil {
			return nil, err
		}
		releases = append(releases, rel)
	}
	rel, err := acquire(ctx, r.limits.Exec, "exec")
	if err != nil {
		release()
		return nil, err
	}
	releases = append(releases, rel)
	return release, nil
}

// Run executes script and returns its standard output.
func (r *Runner) Run(ctx context.Context, script string) ([]byte, error) {
	var stdout bytes.Buffer
	if err := r.Stream(ctx, script, nil, &stdout); err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// Stream executes script with stdin and stdout attached. Standard error is
// captured into the returned error.
func (r *Runner) Stream(ctx context.Context, script string, stdin io.Reader, stdout io.Writer) error {
	release, err := r.permits(ctx)
	if err != nil {
		return err
	}
	defer release()

	args := r.argv(script)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	if r.logger != nil {
		r.logger.Debug("toolbox command finished", "script", script, "duration", time.Since(start), "error", err)
	}
	if err != nil {
		return fmt.Errorf("running %q: %w: %s", script, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
