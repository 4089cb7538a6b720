// Package action runs the side effects skills trigger: opening a URL in
// the desktop browser or launching a helper process. Processes are started
// synchronously and reaped in the background; callers never wait for them.
package action

import (
	"context"
	"fmt"
	log "log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

type Executor struct {
	opener  []string
	timeout time.Duration

	wg sync.WaitGroup
}

// New builds an executor. opener is the command used to open URLs; when
// empty the platform default is used. A positive timeout kills processes
// that outlive it.
func New(opener []string, timeout time.Duration) *Executor {
	if len(opener) == 0 {
		opener = defaultOpener()
	}
	return &Executor{opener: opener, timeout: timeout}
}

func defaultOpener() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		return []string{"xdg-open"}
	}
}

// Open opens target (usually a URL) with the desktop opener.
func (e *Executor) Open(target string) error {
	args := append(append([]string(nil), e.opener[1:]...), target)
	return e.Spawn(e.opener[0], args...)
}

// Spawn starts name and returns once the process is running.
func (e *Executor) Spawn(name string, args ...string) error {
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", name, err)
	}

	pid := cmd.Process.Pid
	log.Info("Started process", "cmd", name, "pid", pid)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()

		start := time.Now()
		if err := cmd.Wait(); err != nil {
			log.Warn("Process exited with error", "cmd", name, "pid", pid, "err", err)
			return
		}
		log.Debug("Process exited", "cmd", name, "pid", pid, "took", time.Since(start))
	}()
	return nil
}

// Wait blocks until every spawned process has exited.
func (e *Executor) Wait() {
	e.wg.Wait()
}
