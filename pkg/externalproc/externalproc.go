// Package externalproc is the control-plane edge the worker uses to
// drive external tools: solver and installer subprocesses with
// line-streamed output, filesystem permission fixup, disk usage, and
// atomic symlink flips.
package externalproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/conda-store/condastore/internal/errors"
	sharederrors "github.com/conda-store/condastore/pkg/shared/errors"
)

// LineSink receives one line of subprocess output at a time; the build
// orchestrator points it at the build's log artifact.
type LineSink func(line string)

// Command describes one external invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the parent environment.
	Env map[string]string
}

// Runner executes external commands, streaming their output
// line-by-line so logs never buffer whole in memory.
type Runner struct {
	logger *zap.Logger
}

func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes cmd, streaming stdout and stderr into sink line by
// line. A non-zero exit is returned as an external-command error; the
// full output has already been streamed to the sink by then.
func (r *Runner) Run(ctx context.Context, cmd Command, sink LineSink) error {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return sharederrors.FailedTo("open stdout pipe", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return sharederrors.FailedTo("open stderr pipe", err)
	}

	if err := c.Start(); err != nil {
		return apperrors.NewExternalCommandError(cmd.Name, err)
	}
	r.logger.Debug("external command started",
		zap.String("command", cmd.Name),
		zap.Strings("args", cmd.Args))

	var wg sync.WaitGroup
	stream := func(pipe io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(pipe)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if sink != nil {
				sink(scanner.Text())
			}
		}
	}
	wg.Add(2)
	go stream(stdout)
	go stream(stderr)
	wg.Wait()

	if err := c.Wait(); err != nil {
		return apperrors.NewExternalCommandError(
			cmd.Name+" "+strings.Join(cmd.Args, " "), err)
	}
	return nil
}

// RunCapture executes cmd capturing stdout whole (for commands whose
// output is a single JSON/YAML document) while still streaming stderr
// into sink.
func (r *Runner) RunCapture(ctx context.Context, cmd Command, sink LineSink) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}

	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, sharederrors.FailedTo("open stderr pipe", err)
	}
	var out strings.Builder
	c.Stdout = &out

	if err := c.Start(); err != nil {
		return nil, apperrors.NewExternalCommandError(cmd.Name, err)
	}

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink(scanner.Text())
		}
	}

	if err := c.Wait(); err != nil {
		return nil, apperrors.NewExternalCommandError(
			cmd.Name+" "+strings.Join(cmd.Args, " "), err)
	}
	return []byte(out.String()), nil
}

// CondaFlagsEnv returns the CONDA_FLAGS entry the solver invocation
// must carry; the solver library reads channel-priority options from
// the environment rather than its command line.
func CondaFlagsEnv(flags string) map[string]string {
	if flags == "" {
		return nil
	}
	return map[string]string{"CONDA_FLAGS": flags}
}

// SetPrefixPermissions applies uid/gid ownership and the given octal
// permission mode to every file under prefix.
func (r *Runner) SetPrefixPermissions(_ context.Context, prefix string, uid, gid int, permissions string, sink LineSink) error {
	mode, err := strconv.ParseUint(permissions, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid permission mode %q: %w", permissions, err)
	}

	count := 0
	err = filepath.WalkDir(prefix, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if err := os.Chmod(path, os.FileMode(mode)); err != nil {
			return err
		}
		if uid > 0 || gid > 0 {
			if err := os.Chown(path, uid, gid); err != nil {
				return err
			}
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set prefix permissions: %w", err)
	}
	if sink != nil {
		sink(fmt.Sprintf("set permissions=%s uid=%d gid=%d on %d entries under %s",
			permissions, uid, gid, count, prefix))
	}
	return nil
}

// DiskUsage returns the total size in bytes of every regular file
// under path.
func DiskUsage(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, sharederrors.FailedToWithDetails("compute disk usage", "externalproc", path, err)
	}
	return total, nil
}

// Symlink points link at target atomically: the replacement link is
// created beside the destination and renamed into place, so readers
// always observe a complete symlink.
func Symlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("failed to create symlink parent: %w", err)
	}
	tmp := link + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear stale symlink: %w", err)
	}
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move symlink into place: %w", err)
	}
	return nil
}
