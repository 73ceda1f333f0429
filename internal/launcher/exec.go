package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/model"
)

// DefaultAbortGrace is how long an aborted process may take to exit after SIGINT
const DefaultAbortGrace = 10 * time.Second

// ExecConfig configures the local process backend
type ExecConfig struct {
	AbortGrace time.Duration
	// Stdin is connected to the forwarding role
	Stdin io.Reader
}

type execProcess struct {
	role    string
	cmd     *exec.Cmd
	exited  chan struct{}
	aborted sync.Once
}

// Exec runs roles as local child processes
type Exec struct {
	logger *zap.Logger
	config ExecConfig
	logs   *LogManager
	clock  clock.Clock

	mu        sync.Mutex
	processes map[group.ProcessID]*execProcess
}

// NewExec creates a local process backend. Stderr of every child goes to logs.
func NewExec(config ExecConfig, logs *LogManager, clk clock.Clock, logger *zap.Logger) *Exec {
	if config.AbortGrace <= 0 {
		config.AbortGrace = DefaultAbortGrace
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Exec{
		logger:    logger.Named("exec"),
		config:    config,
		logs:      logs,
		clock:     clk,
		processes: make(map[group.ProcessID]*execProcess),
	}
}

// Launch implements Backend
func (e *Exec) Launch(_ context.Context, id group.ProcessID, req group.LaunchRequest, done func(Exit)) {
	cmd := exec.Command(req.Executable, Arguments(req)...)
	cmd.Dir = req.WorkingDir
	cmd.Env = append(os.Environ(), Environment(req.Env)...)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr io.WriteCloser = nopWriteCloser{io.Discard}
	if e.logs != nil {
		stderr = e.logs.Writer(req.Role, id, "stderr")
	}
	cmd.Stderr = stderr
	if req.Forwarding && e.config.Stdin != nil {
		cmd.Stdin = e.config.Stdin
	}

	started := e.clock.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Error("Failed to start process",
			zap.String("role", req.Role),
			zap.String("executable", req.Executable),
			zap.Error(err))
		go done(Exit{
			ID:          id,
			Role:        req.Role,
			Value:       model.Completion{ExitCode: -1, Fault: fmt.Sprintf("failed to start process: %v", err)},
			StartedAt:   started,
			CompletedAt: e.clock.Now(),
		})
		return
	}

	p := &execProcess{role: req.Role, cmd: cmd, exited: make(chan struct{})}
	e.mu.Lock()
	e.processes[id] = p
	e.mu.Unlock()

	e.logger.Info("Process started",
		zap.String("role", req.Role),
		zap.String("process_id", string(id)),
		zap.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		close(p.exited)
		stderr.Close()

		e.mu.Lock()
		delete(e.processes, id)
		e.mu.Unlock()

		done(Exit{
			ID:          id,
			Role:        req.Role,
			Value:       completion(stdout.Bytes(), err),
			StartedAt:   started,
			CompletedAt: e.clock.Now(),
		})
	}()
}

// Abort sends SIGINT and kills the process if it outlives the grace period
func (e *Exec) Abort(id group.ProcessID) error {
	e.mu.Lock()
	p, ok := e.processes[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("abort %s: %w", id, ErrProcessNotFound)
	}

	var err error
	p.aborted.Do(func() {
		e.logger.Info("Aborting process", zap.String("role", p.role), zap.String("process_id", string(id)))
		if err = p.cmd.Process.Signal(os.Interrupt); err != nil {
			err = fmt.Errorf("failed to interrupt process: %w", err)
			return
		}
		go e.escalate(id, p)
	})
	return err
}

func (e *Exec) escalate(id group.ProcessID, p *execProcess) {
	timer := e.clock.NewTimer(e.config.AbortGrace)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C():
		e.logger.Warn("Process ignored interrupt, killing",
			zap.String("role", p.role),
			zap.String("process_id", string(id)),
			zap.Duration("grace", e.config.AbortGrace))
		if err := p.cmd.Process.Kill(); err != nil {
			e.logger.Error("Failed to kill process", zap.String("process_id", string(id)), zap.Error(err))
		}
	}
}

// Processes returns the live child processes, ordered by role
func (e *Exec) Processes() []RunningProcess {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RunningProcess, 0, len(e.processes))
	for id, p := range e.processes {
		out = append(out, RunningProcess{ID: id, Role: p.role, PID: int32(p.cmd.Process.Pid)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Shutdown kills every remaining child
func (e *Exec) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, p := range e.processes {
		if err := p.cmd.Process.Kill(); err != nil {
			e.logger.Error("Failed to kill process", zap.String("process_id", string(id)), zap.Error(err))
		}
	}
}

// completion converts process output and exit status into a completion value
func completion(stdout []byte, err error) model.Completion {
	value := model.Completion{Output: outputValue(stdout)}
	if err == nil {
		return value
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		value.ExitCode = exitErr.ExitCode()
		value.Fault = exitErr.Error()
		return value
	}
	value.ExitCode = -1
	value.Fault = err.Error()
	return value
}

// outputValue keeps JSON output as is and quotes anything else
func outputValue(out []byte) json.RawMessage {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return append(json.RawMessage(nil), out...)
	}
	quoted, err := json.Marshal(string(out))
	if err != nil {
		return nil
	}
	return quoted
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
