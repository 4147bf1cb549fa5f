package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facemesh/internal/types"
	"github.com/andresmejia3/facemesh/internal/utils"
	"github.com/zeromicro/go-zero/core/logx"
)

// Engine runs frames through an external processing graph.
type Engine interface {
	Process(ctx context.Context, task types.FrameTask) (*types.GraphOutput, error)
	Close() error
}

// Factory creates the engine for worker slot id.
type Factory func(ctx context.Context, id int, graph types.GraphType) (Engine, error)

// DefaultCommand is the graph engine launched when Config.Command is empty.
var DefaultCommand = []string{"python3", "-u", "python/graph.py"}

// Config controls how the engine process is launched.
type Config struct {
	// Command is the executable and its arguments. "--graph <type>" is appended.
	Command []string
	// ReadTimeout bounds how long a single frame may take. Zero disables it.
	ReadTimeout time.Duration
}

// ProcessEngine talks to a graph engine child process.
// Requests go to the child's stdin, responses come back on FD 3.
type ProcessEngine struct {
	ID       int
	Graph    types.GraphType
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	mu          sync.Mutex
	broken      error
	closeOnce   sync.Once
	closeErr    error
}

// NewFactory returns a Factory that spawns ProcessEngines with cfg.
func NewFactory(cfg Config) Factory {
	return func(ctx context.Context, id int, graph types.GraphType) (Engine, error) {
		return NewProcessEngine(ctx, id, graph, cfg)
	}
}

func NewProcessEngine(ctx context.Context, id int, graph types.GraphType, cfg Config) (*ProcessEngine, error) {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	args := append(append([]string{}, command[1:]...), "--graph", graph.String())
	proc := utils.NewSafeCommand(ctx, command[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	logx.Infof("graph engine %d started, graph=%s, pid=%d", id, graph, proc.Process.Pid)

	return &ProcessEngine{
		ID:          id,
		Graph:       graph,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Process sends one frame and waits for the decoded result.
// An *EngineError means the engine rejected this frame but is still usable;
// any other error means the transport is broken.
func (e *ProcessEngine) Process(ctx context.Context, task types.FrameTask) (*types.GraphOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken != nil {
		return nil, e.broken
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)

	go func() {
		if err := WriteMessage(e.Stdin, EncodeRequest(task)); err != nil {
			done <- result{err: fmt.Errorf("write frame %d: %w", task.Seq, err)}
			return
		}
		body, err := ReadMessage(e.DataPipe)
		if err != nil {
			err = fmt.Errorf("read frame %d: %w", task.Seq, err)
		}
		done <- result{body: body, err: err}
	}()

	var timeout <-chan time.Time
	if e.readTimeout > 0 {
		timer := time.NewTimer(e.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			e.broken = res.err
			return nil, res.err
		}
		return DecodeResponse(e.Graph, res.body)
	case <-timeout:
		e.broken = fmt.Errorf("engine %d timed out after %s on frame %d", e.ID, e.readTimeout, task.Seq)
	case <-ctx.Done():
		e.broken = fmt.Errorf("engine %d abandoned frame %d: %w", e.ID, task.Seq, ctx.Err())
	}
	// The pipe may still deliver a stale response, so the engine cannot be reused.
	e.kill()
	return nil, e.broken
}

// kill stops a hung engine so the pending pipe read unblocks.
func (e *ProcessEngine) kill() {
	if e.Cmd != nil && e.Cmd.Process != nil {
		e.Cmd.Process.Kill()
	}
}

// Logs returns the engine's captured stderr.
func (e *ProcessEngine) Logs() string {
	return e.Cmd.Logs()
}

// Close shuts the engine down: closing stdin tells it to exit, then we reap it.
func (e *ProcessEngine) Close() error {
	e.closeOnce.Do(func() {
		e.Stdin.Close()
		e.DataPipe.Close()
		if e.Cmd == nil {
			return
		}
		if err := e.Cmd.Wait(); err != nil {
			e.closeErr = fmt.Errorf("engine %d exited: %w", e.ID, err)
		}
		logx.Infof("graph engine %d stopped", e.ID)
	})
	return e.closeErr
}
