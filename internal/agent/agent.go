// Package agent implements a remote command executor. The agent accepts
// connections, reads one framed Request, runs the command through a local
// runner while streaming output lines back, and finishes with one result
// message. Client is the dialing side.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/running/internal/codec"
	"github.com/seantiz/running/internal/model"
	"github.com/seantiz/running/internal/runner"
)

// errHangup is the cancellation cause when the client goes away mid-run.
var errHangup = errors.New("client hung up")

// Agent handles connections and executes the commands they carry.
type Agent struct {
	logger     *slog.Logger
	runnerOpts []runner.Option
	wg         sync.WaitGroup
}

// New creates an agent. runnerOpts configure the runner of every connection;
// the agent supplies its own logger and line handler.
func New(logger *slog.Logger, runnerOpts ...runner.Option) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{logger: logger, runnerOpts: runnerOpts}
}

// Serve accepts connections on l until ctx ends, then closes l and waits for
// in-flight commands, which are cancelled with ctx. It returns nil after a
// shutdown and the accept error otherwise.
func (a *Agent) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer a.wg.Wait()

	a.logger.Info("agent: listening", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		a.wg.Go(func() { a.handleConnection(ctx, conn) })
	}
}

// handleConnection processes a single command request on conn.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	w := &frameWriter{conn: conn}

	var req Request
	if err := codec.ReadFrame(conn, &req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		a.logger.Warn("agent: read request", "error", err)
		w.result(a.logger, newResult(nil, fmt.Errorf("read request: %w", err)))
		return
	}
	if req.ID == "" {
		req.ID = model.NewID()
	}
	logger := a.logger.With("task_id", req.ID)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if req.TimeoutS > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, time.Duration(req.TimeoutS)*time.Second)
		defer cancelTimeout()
	}

	// The client sends nothing after the request, so a read returning means
	// it closed its end.
	go func() {
		var b [1]byte
		conn.Read(b[:])
		cancel(errHangup)
	}()

	onLine := func(_ string, stream runner.Stream, line string) {
		if err := w.write(Message{Type: MsgTypeLog, Stream: string(stream), Line: line}); err != nil {
			cancel(fmt.Errorf("write log line: %w", err))
		}
	}
	opts := append(append([]runner.Option(nil), a.runnerOpts...),
		runner.WithLogger(logger),
		runner.WithLineHandler(onLine),
	)
	r := runner.New(opts...)

	logger.Info("agent: exec", "command", req.Command.String())
	proc, err := r.Exec(ctx, req.ID, req.Command)
	if errors.Is(context.Cause(ctx), errHangup) {
		logger.Warn("agent: client hung up before result")
		return
	}
	w.result(logger, newResult(proc, err))
}

// frameWriter serializes frames from the stdout and stderr capture
// goroutines onto one connection.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *frameWriter) write(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return codec.WriteFrame(w.conn, msg)
}

func (w *frameWriter) result(logger *slog.Logger, r *Result) {
	if err := w.write(Message{Type: MsgTypeResult, Result: r}); err != nil {
		logger.Warn("agent: write result", "error", err)
	}
}
