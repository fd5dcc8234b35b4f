package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/seantiz/running/internal/backend"
	"github.com/seantiz/running/internal/codec"
	"github.com/seantiz/running/internal/runner"
	"github.com/seantiz/running/internal/task"
)

// Client runs commands on a remote agent. It satisfies backend.Backend.
type Client struct {
	addr   string
	logger *slog.Logger
	dial   func(ctx context.Context) (net.Conn, error)
}

var _ backend.Backend = (*Client)(nil)

// NewClient returns a client for the agent at addr; see Dial for the
// address forms.
func NewClient(addr string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{addr: addr, logger: logger}
	c.dial = func(ctx context.Context) (net.Conn, error) { return Dial(ctx, addr) }
	return c
}

// Addr returns the agent address.
func (c *Client) Addr() string { return c.addr }

// Exec runs cmd on the agent with no remote timeout beyond ctx.
func (c *Client) Exec(ctx context.Context, id string, cmd task.Command, onLine backend.LineFunc) (*task.ProcessResult, error) {
	return c.Run(ctx, Request{ID: id, Command: cmd}, onLine)
}

// Run sends req and relays streamed lines to onLine until the result
// arrives. Ending ctx closes the connection, which makes the agent kill the
// command. Errors are *task.Error values attributed to req.ID.
func (c *Client) Run(ctx context.Context, req Request, onLine backend.LineFunc) (*task.ProcessResult, error) {
	if err := req.Command.Validate(); err != nil {
		return nil, task.NewError(task.LaunchFailed, req.ID, task.StageLaunch, err)
	}
	if dl, ok := ctx.Deadline(); ok && req.TimeoutS == 0 {
		// Round up so the agent never gives up before the caller does.
		if d := time.Until(dl); d > 0 {
			req.TimeoutS = int((d + time.Second - 1) / time.Second)
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, task.NewError(task.Cancelled, req.ID, task.StageLaunch, context.Cause(ctx))
		}
		return nil, task.NewError(task.LaunchFailed, req.ID, task.StageLaunch, fmt.Errorf("dial agent %s: %w", c.addr, err))
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := codec.WriteFrame(conn, req); err != nil {
		return nil, c.connError(ctx, req.ID, task.StageLaunch, err)
	}

	for {
		var msg Message
		if err := codec.ReadFrame(conn, &msg); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, c.connError(ctx, req.ID, task.StageWait, err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if onLine != nil {
				onLine(runner.Stream(msg.Stream), msg.Line)
			}
		case MsgTypeResult:
			if msg.Result == nil {
				return nil, task.NewError(task.IOCaptureFailed, req.ID, task.StageWait, errors.New("empty result message"))
			}
			return msg.Result.decode(req.ID)
		default:
			c.logger.Warn("agent client: unknown message type", "type", msg.Type, "addr", c.addr)
		}
	}
}

// connError classifies a connection failure: one caused by ctx ending is a
// cancellation, anything else a lost output stream.
func (c *Client) connError(ctx context.Context, id string, stage task.Stage, err error) error {
	if ctx.Err() != nil {
		return task.NewError(task.Cancelled, id, stage, context.Cause(ctx))
	}
	return task.NewError(task.IOCaptureFailed, id, stage, fmt.Errorf("agent %s: %w", c.addr, err))
}
