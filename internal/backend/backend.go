package backend

import (
	"context"

	"github.com/seantiz/running/internal/runner"
	"github.com/seantiz/running/internal/task"
)

// LineFunc receives each complete output line of a remote command as it
// arrives.
type LineFunc func(stream runner.Stream, line string)

// Backend is a remote executor for command tasks.
type Backend interface {
	// Exec runs cmd and returns its process result. Failures are reported as
	// *task.Error with the same kinds the local runner uses. The context
	// carries deadlines and cancellation; ending it aborts the remote process.
	Exec(ctx context.Context, id string, cmd task.Command, onLine LineFunc) (*task.ProcessResult, error)

	// Addr reports where the backend is reached, for listings and logs.
	Addr() string
}
