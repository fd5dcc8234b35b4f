package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/seantiz/running/internal/task"
)

// Content types accepted by Decode.
const (
	ContentTypeJSON = "application/json"
	ContentTypeTOML = "application/toml"
)

// ErrNoTasks is returned when a request carries an empty task list.
var ErrNoTasks = errors.New("batch has no tasks")

// TaskSpec describes one command task in a batch request.
type TaskSpec struct {
	Label    string            `json:"label,omitempty" toml:"label,omitempty"`
	Program  string            `json:"program" toml:"program"`
	Args     []string          `json:"args,omitempty" toml:"args,omitempty"`
	Dir      string            `json:"dir,omitempty" toml:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty" toml:"env,omitempty"`
	TimeoutS int               `json:"timeout_s,omitempty" toml:"timeout_s,omitempty"`
	// Backend names a registered remote agent. Empty runs the task locally.
	Backend  string            `json:"backend,omitempty" toml:"backend,omitempty"`
}

// Command returns the command descriptor of s.
func (s TaskSpec) Command() task.Command {
	return task.Command{Program: s.Program, Args: s.Args, Dir: s.Dir, Env: s.Env}
}

// BatchRequest is a batch submission. In TOML each task is a [[task]] table.
type BatchRequest struct {
	Policy      string     `json:"policy,omitempty" toml:"policy,omitempty"`
	Parallelism int        `json:"parallelism,omitempty" toml:"parallelism,omitempty"`
	FailFast    bool       `json:"fail_fast,omitempty" toml:"fail_fast,omitempty"`
	TimeoutS    int        `json:"timeout_s,omitempty" toml:"timeout_s,omitempty"`
	Tasks       []TaskSpec `json:"tasks" toml:"task"`
}

// Validate checks the task list and numeric fields. Policy names are checked
// by the caller that resolves them.
func (r *BatchRequest) Validate() error {
	if len(r.Tasks) == 0 {
		return ErrNoTasks
	}
	if r.Parallelism < 0 {
		return fmt.Errorf("parallelism must be >= 0, got %d", r.Parallelism)
	}
	if r.TimeoutS < 0 {
		return fmt.Errorf("timeout_s must be >= 0, got %d", r.TimeoutS)
	}
	for i, s := range r.Tasks {
		if err := s.Command().Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if s.TimeoutS < 0 {
			return fmt.Errorf("task %d: timeout_s must be >= 0, got %d", i, s.TimeoutS)
		}
	}
	return nil
}

// DecodeJSON reads a JSON batch request. Unknown fields are rejected.
func DecodeJSON(r io.Reader) (*BatchRequest, error) {
	var req BatchRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return &req, nil
}

// DecodeTOML reads a TOML batch request. Unknown keys are rejected.
func DecodeTOML(r io.Reader) (*BatchRequest, error) {
	var req BatchRequest
	md, err := toml.NewDecoder(r).Decode(&req)
	if err != nil {
		return nil, fmt.Errorf("decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode toml: unknown key %q", undecoded[0].String())
	}
	return &req, nil
}

// Decode picks the decoder from contentType. An empty or unrecognised type
// is treated as JSON.
func Decode(contentType string, r io.Reader) (*BatchRequest, error) {
	if isTOML(contentType) {
		return DecodeTOML(r)
	}
	return DecodeJSON(r)
}

// EncodeTOML writes req as a TOML document.
func EncodeTOML(w io.Writer, req *BatchRequest) error {
	if err := toml.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	return nil
}

func isTOML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == ContentTypeTOML || strings.HasSuffix(mt, "+toml")
}
