package camera

import (
	"sync"
	"time"

	"propmap/internal/region"
)

// Command is one recorded animation request.
type Command struct {
	Kind       string         `json:"kind"`
	Move       *Move          `json:"move,omitempty"`
	Region     *region.Region `json:"region,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// Recorder is an Animator that buffers commands for a remote renderer to drain.
// The buffer keeps the newest max commands.
type Recorder struct {
	mu   sync.Mutex
	max  int
	cmds []Command
}

// NewRecorder keeps at most max pending commands; max <= 0 means 64.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 64
	}
	return &Recorder{max: max}
}

func (r *Recorder) AnimateCamera(m Move, d time.Duration) {
	r.push(Command{Kind: "camera", Move: &m, DurationMs: d.Milliseconds()})
}

func (r *Recorder) AnimateToRegion(reg region.Region, d time.Duration) {
	r.push(Command{Kind: "region", Region: &reg, DurationMs: d.Milliseconds()})
}

func (r *Recorder) push(c Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	if over := len(r.cmds) - r.max; over > 0 {
		r.cmds = append([]Command(nil), r.cmds[over:]...)
	}
}

// Drain returns and clears the pending commands, oldest first.
func (r *Recorder) Drain() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.cmds
	r.cmds = nil
	if out == nil {
		out = []Command{}
	}
	return out
}

// Len reports the number of pending commands.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}
