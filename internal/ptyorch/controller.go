package ptyorch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

// Controller owns one child process attached to a PTY. It is the direct
// counterpart of the teacher's terminal.PTYController, replacing
// fake-typing-into-a-container with ownership of a real child.
type Controller struct {
	log *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	processGen int32
	lastOutput atomic.Int64 // unix nanos of last observed output byte

	buf *RawBuffer
}

// NewController creates a Controller with a bounded raw-output buffer.
func NewController(bufSize int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{log: log, buf: NewRawBuffer(bufSize)}
}

// Start launches name/args attached to a new PTY and begins copying its
// output into the Controller's RawBuffer. onOutput is invoked with each
// freshly-read chunk for incremental parsing.
func (c *Controller) Start(name string, args []string, env []string, workDir string, onOutput func([]byte)) error {
	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	if workDir != "" {
		cmd.Dir = workDir
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.ptmx = ptmx
	gen := atomic.AddInt32(&c.processGen, 1)
	c.mu.Unlock()
	c.lastOutput.Store(time.Now().UnixNano())

	go c.copyOutput(gen, ptmx, onOutput)
	return nil
}

func (c *Controller) copyOutput(gen int32, r io.Reader, onOutput func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.buf.Write(chunk)
			c.lastOutput.Store(time.Now().UnixNano())
			if onOutput != nil {
				onOutput(chunk)
			}
		}
		if err != nil {
			return
		}
		if atomic.LoadInt32(&c.processGen) != gen {
			return
		}
	}
}

// Inject writes body followed by a newline to the child's stdin.
func (c *Controller) Inject(body string) error {
	c.mu.Lock()
	ptmx := c.ptmx
	c.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("no active pty")
	}
	_, err := ptmx.Write([]byte(body + "\n"))
	return err
}

// IdleSilence reports how long it has been since the last byte of output
// was observed, used by the stuck-queue detector's CLI-readiness check.
func (c *Controller) IdleSilence() time.Duration {
	last := c.lastOutput.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Buffer exposes the controller's raw output buffer for lookback parsing.
func (c *Controller) Buffer() *RawBuffer { return c.buf }

// Pid returns the child's process id, or 0 if not running.
func (c *Controller) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Resize adjusts the PTY window size, mirroring a terminal resize.
func (c *Controller) Resize(rows, cols uint16) error {
	c.mu.Lock()
	ptmx := c.ptmx
	c.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("no active pty")
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Stop signals the child to exit and releases the PTY. A generation bump
// ensures any still-running copyOutput goroutine from a stale process
// exits quietly rather than racing a subsequent Start.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	ptmx := c.ptmx
	atomic.AddInt32(&c.processGen, 1)
	c.cmd, c.ptmx = nil, nil
	c.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
	return nil
}

// Running reports whether a child process is currently attached.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cmd != nil
}
