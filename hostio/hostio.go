// Package hostio adapts the host terminal into the engine: raw-mode stdin
// reading and an interactive single-step toggle, wired directly onto the
// dyntrans.CPU debug surface rather than a guest TERM_IN MMIO device.
package hostio

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/dyntrans/engine/dyntrans"
	"github.com/dyntrans/engine/enginelog"
)

// Console is anything that accepts host keystrokes, typically a memory- or
// bus-mapped terminal device.
type Console interface {
	RouteHostKey(b byte)
}

// Host reads raw stdin in a background goroutine, forwarding ordinary bytes
// to a Console and intercepting Ctrl-T as a single-step toggle on cpu.
type Host struct {
	console Console
	cpu     *dyntrans.CPU

	fd           int
	oldTermState *term.State
	nonblockSet  bool

	stopCh  chan struct{}
	done    chan struct{}
	stopped sync.Once
}

// New returns a Host that feeds keystrokes to console and toggles
// cpu.SingleStep on Ctrl-T (0x14). cpu may be nil, in which case the toggle
// key is forwarded to console like any other byte.
func New(console Console, cpu *dyntrans.CPU) *Host {
	return &Host{
		console: console,
		cpu:     cpu,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

const ctrlT = 0x14

// Start puts stdin into raw, non-blocking mode and begins reading.
func (h *Host) Start() {
	h.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(h.fd)
	if err != nil {
		enginelog.Errorf("hostio", "failed to set raw mode: %v", err)
		close(h.done)
		return
	}
	h.oldTermState = oldState

	if err := syscall.SetNonblock(h.fd, true); err != nil {
		enginelog.Errorf("hostio", "failed to set nonblocking stdin: %v", err)
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
		close(h.done)
		return
	}
	h.nonblockSet = true

	go h.readLoop()
}

func (h *Host) readLoop() {
	defer close(h.done)
	buf := make([]byte, 1)

	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		n, err := syscall.Read(h.fd, buf)
		if n > 0 {
			h.handleByte(buf[0])
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err != nil {
			return
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (h *Host) handleByte(b byte) {
	if b == ctrlT && h.cpu != nil {
		h.cpu.SingleStep = !h.cpu.SingleStep
		enginelog.Infof("hostio", "single-step now %v", h.cpu.SingleStep)
		return
	}
	if b == '\r' {
		b = '\n'
	}
	if b == 0x7F {
		b = 0x08
	}
	if h.console != nil {
		h.console.RouteHostKey(b)
	}
}

// Stop terminates the reading goroutine and restores the terminal.
func (h *Host) Stop() {
	h.stopped.Do(func() { close(h.stopCh) })
	<-h.done
	if h.nonblockSet {
		_ = syscall.SetNonblock(h.fd, false)
		h.nonblockSet = false
	}
	if h.oldTermState != nil {
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
	}
}

// OutputDrainer is a Console that also buffers host-bound output, typically
// the same device as Console.
type OutputDrainer interface {
	DrainOutput() string
}

// PrintOutput drains d and writes whatever is pending to stdout. Call
// periodically from the main loop.
func PrintOutput(d OutputDrainer) {
	out := d.DrainOutput()
	if len(out) > 0 {
		fmt.Print(out)
	}
}
