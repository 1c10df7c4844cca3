package hostio

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/dyntrans/engine/dyntrans"
)

type fakeConsole struct {
	routed []byte
	buffer string
}

func (c *fakeConsole) RouteHostKey(b byte) { c.routed = append(c.routed, b) }
func (c *fakeConsole) DrainOutput() string { s := c.buffer; c.buffer = ""; return s }

func TestHandleByteTogglesSingleStepOnCtrlT(t *testing.T) {
	cpu := &dyntrans.CPU{}
	console := &fakeConsole{}
	h := New(console, cpu)

	h.handleByte(ctrlT)
	if !cpu.SingleStep {
		t.Fatal("expected SingleStep to be true after one Ctrl-T")
	}
	h.handleByte(ctrlT)
	if cpu.SingleStep {
		t.Fatal("expected SingleStep to be false after a second Ctrl-T")
	}
	if len(console.routed) != 0 {
		t.Fatalf("Ctrl-T must not be forwarded to the console, got %v", console.routed)
	}
}

func TestHandleByteForwardsOrdinaryBytesToConsole(t *testing.T) {
	console := &fakeConsole{}
	h := New(console, nil)

	h.handleByte('a')
	if len(console.routed) != 1 || console.routed[0] != 'a' {
		t.Fatalf("routed = %v, want ['a']", console.routed)
	}
}

func TestHandleByteTranslatesCarriageReturnToNewline(t *testing.T) {
	console := &fakeConsole{}
	h := New(console, nil)

	h.handleByte('\r')
	if len(console.routed) != 1 || console.routed[0] != '\n' {
		t.Fatalf("routed = %v, want ['\\n']", console.routed)
	}
}

func TestHandleByteTranslatesDELToBackspace(t *testing.T) {
	console := &fakeConsole{}
	h := New(console, nil)

	h.handleByte(0x7F)
	if len(console.routed) != 1 || console.routed[0] != 0x08 {
		t.Fatalf("routed = %v, want [0x08]", console.routed)
	}
}

func TestHandleByteWithNilConsoleDoesNotPanic(t *testing.T) {
	h := New(nil, nil)
	h.handleByte('x')
}

func TestHandleByteCtrlTWithNilCPUIsForwardedAsOrdinaryByte(t *testing.T) {
	console := &fakeConsole{}
	h := New(console, nil)

	h.handleByte(ctrlT)
	if len(console.routed) != 1 || console.routed[0] != ctrlT {
		t.Fatalf("routed = %v, want [ctrlT] when no cpu is attached to intercept it", console.routed)
	}
}

func TestPrintOutputWritesDrainedText(t *testing.T) {
	console := &fakeConsole{buffer: "hello"}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	PrintOutput(console)
	w.Close()
	os.Stdout = orig

	var buf bytes.Buffer
	io.Copy(&buf, r)
	if buf.String() != "hello" {
		t.Fatalf("stdout = %q, want %q", buf.String(), "hello")
	}
	if console.buffer != "" {
		t.Fatal("expected DrainOutput to have emptied the buffer")
	}
}

func TestPrintOutputSkipsWriteWhenEmpty(t *testing.T) {
	console := &fakeConsole{}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	PrintOutput(console)
	w.Close()
	os.Stdout = orig

	var buf bytes.Buffer
	io.Copy(&buf, r)
	if buf.Len() != 0 {
		t.Fatalf("stdout = %q, want empty", buf.String())
	}
}
