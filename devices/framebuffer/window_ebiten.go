//go:build !headless

package framebuffer

import (
	"image"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
)

// ebitenWindow is the default windowOutput: an ebiten.Game whose Draw
// simply blits whatever pixel buffer was most recently handed to it.
type ebitenWindow struct {
	width, height int

	mu      sync.Mutex
	pixels  []byte
	started bool
	ready   chan struct{}
	readyOk sync.Once
}

func newWindowOutput(width, height int) windowOutput {
	return &ebitenWindow{
		width:  width,
		height: height,
		pixels: make([]byte, width*height*4),
		ready:  make(chan struct{}),
	}
}

func (w *ebitenWindow) Start() error {
	if w.started {
		return nil
	}
	w.started = true
	ebiten.SetWindowSize(w.width, w.height)
	ebiten.SetWindowTitle("dyntrans framebuffer demo")
	ebiten.SetWindowResizable(true)
	ebiten.SetRunnableOnUnfocused(true)
	go func() { _ = ebiten.RunGame(w) }()
	return nil
}

func (w *ebitenWindow) Stop() error {
	w.started = false
	return nil
}

func (w *ebitenWindow) Present(pixels []byte, width, height int) error {
	w.mu.Lock()
	if len(w.pixels) != len(pixels) {
		w.pixels = make([]byte, len(pixels))
	}
	copy(w.pixels, pixels)
	w.mu.Unlock()
	w.readyOk.Do(func() { close(w.ready) })
	return nil
}

// Update implements ebiten.Game; this device has no host input of its own.
func (w *ebitenWindow) Update() error { return nil }

// Draw implements ebiten.Game.
func (w *ebitenWindow) Draw(screen *ebiten.Image) {
	w.mu.Lock()
	buf := make([]byte, len(w.pixels))
	copy(buf, w.pixels)
	w.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, w.width, w.height))
	copy(img.Pix, buf)
	screen.WritePixels(img.Pix)
}

// Layout implements ebiten.Game.
func (w *ebitenWindow) Layout(outsideWidth, outsideHeight int) (int, int) {
	return w.width, w.height
}
