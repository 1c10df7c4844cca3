//go:build headless

package framebuffer

// headlessWindow is the no-op windowOutput used for tests and CI.
type headlessWindow struct{}

func newWindowOutput(width, height int) windowOutput { return headlessWindow{} }

func (headlessWindow) Start() error                              { return nil }
func (headlessWindow) Stop() error                                { return nil }
func (headlessWindow) Present(pixels []byte, width, height int) error { return nil }
