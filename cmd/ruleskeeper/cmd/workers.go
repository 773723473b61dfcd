package cmd

import (
	"fmt"
	"sync"
)

// workers runs the serve command's background loops. Wait returns once
// every loop has returned, so closers deferred by the caller run after the
// last in-flight message is handled.
type workers struct {
	wg   sync.WaitGroup
	errs chan<- error
}

func newWorkers(errs chan<- error) *workers {
	return &workers{errs: errs}
}

// Go runs fn in a goroutine. A non-nil error is wrapped with name and sent
// to the error channel, or dropped when the channel is full because
// shutdown has already begun.
func (w *workers) Go(name string, fn func() error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := fn(); err != nil {
			select {
			case w.errs <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}
	}()
}

func (w *workers) Wait() {
	w.wg.Wait()
}
