package tagnet

import (
	"context"
	"testing"
	"time"
)

const testTimeout = 10 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	return ctx
}

// resolveDirect drains the worker and resolves completions inline. It stands
// in for a progress binding in transport-level tests that bypass the
// application context.
func resolveDirect(w Worker) (stop func()) {
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			default:
			}

			w.Progress()
			for _, c := range w.Drain() {
				c.Op.complete(c.N, c.Data, c.Err)
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()

	return func() {
		close(quit)
		<-done
	}
}
