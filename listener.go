package tagnet

import (
	"sync"

	"github.com/rs/zerolog"
)

// Listener is a passive handle accepting inbound connections. The listening
// capability is bound to the value's lifetime: close it explicitly (defer
// lis.Close()) when done, the port stays bound until then.
type Listener struct {
	mu  sync.Mutex
	lh  ListenHandle
	app *ApplicationContext
	ref uint64
	log zerolog.Logger
}

func newListener(lh ListenHandle, app *ApplicationContext) *Listener {
	l := &Listener{
		lh:  lh,
		app: app,
		log: app.log,
	}
	l.ref = app.registerRef("listener " + lh.Addr())

	return l
}

// Closed reports whether the passive handle has been released.
func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lh == nil
}

// Addr returns the listening network address.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lh == nil {
		return ""
	}

	return l.lh.Addr()
}

// Port returns the listening network port.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lh == nil {
		return 0
	}

	return l.lh.Port()
}

// Close releases the passive handle and stops listening. Idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	lh := l.lh
	app := l.app
	ref := l.ref
	l.lh = nil
	l.app = nil
	l.mu.Unlock()

	if lh == nil {
		return nil
	}

	l.log.Debug().Msgf("Listener.Close(): %s", lh.Addr())
	err := lh.Close()
	if app != nil {
		app.dropRef(ref)
	}

	return err
}
