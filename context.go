package tagnet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// acceptHandshakeTimeout bounds the acceptor-side handshake so a connecting
// peer that never completes the exchange cannot pin the accept path.
const acceptHandshakeTimeout = 10 * time.Second

// ApplicationContext composes one transport worker with progress bindings
// and is the factory for endpoints and listeners. It is an explicit
// composition root: construct one and pass it around; the package-level
// Init/Default helpers exist only for the call boundary.
type ApplicationContext struct {
	mu       sync.Mutex
	driver   Driver
	worker   Worker
	mode     ProgressMode
	notifier bool
	sched    *Scheduler
	bindings map[*Scheduler]*progressBinding
	refs     map[uint64]string
	nextRef  uint64
	closed   bool

	notifierCtl  chan string
	notifierDone chan struct{}
	notifierOnce sync.Once

	log zerolog.Logger
}

// NewApplicationContext creates a context over the given transport engine.
// cfg may be nil, in which case every setting resolves from the environment
// and defaults. The context immediately guarantees progress for its default
// scheduler, so messages can be received before any endpoint is created.
func NewApplicationContext(driver Driver, cfg *Config, logger zerolog.Logger) (*ApplicationContext, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	mode, err := resolveProgressMode(cfg.ProgressMode)
	if err != nil {
		return nil, err
	}

	delayed := resolveBool(cfg.EnableDelayedSubmission, EnvDelayedSubmission, true)

	notifier := resolveBool(cfg.EnableNotifier, EnvNotifier, false)
	if notifier && mode == ProgressPolling {
		logger.Warn().Msgf("notifier requested, but %s progress mode does not support it, disabling", mode)
		notifier = false
	}

	worker, err := driver.NewWorker(WorkerConfig{DelayedSubmission: delayed})
	if err != nil {
		return nil, fmt.Errorf("creating worker: %w", err)
	}

	c := &ApplicationContext{
		driver:   driver,
		worker:   worker,
		mode:     mode,
		notifier: notifier,
		sched:    NewScheduler(),
		bindings: make(map[*Scheduler]*progressBinding),
		refs:     make(map[uint64]string),
		log:      logger,
	}

	if notifier {
		c.startNotifier()
	}
	c.EnsureProgress(nil)

	return c, nil
}

// Scheduler returns the context's default cooperative scheduler.
func (c *ApplicationContext) Scheduler() *Scheduler { return c.sched }

// WorkerHandle returns the native handle of the context's transport worker.
func (c *ApplicationContext) WorkerHandle() uint64 { return c.worker.Handle() }

// ProgressMode returns the drain strategy the context was constructed with.
func (c *ApplicationContext) ProgressMode() ProgressMode { return c.mode }

// Progress drives the transport one step. Illegal to call from a listener
// callback running on the default scheduler.
func (c *ApplicationContext) Progress() bool { return c.worker.Progress() }

// EnsureProgress registers a progress binding for s, or for the default
// scheduler when s is nil. Registration is idempotent: a scheduler that
// already has a binding is skipped.
func (c *ApplicationContext) EnsureProgress(s *Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if s == nil {
		s = c.sched
	}
	if c.notifier && s == c.sched {
		// The notifier goroutine is already draining for the default
		// scheduler.
		return
	}
	if _, ok := c.bindings[s]; ok {
		return
	}
	c.bindings[s] = newProgressBinding(c.mode, c.worker, s, c.log)
}

// CreateEndpoint connects to a server and returns the endpoint once the tag
// handshake completed. No endpoint is returned on any handshake or
// connection failure.
func (c *ApplicationContext) CreateEndpoint(ctx context.Context, addr string) (*Endpoint, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, ErrContextClosed
	}
	c.mu.Unlock()

	c.EnsureProgress(nil)

	conn, err := c.worker.Connect(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", ErrConnection, addr, err)
	}

	seed := uuid.New()
	msgTag := MakeTag("msg_tag", seed[:], conn.Handle())
	ctrlTag := MakeTag("ctrl_tag", seed[:], conn.Handle())

	c.worker.Progress()

	info, err := exchangePeerInfo(ctx, conn, msgTag, ctrlTag, false)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	ep := newEndpoint(conn, c, TagSet{
		MsgSend:  info.MsgTag,
		MsgRecv:  msgTag,
		CtrlSend: info.CtrlTag,
		CtrlRecv: ctrlTag,
	})

	c.log.Debug().Msgf("CreateEndpoint() client: %#x, msg-tag-send: %#x, msg-tag-recv: %#x, "+
		"ctrl-tag-send: %#x, ctrl-tag-recv: %#x",
		ep.uid, ep.tags.MsgSend, ep.tags.MsgRecv, ep.tags.CtrlSend, ep.tags.CtrlRecv)

	return ep, nil
}

// CreateListener binds a passive handle on port (0 picks an unused port) and
// invokes onAccept with a fully handshaken endpoint for every inbound
// connection. onAccept runs fire-and-forget relative to the accept path; a
// panic inside it is caught and logged, never propagated to the transport.
func (c *ApplicationContext) CreateListener(port int, onAccept func(*Endpoint)) (*Listener, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, ErrContextClosed
	}
	c.mu.Unlock()

	c.EnsureProgress(nil)

	// The handshake runs synchronously on the worker's accept dispatch, so
	// an engine bounding concurrent dispatches bounds concurrent handshakes
	// with it. The user callback itself is handed off by acceptConn.
	lh, err := c.worker.Listen(port, func(conn Conn) {
		c.acceptConn(conn, onAccept)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listening on port %d: %w", ErrConnection, port, err)
	}

	c.log.Info().Msgf("CreateListener() - start listening on %s", lh.Addr())

	return newListener(lh, c), nil
}

// acceptConn runs the acceptor role of the handshake for one inbound
// connection and hands the resulting endpoint to the user callback.
func (c *ApplicationContext) acceptConn(conn Conn, onAccept func(*Endpoint)) {
	ctx, cancel := context.WithTimeout(context.Background(), acceptHandshakeTimeout)
	defer cancel()

	seed := uuid.New()
	msgTag := MakeTag("msg_tag", seed[:], conn.Handle())
	ctrlTag := MakeTag("ctrl_tag", seed[:], conn.Handle())

	info, err := exchangePeerInfo(ctx, conn, msgTag, ctrlTag, true)
	if err != nil {
		c.log.Error().Err(err).Msgf("listener handshake failed: %#x", conn.Handle())
		_ = conn.Close()

		return
	}

	ep := newEndpoint(conn, c, TagSet{
		MsgSend:  info.MsgTag,
		MsgRecv:  msgTag,
		CtrlSend: info.CtrlTag,
		CtrlRecv: ctrlTag,
	})

	c.log.Debug().Msgf("listener accept: %#x, msg-tag-send: %#x, msg-tag-recv: %#x, "+
		"ctrl-tag-send: %#x, ctrl-tag-recv: %#x",
		ep.uid, ep.tags.MsgSend, ep.tags.MsgRecv, ep.tags.CtrlSend, ep.tags.CtrlRecv)

	// Dispatch through the scheduler, then hand the callback its own
	// goroutine so a blocking callback cannot stall completion delivery.
	c.sched.Submit(func() {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Msgf("uncaught listener callback panic: %v", r)
				}
			}()
			onAccept(ep)
		}()
	})
}

// registerRef records a live endpoint or listener holding a non-owning
// reference to this context.
func (c *ApplicationContext) registerRef(desc string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextRef++
	c.refs[c.nextRef] = desc

	return c.nextRef
}

func (c *ApplicationContext) dropRef(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.refs, id)
}

// startNotifier launches the context-owned goroutine that waits on the
// worker and delivers completions to the default scheduler. It polls a
// control channel for a shutdown instruction and exits promptly.
func (c *ApplicationContext) startNotifier() {
	c.notifierCtl = make(chan string, 1)
	c.notifierDone = make(chan struct{})
	go c.notifierLoop()
}

func (c *ApplicationContext) notifierLoop() {
	defer close(c.notifierDone)
	c.log.Debug().Msg("starting notifier goroutine")

	for {
		state := c.worker.WaitCompletions(waitCompletionsPeriod)

		select {
		case msg := <-c.notifierCtl:
			if msg == "shutdown" {
				c.log.Warn().Msg("notifier shutting down")
				c.flushToScheduler()

				return
			}
			c.log.Warn().Msgf("notifier got unknown control message: %q", msg)
		default:
		}

		if state == WaitShutdown {
			return
		}

		c.worker.Progress()
		c.flushToScheduler()
	}
}

func (c *ApplicationContext) flushToScheduler() {
	for _, comp := range c.worker.Drain() {
		comp := comp
		c.sched.Submit(func() { comp.Op.complete(comp.N, comp.Data, comp.Err) })
	}
}

// StopNotifier stops the notifier goroutine, if the context runs one.
func (c *ApplicationContext) StopNotifier() {
	if c.notifierCtl == nil {
		c.log.Debug().Msg("notifier not running")

		return
	}

	c.notifierOnce.Do(func() {
		c.notifierCtl <- "shutdown"
		<-c.notifierDone
		c.log.Debug().Msg("notifier stopped")
	})
}

// Close resets the context: progress bindings stop, the worker and driver
// are released. Close refuses loudly when live endpoints or listeners still
// reference the context, enumerating them, so references can never dangle
// silently.
func (c *ApplicationContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}
	if len(c.refs) > 0 {
		var sb strings.Builder
		sb.WriteString("the following objects still reference the context:")
		for _, desc := range c.refs {
			sb.WriteString("\n  ")
			sb.WriteString(desc)
		}
		c.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrActiveReferences, sb.String())
	}
	c.closed = true
	bindings := c.bindings
	c.bindings = nil
	c.mu.Unlock()

	c.StopNotifier()
	for _, b := range bindings {
		b.stop()
	}
	err := c.worker.Close()
	c.sched.Close()
	if derr := c.driver.Close(); err == nil {
		err = derr
	}

	c.log.Debug().Msg("application context closed")

	return err
}

// The following functions manage a single shared ApplicationContext at the
// call boundary.

var (
	defaultMu  sync.Mutex
	defaultCtx *ApplicationContext
)

// Init constructs the shared context explicitly. It fails if the shared
// context is already initialized; call Reset first to re-initialize with
// different options.
func Init(driver Driver, cfg *Config, logger zerolog.Logger) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCtx != nil {
		return fmt.Errorf("%w: already initialized, call Reset() and Init() to re-initialize",
			ErrConfiguration)
	}

	c, err := NewApplicationContext(driver, cfg, logger)
	if err != nil {
		return err
	}
	defaultCtx = c

	return nil
}

// Default returns the shared context, constructing it over the TCP engine
// with environment-driven settings on first use.
func Default() (*ApplicationContext, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCtx == nil {
		c, err := NewApplicationContext(NewTCPDriver(zerolog.Nop()), nil, zerolog.Nop())
		if err != nil {
			return nil, err
		}
		defaultCtx = c
	}

	return defaultCtx, nil
}

// Reset shuts the shared context down. It fails, and the context stays
// usable, while live endpoints or listeners still reference it. The shared
// context is re-initialized at the next Init or Default call.
func Reset() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCtx == nil {
		return nil
	}
	if err := defaultCtx.Close(); err != nil {
		return err
	}
	defaultCtx = nil

	return nil
}

// CreateEndpoint connects through the shared context.
func CreateEndpoint(ctx context.Context, addr string) (*Endpoint, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	return c.CreateEndpoint(ctx, addr)
}

// CreateListener listens through the shared context.
func CreateListener(port int, onAccept func(*Endpoint)) (*Listener, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	return c.CreateListener(port, onAccept)
}
