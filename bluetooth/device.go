package bluetooth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures a Device. Transport is required; everything else has
// a usable zero value.
type Options struct {
	Transport Transport
	// Selector backs ConnectPrompt. Without one ConnectPrompt does nothing.
	Selector Selector
	Observer Observer
	Logger   *zap.Logger
	Metrics  *Metrics

	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// DisableAutoReconnect starts the device with auto reconnect off.
	DisableAutoReconnect bool

	scheduler scheduler
}

// Device is the control surface client for one synth. Every operation is
// executed on a single goroutine owned by the Device, so calls are
// serialized; pixel queries read the framebuffer directly.
type Device struct {
	log      *zap.Logger
	selector Selector
	screen   *FrameBuffer
	sm       *stateMachine

	requests chan request
	events   chan event
	quit     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	closeOnce sync.Once
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewDevice creates a Device and starts its goroutine.
func NewDevice(opts Options) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bt")

	var observer Observer = ObserverFuncs{}
	if opts.Observer != nil {
		observer = opts.Observer
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	sched := opts.scheduler
	if sched == nil {
		sched = wallClock{}
	}

	base, cancel := context.WithCancel(context.Background())
	d := &Device{
		log:      logger,
		selector: opts.Selector,
		screen:   NewFrameBuffer(ScreenWidth, ScreenHeight),
		requests: make(chan request),
		events:   make(chan event, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	d.sm = &stateMachine{
		log:           logger,
		transport:     opts.Transport,
		observer:      observer,
		metrics:       opts.Metrics,
		sched:         sched,
		delay:         delay,
		screen:        d.screen,
		post:          d.post,
		base:          base,
		autoReconnect: !opts.DisableAutoReconnect,
	}
	d.sm.publish()

	go d.run()
	return d
}

func (d *Device) run() {
	defer close(d.done)

	for {
		select {
		case <-d.quit:
			return
		case req := <-d.requests:
			req.done <- req.fn(req.ctx)
		case ev := <-d.events:
			d.sm.handle(ev)
		}
	}
}

// post hands an inbound event to the device goroutine. Dropped after Close.
func (d *Device) post(ev event) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

func (d *Device) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
	return <-req.done
}

// interrupt submits a user request that supersedes any reconnect attempt
// in flight. The attempt is cancelled first so the request is not stuck
// behind it.
func (d *Device) interrupt(ctx context.Context, fn func(ctx context.Context) error) error {
	d.sm.abortAttempt()
	defer d.sm.endAbort()
	return d.submit(ctx, fn)
}

// Close disconnects and stops the device goroutine.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		// Cancelling first unblocks any transport call in progress.
		d.cancel()
		_ = d.submit(context.Background(), func(context.Context) error {
			d.sm.disconnect()
			return nil
		})
		close(d.quit)
		<-d.done
	})
	return nil
}

// ConnectPrompt asks the Selector for a peer and connects to it. A missing
// selector or an abandoned selection is logged and leaves the device
// disconnected; only a failed connect is returned.
func (d *Device) ConnectPrompt(ctx context.Context) error {
	if d.selector == nil {
		d.log.Warn("connect prompt unavailable", zap.Error(ErrTransportUnavailable))
		return nil
	}

	peer, err := d.selector.Select(ctx)
	if err != nil {
		d.log.Warn("closed connect prompt", zap.Error(err))
		return nil
	}
	return d.Connect(ctx, peer)
}

// Connect connects to peer. A failure returns an error wrapping
// ErrConnectFailure and is not retried.
func (d *Device) Connect(ctx context.Context, peer Peer) error {
	if peer.ID == "" {
		return nil
	}
	return d.interrupt(ctx, func(ctx context.Context) error {
		return d.sm.connect(ctx, peer)
	})
}

// Disconnect tears down the session or abandons a pending reconnect.
func (d *Device) Disconnect(ctx context.Context) error {
	return d.interrupt(ctx, func(context.Context) error {
		d.sm.disconnect()
		return nil
	})
}

// SetAutoReconnect toggles automatic reconnection. Disabling it while
// reconnecting gives up and releases the peer.
func (d *Device) SetAutoReconnect(ctx context.Context, enabled bool) error {
	submit := d.submit
	if !enabled {
		submit = d.interrupt
	}
	return submit(ctx, func(context.Context) error {
		d.sm.setAutoReconnect(enabled)
		return nil
	})
}

// SendButton sends a press or release of a button control such as "lx".
// Unknown controls and writes while offline are silently dropped.
func (d *Device) SendButton(ctx context.Context, control string, pressed bool) error {
	id, ok := ParseControl(control)
	if !ok {
		return nil
	}
	frame, ok := EncodeButton(id, pressed)
	if !ok {
		return nil
	}
	return d.submit(ctx, func(ctx context.Context) error {
		d.sm.send(ctx, "button", frame)
		return nil
	})
}

// SendEncoder sends one step of an encoder control such as "enc0".
// Unknown controls and writes while offline are silently dropped.
func (d *Device) SendEncoder(ctx context.Context, control string, delta int, shift bool) error {
	id, ok := ParseControl(control)
	if !ok || delta == 0 {
		return nil
	}
	frame, ok := EncodeEncoder(id, delta, shift)
	if !ok {
		return nil
	}
	return d.submit(ctx, func(ctx context.Context) error {
		d.sm.send(ctx, "encoder", frame)
		return nil
	})
}

// RequestScreen fetches the whole framebuffer from the peer. Requests are
// serialized on the device goroutine, so at most one fetch is in flight.
func (d *Device) RequestScreen(ctx context.Context) error {
	return d.submit(ctx, func(ctx context.Context) error {
		d.sm.refreshScreen(ctx)
		return nil
	})
}

func (d *Device) Status() Status { return d.sm.Status() }

// DeviceName is the connected or reconnecting peer's name, or "".
func (d *Device) DeviceName() string   { return d.sm.Status().DeviceName }
func (d *Device) IsConnected() bool    { return d.sm.Status().Connected() }
func (d *Device) IsReconnecting() bool { return d.sm.Status().Reconnecting() }
func (d *Device) AutoReconnect() bool  { return d.sm.Status().AutoReconnect }

func (d *Device) IsPixelOn(x, y int) bool { return d.screen.IsPixelOn(x, y) }

// Screen exposes the framebuffer for read-only use.
func (d *Device) Screen() *FrameBuffer { return d.screen }
