package utils

import (
	"context"
	"sync"

	"github.com/usenocturne/synthlink/bluetooth"
	"go.uber.org/zap"
)

// DeviceSource is the read-only view of a Device the broadcaster needs.
type DeviceSource interface {
	Status() bluetooth.Status
	Screen() *bluetooth.FrameBuffer
}

// DeviceBroadcaster forwards device notifications to WebSocket clients. It
// implements bluetooth.Observer; callbacks only enqueue, so the device
// goroutine never waits on a slow client.
type DeviceBroadcaster struct {
	log   *zap.Logger
	wsHub *WebSocketHub

	mu     sync.RWMutex
	source DeviceSource

	queue chan WebSocketEvent
}

func NewDeviceBroadcaster(wsHub *WebSocketHub, logger *zap.Logger) *DeviceBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceBroadcaster{
		log:   logger.Named("ws"),
		wsHub: wsHub,
		queue: make(chan WebSocketEvent, 32),
	}
}

// Attach sets the device whose state is included in payloads. The
// broadcaster is created before the device it observes.
func (b *DeviceBroadcaster) Attach(source DeviceSource) {
	b.mu.Lock()
	b.source = source
	b.mu.Unlock()
}

func (b *DeviceBroadcaster) device() DeviceSource {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source
}

func (b *DeviceBroadcaster) deviceName() string {
	if src := b.device(); src != nil {
		return src.Status().DeviceName
	}
	return ""
}

// Run delivers queued events until ctx is cancelled.
func (b *DeviceBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.queue:
			b.wsHub.Broadcast(event)
		}
	}
}

func (b *DeviceBroadcaster) enqueue(event WebSocketEvent) {
	select {
	case b.queue <- event:
	default:
		b.log.Warn("event queue full, dropping event", zap.String("event", event.Type))
	}
}

func (b *DeviceBroadcaster) ConnectionChanged(connected bool) {
	b.enqueue(WebSocketEvent{
		Type:    EVENT_CONNECTION,
		Payload: ConnectionPayload{Connected: connected, DeviceName: b.deviceName()},
	})
}

func (b *DeviceBroadcaster) ReconnectionChanged(reconnecting bool) {
	b.enqueue(WebSocketEvent{
		Type:    EVENT_RECONNECTION,
		Payload: ReconnectionPayload{Reconnecting: reconnecting, DeviceName: b.deviceName()},
	})
}

func (b *DeviceBroadcaster) ScreenUpdated() {
	src := b.device()
	if src == nil {
		return
	}
	fb := src.Screen()
	b.enqueue(WebSocketEvent{
		Type:    EVENT_SCREEN,
		Payload: ScreenPayload{Width: fb.Width(), Height: fb.Height(), Data: fb.Snapshot()},
	})
}
