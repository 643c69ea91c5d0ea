package bluetooth

import (
	"context"
	"errors"
	"fmt"
)

// TransferMode is the screen retrieval protocol a peer supports.
type TransferMode int

const (
	ModeNone TransferMode = iota
	// ModePull: page select on the command endpoint, then sequential reads
	// of the single screen endpoint.
	ModePull
	// ModePush: four fragment endpoints that notify independently.
	ModePush
)

func (m TransferMode) String() string {
	switch m {
	case ModePull:
		return "pull"
	case ModePush:
		return "push"
	default:
		return "none"
	}
}

// endpointSet is everything acquired from one session. It is replaced as a
// whole on every connect and never outlives its session.
type endpointSet struct {
	command       Endpoint
	screen        Endpoint
	screenChanged Endpoint
	fragments     [FragmentCount]Endpoint
	mode          TransferMode
}

// acquireEndpoints discovers the command endpoint and detects the transfer
// mode from which screen endpoints the peer exposes.
func acquireEndpoints(ctx context.Context, s Session) (*endpointSet, error) {
	eps := &endpointSet{}

	cmd, err := s.Discover(ctx, CommandCharUUID)
	if err != nil {
		return nil, fmt.Errorf("command characteristic: %w", err)
	}
	eps.command = cmd

	push := true
	for i, id := range FragmentCharUUIDs {
		ep, err := s.Discover(ctx, id)
		if errors.Is(err, ErrEndpointNotFound) {
			push = false
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fragment characteristic %d: %w", i, err)
		}
		eps.fragments[i] = ep
	}
	if push {
		eps.mode = ModePush
		return eps, nil
	}
	eps.fragments = [FragmentCount]Endpoint{}

	screen, err := s.Discover(ctx, ScreenCharUUID)
	if errors.Is(err, ErrEndpointNotFound) {
		return nil, ErrUnsupportedDevice
	}
	if err != nil {
		return nil, fmt.Errorf("screen characteristic: %w", err)
	}
	eps.screen = screen
	eps.mode = ModePull

	changed, err := s.Discover(ctx, ScreenChangedCharUUID)
	switch {
	case err == nil:
		eps.screenChanged = changed
	case !errors.Is(err, ErrEndpointNotFound):
		return nil, fmt.Errorf("screen changed characteristic: %w", err)
	}

	return eps, nil
}

// transfer retrieves the framebuffer from a connected peer.
type transfer interface {
	Mode() TransferMode
	// Subscribe enables the notifications this mode relies on.
	Subscribe(ctx context.Context, onFragment func(slot int, data []byte), onChanged func()) error
	// Fetch explicitly retrieves every page, decompressed and in order.
	Fetch(ctx context.Context) ([][]byte, error)
	// Fragment stores one pushed payload and returns the complete page list
	// once every slot has reported.
	Fragment(slot int, payload []byte) ([][]byte, bool)
}

func newTransfer(eps *endpointSet, decode func([]byte) []byte) transfer {
	if eps.mode == ModePush {
		return &pushTransfer{fragments: eps.fragments, decode: decode}
	}
	return &pullTransfer{command: eps.command, screen: eps.screen, changed: eps.screenChanged, decode: decode}
}

type pullTransfer struct {
	command Endpoint
	screen  Endpoint
	changed Endpoint
	decode  func([]byte) []byte
}

func (t *pullTransfer) Mode() TransferMode { return ModePull }

func (t *pullTransfer) Subscribe(ctx context.Context, _ func(int, []byte), onChanged func()) error {
	if t.changed == nil {
		return nil
	}
	return t.changed.Subscribe(ctx, func([]byte) { onChanged() })
}

func (t *pullTransfer) Fetch(ctx context.Context) ([][]byte, error) {
	if err := t.command.Write(ctx, EncodePageSelect(0)); err != nil {
		return nil, fmt.Errorf("select page: %w", err)
	}

	pages := make([][]byte, 0, FragmentCount)
	for i := 0; i < FragmentCount; i++ {
		raw, err := t.screen.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", i, err)
		}
		pages = append(pages, t.decode(raw))
	}
	return pages, nil
}

func (t *pullTransfer) Fragment(int, []byte) ([][]byte, bool) { return nil, false }

type pushTransfer struct {
	fragments [FragmentCount]Endpoint
	partial   FragmentSet
	decode    func([]byte) []byte
}

func (t *pushTransfer) Mode() TransferMode { return ModePush }

func (t *pushTransfer) Subscribe(ctx context.Context, onFragment func(int, []byte), _ func()) error {
	for i, ep := range t.fragments {
		slot := i
		if err := ep.Subscribe(ctx, func(data []byte) { onFragment(slot, data) }); err != nil {
			return fmt.Errorf("subscribe fragment %d: %w", slot, err)
		}
	}
	return nil
}

func (t *pushTransfer) Fetch(ctx context.Context) ([][]byte, error) {
	pages := make([][]byte, 0, FragmentCount)
	for i, ep := range t.fragments {
		raw, err := ep.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read fragment %d: %w", i, err)
		}
		pages = append(pages, t.decode(raw))
	}
	return pages, nil
}

func (t *pushTransfer) Fragment(slot int, payload []byte) ([][]byte, bool) {
	return t.partial.Put(slot, t.decode(payload))
}
