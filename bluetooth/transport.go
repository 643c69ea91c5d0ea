package bluetooth

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Peer is a remote synth as reported by a Selector.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Transport opens sessions to peers. BlueZTransport and HCITransport are
// the production implementations.
type Transport interface {
	Connect(ctx context.Context, peerID string) (Session, error)
}

// Session is one live link to a peer.
type Session interface {
	// Discover looks up a characteristic of the synth service by UUID and
	// returns ErrEndpointNotFound when the peer does not expose it.
	Discover(ctx context.Context, uuid string) (Endpoint, error)
	Disconnect() error
	// Lost is closed once the link is gone, for any reason.
	Lost() <-chan struct{}
}

// Endpoint is a single characteristic on a Session.
type Endpoint interface {
	UUID() string
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	// Subscribe enables notifications; fn may be called from any goroutine.
	Subscribe(ctx context.Context, fn func(data []byte)) error
}

// Selector picks a peer to connect to, typically by scanning.
type Selector interface {
	Select(ctx context.Context) (Peer, error)
}

// Scanner lists every synth in range until ctx ends.
type Scanner interface {
	Scan(ctx context.Context) ([]Peer, error)
}

// isSynth reports whether an advertisement belongs to a synth: it carries
// the service UUID or, failing that, a name starting with DeviceNamePrefix.
func isSynth(name string, uuids []string) bool {
	for _, u := range uuids {
		if SameUUID(u, SynthServiceUUID) {
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(name), DeviceNamePrefix)
}

// SameUUID compares two UUID strings ignoring case and formatting.
func SameUUID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return ua == ub
}
