package bluetooth

import "fmt"

// Device-bound message types (first byte of every command frame)
const (
	MSG_INPUT_EVENT = 0x01
	MSG_PAGE_SELECT = 0x02

	INPUT_FRAME_SIZE       = 4
	PAGE_SELECT_FRAME_SIZE = 2
)

// Button event values
const (
	BTN_PRESS   int8 = 0x01
	BTN_RELEASE int8 = 0x02
)

// ControlID identifies a physical control on the synth panel.
type ControlID byte

const (
	ControlLeftButton  ControlID = 0x01
	ControlRightButton ControlID = 0x02
	ControlEncoder0    ControlID = 0x10
	ControlEncoder1    ControlID = 0x11
	ControlEncoder2    ControlID = 0x12
)

var controlNames = map[string]ControlID{
	"lx":   ControlLeftButton,
	"rx":   ControlRightButton,
	"enc0": ControlEncoder0,
	"enc1": ControlEncoder1,
	"enc2": ControlEncoder2,
}

// ParseControl maps a UI control name ("lx", "enc0", ...) to its id.
func ParseControl(name string) (ControlID, bool) {
	id, ok := controlNames[name]
	return id, ok
}

// Valid reports whether id is one of the known controls.
func (id ControlID) Valid() bool {
	switch id {
	case ControlLeftButton, ControlRightButton, ControlEncoder0, ControlEncoder1, ControlEncoder2:
		return true
	}
	return false
}

// IsEncoder reports whether the control is a rotary encoder.
func (id ControlID) IsEncoder() bool {
	return id == ControlEncoder0 || id == ControlEncoder1 || id == ControlEncoder2
}

func (id ControlID) String() string {
	for name, v := range controlNames {
		if v == id {
			return name
		}
	}
	return fmt.Sprintf("control(0x%02x)", byte(id))
}

// EncodeInputEvent builds the 4-byte input frame
// [MSG_INPUT_EVENT, control, value, shift]. Unknown controls produce no frame.
func EncodeInputEvent(id ControlID, value int8, shift bool) ([]byte, bool) {
	if !id.Valid() {
		return nil, false
	}

	var s byte
	if shift {
		s = 1
	}
	return []byte{MSG_INPUT_EVENT, byte(id), byte(value), s}, true
}

// EncodeButton encodes a press or release of a button control.
func EncodeButton(id ControlID, pressed bool) ([]byte, bool) {
	value := BTN_RELEASE
	if pressed {
		value = BTN_PRESS
	}
	return EncodeInputEvent(id, value, false)
}

// EncodeEncoder encodes a single encoder step. Any positive delta is +1,
// any negative delta is -1. A zero delta produces no frame.
func EncodeEncoder(id ControlID, delta int, shift bool) ([]byte, bool) {
	if delta == 0 {
		return nil, false
	}
	var step int8 = 1
	if delta < 0 {
		step = -1
	}
	return EncodeInputEvent(id, step, shift)
}

// EncodePageSelect builds the pull-mode page select frame.
func EncodePageSelect(page byte) []byte {
	return []byte{MSG_PAGE_SELECT, page}
}

// DecompressRLE expands a (value, count) pair stream into at most limit
// bytes. A trailing odd byte is ignored and runs past limit are clipped.
func DecompressRLE(payload []byte, limit int) []byte {
	out, _ := decompressRLE(payload, limit)
	return out
}

// decompressRLE also reports whether the payload was clipped or carried a
// dangling byte.
func decompressRLE(payload []byte, limit int) ([]byte, bool) {
	if limit < 0 {
		limit = 0
	}

	out := make([]byte, limit)
	malformed := len(payload)%2 != 0
	w := 0

	for r := 0; r+1 < len(payload); r += 2 {
		value, count := payload[r], int(payload[r+1])

		end := w + count
		if end > limit {
			end = limit
			malformed = true
		}
		for i := w; i < end; i++ {
			out[i] = value
		}
		w = end
	}

	return out[:w], malformed
}
