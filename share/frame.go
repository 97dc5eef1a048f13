package share

import (
	"encoding/binary"
	"fmt"
)

// Wire-level constants for the VIOS framing protocol. Field sizes and
// control byte values are fixed by the protocol version and never change
// without a version bump.
const (
	Sync0   byte = 'V'
	Sync1   byte = 'S'
	Version byte = '1'

	CtrlSYN     byte = 'A'
	CtrlACK     byte = 'B'
	CtrlSYNACK  byte = 'C'
	CtrlDATA    byte = 'D'
	CtrlRESET   byte = 'H'

	// MaxPayloadSize is the largest payload a single DATA frame can carry.
	MaxPayloadSize = 65535

	// PayloadBufferSize is the fixed per-direction buffer size backing a
	// channel's partial-frame accumulators; one byte larger than
	// MaxPayloadSize is not required, but the original implementation
	// sizes it as 65536 and this repo preserves that headroom.
	PayloadBufferSize = 65536

	// HeaderSize is the fixed, tightly-packed wire size of a Header.
	HeaderSize = 14
)

// Sentinel token values. These are never negotiated or transmitted; they
// only ever appear in a Channel's guestToken/hostToken fields as diagnostic
// markers of "no session" or "just reset".
const (
	// SentinelToken marks a channel that has never negotiated a session.
	SentinelToken uint32 = 0x21212121 // "!!!!"

	// ResetToken marks a channel immediately after ResetCleanUp.
	ResetToken uint32 = 0x52525252 // "RRRR"

	// PlaceholderToken is the diagnostic hostToken value a guest channel
	// puts in its initial SYN, before any host token has been negotiated.
	PlaceholderToken uint32 = 0x3F3F3F3F // "????"
)

// Header is the fixed 14-byte frame header. Multi-byte fields travel the
// wire in network byte order; Header itself always holds host-order values,
// and EncodeHeader/DecodeHeader do the translation.
type Header struct {
	Sync0         byte
	Sync1         byte
	Version       byte
	Ctrl          byte
	GuestToken    uint32
	HostToken     uint32
	PayloadLength uint16
}

// EncodeHeader writes h into a freshly allocated 14-byte buffer in wire
// format.
func EncodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	buf[0] = h.Sync0
	buf[1] = h.Sync1
	buf[2] = h.Version
	buf[3] = h.Ctrl
	binary.BigEndian.PutUint32(buf[4:8], h.GuestToken)
	binary.BigEndian.PutUint32(buf[8:12], h.HostToken)
	binary.BigEndian.PutUint16(buf[12:14], h.PayloadLength)
	return buf
}

// DecodeHeader parses a 14-byte wire buffer into a Header. It does not
// validate sync/version; call ValidateHeader for that.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("share: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		Sync0:         buf[0],
		Sync1:         buf[1],
		Version:       buf[2],
		Ctrl:          buf[3],
		GuestToken:    binary.BigEndian.Uint32(buf[4:8]),
		HostToken:     binary.BigEndian.Uint32(buf[8:12]),
		PayloadLength: binary.BigEndian.Uint16(buf[12:14]),
	}, nil
}

// ValidateHeader reports whether h carries the current sync pattern and
// protocol version. Any deviation is a protocol violation that should
// trigger a RESET on the owning channel (outside of initial byte-stream
// resynchronization, where stray bytes are simply discarded instead).
func ValidateHeader(h Header) bool {
	return h.Sync0 == Sync0 && h.Sync1 == Sync1 && h.Version == Version
}

// NewSYNHeader builds a SYN frame header for a channel initiating a session.
// hostToken is PlaceholderToken until the host's SYNACK supplies a real one.
func NewSYNHeader(guestToken, hostToken uint32) Header {
	return Header{Sync0: Sync0, Sync1: Sync1, Version: Version, Ctrl: CtrlSYN, GuestToken: guestToken, HostToken: hostToken}
}

// NewSYNACKHeader builds a SYNACK frame header for a host replying to SYN.
func NewSYNACKHeader(guestToken, hostToken uint32) Header {
	return Header{Sync0: Sync0, Sync1: Sync1, Version: Version, Ctrl: CtrlSYNACK, GuestToken: guestToken, HostToken: hostToken}
}

// NewACKHeader builds an ACK frame header for a guest completing the
// handshake.
func NewACKHeader(guestToken, hostToken uint32) Header {
	return Header{Sync0: Sync0, Sync1: Sync1, Version: Version, Ctrl: CtrlACK, GuestToken: guestToken, HostToken: hostToken}
}

// NewDataHeader builds a DATA frame header carrying payloadLength bytes.
func NewDataHeader(guestToken, hostToken uint32, payloadLength uint16) Header {
	return Header{Sync0: Sync0, Sync1: Sync1, Version: Version, Ctrl: CtrlDATA, GuestToken: guestToken, HostToken: hostToken, PayloadLength: payloadLength}
}

// NewResetHeader builds a RESET frame header carrying the session's current
// tokens (which may be sentinels if no session was ever negotiated).
func NewResetHeader(guestToken, hostToken uint32) Header {
	return Header{Sync0: Sync0, Sync1: Sync1, Version: Version, Ctrl: CtrlRESET, GuestToken: guestToken, HostToken: hostToken}
}

// connIDToken renders a whole 4-byte token for connection-id logging as its
// literal bytes, most significant first (so the placeholder renders as
// "????" and the pre-init sentinel as "!!!!").
func connIDToken(token uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], token)
	return string(b[:])
}

// ConnectionID renders the "[g:GGGG,h:HHHH]" form used in every
// state-transition log line, per the observable-logs contract.
func ConnectionID(guestToken, hostToken uint32) string {
	return fmt.Sprintf("[g:%s,h:%s]", connIDToken(guestToken), connIDToken(hostToken))
}
