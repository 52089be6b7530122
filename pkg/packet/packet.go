// Package packet implements the rdt wire format: a canonical, self-describing
// text header followed by a two-byte separator and the raw payload
// (spec.md §4.2, §6).
package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Separator terminates the header region of every datagram.
var Separator = []byte{0x0A, 0x0A}

// Flags is the fixed {SYN, ACK, FIN, DATA} set from spec.md §3. Fields are
// independently boolean; §4.3 enumerates which combinations are meaningful.
type Flags struct {
	SYN  bool `json:"SYN"`
	ACK  bool `json:"ACK"`
	FIN  bool `json:"FIN"`
	DATA bool `json:"DATA"`
}

// header is the on-wire representation. Field names and casing are
// normative per spec.md §6 ("Interoperability with the reference format
// requires bit-exact matching of these field names").
type header struct {
	ConnID   uint32 `json:"conn_id"`
	Seq      uint32 `json:"seq"`
	Ack      uint32 `json:"ack"`
	Flags    Flags  `json:"flags"`
	Rwnd     uint32 `json:"rwnd"`
	Checksum uint32 `json:"checksum"`
}

// Packet is a fully decoded datagram: header fields plus payload.
type Packet struct {
	ConnID  uint32
	Seq     uint32
	Ack     uint32
	Flags   Flags
	Rwnd    uint32
	Payload []byte
}

// ErrMalformed is returned by Decode for any datagram that is not a
// well-formed rdt frame: missing separator, invalid header encoding, or a
// checksum mismatch. spec.md §4.2/§7 class these together as
// MalformedPacket; the transport silently drops them.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("packet: malformed: %s", e.Reason)
}

// Encode serializes p into header || 0x0A 0x0A || payload. The header is
// JSON, matching original_source/packet.py's make_packet: a concession to
// debuggability explicitly sanctioned by spec.md §4.2.
func Encode(p Packet) ([]byte, error) {
	h := header{
		ConnID:   p.ConnID,
		Seq:      p.Seq,
		Ack:      p.Ack,
		Flags:    p.Flags,
		Rwnd:     p.Rwnd,
		Checksum: crc32.ChecksumIEEE(p.Payload),
	}
	hb, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("packet: encode header: %w", err)
	}
	out := make([]byte, 0, len(hb)+len(Separator)+len(p.Payload))
	out = append(out, hb...)
	out = append(out, Separator...)
	out = append(out, p.Payload...)
	return out, nil
}

// Decode parses a raw datagram back into a Packet. It rejects anything
// missing the separator, anything whose header region isn't valid JSON for
// the header shape, and anything whose payload checksum doesn't match the
// declared one (the end-to-end integrity check spec.md §9 flags as an open
// question and recommends adding).
func Decode(raw []byte) (Packet, error) {
	sep := bytes.Index(raw, Separator)
	if sep < 0 {
		return Packet{}, &ErrMalformed{Reason: "missing header separator"}
	}
	var h header
	if err := json.Unmarshal(raw[:sep], &h); err != nil {
		return Packet{}, &ErrMalformed{Reason: "invalid header encoding: " + err.Error()}
	}
	payload := raw[sep+len(Separator):]
	if crc32.ChecksumIEEE(payload) != h.Checksum {
		return Packet{}, &ErrMalformed{Reason: "checksum mismatch"}
	}
	return Packet{
		ConnID:  h.ConnID,
		Seq:     h.Seq,
		Ack:     h.Ack,
		Flags:   h.Flags,
		Rwnd:    h.Rwnd,
		Payload: payload,
	}, nil
}
