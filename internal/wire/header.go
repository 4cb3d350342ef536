// Package wire encodes and decodes the fixed-layout voice packet header
// that prefixes every datagram on the voice transport.
package wire

import (
	"encoding/binary"
	"errors"
)

// Magic identifies a voice datagram on the wire ('VOIP').
const Magic uint32 = 0x564F4950

// HeaderSize is the fixed, unpadded size of Header on the wire.
const HeaderSize = 28

// ErrShortPacket indicates a datagram shorter than HeaderSize.
var ErrShortPacket = errors.New("wire: packet shorter than header")

// ErrBadMagic indicates a datagram whose magic field didn't match Magic.
var ErrBadMagic = errors.New("wire: bad magic")

// Header is the 28-byte, big-endian, unpadded voice packet header.
type Header struct {
	Magic       uint32
	Sequence    uint64
	TimestampUS uint64
	ChannelID   uint32
	UserID      uint32
}

// Encode writes h in wire format to a fresh 28-byte slice.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint64(buf[4:12], h.Sequence)
	binary.BigEndian.PutUint64(buf[12:20], h.TimestampUS)
	binary.BigEndian.PutUint32(buf[20:24], h.ChannelID)
	binary.BigEndian.PutUint32(buf[24:28], h.UserID)
	return buf
}

// Decode parses the first HeaderSize bytes of b as a Header. It does not
// validate the magic; callers that require a well-formed voice datagram
// should call DecodeChecked instead.
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortPacket
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Sequence:    binary.BigEndian.Uint64(b[4:12]),
		TimestampUS: binary.BigEndian.Uint64(b[12:20]),
		ChannelID:   binary.BigEndian.Uint32(b[20:24]),
		UserID:      binary.BigEndian.Uint32(b[24:28]),
	}, nil
}

// DecodeChecked parses b and rejects datagrams with the wrong magic.
func DecodeChecked(b []byte) (Header, error) {
	h, err := Decode(b)
	if err != nil {
		return Header{}, err
	}
	if h.Magic != Magic {
		return Header{}, ErrBadMagic
	}
	return h, nil
}
