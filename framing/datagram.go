package framing

import "fmt"

// ParseDatagram extracts the payload of a single-message datagram.
//
// The payload is pkt[HeaderSize:HeaderSize+length]; bytes after it are
// ignored. A packet shorter than the header, or whose declared length runs
// past the end of the packet, is malformed. The returned slice aliases pkt.
func ParseDatagram(pkt []byte) ([]byte, error) {
	length, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	remaining := len(pkt) - HeaderSize
	if uint64(length) > uint64(remaining) {
		return nil, fmt.Errorf("%w: declared %d bytes, packet carries %d", ErrMalformedHeader, length, remaining)
	}
	return pkt[HeaderSize : HeaderSize+int(length)], nil
}
