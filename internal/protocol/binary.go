package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary packet types carried on the websocket binary channel.
// Layout: [1 byte type][4 bytes little-endian length L][L bytes payload].
const (
	PacketVideoFrame     byte = 0x01 // raw JPEG bytes
	PacketInputEvent     byte = 0x02 // UTF-8 JSON of one input event
	PacketClipboardData  byte = 0x03 // UTF-8 text
	PacketFileTransfer   byte = 0x04 // [1B id-len N][N B transfer-id][chunk]
	PacketRegionalUpdate byte = 0x05 // see Region
)

const packetHeaderLen = 5

// MaxPacketPayload bounds a single binary payload. Matches the relay's
// default frame limit, with headroom for full-screen keyframes.
const MaxPacketPayload = 32 * 1024 * 1024

// EncodePacket frames a payload with its type byte and length prefix.
func EncodePacket(packetType byte, payload []byte) []byte {
	buf := make([]byte, packetHeaderLen+len(payload))
	buf[0] = packetType
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[packetHeaderLen:], payload)
	return buf
}

// DecodePacket splits one binary frame into type and payload. The payload
// aliases data; callers that retain it past the frame's lifetime must copy.
func DecodePacket(data []byte) (packetType byte, payload []byte, err error) {
	if len(data) < packetHeaderLen {
		return 0, nil, fmt.Errorf("packet too short: %d bytes", len(data))
	}
	length := binary.LittleEndian.Uint32(data[1:5])
	if length > MaxPacketPayload {
		return 0, nil, fmt.Errorf("packet payload %d exceeds limit", length)
	}
	if int(length) != len(data)-packetHeaderLen {
		return 0, nil, fmt.Errorf("packet length %d does not match %d remaining bytes", length, len(data)-packetHeaderLen)
	}
	return data[0], data[packetHeaderLen:], nil
}

// Region is one dirty rectangle in a regional update. Coordinates are
// unsigned 16-bit pixels in the remote screen frame, top-left origin.
type Region struct {
	X, Y, W, H uint16
	JPEG       []byte
}

const regionHeaderLen = 12 // 4×uint16 coords + uint32 jpeg size

// EncodeRegionalUpdate builds the 0x05 payload:
// [2B LE count][per region: 2B x, 2B y, 2B w, 2B h, 4B jpeg_size, jpeg].
func EncodeRegionalUpdate(regions []Region) []byte {
	size := 2
	for _, r := range regions {
		size += regionHeaderLen + len(r.JPEG)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(regions)))
	off := 2
	for _, r := range regions {
		binary.LittleEndian.PutUint16(buf[off:], r.X)
		binary.LittleEndian.PutUint16(buf[off+2:], r.Y)
		binary.LittleEndian.PutUint16(buf[off+4:], r.W)
		binary.LittleEndian.PutUint16(buf[off+6:], r.H)
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(len(r.JPEG)))
		off += regionHeaderLen
		copy(buf[off:], r.JPEG)
		off += len(r.JPEG)
	}
	return buf
}

// DecodeRegionalUpdate parses a 0x05 payload. Every length is checked
// against the remaining bytes before it is read.
func DecodeRegionalUpdate(payload []byte) ([]Region, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("regional update too short: %d bytes", len(payload))
	}
	count := int(binary.LittleEndian.Uint16(payload[0:2]))
	regions := make([]Region, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if len(payload)-off < regionHeaderLen {
			return nil, fmt.Errorf("region %d: truncated header", i)
		}
		r := Region{
			X: binary.LittleEndian.Uint16(payload[off:]),
			Y: binary.LittleEndian.Uint16(payload[off+2:]),
			W: binary.LittleEndian.Uint16(payload[off+4:]),
			H: binary.LittleEndian.Uint16(payload[off+6:]),
		}
		jpegSize := binary.LittleEndian.Uint32(payload[off+8:])
		off += regionHeaderLen
		if jpegSize > MaxPacketPayload || int(jpegSize) > len(payload)-off {
			return nil, fmt.Errorf("region %d: jpeg size %d exceeds remaining %d bytes", i, jpegSize, len(payload)-off)
		}
		r.JPEG = payload[off : off+int(jpegSize)]
		off += int(jpegSize)
		regions = append(regions, r)
	}
	if off != len(payload) {
		return nil, fmt.Errorf("regional update: %d trailing bytes", len(payload)-off)
	}
	return regions, nil
}

// EncodeFileChunk builds the 0x04 payload: [1B id-len][id ASCII][chunk].
func EncodeFileChunk(transferID string, chunk []byte) ([]byte, error) {
	if len(transferID) == 0 || len(transferID) > 255 {
		return nil, fmt.Errorf("transfer id length %d out of range", len(transferID))
	}
	buf := make([]byte, 1+len(transferID)+len(chunk))
	buf[0] = byte(len(transferID))
	copy(buf[1:], transferID)
	copy(buf[1+len(transferID):], chunk)
	return buf, nil
}

// DecodeFileChunk splits a 0x04 payload into transfer id and chunk bytes.
func DecodeFileChunk(payload []byte) (transferID string, chunk []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("file chunk: empty payload")
	}
	idLen := int(payload[0])
	if idLen == 0 || len(payload)-1 < idLen {
		return "", nil, fmt.Errorf("file chunk: bad id length %d", idLen)
	}
	return string(payload[1 : 1+idLen]), payload[1+idLen:], nil
}
