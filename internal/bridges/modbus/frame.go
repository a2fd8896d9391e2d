package modbus

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
)

// FuncWriteMultipleRegisters is the only function code the bridge decodes.
const FuncWriteMultipleRegisters = 16

// Write Multiple Registers request layout:
//
//	[station, fc, addr_hi, addr_lo, qty_hi, qty_lo, byte_count, data..., crc_lo, crc_hi]
const (
	minFrameLen   = 4
	fc16HeaderLen = 7
	crcLen        = 2
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Frame is a decoded Write Multiple Registers request.
type Frame struct {
	StationID    byte
	FunctionCode byte
	StartAddress uint16
	Quantity     uint16

	// Words are the register values present in the payload, in order.
	// There may be fewer than Quantity when the payload is short.
	Words []uint16

	// Data is the big-endian byte form of Words.
	Data []byte

	// CRCChecked is set when the payload has exactly the RTU length
	// implied by its byte count, so a trailing CRC could be verified.
	// CRCValid is informational only; frames are never rejected on it.
	CRCChecked bool
	CRCValid   bool
}

// DecodeFrame decodes a capture payload. The boolean is false when the
// payload is not a Write Multiple Registers request; that is not an error.
//
// Parameters:
//   - payload: raw frame bytes from a CaptureRecord
//
// Returns:
//   - Frame: the decoded request
//   - bool: false for short payloads and other function codes
func DecodeFrame(payload []byte) (Frame, bool) {
	if len(payload) < minFrameLen {
		return Frame{}, false
	}
	if payload[1] != FuncWriteMultipleRegisters {
		return Frame{}, false
	}
	if len(payload) < fc16HeaderLen {
		return Frame{}, false
	}

	f := Frame{
		StationID:    payload[0],
		FunctionCode: payload[1],
		StartAddress: binary.BigEndian.Uint16(payload[2:4]),
		Quantity:     binary.BigEndian.Uint16(payload[4:6]),
	}

	for i := 0; i < int(f.Quantity); i++ {
		off := fc16HeaderLen + i*2
		if off+1 >= len(payload) {
			break
		}
		f.Words = append(f.Words, binary.BigEndian.Uint16(payload[off:off+2]))
	}
	f.Data = make([]byte, len(f.Words)*2)
	copy(f.Data, payload[fc16HeaderLen:])

	byteCount := int(payload[6])
	if len(payload) == fc16HeaderLen+byteCount+crcLen {
		body := payload[:len(payload)-crcLen]
		want := uint16(payload[len(payload)-2]) | uint16(payload[len(payload)-1])<<8
		f.CRCChecked = true
		f.CRCValid = crc16.Checksum(body, crcTable) == want
	}

	return f, true
}

// RegisterBytes returns up to words registers of data starting at the
// i-th register of the frame. It returns fewer bytes when the frame ends
// first and nil when i is out of range.
func (f Frame) RegisterBytes(i, words int) []byte {
	if i < 0 || i >= len(f.Words) || words <= 0 {
		return nil
	}
	start := i * 2
	end := min(start+words*2, len(f.Data))
	return f.Data[start:end]
}
