package modbus

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// pcap container layout.
const (
	pcapMagic            = 0xa1b2c3d4
	pcapGlobalHeaderLen  = 24
	pcapRecordHeaderLen  = 16
	pcapMaxSnapshotBytes = 256 * 1024
)

// CaptureRecord is one timestamped record from the capture stream.
type CaptureRecord struct {
	// TimestampMs is ts_sec*1000 + ts_usec/1000.
	TimestampMs int64

	// Microseconds is the raw ts_usec field.
	Microseconds uint32

	// Payload holds the bytes of the captured frame. It never aliases
	// the demuxer's buffer.
	Payload []byte
}

// DemuxerStats counts what a Demuxer has seen.
type DemuxerStats struct {
	BytesFed uint64 `json:"bytes_fed"`
	Records  uint64 `json:"records"`
	Errors   uint64 `json:"framing_errors"`
}

// Demuxer splits a pcap byte stream, delivered in arbitrary chunks, into
// CaptureRecords.
//
// Feed must be called from a single goroutine; records and errors are
// delivered synchronously from inside Feed in stream order. Stats may be
// read concurrently.
type Demuxer struct {
	onRecord func(CaptureRecord)
	onError  func(error)

	buf   []byte
	order binary.ByteOrder // nil until the global header is parsed

	bytesFed atomic.Uint64
	records  atomic.Uint64
	errors   atomic.Uint64
}

// NewDemuxer creates a demuxer delivering to the given callbacks.
// Either callback may be nil.
func NewDemuxer(onRecord func(CaptureRecord), onError func(error)) *Demuxer {
	return &Demuxer{onRecord: onRecord, onError: onError}
}

// Feed appends chunk to the accumulation buffer and emits every record
// that is now complete. Partial records stay buffered for the next call.
//
// A bad magic number or an oversized record discards the whole buffer;
// no attempt is made to resynchronise inside it.
func (d *Demuxer) Feed(chunk []byte) {
	d.bytesFed.Add(uint64(len(chunk)))
	d.buf = append(d.buf, chunk...)

	if d.order == nil {
		if len(d.buf) < pcapGlobalHeaderLen {
			return
		}
		switch {
		case binary.BigEndian.Uint32(d.buf) == pcapMagic:
			d.order = binary.BigEndian
		case binary.LittleEndian.Uint32(d.buf) == pcapMagic:
			d.order = binary.LittleEndian
		default:
			d.fail(fmt.Errorf("%w: header % x", ErrBadMagic, d.buf[:4]))
			return
		}
		d.compact(pcapGlobalHeaderLen)
	}

	consumed := 0
	for len(d.buf)-consumed >= pcapRecordHeaderLen {
		hdr := d.buf[consumed : consumed+pcapRecordHeaderLen]
		sec := d.order.Uint32(hdr[0:4])
		usec := d.order.Uint32(hdr[4:8])
		inclLen := d.order.Uint32(hdr[8:12])
		origLen := d.order.Uint32(hdr[12:16])

		if inclLen > pcapMaxSnapshotBytes {
			d.fail(fmt.Errorf("%w: captured length %d exceeds %d", ErrRecordTooLarge, inclLen, pcapMaxSnapshotBytes))
			return
		}
		recordLen := pcapRecordHeaderLen + int(inclLen)
		if len(d.buf)-consumed < recordLen {
			break
		}

		// The payload spans orig_len bytes, never past the record's own
		// captured bytes.
		start := consumed + pcapRecordHeaderLen
		end := start + int(min(origLen, inclLen))
		payload := make([]byte, end-start)
		copy(payload, d.buf[start:end])

		consumed += recordLen
		d.records.Add(1)
		if d.onRecord != nil {
			d.onRecord(CaptureRecord{
				TimestampMs:  int64(sec)*1000 + int64(usec/1000),
				Microseconds: usec,
				Payload:      payload,
			})
		}
	}

	d.compact(consumed)
}

// compact drops the first n buffered bytes, reusing the backing array.
func (d *Demuxer) compact(n int) {
	if n == 0 {
		return
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// fail discards the buffer and reports err.
func (d *Demuxer) fail(err error) {
	d.buf = d.buf[:0]
	d.errors.Add(1)
	if d.onError != nil {
		d.onError(err)
	}
}

// Buffered returns the number of bytes waiting for a complete record.
func (d *Demuxer) Buffered() int {
	return len(d.buf)
}

// Reset forgets the buffer and the detected byte order, so the next
// Feed expects a fresh global header.
func (d *Demuxer) Reset() {
	d.buf = nil
	d.order = nil
}

// Stats returns the demuxer's counters.
func (d *Demuxer) Stats() DemuxerStats {
	return DemuxerStats{
		BytesFed: d.bytesFed.Load(),
		Records:  d.records.Load(),
		Errors:   d.errors.Load(),
	}
}
