package modbus

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sigurn/crc16"
)

// linkTypeRTU is LINKTYPE_USER0, which RTU sniffers commonly emit.
const linkTypeRTU = layers.LinkType(147)

// fc16Frame builds a Write Multiple Registers request with a valid CRC.
func fc16Frame(station byte, start uint16, words ...uint16) []byte {
	b := []byte{station, FuncWriteMultipleRegisters, 0, 0, 0, 0, byte(len(words) * 2)}
	binary.BigEndian.PutUint16(b[2:], start)
	binary.BigEndian.PutUint16(b[4:], uint16(len(words)))
	for _, w := range words {
		b = binary.BigEndian.AppendUint16(b, w)
	}
	crc := crc16.Checksum(b, crc16.MakeTable(crc16.CRC16_MODBUS))
	return append(b, byte(crc), byte(crc>>8))
}

// captureTime is the timestamp of the i-th record written by buildPCAP.
func captureTime(i int) time.Time {
	return time.Unix(1700000000+int64(i), 123456000)
}

// buildPCAP writes payloads as a little-endian pcap stream.
func buildPCAP(t *testing.T, payloads ...[]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65535, linkTypeRTU); err != nil {
		t.Fatalf("WriteFileHeader() error = %v", err)
	}
	for i, p := range payloads {
		ci := gopacket.CaptureInfo{
			Timestamp:     captureTime(i),
			CaptureLength: len(p),
			Length:        len(p),
		}
		if err := w.WritePacket(ci, p); err != nil {
			t.Fatalf("WritePacket() error = %v", err)
		}
	}
	return buf.Bytes()
}

// bePCAPRecord is one hand-built record for big-endian streams.
type bePCAPRecord struct {
	sec, usec uint32
	orig      uint32 // 0 means len(data)
	data      []byte
}

// buildBigEndianPCAP writes a big-endian stream; pcapgo only writes
// little-endian.
func buildBigEndianPCAP(records ...bePCAPRecord) []byte {
	b := binary.BigEndian.AppendUint32(nil, pcapMagic)
	b = binary.BigEndian.AppendUint16(b, 2)
	b = binary.BigEndian.AppendUint16(b, 4)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, 0)
	b = binary.BigEndian.AppendUint32(b, 65535)
	b = binary.BigEndian.AppendUint32(b, uint32(linkTypeRTU))
	for _, r := range records {
		orig := r.orig
		if orig == 0 {
			orig = uint32(len(r.data))
		}
		b = binary.BigEndian.AppendUint32(b, r.sec)
		b = binary.BigEndian.AppendUint32(b, r.usec)
		b = binary.BigEndian.AppendUint32(b, uint32(len(r.data)))
		b = binary.BigEndian.AppendUint32(b, orig)
		b = append(b, r.data...)
	}
	return b
}

// published is one message seen by fakeMQTT.
type published struct {
	Topic    string
	Payload  string
	QoS      byte
	Retained bool
}

// fakeMQTT records publishes and completes them asynchronously, like the
// real client. In manual mode completions wait for complete().
type fakeMQTT struct {
	mu        sync.Mutex
	msgs      []published
	fail      map[string]error
	manual    bool
	pending   []func(error)
	connected bool
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{fail: map[string]error{}, connected: true}
}

func (f *fakeMQTT) PublishAsync(topic string, payload []byte, qos byte, retained bool, done func(error)) {
	f.mu.Lock()
	f.msgs = append(f.msgs, published{Topic: topic, Payload: string(payload), QoS: qos, Retained: retained})
	err := f.fail[topic]
	if f.manual {
		f.pending = append(f.pending, func(error) {
			if done != nil {
				done(err)
			}
		})
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if done != nil {
		go done(err)
	}
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) setFail(topic string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[topic] = err
}

// complete runs the i-th held completion synchronously.
func (f *fakeMQTT) complete(i int) {
	f.mu.Lock()
	fn := f.pending[i]
	f.mu.Unlock()
	fn(nil)
}

func (f *fakeMQTT) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]published, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// waitMessages polls until at least n messages were published.
func (f *fakeMQTT) waitMessages(t *testing.T, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(f.messages()))
	return nil
}

// newTestMap loads a register map document.
func newTestMap(t *testing.T, doc string) *RegisterMap {
	t.Helper()
	m := NewRegisterMap(Options{})
	if err := m.LoadBytes([]byte(doc)); err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// waitDone fails the test if ch is not closed within d.
func waitDone(t *testing.T, ch <-chan struct{}, d time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(d):
		t.Fatalf("not done after %v", d)
	}
}
