package modbus

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/config"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/metrics"
)

func record(i int, payload []byte) CaptureRecord {
	return CaptureRecord{TimestampMs: captureTime(i).UnixMilli(), Microseconds: 123456, Payload: payload}
}

func newTestSession(t *testing.T, m *RegisterMap, client MQTTClient, timeout time.Duration) *Session {
	t.Helper()
	s := NewSession(SessionOptions{
		Map:       m,
		Publisher: NewPublisher(client, PublisherOptions{}),
		Timeout:   timeout,
	})
	t.Cleanup(s.Stop)
	return s
}

// counterValue sums every series of a metric family in reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestSessionPublishesScaledRegister(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "1"
    datatype: uint16
    scale: 0.1
    topic: sensors/op1/temperature
`)
	client := newFakeMQTT()
	s := newTestSession(t, m, client, time.Minute)

	var (
		mu  sync.Mutex
		obs []Observation
	)
	s.OnObservation(func(o Observation) {
		mu.Lock()
		obs = append(obs, o)
		mu.Unlock()
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 1, 0x0019)))
	waitDone(t, s.Done(), 2*time.Second)

	msgs := client.messages()
	want := []published{{Topic: "sensors/op1/temperature", Payload: "2.5"}}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("published = %+v, want %+v", msgs, want)
	}

	sum := s.Summary()
	if sum.Reason != ReasonAllCaptured || sum.State != "finished" {
		t.Errorf("Summary() reason = %q state = %q", sum.Reason, sum.State)
	}
	if sum.Expected != 1 || sum.Observed != 1 || sum.Records != 1 || sum.Frames != 1 || len(sum.Missing) != 0 {
		t.Errorf("Summary() = %+v", sum)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}
	if obs[0].Value != 2.5 || obs[0].SessionID != s.ID() || !obs[0].CapturedAt.Equal(captureTime(0).Truncate(time.Millisecond)) {
		t.Errorf("observation = %+v", obs[0])
	}
}

func TestSessionMultiRegisterFrame(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "40001"
    datatype: int16
    scale: 0.1
    topic: room/temperature
  - register: "40002"
    datatype: uint16
    topic: room/humidity
  - register: "40003"
    datatype: uint16
    topic: room/co2
`)
	client := newFakeMQTT()
	s := newTestSession(t, m, client, time.Minute)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 40001, 0xFF38, 45)))
	msgs := client.waitMessages(t, 2)

	want := []published{
		{Topic: "room/temperature", Payload: "-20"},
		{Topic: "room/humidity", Payload: "45"},
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("published = %+v, want %+v", msgs, want)
	}
	if st := s.State(); st != StateCapturing {
		t.Errorf("State() = %v, want capturing", st)
	}
}

func TestSessionMultiWordValue(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "10"
    datatype: float32
    topic: flow
`)
	client := newFakeMQTT()
	s := newTestSession(t, m, client, time.Minute)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	var unmapped []UnmappedRegister
	s.OnUnmapped(func(u UnmappedRegister) { unmapped = append(unmapped, u) })

	s.HandleRecord(record(0, fc16Frame(1, 10, 0x41AC, 0x0000)))
	msgs := client.waitMessages(t, 1)
	if msgs[0].Payload != "21.5" {
		t.Errorf("payload = %q, want 21.5", msgs[0].Payload)
	}
	if len(unmapped) != 0 {
		t.Errorf("second word of float32 reported unmapped: %+v", unmapped)
	}
	if sum := s.Summary(); sum.Unmapped != 0 {
		t.Errorf("Summary().Unmapped = %d, want 0", sum.Unmapped)
	}
}

func TestSessionMultiWordValueThenUnmapped(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "10"
    datatype: float32
    topic: flow
`)
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	client := newFakeMQTT()
	s := NewSession(SessionOptions{
		Map:       m,
		Publisher: NewPublisher(client, PublisherOptions{}),
		Timeout:   time.Minute,
		Metrics:   met,
	})
	defer s.Stop()
	var unmapped []UnmappedRegister
	s.OnUnmapped(func(u UnmappedRegister) { unmapped = append(unmapped, u) })
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 10, 0x41AC, 0x0000, 0x0007)))
	client.waitMessages(t, 1)
	if len(unmapped) != 1 || unmapped[0].Address != 12 {
		t.Errorf("unmapped = %+v, want only address 12", unmapped)
	}
	if v := counterValue(t, reg, "sniffer_bridge_unmapped_registers_total"); v != 1 {
		t.Errorf("unmapped counter = %v, want 1", v)
	}
}

func TestSessionCompletesOnLastConfirmation(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "100-102"
    datatype: uint16
    topic: fan/{offset}
`)
	client := newFakeMQTT()
	client.manual = true
	s := newTestSession(t, m, client, time.Minute)

	finished := 0
	s.OnFinish(func(Summary) { finished++ })
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 100, 1, 2, 3)))
	if n := len(client.messages()); n != 3 {
		t.Fatalf("published %d messages, want 3", n)
	}

	client.complete(0)
	client.complete(1)
	if st := s.State(); st != StateCapturing {
		t.Fatalf("State() after 2 confirmations = %v, want capturing", st)
	}
	if sum := s.Summary(); sum.Observed != 2 || !reflect.DeepEqual(sum.Missing, []string{"reg:102"}) {
		t.Errorf("Summary() = %+v", sum)
	}

	client.complete(2)
	waitDone(t, s.Done(), time.Second)
	if sum := s.Summary(); sum.Reason != ReasonAllCaptured || sum.Observed != 3 {
		t.Errorf("Summary() = %+v", sum)
	}
	if finished != 1 {
		t.Errorf("finish hooks ran %d times, want 1", finished)
	}

	// A second write of the same registers after finishing is ignored.
	s.HandleRecord(record(1, fc16Frame(1, 100, 1, 2, 3)))
	if n := len(client.messages()); n != 3 {
		t.Errorf("published %d messages after finish, want 3", n)
	}
}

func TestSessionFailedPublishIsNotObserved(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "1"
    datatype: uint16
    topic: a
  - register: "2"
    datatype: uint16
    topic: b
`)
	client := newFakeMQTT()
	client.setFail("a", errors.New("not connected"))
	s := newTestSession(t, m, client, 150*time.Millisecond)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 1, 10, 20)))
	waitDone(t, s.Done(), 2*time.Second)

	sum := s.Summary()
	if sum.Reason != ReasonTimeout {
		t.Errorf("Reason = %q, want timeout", sum.Reason)
	}
	if sum.Observed != 1 || !reflect.DeepEqual(sum.Missing, []string{"reg:1"}) {
		t.Errorf("Summary() = %+v", sum)
	}
}

func TestSessionTimeout(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "1"
    datatype: uint16
    topic: a
`)
	client := newFakeMQTT()
	s := newTestSession(t, m, client, 50*time.Millisecond)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	waitDone(t, s.Done(), 2*time.Second)
	sum := s.Summary()
	if sum.Reason != ReasonTimeout || sum.Observed != 0 || sum.Records != 0 {
		t.Errorf("Summary() = %+v", sum)
	}
	if !reflect.DeepEqual(sum.Missing, []string{"reg:1"}) {
		t.Errorf("Missing = %v", sum.Missing)
	}
	if sum.Duration() < 50*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 50ms", sum.Duration())
	}
}

func TestSessionEmptyMapEndsByTimeout(t *testing.T) {
	m := NewRegisterMap(Options{})
	s := newTestSession(t, m, newFakeMQTT(), 30*time.Millisecond)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, s.Done(), 2*time.Second)
	if sum := s.Summary(); sum.Reason != ReasonTimeout || sum.Expected != 0 {
		t.Errorf("Summary() = %+v", sum)
	}
}

func TestSessionStop(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "1"
    datatype: uint16
    topic: a
`)
	client := newFakeMQTT()
	s := newTestSession(t, m, client, time.Minute)

	finished := 0
	s.OnFinish(func(Summary) { finished++ })
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.Stop()
	s.Stop()
	waitDone(t, s.Done(), time.Second)

	s.HandleRecord(record(0, fc16Frame(1, 1, 5)))
	sum := s.Summary()
	if sum.Reason != ReasonStopped || sum.Records != 0 {
		t.Errorf("Summary() = %+v", sum)
	}
	if len(client.messages()) != 0 {
		t.Error("record after stop was published")
	}
	if finished != 1 {
		t.Errorf("finish hooks ran %d times, want 1", finished)
	}
}

func TestSessionStopBeforeStart(t *testing.T) {
	s := newTestSession(t, NewRegisterMap(Options{}), newFakeMQTT(), time.Minute)
	s.Stop()
	waitDone(t, s.Done(), time.Second)
	if err := s.Start(); !errors.Is(err, ErrSessionStarted) {
		t.Errorf("Start() after Stop error = %v, want ErrSessionStarted", err)
	}
}

func TestSessionStartTwice(t *testing.T) {
	s := newTestSession(t, NewRegisterMap(Options{}), newFakeMQTT(), time.Minute)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); !errors.Is(err, ErrSessionStarted) {
		t.Errorf("second Start() error = %v, want ErrSessionStarted", err)
	}
}

func TestSessionIgnoresRecordsBeforeStart(t *testing.T) {
	m := newTestMap(t, "mappings:\n  - register: \"1\"\n    datatype: uint16\n    topic: a\n")
	client := newFakeMQTT()
	s := newTestSession(t, m, client, time.Minute)

	s.HandleRecord(record(0, fc16Frame(1, 1, 5)))
	if s.Summary().Records != 0 || len(client.messages()) != 0 {
		t.Error("record before Start was processed")
	}
}

func TestSessionUnmappedRegisters(t *testing.T) {
	m := newTestMap(t, "mappings:\n  - register: \"1\"\n    datatype: uint16\n    topic: a\n")
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	client := newFakeMQTT()
	s := NewSession(SessionOptions{
		Map:       m,
		Publisher: NewPublisher(client, PublisherOptions{Metrics: met}),
		Timeout:   time.Minute,
		Metrics:   met,
	})
	defer s.Stop()

	var got []UnmappedRegister
	s.OnUnmapped(func(u UnmappedRegister) { got = append(got, u) })
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 7, 0xBEEF, 0x0102)))

	want := []UnmappedRegister{
		{Address: 7, Raw: []byte{0xBE, 0xEF}, At: time.UnixMilli(captureTime(0).UnixMilli())},
		{Address: 8, Raw: []byte{0x01, 0x02}, At: time.UnixMilli(captureTime(0).UnixMilli())},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unmapped = %+v, want %+v", got, want)
	}
	if sum := s.Summary(); sum.Unmapped != 2 || sum.Frames != 1 {
		t.Errorf("Summary() = %+v", sum)
	}
	if v := counterValue(t, reg, "sniffer_bridge_unmapped_registers_total"); v != 2 {
		t.Errorf("unmapped counter = %v, want 2", v)
	}
	if len(client.messages()) != 0 {
		t.Error("unmapped register was published")
	}
}

func TestSessionSkipsNonFC16Records(t *testing.T) {
	m := newTestMap(t, "mappings:\n  - register: \"1\"\n    datatype: uint16\n    topic: a\n")
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	client := newFakeMQTT()
	s := NewSession(SessionOptions{Map: m, Publisher: NewPublisher(client, PublisherOptions{}), Timeout: time.Minute, Metrics: met})
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, []byte{1, 3, 0, 1, 0, 1}))
	s.HandleRecord(record(1, []byte{1}))

	sum := s.Summary()
	if sum.Records != 2 || sum.Frames != 0 {
		t.Errorf("Summary() = %+v", sum)
	}
	if v := counterValue(t, reg, "sniffer_bridge_capture_records_total"); v != 2 {
		t.Errorf("records counter = %v, want 2", v)
	}
	if len(client.messages()) != 0 {
		t.Error("non FC16 record was published")
	}
}

func TestSessionAddressOffset(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "40001"
    datatype: uint16
    topic: holding/first
`)
	client := newFakeMQTT()
	s := NewSession(SessionOptions{
		Map:           m,
		Publisher:     NewPublisher(client, PublisherOptions{}),
		Timeout:       time.Minute,
		AddressOffset: 40001,
	})
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 0, 42)))
	waitDone(t, s.Done(), 2*time.Second)
	if msgs := client.messages(); len(msgs) != 1 || msgs[0].Topic != "holding/first" || msgs[0].Payload != "42" {
		t.Errorf("published = %+v", msgs)
	}
}

func TestSessionShippedConfigKeepsWireAddresses(t *testing.T) {
	cfg, err := config.Load("../../../configs/config.yaml")
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	m := newTestMap(t, `
mappings:
  - register: "40001"
    datatype: uint16
    topic: a
  - register: "40002"
    datatype: uint16
    topic: b
`)
	client := newFakeMQTT()
	s := NewSession(SessionOptions{
		Map:           m,
		Publisher:     NewPublisher(client, PublisherOptions{}),
		Timeout:       time.Minute,
		AddressOffset: cfg.AddressOffset(),
	})
	defer s.Stop()
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 40001, 1, 2)))
	waitDone(t, s.Done(), 2*time.Second)

	got := map[string]string{}
	for _, msg := range client.messages() {
		got[msg.Topic] = msg.Payload
	}
	if want := map[string]string{"a": "1", "b": "2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("published = %v, want %v", got, want)
	}
}

func TestSessionTransform(t *testing.T) {
	m := NewRegisterMap(Options{})
	t.Cleanup(m.Close)
	if err := m.Load("testdata/register-map.yaml"); err != nil {
		t.Fatal(err)
	}
	client := newFakeMQTT()
	s := newTestSession(t, m, client, time.Minute)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	s.HandleRecord(record(0, fc16Frame(1, 40050, 0x000C)))
	msgs := client.waitMessages(t, 1)
	if msgs[0].Topic != "enervent/alarm" || msgs[0].Payload != "alarm" {
		t.Errorf("published = %+v", msgs[0])
	}

	s.HandleRecord(record(1, fc16Frame(1, 40010, 1, 2, 3)))
	msgs = client.waitMessages(t, 4)
	for i, want := range []string{"enervent/fan/0", "enervent/fan/1", "enervent/fan/2"} {
		got := msgs[i+1]
		if got.Topic != want || got.QoS != 1 || !got.Retained {
			t.Errorf("message %d = %+v, want topic %s qos 1 retained", i+1, got, want)
		}
	}
}

func TestSessionExpectedSetSurvivesReload(t *testing.T) {
	m := newTestMap(t, `
mappings:
  - register: "1"
    datatype: uint16
    topic: a
  - register: "2"
    datatype: uint16
    topic: b
`)
	client := newFakeMQTT()
	s := newTestSession(t, m, client, time.Minute)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	if err := m.LoadBytes([]byte("mappings:\n  - register: \"3\"\n    datatype: uint16\n    topic: c\n")); err != nil {
		t.Fatal(err)
	}

	// Register 1 is gone from the active generation, register 3 is new.
	s.HandleRecord(record(0, fc16Frame(1, 1, 10)))
	s.HandleRecord(record(1, fc16Frame(1, 3, 30)))
	msgs := client.waitMessages(t, 1)
	if msgs[0].Topic != "c" {
		t.Errorf("published = %+v", msgs)
	}

	time.Sleep(20 * time.Millisecond)
	sum := s.Summary()
	if sum.Expected != 2 || sum.Observed != 0 || sum.Unmapped != 1 || sum.Generation != 1 {
		t.Errorf("Summary() = %+v", sum)
	}
	if !reflect.DeepEqual(sum.Missing, []string{"reg:1", "reg:2"}) {
		t.Errorf("Missing = %v", sum.Missing)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateIdle:      "idle",
		StateCapturing: "capturing",
		StateFinished:  "finished",
		State(9):       "unknown",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
