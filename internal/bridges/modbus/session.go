package modbus

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/metrics"
)

// DefaultCaptureTimeout is used when SessionOptions.Timeout is unset.
const DefaultCaptureTimeout = 60 * time.Second

// Reasons a capture session finishes.
const (
	ReasonAllCaptured = "all-captured"
	ReasonTimeout     = "timeout"
	ReasonStopped     = "stopped"
)

// State is the lifecycle of a capture session.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Observation is a register value the broker accepted.
type Observation struct {
	SessionID  string
	Entry      *MappingEntry
	Value      any
	Raw        []byte
	CapturedAt time.Time
	At         time.Time
}

// UnmappedRegister is a register write with no map entry.
type UnmappedRegister struct {
	Address int
	Raw     []byte
	At      time.Time
}

// Summary describes a session's progress, or its outcome once finished.
type Summary struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Deadline   time.Time `json:"deadline"`
	FinishedAt time.Time `json:"finished_at"`
	Generation uint64    `json:"map_generation"`
	Expected   int       `json:"expected"`
	Observed   int       `json:"observed"`
	Records    uint64    `json:"records"`
	Frames     uint64    `json:"frames"`
	Unmapped   uint64    `json:"unmapped"`
	Missing    []string  `json:"missing,omitempty"`
}

// Duration is how long the session ran, or has run so far.
func (s Summary) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Map       *RegisterMap
	Publisher *Publisher

	// Timeout is the capture deadline measured from Start.
	Timeout time.Duration

	// AddressOffset is added to every wire address before lookup, to
	// translate 0-based wire numbering into the map's convention.
	AddressOffset int

	Logger  Logger
	Metrics *metrics.Metrics
}

// Session is one capture window: it waits until every register in the
// map has been published once, or until the deadline.
//
// Thread Safety: All methods are safe for concurrent use. Hooks must be
// registered before Start.
type Session struct {
	id        string
	registers *RegisterMap
	publisher *Publisher
	timeout   time.Duration
	offset    int
	logger    Logger
	metrics   *metrics.Metrics

	// ctx bounds transform evaluation and is cancelled on finish.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	reason        string
	snapshot      *Snapshot
	generation    uint64
	expectedOrder []string
	expected      map[string]struct{}
	observed      map[string]struct{}
	timer         *time.Timer
	startedAt     time.Time
	deadline      time.Time
	finishedAt    time.Time
	records       uint64
	frames        uint64
	unmapped      uint64

	obsHooks      []func(Observation)
	unmappedHooks []func(UnmappedRegister)
	finishHooks   []func(Summary)

	done chan struct{}
}

// NewSession creates an idle session with a fresh id.
func NewSession(opts SessionOptions) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCaptureTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.NewString(),
		registers: opts.Map,
		publisher: opts.Publisher,
		timeout:   opts.Timeout,
		offset:    opts.AddressOffset,
		logger:    orNop(opts.Logger),
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// OnObservation registers fn for every confirmed publish.
func (s *Session) OnObservation(fn func(Observation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obsHooks = append(s.obsHooks, fn)
}

// OnUnmapped registers fn for register writes missing from the map.
func (s *Session) OnUnmapped(fn func(UnmappedRegister)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmappedHooks = append(s.unmappedHooks, fn)
}

// OnFinish registers fn to run once when the session finishes, before
// Done is closed.
func (s *Session) OnFinish(fn func(Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishHooks = append(s.finishHooks, fn)
}

// Start pins the current map generation, fixes the expected register set
// from it and arms the deadline.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrSessionStarted
	}

	s.snapshot = s.registers.Snapshot()
	s.generation = s.snapshot.Generation()
	s.expectedOrder = s.snapshot.Keys()
	s.expected = make(map[string]struct{}, len(s.expectedOrder))
	for _, k := range s.expectedOrder {
		s.expected[k] = struct{}{}
	}
	s.observed = make(map[string]struct{}, len(s.expected))

	s.state = StateCapturing
	s.startedAt = time.Now()
	s.deadline = s.startedAt.Add(s.timeout)
	s.timer = time.AfterFunc(s.timeout, func() { s.finish(ReasonTimeout) })

	s.metrics.SessionProgress(len(s.expected), 0)
	s.logger.Info("capture session started",
		"session", s.id, "expected", len(s.expected), "map_generation", s.generation, "timeout", s.timeout)
	return nil
}

// HandleRecord processes one capture record. Records arriving outside
// the Capturing state are ignored.
//
// Every register of a decoded Write Multiple Registers frame is looked
// up in the map generation active when the frame arrives. Mapped
// registers are decoded, transformed and published; they count as
// observed only once the broker confirms the publish.
func (s *Session) HandleRecord(rec CaptureRecord) {
	frame, ok := DecodeFrame(rec.Payload)
	capturedAt := time.UnixMilli(rec.TimestampMs)

	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	s.records++
	s.metrics.RecordCaptured()
	if !ok {
		s.mu.Unlock()
		s.metrics.Frame(metrics.ResultSkipped)
		return
	}
	s.frames++
	s.metrics.Frame(metrics.ResultDecoded)
	if frame.CRCChecked && !frame.CRCValid {
		s.metrics.CRCMismatch()
		s.logger.Debug("frame crc mismatch", "station", frame.StationID, "start", frame.StartAddress)
	}

	snap := s.registers.Snapshot()
	var unmapped []UnmappedRegister
	// Words up to next belong to the previous multi-word entry.
	next := 0
	for i := range frame.Words {
		if i < next {
			continue
		}
		addr := int(frame.StartAddress) + i + s.offset
		entry, found := snap.Lookup(addr)
		if !found {
			raw := frame.RegisterBytes(i, 1)
			s.unmapped++
			s.metrics.Unmapped()
			s.logger.Debug("unmapped register", "address", addr, "raw", hex.EncodeToString(raw))
			unmapped = append(unmapped, UnmappedRegister{Address: addr, Raw: raw, At: capturedAt})
			continue
		}

		raw := frame.RegisterBytes(i, entry.WordLength())
		next = i + entry.WordLength()
		value := DecodeValue(entry.Datatype, raw, entry.WordLength(), entry.ScaleFactor())
		out := s.registers.ApplyTransform(s.ctx, entry, value, raw)
		s.dispatch(entry, out, raw, capturedAt)
	}

	var summary *Summary
	if s.completeLocked() {
		summary = s.finishLocked(ReasonAllCaptured)
	}
	hooks := s.unmappedHooks
	s.mu.Unlock()

	for _, u := range unmapped {
		for _, fn := range hooks {
			fn(u)
		}
	}
	if summary != nil {
		s.runFinish(*summary)
	}
}

// dispatch publishes one value. Caller holds mu; the publish callback
// always arrives on another goroutine.
func (s *Session) dispatch(entry *MappingEntry, value any, raw []byte, capturedAt time.Time) {
	s.publisher.PublishRegister(entry, value, raw, func(err error) {
		if err != nil {
			return
		}
		s.observe(Observation{
			SessionID:  s.id,
			Entry:      entry,
			Value:      value,
			Raw:        raw,
			CapturedAt: capturedAt,
			At:         time.Now(),
		})
	})
}

// observe records a confirmed publish. Late confirmations after the
// session finished are dropped.
func (s *Session) observe(obs Observation) {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return
	}
	if _, ok := s.expected[obs.Entry.Key]; ok {
		s.observed[obs.Entry.Key] = struct{}{}
		s.metrics.SessionProgress(len(s.expected), len(s.observed))
	}

	var summary *Summary
	if s.completeLocked() {
		summary = s.finishLocked(ReasonAllCaptured)
	}
	hooks := s.obsHooks
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(obs)
	}
	if summary != nil {
		s.runFinish(*summary)
	}
}

func (s *Session) completeLocked() bool {
	return len(s.expected) > 0 && len(s.observed) >= len(s.expected)
}

// Stop finishes the session with ReasonStopped. It is a no-op once the
// session has finished.
func (s *Session) Stop() {
	s.finish(ReasonStopped)
}

func (s *Session) finish(reason string) {
	s.mu.Lock()
	if s.state == StateIdle {
		// Never started: there is nothing to wait for.
		s.startedAt = time.Now()
	}
	summary := s.finishLocked(reason)
	s.mu.Unlock()

	if summary != nil {
		s.runFinish(*summary)
	}
}

// finishLocked moves to Finished and returns the summary, or nil when
// the session had already finished. Caller holds mu.
func (s *Session) finishLocked(reason string) *Summary {
	if s.state == StateFinished {
		return nil
	}
	s.state = StateFinished
	s.reason = reason
	s.finishedAt = time.Now()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel()

	summary := s.summaryLocked()
	s.snapshot = nil

	s.metrics.SessionFinished(reason)
	s.logger.Info("capture session finished",
		"session", s.id, "reason", reason,
		"expected", summary.Expected, "observed", summary.Observed,
		"records", summary.Records, "frames", summary.Frames,
		"duration", summary.Duration())
	return &summary
}

func (s *Session) runFinish(summary Summary) {
	s.mu.Lock()
	hooks := s.finishHooks
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(summary)
	}
	close(s.done)
}

// Done is closed once the session has finished and its finish hooks ran.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Summary returns the session's progress so far, or its final outcome.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Session) summaryLocked() Summary {
	sum := Summary{
		ID:         s.id,
		State:      s.state.String(),
		Reason:     s.reason,
		StartedAt:  s.startedAt,
		Deadline:   s.deadline,
		FinishedAt: s.finishedAt,
		Generation: s.generation,
		Expected:   len(s.expected),
		Observed:   len(s.observed),
		Records:    s.records,
		Frames:     s.frames,
		Unmapped:   s.unmapped,
	}
	for _, k := range s.expectedOrder {
		if _, ok := s.observed[k]; !ok {
			sum.Missing = append(sum.Missing, k)
		}
	}
	return sum
}
