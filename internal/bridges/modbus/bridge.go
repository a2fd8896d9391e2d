package modbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/process"
)

// recorderTimeout bounds the session row insert at start.
const recorderTimeout = 5 * time.Second

// SampleWriter receives decoded values for the time series store.
// *influxdb.Client satisfies it.
type SampleWriter interface {
	WriteRegisterValue(s influxdb.RegisterSample)
	WriteSessionSummary(sessionID, reason string, expected, observed int, duration time.Duration, at time.Time)
}

// DiscoveryOptions enables Home Assistant discovery at session start.
type DiscoveryOptions struct {
	Prefix string
	Device DeviceInfo
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Map  *RegisterMap
	MQTT MQTTClient

	// Capture describes the sniffer subprocess. Its output callbacks are
	// owned by the bridge and overwritten.
	Capture process.Config

	SessionTimeout time.Duration
	AddressOffset  int

	DefaultQoS    byte
	DefaultRetain bool

	// Discovery is nil when discovery is disabled.
	Discovery *DiscoveryOptions

	// Recorder and Samples are optional sinks.
	Recorder *Recorder
	Samples  SampleWriter

	Logger  Logger
	Metrics *metrics.Metrics
}

// BridgeStatus is a point-in-time view of the pipeline.
type BridgeStatus struct {
	Session       Summary       `json:"session"`
	Capture       process.Stats `json:"capture"`
	Stream        DemuxerStats  `json:"stream"`
	MapGeneration uint64        `json:"map_generation"`
	MapEntries    int           `json:"map_entries"`
	MQTTConnected bool          `json:"mqtt_connected"`
}

// Bridge runs one capture session: the sniffer's stdout flows through the
// demuxer into the session, which decodes, transforms and publishes.
//
// When the session finishes the bridge stops accepting frames and stops
// the sniffer, then closes Done. Closing MQTT and the register map is
// left to the owner, which runs those steps after Done.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts      BridgeOptions
	logger    Logger
	metrics   *metrics.Metrics
	registers *RegisterMap
	mqtt      MQTTClient
	publisher *Publisher
	session   *Session
	demux     *Demuxer
	proc      *process.Manager

	accepting atomic.Bool
	started   atomic.Bool
	stopOnce  sync.Once
	done      chan struct{}
}

// NewBridge wires the pipeline. Nothing runs until Start.
func NewBridge(opts BridgeOptions) *Bridge {
	logger := orNop(opts.Logger)
	b := &Bridge{
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		registers: opts.Map,
		mqtt:      opts.MQTT,
		done:      make(chan struct{}),
	}

	b.publisher = NewPublisher(opts.MQTT, PublisherOptions{
		DefaultQoS:    opts.DefaultQoS,
		DefaultRetain: opts.DefaultRetain,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
	b.session = NewSession(SessionOptions{
		Map:           opts.Map,
		Publisher:     b.publisher,
		Timeout:       opts.SessionTimeout,
		AddressOffset: opts.AddressOffset,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
	b.demux = NewDemuxer(b.session.HandleRecord, b.handleFramingError)

	capture := opts.Capture
	if capture.Name == "" {
		capture.Name = "sniffer"
	}
	capture.OnStdout = b.Feed
	capture.OnStderr = b.handleStderr
	capture.OnExit = b.handleExit
	b.proc = process.NewManager(capture)
	b.proc.SetLogger(logger)

	if opts.Recorder != nil {
		opts.Recorder.Attach(b.session)
	}
	if opts.Samples != nil {
		b.session.OnObservation(b.writeSample)
		b.session.OnFinish(b.writeSessionSample)
	}
	return b
}

// Session returns the bridge's capture session.
func (b *Bridge) Session() *Session { return b.session }

// Publisher returns the bridge's publisher.
func (b *Bridge) Publisher() *Publisher { return b.publisher }

// OnObservation registers fn for every confirmed publish. Call before Start.
func (b *Bridge) OnObservation(fn func(Observation)) { b.session.OnObservation(fn) }

// OnFinish registers fn to run when the session finishes. Call before Start.
func (b *Bridge) OnFinish(fn func(Summary)) { b.session.OnFinish(fn) }

// Start begins the capture session and launches the sniffer.
//
// A sniffer that fails to start is reported but does not fail Start: the
// session then simply runs to its deadline, as it would after the sniffer
// exits early.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrBridgeStarted
	}
	if err := b.session.Start(); err != nil {
		return err
	}
	b.accepting.Store(true)

	if b.opts.Recorder != nil {
		rctx, cancel := context.WithTimeout(ctx, recorderTimeout)
		if err := b.opts.Recorder.BeginSession(rctx, b.session.Summary()); err != nil {
			b.logger.Error("recording session start", "session", b.session.ID(), "error", err)
		}
		cancel()
	}

	if d := b.opts.Discovery; d != nil {
		b.publisher.PublishDiscovery(b.registers.Snapshot(), d.Prefix, d.Device)
	}

	if err := b.proc.Start(ctx); err != nil {
		b.logger.Error("capture process failed to start, waiting for session deadline",
			"binary", b.opts.Capture.Binary, "error", err)
	}

	go func() {
		<-b.session.Done()
		b.shutdown()
	}()
	return nil
}

// Feed passes a chunk of sniffer output into the pipeline. Chunks are
// ignored once the bridge has stopped accepting frames.
func (b *Bridge) Feed(chunk []byte) {
	if !b.accepting.Load() {
		return
	}
	b.demux.Feed(chunk)
}

// Stop ends the session with reason "stopped" and waits for the bridge's
// shutdown steps to complete.
func (b *Bridge) Stop() {
	b.session.Stop()
	if !b.started.Load() {
		b.shutdown()
	}
	<-b.done
}

// Done is closed once frames are no longer accepted and the sniffer has
// been stopped.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// shutdown runs the steps the bridge owns, in order, once.
func (b *Bridge) shutdown() {
	b.stopOnce.Do(func() {
		b.accepting.Store(false)
		if err := b.proc.Stop(); err != nil {
			b.logger.Warn("stopping capture process", "error", err)
		}
		close(b.done)
	})
}

// Status returns a snapshot of the pipeline.
func (b *Bridge) Status() BridgeStatus {
	snap := b.registers.Snapshot()
	return BridgeStatus{
		Session:       b.session.Summary(),
		Capture:       b.proc.Stats(),
		Stream:        b.demux.Stats(),
		MapGeneration: snap.Generation(),
		MapEntries:    snap.Len(),
		MQTTConnected: b.mqtt != nil && b.mqtt.IsConnected(),
	}
}

func (b *Bridge) handleFramingError(err error) {
	b.metrics.FramingError()
	b.logger.Warn("capture stream framing error, buffer discarded", "error", err)
}

func (b *Bridge) handleStderr(line string) {
	b.logger.Info("sniffer", "line", line)
}

func (b *Bridge) handleExit(err error) {
	if err != nil && b.session.State() == StateCapturing {
		b.logger.Error("capture process exited unexpectedly, waiting for session deadline", "error", err)
		return
	}
	b.logger.Info("capture process exited")
}

func (b *Bridge) writeSample(obs Observation) {
	b.opts.Samples.WriteRegisterValue(influxdb.RegisterSample{
		Key:      obs.Entry.Key,
		Topic:    obs.Entry.StateTopic(),
		Datatype: obs.Entry.Datatype,
		Unit:     obs.Entry.Unit,
		Value:    obs.Value,
		At:       obs.CapturedAt,
	})
}

func (b *Bridge) writeSessionSample(sum Summary) {
	b.opts.Samples.WriteSessionSummary(sum.ID, sum.Reason, sum.Expected, sum.Observed, sum.Duration(), sum.FinishedAt)
}
