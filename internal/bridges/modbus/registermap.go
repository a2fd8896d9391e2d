package modbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/transform"
)

// DefaultDebounce is the quiescence window used to coalesce file change
// notifications into one reload.
const DefaultDebounce = 200 * time.Millisecond

// AddressSpec is the register field of a mapping. It accepts YAML
// numbers as well as strings so `register: 40001` works unquoted.
type AddressSpec string

// UnmarshalYAML keeps the scalar's source text.
func (a *AddressSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: register must be a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		*a = ""
		return nil
	}
	*a = AddressSpec(node.Value)
	return nil
}

// MappingSpec is one element of the document's `mappings` list.
type MappingSpec struct {
	Register             AddressSpec `yaml:"register"`
	Datatype             string      `yaml:"datatype"`
	Length               int         `yaml:"length,omitempty"`
	Scale                *float64    `yaml:"scale,omitempty"`
	Unit                 string      `yaml:"unit,omitempty"`
	Topic                string      `yaml:"topic"`
	HAComponent          string      `yaml:"ha_component,omitempty"`
	HADeviceClass        string      `yaml:"ha_device_class,omitempty"`
	HAStateTopicOverride string      `yaml:"ha_state_topic_override,omitempty"`
	Retain               *bool       `yaml:"retain,omitempty"`
	QoS                  *int        `yaml:"qos,omitempty"`
	UniqueID             string      `yaml:"unique_id,omitempty"`
	Description          string      `yaml:"description,omitempty"`
	Transform            string      `yaml:"transform,omitempty"`
	PollInterval         int         `yaml:"poll_interval,omitempty"`
	Readonly             bool        `yaml:"readonly,omitempty"`
}

// mapDocument is the register map file.
type mapDocument struct {
	Mappings *[]MappingSpec `yaml:"mappings"`
}

// MappingEntry is one expanded address of a MappingSpec.
type MappingEntry struct {
	MappingSpec

	Address       Address
	Key           string
	Offset        int
	ResolvedTopic string

	program    *transform.Program
	compileErr error
}

// WordLength returns the configured length or the datatype default.
func (e *MappingEntry) WordLength() int {
	if e.Length > 0 {
		return e.Length
	}
	return DefaultWordLength(e.Datatype)
}

// ScaleFactor returns the configured scale, defaulting to 1.
func (e *MappingEntry) ScaleFactor() float64 {
	if e.Scale != nil {
		return *e.Scale
	}
	return 1
}

// StateTopic is where values for this entry are published.
func (e *MappingEntry) StateTopic() string {
	if e.HAStateTopicOverride != "" {
		return e.HAStateTopicOverride
	}
	return e.ResolvedTopic
}

// Expand turns a mapping spec into its concrete entries, resolving the
// topic template for each. The transform is not compiled.
func Expand(spec MappingSpec) []*MappingEntry {
	addrs := ParseAddressSpec(string(spec.Register))
	out := make([]*MappingEntry, len(addrs))
	for i, a := range addrs {
		out[i] = &MappingEntry{
			MappingSpec:   spec,
			Address:       a.Address,
			Key:           a.Address.Key(),
			Offset:        a.Offset,
			ResolvedTopic: ResolveTopic(spec.Topic, a.Offset, a.Address.String()),
		}
	}
	return out
}

// Snapshot is one immutable generation of the register map.
type Snapshot struct {
	generation uint64
	loadedAt   time.Time
	entries    []*MappingEntry
	byKey      map[string]*MappingEntry
}

var emptySnapshot = &Snapshot{byKey: map[string]*MappingEntry{}}

// Lookup finds the entry for holding register addr.
func (s *Snapshot) Lookup(addr int) (*MappingEntry, bool) {
	return s.LookupKey(RegisterKey(addr))
}

// LookupKey finds an entry by canonical key.
func (s *Snapshot) LookupKey(key string) (*MappingEntry, bool) {
	e, ok := s.byKey[key]
	return e, ok
}

// Entries returns the entries in file order.
func (s *Snapshot) Entries() []*MappingEntry {
	out := make([]*MappingEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Keys returns every canonical key in file order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, len(s.entries))
	for i, e := range s.entries {
		keys[i] = e.Key
	}
	return keys
}

// Len returns the number of distinct keys.
func (s *Snapshot) Len() int { return len(s.entries) }

// Generation counts successful loads; the first load is generation 1.
func (s *Snapshot) Generation() uint64 { return s.generation }

// LoadedAt is when this generation became active.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Options configures a RegisterMap.
type Options struct {
	// Debounce is the hot reload quiescence window. Zero means DefaultDebounce.
	Debounce time.Duration

	// TransformLimits bounds each transform evaluation.
	TransformLimits transform.Limits

	Logger  Logger
	Metrics *metrics.Metrics
}

// RegisterMap owns the active mapping generation.
//
// Loads are serialised; readers never block and always see one complete
// generation.
//
// Thread Safety: All methods are safe for concurrent use.
type RegisterMap struct {
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64

	loadMu sync.Mutex
	path   string

	debounce time.Duration
	limits   transform.Limits
	logger   Logger
	metrics  *metrics.Metrics

	hooksMu sync.RWMutex
	hooks   []func(*Snapshot)

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewRegisterMap creates an empty register map.
func NewRegisterMap(opts Options) *RegisterMap {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	m := &RegisterMap{
		debounce: opts.Debounce,
		limits:   opts.TransformLimits,
		logger:   orNop(opts.Logger),
		metrics:  opts.Metrics,
	}
	m.current.Store(emptySnapshot)
	return m
}

// Load reads and applies the map file at path. The path is remembered
// for Reload and Watch even when the load fails.
func (m *RegisterMap) Load(path string) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	m.path = path
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("reading register map: %w", err)
		m.metrics.MapLoad(err, 0)
		m.logger.Error("register map load failed", "path", path, "error", err)
		return err
	}
	return m.apply(data)
}

// Reload re-reads the file given to the last Load.
func (m *RegisterMap) Reload() error {
	m.loadMu.Lock()
	path := m.path
	m.loadMu.Unlock()

	if path == "" {
		return ErrNoMapPath
	}
	return m.Load(path)
}

// LoadBytes applies a map document held in memory.
func (m *RegisterMap) LoadBytes(data []byte) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.apply(data)
}

// Path returns the file given to the last Load.
func (m *RegisterMap) Path() string {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	return m.path
}

// apply validates and swaps in a new generation. Caller holds loadMu.
func (m *RegisterMap) apply(data []byte) error {
	snap, err := m.build(data)
	if err != nil {
		m.metrics.MapLoad(err, 0)
		var verr *ValidationError
		if errors.As(err, &verr) {
			m.logger.Error("register map rejected, keeping previous map",
				"problems", len(verr.Problems), "error", err)
		} else {
			m.logger.Error("register map rejected, keeping previous map", "error", err)
		}
		return err
	}

	m.current.Store(snap)
	m.metrics.MapLoad(nil, snap.Len())
	m.logger.Info("register map loaded", "generation", snap.generation, "entries", snap.Len())

	m.hooksMu.RLock()
	hooks := make([]func(*Snapshot), len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(snap)
	}
	return nil
}

func (m *RegisterMap) build(data []byte) (*Snapshot, error) {
	var doc mapDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Problems: []string{"mapping file must contain a top-level `mappings` list"}}
		}
		return nil, fmt.Errorf("%w: parsing yaml: %w", ErrInvalidMap, err)
	}
	if doc.Mappings == nil {
		return nil, &ValidationError{Problems: []string{"mapping file must contain a top-level `mappings` list"}}
	}
	specs := *doc.Mappings

	var problems []string
	for i, s := range specs {
		if s.Register == "" {
			problems = append(problems, fmt.Sprintf("entry[%d]: missing register", i))
		}
		if s.Datatype == "" {
			problems = append(problems, fmt.Sprintf("entry[%d]: missing datatype", i))
		}
		if s.Topic == "" {
			problems = append(problems, fmt.Sprintf("entry[%d]: missing topic", i))
		}
		if s.QoS != nil && (*s.QoS < 0 || *s.QoS > 2) {
			problems = append(problems, fmt.Sprintf("entry[%d]: qos must be 0, 1, or 2", i))
		}
		if s.Register != "" && expansionSize(string(s.Register)) > maxExpansion {
			problems = append(problems, fmt.Sprintf("entry[%d]: register %q expands to more than %d addresses", i, s.Register, maxExpansion))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	snap := &Snapshot{byKey: make(map[string]*MappingEntry)}
	for i, s := range specs {
		var (
			prog       *transform.Program
			compileErr error
		)
		if s.Transform != "" {
			prog, compileErr = transform.Compile(s.Transform)
			if compileErr != nil {
				m.logger.Warn("transform does not compile, values will be published untransformed",
					"entry", i, "register", string(s.Register), "error", compileErr)
			}
		}

		for _, e := range Expand(s) {
			e.program = prog
			e.compileErr = compileErr
			if prev, dup := snap.byKey[e.Key]; dup {
				m.logger.Warn("duplicate register mapping, last entry wins",
					"key", e.Key, "previous_topic", prev.ResolvedTopic, "topic", e.ResolvedTopic)
				for j := range snap.entries {
					if snap.entries[j] == prev {
						snap.entries[j] = e
						break
					}
				}
			} else {
				snap.entries = append(snap.entries, e)
			}
			snap.byKey[e.Key] = e
		}
	}

	snap.generation = m.gen.Add(1)
	snap.loadedAt = time.Now()
	return snap, nil
}

// Snapshot returns the active generation. Before the first successful
// load it is an empty generation 0.
func (m *RegisterMap) Snapshot() *Snapshot {
	return m.current.Load()
}

// Lookup finds the entry for holding register addr in the active
// generation.
func (m *RegisterMap) Lookup(addr int) (*MappingEntry, bool) {
	return m.current.Load().Lookup(addr)
}

// Entries returns the active entries in file order.
func (m *RegisterMap) Entries() []*MappingEntry {
	return m.current.Load().Entries()
}

// Generation returns the active generation number.
func (m *RegisterMap) Generation() uint64 {
	return m.current.Load().Generation()
}

// OnLoad registers fn to run after every successful load, on the loading
// goroutine.
func (m *RegisterMap) OnLoad(fn func(*Snapshot)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// ApplyTransform runs the entry's transform over value. It never fails:
// without a transform, or when evaluation fails, value is returned as is
// and the failure is logged and counted.
//
// Parameters:
//   - ctx: bounds the evaluation alongside the transform limits
//   - entry: the mapping whose transform to run
//   - value: the decoded value
//   - raw: the register bytes value was decoded from
//
// Returns:
//   - any: the transformed value, or value on failure
func (m *RegisterMap) ApplyTransform(ctx context.Context, entry *MappingEntry, value any, raw []byte) any {
	if entry == nil || entry.Transform == "" {
		return value
	}
	if entry.compileErr != nil {
		m.metrics.Transform(0, true)
		m.logger.Warn("transform failed, publishing untransformed value",
			"register", entry.Key, "error", entry.compileErr)
		return value
	}
	prog := entry.program
	if prog == nil {
		// Entries built by Expand outside a load carry no program.
		var err error
		if prog, err = transform.Compile(entry.Transform); err != nil {
			m.metrics.Transform(0, true)
			m.logger.Warn("transform failed, publishing untransformed value",
				"register", entry.Key, "error", err)
			return value
		}
	}

	env := transform.Env{
		Value: value,
		Raw:   raw,
		Meta: transform.Meta{
			Address:  entry.Address.Number,
			Register: entry.Address.String(),
			Datatype: entry.Datatype,
			Offset:   entry.Offset,
		},
	}

	start := time.Now()
	out, err := prog.Eval(ctx, env, m.limits)
	m.metrics.Transform(time.Since(start), err != nil)
	if err != nil {
		m.logger.Warn("transform failed, publishing untransformed value",
			"register", entry.Key, "transform", entry.Transform, "error", err)
		return value
	}
	return out
}

// Close stops the watcher, if any, and releases the active generation.
func (m *RegisterMap) Close() {
	m.stopWatch()
	m.current.Store(emptySnapshot)
}
