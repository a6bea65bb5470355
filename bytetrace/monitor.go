package bytetrace

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProbeHandler receives the calls made by inserted probes.
type ProbeHandler interface {
	EnterMethod(id string)
	RecordLocals(id string, line int, vars map[string]any, verboseOnly bool)
	RecordBranch(owner, method string, line int, condition string, executed bool)
	RecordLoop(owner, method string, line int, description string)
	RecordCall(callerOwner, callerMethod string, line int, calleeOwner, calleeMethod string)
}

// history is a copy-on-write list, readers always observe a complete immutable slice.
type history struct {
	p atomic.Pointer[[]string]
}

func (h *history) append(s string) {
	for {
		old := h.p.Load()
		var updated []string
		if old == nil {
			updated = []string{s}
		} else {
			updated = make([]string, len(*old)+1)
			copy(updated, *old)
			updated[len(*old)] = s
		}
		if h.p.CompareAndSwap(old, &updated) {
			return
		}
	}
}

func (h *history) snapshot() []string {
	if p := h.p.Load(); p != nil {
		return slices.Clone(*p)
	}
	return nil
}

func (h *history) reset() {
	h.p.Store(nil)
}

// methodRecord is the per method state. Records are never replaced once created.
type methodRecord struct {
	values   sync.Map // variable name -> last serialized value or its digest
	branches history
	loops    history
	calls    history
}

// MethodHistory is a point in time copy of the control flow recorded for a method.
type MethodHistory struct {
	Branches []string
	Loops    []string
	Calls    []string
}

// Monitor records probe events into the verbose and diff streams. All methods are safe for concurrent use.
type Monitor struct {
	serializer     *Serializer
	maxValueLength int
	maxBraces      int
	verbose        *log.Logger
	diff           *log.Logger
	records        sync.Map // identity -> *methodRecord

	registry     *prometheus.Registry
	probeCalls   *prometheus.CounterVec
	diffExcluded *prometheus.CounterVec
}

// NewMonitor creates a Monitor writing to the given streams.
func NewMonitor(cfg *Config, streams *LogStreams) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Monitor{
		serializer:     NewSerializer(cfg),
		maxValueLength: cfg.MaxValueLength,
		maxBraces:      cfg.MaxBraces,
		verbose:        log.New(streams.Verbose, "", 0),
		diff:           log.New(streams.Diff, "", 0),
		registry:       reg,
		probeCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bytetrace_probe_calls_total",
			Help: "Total probe invocations by probe kind",
		}, []string{"probe"}),
		diffExcluded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bytetrace_diff_excluded_total",
			Help: "Total variables left out of diff records by reason",
		}, []string{"reason"}), // "oversize" or "unchanged"
	}
}

// Registry returns the registry holding the monitor metrics.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) record(id string) *methodRecord {
	if rec, ok := m.records.Load(id); ok {
		return rec.(*methodRecord)
	}
	rec, _ := m.records.LoadOrStore(id, &methodRecord{})
	return rec.(*methodRecord)
}

// EnterMethod starts a fresh execution of the method, clearing its dedup values and histories in place.
func (m *Monitor) EnterMethod(id string) {
	m.probeCalls.WithLabelValues(ProbeEnter.String()).Inc()
	if rec, ok := m.records.Load(id); ok {
		r := rec.(*methodRecord)
		r.values.Clear()
		r.branches.reset()
		r.loops.reset()
		r.calls.reset()
	} else {
		m.records.LoadOrStore(id, &methodRecord{})
	}
}

// RecordLocals writes the full variable snapshot to the verbose stream. Unless verboseOnly is set, variables whose
// serialized value changed since the last snapshot of the method are also written to the diff stream.
func (m *Monitor) RecordLocals(id string, line int, vars map[string]any, verboseOnly bool) {
	m.probeCalls.WithLabelValues(ProbeLocals.String()).Inc()
	if len(vars) == 0 {
		return
	}

	class, method := SplitIdentity(id)
	names, values := m.serializer.serializeEntries(vars)
	if full := joinObject(names, values); full != "{}" {
		m.verbose.Printf("%s:%s:%d->[Local Variables] %s", class, method, line, full)
	}
	if verboseOnly {
		return
	}

	rec := m.record(id)
	var changedNames, changedValues []string
	for i, name := range names {
		value := values[i]
		if len(value) > m.maxValueLength || strings.Count(value, "{") > m.maxBraces {
			m.diffExcluded.WithLabelValues("oversize").Inc()
			continue
		}
		stored := digestValue(value)
		if prev, loaded := rec.values.Swap(name, stored); loaded && prev.(string) == stored {
			m.diffExcluded.WithLabelValues("unchanged").Inc()
			continue
		}
		changedNames = append(changedNames, name)
		changedValues = append(changedValues, value)
	}
	if len(changedNames) > 0 {
		m.diff.Printf("%s:%s:%d->[Local Variables] %s", class, method, line, joinObject(changedNames, changedValues))
	}
}

// RecordBranch records the outcome of a conditional jump.
func (m *Monitor) RecordBranch(owner, method string, line int, condition string, executed bool) {
	m.probeCalls.WithLabelValues(ProbeBranch.String()).Inc()
	entry := fmt.Sprintf("Branch Info: Line: %d, Condition: %s, Executed: %t", line, condition, executed)
	m.record(owner + "::" + method).branches.append(entry)
	m.diff.Printf("%s:%s:%d->[Control Flow] %s", owner, method, line, entry)
}

// RecordLoop records a loop back-edge.
func (m *Monitor) RecordLoop(owner, method string, line int, description string) {
	m.probeCalls.WithLabelValues(ProbeLoop.String()).Inc()
	entry := fmt.Sprintf("Loop Info: Line: %d, Description: %s", line, description)
	m.record(owner + "::" + method).loops.append(entry)
	m.diff.Printf("%s:%s:%d->[Control Flow] %s", owner, method, line, entry)
}

// RecordCall records a call made by a traced method.
func (m *Monitor) RecordCall(callerOwner, callerMethod string, line int, calleeOwner, calleeMethod string) {
	m.probeCalls.WithLabelValues(ProbeCall.String()).Inc()
	entry := fmt.Sprintf("Call Stack: %s.%s:%d -> %s.%s",
		callerOwner, callerMethod, line, strings.ReplaceAll(calleeOwner, "/", "."), calleeMethod)
	m.record(callerOwner + "::" + callerMethod).calls.append(entry)
	m.diff.Printf("%s:%s:%d->[Method Call] %s", callerOwner, callerMethod, line, entry)
}

// History returns the control flow recorded for the method since it was last entered.
func (m *Monitor) History(id string) MethodHistory {
	rec, ok := m.records.Load(id)
	if !ok {
		return MethodHistory{}
	}
	r := rec.(*methodRecord)
	return MethodHistory{
		Branches: r.branches.snapshot(),
		Loops:    r.loops.snapshot(),
		Calls:    r.calls.snapshot(),
	}
}
