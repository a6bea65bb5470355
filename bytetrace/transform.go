package bytetrace

import (
	"bytes"
	"errors"
	"fmt"
	"log"

	"github.com/dgraph-io/ristretto/v2"
)

// ClassLoader resolves class bytes for a type name when the load hook is not handed them directly.
type ClassLoader interface {
	ClassBytes(typeName string) ([]byte, error)
}

// TransformError records a method (or whole class when Method is empty) left unmodified.
type TransformError struct {
	Class  string
	Method string
	Err    error
}

func (e *TransformError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("transform %s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("transform %s::%s: %v", e.Class, e.Method, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// MethodReport describes the probes inserted into one method.
type MethodReport struct {
	Identity MethodIdentity
	Probes   map[ProbeKind]int
	// Err is set when the method was restored to its original body.
	Err error
}

// ProbeCount returns the total number of inserted probes.
func (r MethodReport) ProbeCount() int {
	var total int
	for _, c := range r.Probes {
		total += c
	}
	return total
}

// ClassReport summarizes the instrumentation of a class.
type ClassReport struct {
	Class   string
	Methods []MethodReport
}

// Changed reports if any method body was rewritten.
func (r ClassReport) Changed() bool {
	for _, m := range r.Methods {
		if m.Err == nil && m.ProbeCount() > 0 {
			return true
		}
	}
	return false
}

// ProbeCounts returns the inserted probes per kind across all methods.
func (r ClassReport) ProbeCounts() map[ProbeKind]int {
	counts := make(map[ProbeKind]int)
	for _, m := range r.Methods {
		for k, c := range m.Probes {
			counts[k] += c
		}
	}
	return counts
}

// Transformer rewrites class units, inserting probes into targeted methods.
type Transformer struct {
	cfg     *Config
	targets *TargetSet
	codec   ClassCodec
	calls   callFilter
	cache   *ristretto.Cache[string, []byte]
}

// NewTransformer creates a Transformer for a prepared config. A nil codec selects DefaultCodec.
func NewTransformer(cfg *Config, codec ClassCodec) (*Transformer, error) {
	if cfg == nil || !cfg.Prepared() {
		return nil, errors.New("config must be prepared")
	} else if codec == nil {
		codec = DefaultCodec
	}
	t := &Transformer{
		cfg:     cfg,
		targets: NewTargetSet(cfg),
		codec:   codec,
		calls:   callFilter{coreNamespace: cfg.CoreNamespace},
	}
	if cfg.CacheEntries > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
			NumCounters:        cfg.CacheEntries * 10,
			MaxCost:            cfg.CacheEntries,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create transform cache failed: %w", err)
		}
		t.cache = cache
	}
	return t, nil
}

// Targets returns the selection the transformer instruments.
func (t *Transformer) Targets() *TargetSet {
	return t.targets
}

// Close releases the transform cache.
func (t *Transformer) Close() {
	if t.cache != nil {
		t.cache.Close()
	}
}

// Transform is the load hook. It returns the rewritten class bytes, or existing unchanged when the type is internal,
// nothing was instrumented, or any failure occurred. It never panics.
func (t *Transformer) Transform(loader ClassLoader, typeName string, existing []byte) (result []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%stransform %s panicked, class left unmodified: %v", ErrorLogPrefix, typeName, r)
			result = existing
		}
	}()

	if IsInternalClass(typeName) {
		return existing
	}
	data := existing
	if len(data) == 0 {
		if loader == nil {
			return existing
		}
		var err error
		if data, err = loader.ClassBytes(typeName); err != nil {
			log.Printf("%sresolve %s failed: %v", ErrorLogPrefix, typeName, err)
			return existing
		}
	}

	var key string
	if t.cache != nil {
		key = bytesKey(data)
		if cached, ok := t.cache.Get(key); ok {
			if cached == nil {
				return existing
			}
			return bytes.Clone(cached)
		}
	}

	out, err := t.transformBytes(data)
	if err != nil {
		log.Printf("%s%v", ErrorLogPrefix, &TransformError{Class: typeName, Err: err})
		return existing
	}
	if t.cache != nil {
		t.cache.Set(key, bytes.Clone(out), 1)
	}
	if out == nil {
		return existing
	}
	return out
}

// transformBytes returns the rewritten bytes, or nil when no method changed.
func (t *Transformer) transformBytes(data []byte) ([]byte, error) {
	class, err := t.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	report, err := t.InstrumentClass(class)
	if err != nil {
		log.Printf("%s%v", ErrorLogPrefix, err)
	}
	if !report.Changed() {
		return nil, nil
	}
	return t.codec.Encode(class)
}

// InstrumentClass inserts probes into the targeted methods of the class in place. A method failing to instrument is
// restored to its original body while its siblings are still processed. The returned error joins every
// *TransformError, the class remains valid regardless.
func (t *Transformer) InstrumentClass(c *Class) (ClassReport, error) {
	report := ClassReport{Class: c.Name}
	if IsInternalClass(c.Name) {
		return report, nil
	}

	var errs []error
	for _, m := range c.Methods {
		id := MethodIdentity{Owner: c.Name, Name: m.Name, Desc: m.Desc}
		if m.Name == "<clinit>" || m.LocalVars == nil || !t.targets.Instrument(id) {
			continue
		}
		probes, err := t.instrumentMethod(m, id)
		if err != nil {
			err = &TransformError{Class: id.ClassName(), Method: m.Name, Err: err}
			errs = append(errs, err)
		}
		report.Methods = append(report.Methods, MethodReport{Identity: id, Probes: probes, Err: err})
	}
	return report, errors.Join(errs...)
}

// instrumentMethod plans, applies and verifies all probes of one method, restoring the original body on failure.
func (t *Transformer) instrumentMethod(m *Method, id MethodIdentity) (probes map[ProbeKind]int, err error) {
	if m.Instructions == nil || m.Instructions.Len() == 0 {
		return nil, nil
	}
	original := m.Clone()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			*m = *original
			probes = nil
		}
	}()

	plan := &ProbePlan{}
	windows := allocationWindows(m.Instructions)
	if t.targets.Relevant(id) {
		planControlFlow(m, id, plan)
		planCalls(m, id, t.calls, windows, plan)
	}
	verboseOnly := t.targets.VerboseOnly(id)
	for _, sp := range planSnapshots(m, t.cfg.ChangedLocalVarsOnly) {
		code := localsProbe(id, sp.line, sp.vars, verboseOnly)
		if alloc, ok := windows[sp.anchor]; ok {
			plan.Before(alloc, ProbeLocals, code)
		} else {
			plan.After(sp.anchor, ProbeLocals, code)
		}
	}
	plan.Head(ProbeEnter, enterProbe(id))

	probes = plan.Counts()
	plan.Apply(m.Instructions)
	if err = Verify(m); err != nil {
		return nil, err
	}
	return probes, nil
}
