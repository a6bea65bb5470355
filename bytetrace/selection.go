package bytetrace

import (
	"maps"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
)

// TargetSet decides which classes and methods are instrumented.
type TargetSet struct {
	classes map[string]struct{} // dot form class names
	methods map[string]struct{} // "pkg.Class::method" identities
}

// NewTargetSet builds the targets from a prepared config.
//
// In baseline mode (UseSpecified false) the class set is the baseline classes plus the owners of the baseline methods,
// and no method is directly targeted. In specified mode the method set is the listed methods plus an implied
// constructor for every method named like its class, and the class set is the listed classes plus the listed
// methods owners. If both specified lists end up empty the baseline class set is used instead.
func NewTargetSet(cfg *Config) *TargetSet {
	baselineClasses := append(slices.Clone(cfg.BaselineClasses), identOwners(cfg.BaselineMethods)...)

	var classes, methods []string
	if !cfg.UseSpecified {
		classes = baselineClasses
	} else {
		methods = slices.Clone(cfg.Methods)
		for _, m := range cfg.Methods {
			class, name := SplitIdentity(m)
			if name != "" && strings.HasSuffix(class, name) {
				methods = append(methods, class+"::<init>")
			}
		}
		classes = append(slices.Clone(cfg.Classes), identOwners(cfg.Methods)...)
		classes = bulk.SliceFilter(nonEmpty, classes)
		methods = bulk.SliceFilter(nonEmpty, methods)
		if len(classes) == 0 && len(methods) == 0 {
			classes = baselineClasses
		}
	}

	ts := &TargetSet{
		classes: make(map[string]struct{}),
		methods: make(map[string]struct{}),
	}
	for c := range bulk.SliceToSet(classes) {
		if c != "" && !strings.Contains(simpleClassName(c), "Exception") {
			ts.classes[c] = struct{}{}
		}
	}
	for m := range bulk.SliceToSet(methods) {
		if m != "" {
			ts.methods[m] = struct{}{}
		}
	}
	return ts
}

func nonEmpty(s string) bool {
	return s != ""
}

func identOwners(idents []string) []string {
	owners := make([]string, 0, len(idents))
	for _, m := range idents {
		class, _ := SplitIdentity(m)
		owners = append(owners, class)
	}
	return owners
}

func simpleClassName(className string) string {
	if i := strings.LastIndexAny(className, "./"); i >= 0 {
		return className[i+1:]
	}
	return className
}

// HasClass reports if the class (dot or slash form) is targeted as a whole.
func (t *TargetSet) HasClass(className string) bool {
	_, ok := t.classes[strings.ReplaceAll(className, "/", ".")]
	return ok
}

// Instrument reports if the method should receive probes.
func (t *TargetSet) Instrument(id MethodIdentity) bool {
	if t.HasClass(id.Owner) {
		return true
	}
	_, ok := t.methods[id.String()]
	return ok
}

// Relevant reports if the method is directly targeted, receiving control flow and call analysis.
func (t *TargetSet) Relevant(id MethodIdentity) bool {
	if len(t.methods) == 0 {
		return false
	}
	_, ok := t.methods[id.String()]
	return ok
}

// VerboseOnly reports if snapshots of the method should bypass diff tracking. This holds for methods included
// only through their class while a method list is configured.
func (t *TargetSet) VerboseOnly(id MethodIdentity) bool {
	if len(t.methods) == 0 {
		return false
	}
	_, ok := t.methods[id.String()]
	return !ok
}

// Classes returns the targeted class names in sorted order.
func (t *TargetSet) Classes() []string {
	return sortedKeys(t.classes)
}

// Methods returns the targeted method identities in sorted order.
func (t *TargetSet) Methods() []string {
	return sortedKeys(t.methods)
}

func sortedKeys(m map[string]struct{}) []string {
	return slices.Sorted(maps.Keys(m))
}
