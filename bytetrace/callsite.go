package bytetrace

import (
	"strings"
)

// callFilter decides which call instructions are traced.
type callFilter struct {
	coreNamespace string
}

func (f callFilter) traced(caller MethodIdentity, call *Insn) bool {
	if !call.Op.IsInvoke() || internalClasses[call.Owner] {
		return false
	} else if call.Name == "<init>" && f.coreNamespace != "" && strings.HasPrefix(call.Owner, f.coreNamespace) {
		return false
	}
	return call.Owner != caller.Owner || call.Name != caller.Name // self calls are treated as recursion
}

// planCalls schedules a call trace probe before every qualifying call. Calls inside an allocation window, including
// the constructor call closing it, are probed before the outermost open allocation so the window stays intact.
func planCalls(m *Method, id MethodIdentity, filter callFilter, windows map[*Insn]*Insn, plan *ProbePlan) {
	lines := buildLineIndex(m.Instructions)
	for cur := m.Instructions.First(); cur != nil; cur = cur.Next() {
		if !filter.traced(id, cur) {
			continue
		}
		anchor := cur
		if alloc, ok := windows[cur]; ok {
			anchor = alloc
		}
		plan.Before(anchor, ProbeCall, callProbe(id, lines.lineBefore(cur), cur.Owner, cur.Name))
	}
}
