package bytetrace

import (
	"strings"
)

// MonitorOwner is the owner type of every probe call.
const MonitorOwner = "bytetrace/Monitor"

const (
	probeEnterName  = "enterMethod"
	probeLocalsName = "recordLocals"
	probeBranchName = "recordBranch"
	probeLoopName   = "recordLoop"
	probeCallName   = "recordCall"

	probeEnterDesc  = "(Ljava/lang/String;)V"
	probeLocalsDesc = "(Ljava/lang/String;ILjava/util/HashMap;Z)V"
	probeBranchDesc = "(Ljava/lang/String;Ljava/lang/String;ILjava/lang/String;Z)V"
	probeLoopDesc   = "(Ljava/lang/String;Ljava/lang/String;ILjava/lang/String;)V"
	probeCallDesc   = "(Ljava/lang/String;Ljava/lang/String;ILjava/lang/String;Ljava/lang/String;)V"

	hashMapType    = "java/util/HashMap"
	hashMapPutDesc = "(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;"
)

// internalClasses are never instrumented, and calls into them are never traced.
var internalClasses = map[string]bool{
	MonitorOwner:             true,
	"bytetrace/Transformer":  true,
	"bytetrace/Serializer":   true,
	"bytetrace/Agent":        true,
	"bytetrace/TraceReader":  true,
	"bytetrace/ProbeHandler": true,
}

// IsInternalClass reports if the type belongs to the instrumentation itself.
func IsInternalClass(typeName string) bool {
	return internalClasses[strings.ReplaceAll(typeName, ".", "/")]
}

// ProbeKind classifies an inserted probe.
type ProbeKind uint8

const (
	ProbeEnter ProbeKind = iota
	ProbeLocals
	ProbeBranch
	ProbeLoop
	ProbeCall
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeEnter:
		return "enter"
	case ProbeLocals:
		return "locals"
	case ProbeBranch:
		return "branch"
	case ProbeLoop:
		return "loop"
	case ProbeCall:
		return "call"
	default:
		return "unknown"
	}
}

func monitorCall(name, desc string) *Insn {
	return NewInvoke(OpInvokeStatic, MonitorOwner, name, desc)
}

func enterProbe(id MethodIdentity) *InsnList {
	return NewInsnList(
		NewConst(id.String()),
		monitorCall(probeEnterName, probeEnterDesc),
	)
}

// localsProbe builds the variable map in a fresh HashMap and hands it to the monitor.
func localsProbe(id MethodIdentity, line int, vars []*LocalVar, verboseOnly bool) *InsnList {
	l := NewInsnList(
		NewConst(id.String()),
		NewConst(int64(line)),
		NewAlloc(hashMapType),
		NewInsn(OpDup),
		NewInvoke(OpInvokeSpecial, hashMapType, "<init>", "()V"),
	)
	for _, lv := range vars {
		l.Append(NewInsn(OpDup))
		l.Append(NewConst(lv.Name))
		l.Append(NewVar(loadOpcodeFor(lv.Desc), lv.Index))
		l.Append(NewInvoke(OpInvokeVirtual, hashMapType, "put", hashMapPutDesc))
		l.Append(NewInsn(OpPop))
	}
	l.Append(NewConst(verboseOnly))
	l.Append(monitorCall(probeLocalsName, probeLocalsDesc))
	return l
}

func branchProbe(id MethodIdentity, line int, condition string, executed bool) *InsnList {
	return NewInsnList(
		NewConst(id.ClassName()),
		NewConst(id.Name),
		NewConst(int64(line)),
		NewConst("if ("+condition+")"),
		NewConst(executed),
		monitorCall(probeBranchName, probeBranchDesc),
	)
}

func loopProbe(id MethodIdentity, line int, description string) *InsnList {
	return NewInsnList(
		NewConst(id.ClassName()),
		NewConst(id.Name),
		NewConst(int64(line)),
		NewConst(description),
		monitorCall(probeLoopName, probeLoopDesc),
	)
}

func callProbe(id MethodIdentity, line int, calleeOwner, calleeName string) *InsnList {
	return NewInsnList(
		NewConst(id.ClassName()),
		NewConst(id.Name),
		NewConst(int64(line)),
		NewConst(calleeOwner),
		NewConst(calleeName),
		monitorCall(probeCallName, probeCallDesc),
	)
}

// isProbeCall reports if the instruction is a call into the monitor.
func isProbeCall(i *Insn) bool {
	return i.Op.IsInvoke() && i.Owner == MonitorOwner
}

type placement uint8

const (
	placeAfter placement = iota
	placeBefore
	placeHead
)

type probeSite struct {
	anchor *Insn
	place  placement
	kind   ProbeKind
	code   *InsnList
}

// ProbePlan collects probe insertions against stable anchors so that no insertion invalidates another.
type ProbePlan struct {
	sites []probeSite
}

// After schedules code to run after the anchor.
func (p *ProbePlan) After(anchor *Insn, kind ProbeKind, code *InsnList) {
	p.sites = append(p.sites, probeSite{anchor: anchor, place: placeAfter, kind: kind, code: code})
}

// Before schedules code to run before the anchor.
func (p *ProbePlan) Before(anchor *Insn, kind ProbeKind, code *InsnList) {
	p.sites = append(p.sites, probeSite{anchor: anchor, place: placeBefore, kind: kind, code: code})
}

// Head schedules code to run first in the method, ahead of every other probe.
func (p *ProbePlan) Head(kind ProbeKind, code *InsnList) {
	p.sites = append(p.sites, probeSite{place: placeHead, kind: kind, code: code})
}

// Len returns the number of scheduled probes.
func (p *ProbePlan) Len() int {
	return len(p.sites)
}

// Counts returns the number of scheduled probes per kind.
func (p *ProbePlan) Counts() map[ProbeKind]int {
	counts := make(map[ProbeKind]int)
	for _, s := range p.sites {
		counts[s.kind]++
	}
	return counts
}

// Apply inserts every scheduled probe into the list.
//
// An insertion after an anchor followed by frame markers lands after the last consecutive frame, and an insertion
// after an anchor directly followed by an allocation lands before the anchor. An insertion before a frame marker
// is moved past the frame run so frames stay attached to their label. Head insertions are applied last, at the
// start of the list.
func (p *ProbePlan) Apply(list *InsnList) {
	var heads []*InsnList
	for _, s := range p.sites {
		if s.code.Len() == 0 {
			continue
		}
		switch s.place {
		case placeHead:
			heads = append(heads, s.code)
		case placeAfter:
			next := s.anchor.Next()
			if next != nil && next.Op == OpFrame {
				insertBeforeOrAppend(list, skipFrames(next), s.code)
			} else if next != nil && next.Op == OpNew {
				list.InsertBefore(s.anchor, s.code)
			} else {
				list.Insert(s.anchor, s.code)
			}
		case placeBefore:
			if s.anchor.Op == OpFrame {
				insertBeforeOrAppend(list, skipFrames(s.anchor), s.code)
			} else {
				list.InsertBefore(s.anchor, s.code)
			}
		}
	}
	for i := len(heads) - 1; i >= 0; i-- {
		insertBeforeOrAppend(list, list.First(), heads[i])
	}
	p.sites = nil
}

// skipFrames returns the first instruction at or after i that is not a frame marker, or nil.
func skipFrames(i *Insn) *Insn {
	for i != nil && i.Op == OpFrame {
		i = i.Next()
	}
	return i
}

func insertBeforeOrAppend(list *InsnList, anchor *Insn, code *InsnList) {
	if anchor == nil {
		list.AppendAll(code)
	} else {
		list.InsertBefore(anchor, code)
	}
}
