package bytetrace

import (
	"strconv"
	"strings"
)

// lineIndex attributes source lines to labels from a single forward scan.
type lineIndex struct {
	labelLines  map[*Insn]int
	defaultLine int
}

func buildLineIndex(list *InsnList) lineIndex {
	idx := lineIndex{labelLines: make(map[*Insn]int)}
	current, first := -1, -1
	for cur := list.First(); cur != nil; cur = cur.Next() {
		if cur.Op == OpLine {
			current = cur.Line
			if first == -1 {
				first = current
			}
		} else if cur.Op == OpLabel && current != -1 {
			idx.labelLines[cur] = current
		}
	}
	if first != -1 {
		idx.defaultLine = first
	}
	return idx
}

// labelLine returns the line attributed to a label, falling back to the default line.
func (idx lineIndex) labelLine(label *Insn) int {
	if line, ok := idx.labelLines[label]; ok {
		return line
	}
	return idx.defaultLine
}

// lineBefore scans backward from insn for the nearest line marker.
func (idx lineIndex) lineBefore(insn *Insn) int {
	for cur := insn; cur != nil; cur = cur.Prev() {
		if cur.Op == OpLine {
			return cur.Line
		}
	}
	return idx.defaultLine
}

// slotNames maps slot index to a declared name, later declarations of a reused index win.
func slotNames(m *Method) map[int]string {
	names := make(map[int]string, len(m.LocalVars))
	for _, lv := range m.LocalVars {
		names[lv.Index] = lv.Name
	}
	return names
}

// operandBefore scans backward from the jump for the nearest local load, instance field read or virtual call,
// returning the rendered operand and whether it was a field read.
func operandBefore(jump *Insn, names map[int]string) (string, bool, bool) {
	for cur := jump.Prev(); cur != nil; cur = cur.Prev() {
		switch {
		case cur.Op.IsLoad():
			if name, ok := names[cur.Var]; ok {
				return name, false, true
			}
			return "var" + strconv.Itoa(cur.Var), false, true
		case cur.Op == OpGetField:
			return "this." + cur.Name, true, true
		case cur.Op == OpInvokeVirtual:
			return strings.ReplaceAll(cur.Owner, "/", ".") + "." + cur.Name + "()", false, true
		}
	}
	return "", false, false
}

// BranchCondition renders the condition under which a conditional jump falls through (is not taken).
func BranchCondition(jump *Insn, names map[int]string) string {
	left, isField, ok := operandBefore(jump, names)
	if !ok {
		left = "unknown"
	}
	right := "unknown"
	switch jump.Op {
	case OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe:
		if r, _, ok := operandBefore(jump, names); ok {
			right = r
		}
	}

	switch jump.Op {
	case OpIfEq:
		if isField {
			return left + " != false"
		}
		return left + " != 0"
	case OpIfNe:
		if isField {
			return left + " == false"
		}
		return left + " == 0"
	case OpIfLt:
		return left + " >= 0"
	case OpIfGe:
		return left + " < 0"
	case OpIfGt:
		return left + " <= 0"
	case OpIfLe:
		return left + " > 0"
	case OpIfICmpEq:
		return left + " != " + right
	case OpIfICmpNe:
		return left + " == " + right
	case OpIfICmpLt:
		return left + " >= " + right
	case OpIfICmpGe:
		return left + " < " + right
	case OpIfICmpGt:
		return left + " <= " + right
	case OpIfICmpLe:
		return left + " > " + right
	case OpIfNonNull:
		return left + " == null"
	case OpIfNull:
		return left + " != null"
	default:
		return "unknown_condition_" + jump.Op.String()
	}
}

// planControlFlow schedules branch outcome probes for every conditional jump and a loop probe before every
// back-edge.
func planControlFlow(m *Method, id MethodIdentity, plan *ProbePlan) {
	list := m.Instructions
	lines := buildLineIndex(list)
	names := slotNames(m)

	for cur := list.First(); cur != nil; cur = cur.Next() {
		if cur.Op.IsConditionalJump() {
			line := lines.lineBefore(cur)
			cond := BranchCondition(cur, names)
			if next := cur.Next(); next != nil {
				plan.Before(next, ProbeBranch, branchProbe(id, line, cond, false))
			}
			if next := cur.Target.Next(); next != nil {
				plan.Before(next, ProbeBranch, branchProbe(id, line, cond, true))
			} else {
				plan.After(cur.Target, ProbeBranch, branchProbe(id, line, cond, true))
			}
		} else if cur.Op == OpGoto && list.Index(cur.Target) < list.Index(cur) {
			line := lines.labelLine(cur.Target)
			plan.Before(cur, ProbeLoop, loopProbe(id, line, "while at line "+strconv.Itoa(line)))
		}
	}
}
