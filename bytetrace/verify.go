package bytetrace

import (
	"errors"
	"fmt"
)

// ErrUnverifiable is returned when a rewritten method body violates a structural rule of the execution engine.
var ErrUnverifiable = errors.New("unverifiable method body")

// allocationWindows maps every instruction between an allocation and its matching constructor call (inclusive of
// the call) to the outermost allocation still open at that point.
func allocationWindows(list *InsnList) map[*Insn]*Insn {
	windows := make(map[*Insn]*Insn)
	var open []*Insn
	for cur := list.First(); cur != nil; cur = cur.Next() {
		if len(open) > 0 {
			windows[cur] = open[0]
		}
		if cur.Op == OpNew {
			open = append(open, cur)
		} else if cur.Op == OpInvokeSpecial && cur.Name == "<init>" && len(open) > 0 &&
			open[len(open)-1].Owner == cur.Owner {
			open = open[:len(open)-1]
		}
	}
	return windows
}

// stackEffect returns the values popped and pushed by an instruction.
func stackEffect(i *Insn) (int, int, error) {
	switch op := i.Op; {
	case op.IsPseudo(), op == OpNop, op == OpIInc, op == OpGoto, op == OpReturn:
		return 0, 0, nil
	case op == OpConst, op == OpConstNull, op.IsLoad(), op == OpNew:
		return 0, 1, nil
	case op.IsStore(), op == OpPop, op == OpIReturn, op == OpAReturn:
		return 1, 0, nil
	case op == OpDup:
		return 1, 2, nil
	case op == OpIAdd, op == OpISub, op == OpIMul:
		return 2, 1, nil
	case op == OpIfEq, op == OpIfNe, op == OpIfLt, op == OpIfGe, op == OpIfGt, op == OpIfLe,
		op == OpIfNull, op == OpIfNonNull:
		return 1, 0, nil
	case op >= OpIfICmpEq && op <= OpIfACmpNe:
		return 2, 0, nil
	case op == OpGetField:
		return 1, 1, nil
	case op == OpPutField:
		return 2, 0, nil
	case op.IsInvoke():
		args, returns, err := parseDescriptor(i.Desc)
		if err != nil {
			return 0, 0, err
		}
		if op != OpInvokeStatic {
			args++ // receiver
		}
		if returns {
			return args, 1, nil
		}
		return args, 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown opcode %s", op)
	}
}

// Verify checks a method body for the structural rules the execution engine relies on. Jump targets must be labels
// of the body and frame markers must directly follow a label, a line marker or another frame. The operand stack
// depth must be consistent on every path without underflow, and no probe call may sit inside an allocation window.
func Verify(m *Method) error {
	list := m.Instructions
	if list == nil || list.Len() == 0 {
		return nil
	}

	for cur := list.First(); cur != nil; cur = cur.Next() {
		if cur.Op.IsJump() {
			if cur.Target == nil || cur.Target.Op != OpLabel || list.Index(cur.Target) < 0 {
				return fmt.Errorf("%w: %s at %d has an invalid target", ErrUnverifiable, cur, list.Index(cur))
			}
		} else if cur.Op == OpFrame {
			if prev := cur.Prev(); prev == nil || (prev.Op != OpLabel && prev.Op != OpLine && prev.Op != OpFrame) {
				return fmt.Errorf("%w: frame at %d is detached from its label", ErrUnverifiable, list.Index(cur))
			}
		}
	}
	for insn := range allocationWindows(list) {
		if isProbeCall(insn) {
			return fmt.Errorf("%w: probe call at %d splits an allocation", ErrUnverifiable, list.Index(insn))
		}
	}

	// depth first walk recording the stack height on entry of each instruction
	heights := make(map[*Insn]int, list.Len())
	type pending struct {
		insn   *Insn
		height int
	}
	work := []pending{{insn: list.First()}}
	for len(work) > 0 {
		p := work[len(work)-1]
		work = work[:len(work)-1]
		for cur, height := p.insn, p.height; cur != nil; cur = cur.Next() {
			if seen, ok := heights[cur]; ok {
				if seen != height {
					return fmt.Errorf("%w: stack height %d != %d at %d", ErrUnverifiable, seen, height, list.Index(cur))
				}
				break
			}
			heights[cur] = height

			pop, push, err := stackEffect(cur)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrUnverifiable, err)
			} else if height < pop {
				return fmt.Errorf("%w: stack underflow at %d (%s)", ErrUnverifiable, list.Index(cur), cur)
			}
			height += push - pop

			if cur.Op.IsJump() {
				work = append(work, pending{insn: cur.Target, height: height})
			}
			if cur.Op == OpGoto || cur.Op.IsReturn() {
				break
			}
		}
	}
	return nil
}
