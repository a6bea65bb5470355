package bytetrace

import (
	"maps"
	"slices"
)

// ActiveSlotSet maps slot index to the local variable currently live in that slot.
type ActiveSlotSet struct {
	slots map[int]*LocalVar
}

// Len returns the number of live slots.
func (s *ActiveSlotSet) Len() int {
	return len(s.slots)
}

// Get returns the live variable at the slot index.
func (s *ActiveSlotSet) Get(index int) (*LocalVar, bool) {
	lv, ok := s.slots[index]
	return lv, ok
}

// Slots returns the live variables ordered by slot index.
func (s *ActiveSlotSet) Slots() []*LocalVar {
	indexes := slices.Sorted(maps.Keys(s.slots))
	out := make([]*LocalVar, len(indexes))
	for i, idx := range indexes {
		out[i] = s.slots[idx]
	}
	return out
}

// liveRanges indexes a method's local variable table by the labels opening and closing each range.
type liveRanges struct {
	starts map[*Insn][]*LocalVar
	ends   map[*Insn][]*LocalVar
	active ActiveSlotSet
}

func newLiveRanges(m *Method) *liveRanges {
	lr := &liveRanges{
		starts: make(map[*Insn][]*LocalVar),
		ends:   make(map[*Insn][]*LocalVar),
		active: ActiveSlotSet{slots: make(map[int]*LocalVar)},
	}
	for _, lv := range m.LocalVars {
		lr.starts[lv.Start] = append(lr.starts[lv.Start], lv)
		lr.ends[lv.End] = append(lr.ends[lv.End], lv)
	}
	return lr
}

// cross updates the active set for a label, closing ranges before opening new ones so a reused slot index is
// replaced rather than removed. It returns the variables opened at this label.
func (lr *liveRanges) cross(label *Insn) []*LocalVar {
	for _, lv := range lr.ends[label] {
		if lr.active.slots[lv.Index] == lv {
			delete(lr.active.slots, lv.Index)
		}
	}
	opened := lr.starts[label]
	for _, lv := range opened {
		lr.active.slots[lv.Index] = lv
	}
	return opened
}

// TrackLiveRanges scans the method left to right, invoking visit for each instruction with the set of slots live
// at that point. The set is reused between calls and must not be retained.
func TrackLiveRanges(m *Method, visit func(insn *Insn, active *ActiveSlotSet)) {
	lr := newLiveRanges(m)
	for cur := m.Instructions.First(); cur != nil; cur = cur.Next() {
		if cur.Op == OpLabel {
			lr.cross(cur)
		}
		visit(cur, &lr.active)
	}
}

// snapshotPoint is a scheduled local variable snapshot after a line marker.
type snapshotPoint struct {
	anchor *Insn
	line   int
	vars   []*LocalVar
}

// planSnapshots schedules a snapshot at every line marker with live named slots. In changed-only mode each
// snapshot lists the slots written since the previous snapshot together with slots seen for the first time.
func planSnapshots(m *Method, changedOnly bool) []snapshotPoint {
	if m.LocalVars == nil {
		return nil
	}

	var points []snapshotPoint
	seen := make(map[*LocalVar]bool)
	pending := make(map[*LocalVar]bool) // written or first visit since last snapshot
	TrackLiveRanges(m, func(insn *Insn, active *ActiveSlotSet) {
		if changedOnly && insn.Op.IsVarWrite() {
			if lv, ok := active.Get(insn.Var); ok {
				pending[lv] = true
			}
		}
		if insn.Op != OpLine || active.Len() == 0 {
			return
		}

		var candidates []*LocalVar
		if changedOnly {
			for _, lv := range active.Slots() {
				if !seen[lv] {
					seen[lv] = true
					pending[lv] = true
				}
				if pending[lv] {
					candidates = append(candidates, lv)
				}
			}
			clear(pending)
		} else {
			candidates = active.Slots()
		}

		vars := make([]*LocalVar, 0, len(candidates))
		for _, lv := range candidates {
			if lv.Name != "this" {
				vars = append(vars, lv)
			}
		}
		if len(vars) > 0 {
			points = append(points, snapshotPoint{anchor: insn, line: insn.Line - 1, vars: vars})
		}
	})
	return points
}
