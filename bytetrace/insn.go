package bytetrace

import (
	"errors"
	"fmt"
	"strings"
)

// Opcode identifies the operation of an Insn. Pseudo opcodes (labels, line and frame markers) do not execute.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpConstNull
	OpConst // push Insn.Const
	OpILoad
	OpLLoad
	OpFLoad
	OpDLoad
	OpALoad
	OpIStore
	OpLStore
	OpFStore
	OpDStore
	OpAStore
	OpIInc
	OpIAdd
	OpISub
	OpIMul
	OpIfEq
	OpIfNe
	OpIfLt
	OpIfGe
	OpIfGt
	OpIfLe
	OpIfICmpEq
	OpIfICmpNe
	OpIfICmpLt
	OpIfICmpGe
	OpIfICmpGt
	OpIfICmpLe
	OpIfACmpEq
	OpIfACmpNe
	OpGoto
	OpIfNull
	OpIfNonNull
	OpGetField
	OpPutField
	OpInvokeVirtual
	OpInvokeSpecial
	OpInvokeStatic
	OpInvokeInterface
	OpNew
	OpDup
	OpPop
	OpIReturn
	OpAReturn
	OpReturn
	OpLabel
	OpLine
	OpFrame

	opcodeCount // must remain last
)

var opcodeNames = [opcodeCount]string{
	OpNop:             "NOP",
	OpConstNull:       "ACONST_NULL",
	OpConst:           "LDC",
	OpILoad:           "ILOAD",
	OpLLoad:           "LLOAD",
	OpFLoad:           "FLOAD",
	OpDLoad:           "DLOAD",
	OpALoad:           "ALOAD",
	OpIStore:          "ISTORE",
	OpLStore:          "LSTORE",
	OpFStore:          "FSTORE",
	OpDStore:          "DSTORE",
	OpAStore:          "ASTORE",
	OpIInc:            "IINC",
	OpIAdd:            "IADD",
	OpISub:            "ISUB",
	OpIMul:            "IMUL",
	OpIfEq:            "IFEQ",
	OpIfNe:            "IFNE",
	OpIfLt:            "IFLT",
	OpIfGe:            "IFGE",
	OpIfGt:            "IFGT",
	OpIfLe:            "IFLE",
	OpIfICmpEq:        "IF_ICMPEQ",
	OpIfICmpNe:        "IF_ICMPNE",
	OpIfICmpLt:        "IF_ICMPLT",
	OpIfICmpGe:        "IF_ICMPGE",
	OpIfICmpGt:        "IF_ICMPGT",
	OpIfICmpLe:        "IF_ICMPLE",
	OpIfACmpEq:        "IF_ACMPEQ",
	OpIfACmpNe:        "IF_ACMPNE",
	OpGoto:            "GOTO",
	OpIfNull:          "IFNULL",
	OpIfNonNull:       "IFNONNULL",
	OpGetField:        "GETFIELD",
	OpPutField:        "PUTFIELD",
	OpInvokeVirtual:   "INVOKEVIRTUAL",
	OpInvokeSpecial:   "INVOKESPECIAL",
	OpInvokeStatic:    "INVOKESTATIC",
	OpInvokeInterface: "INVOKEINTERFACE",
	OpNew:             "NEW",
	OpDup:             "DUP",
	OpPop:             "POP",
	OpIReturn:         "IRETURN",
	OpAReturn:         "ARETURN",
	OpReturn:          "RETURN",
	OpLabel:           "LABEL",
	OpLine:            "LINE",
	OpFrame:           "FRAME",
}

func (op Opcode) String() string {
	if op < opcodeCount {
		return opcodeNames[op]
	}
	return fmt.Sprintf("OP(%d)", uint8(op))
}

// Valid reports if the opcode is known.
func (op Opcode) Valid() bool {
	return op < opcodeCount
}

// IsPseudo reports if the opcode is a marker that does not execute.
func (op Opcode) IsPseudo() bool {
	return op == OpLabel || op == OpLine || op == OpFrame
}

// IsLoad reports if the opcode reads a local slot.
func (op Opcode) IsLoad() bool {
	return op >= OpILoad && op <= OpALoad
}

// IsStore reports if the opcode writes a local slot.
func (op Opcode) IsStore() bool {
	return op >= OpIStore && op <= OpAStore
}

// IsVarWrite reports if the opcode mutates a local slot, including in-place increments.
func (op Opcode) IsVarWrite() bool {
	return op.IsStore() || op == OpIInc
}

// IsJump reports if the opcode transfers control to Insn.Target.
func (op Opcode) IsJump() bool {
	return op >= OpIfEq && op <= OpIfNonNull
}

// IsConditionalJump reports if the opcode is a two-way branch.
func (op Opcode) IsConditionalJump() bool {
	return op.IsJump() && op != OpGoto
}

// IsInvoke reports if the opcode is one of the four call kinds.
func (op Opcode) IsInvoke() bool {
	return op >= OpInvokeVirtual && op <= OpInvokeInterface
}

// IsReturn reports if the opcode exits the method.
func (op Opcode) IsReturn() bool {
	return op >= OpIReturn && op <= OpReturn
}

// Insn is a single instruction or marker within an InsnList.
type Insn struct {
	Op Opcode
	// Var is the local slot for load, store and increment instructions.
	Var int
	// Inc is the increment amount for OpIInc.
	Inc int
	// Const is the pushed value for OpConst (int64, float64, string or bool).
	Const any
	// Target is the label jumped to.
	Target *Insn
	// Line is the source line of an OpLine marker.
	Line int
	// Owner, Name and Desc address fields, methods and allocated types.
	Owner, Name, Desc string

	prev, next *Insn
	list       *InsnList
}

// Next returns the following instruction, or nil at the end of the list.
func (i *Insn) Next() *Insn {
	return i.next
}

// Prev returns the preceding instruction, or nil at the start of the list.
func (i *Insn) Prev() *Insn {
	return i.prev
}

func (i *Insn) String() string {
	switch {
	case i.Op == OpLine:
		return fmt.Sprintf("LINE %d", i.Line)
	case i.Op == OpConst:
		return fmt.Sprintf("LDC %#v", i.Const)
	case i.Op.IsLoad() || i.Op.IsStore():
		return fmt.Sprintf("%s %d", i.Op, i.Var)
	case i.Op == OpIInc:
		return fmt.Sprintf("IINC %d %d", i.Var, i.Inc)
	case i.Op.IsInvoke() || i.Op == OpGetField || i.Op == OpPutField:
		return fmt.Sprintf("%s %s.%s %s", i.Op, i.Owner, i.Name, i.Desc)
	case i.Op == OpNew:
		return "NEW " + i.Owner
	}
	return i.Op.String()
}

// NewLabel creates a label marker.
func NewLabel() *Insn {
	return &Insn{Op: OpLabel}
}

// NewLine creates a source line marker.
func NewLine(line int) *Insn {
	return &Insn{Op: OpLine, Line: line}
}

// NewFrame creates a frame description marker.
func NewFrame() *Insn {
	return &Insn{Op: OpFrame}
}

// NewInsn creates an operand-less instruction.
func NewInsn(op Opcode) *Insn {
	return &Insn{Op: op}
}

// NewConst creates an instruction pushing a constant.
func NewConst(v any) *Insn {
	switch c := v.(type) {
	case int:
		v = int64(c)
	case int32:
		v = int64(c)
	case float32:
		v = float64(c)
	}
	return &Insn{Op: OpConst, Const: v}
}

// NewVar creates a load or store of a local slot.
func NewVar(op Opcode, slot int) *Insn {
	return &Insn{Op: op, Var: slot}
}

// NewIInc creates an in-place increment of a local slot.
func NewIInc(slot, inc int) *Insn {
	return &Insn{Op: OpIInc, Var: slot, Inc: inc}
}

// NewJump creates a jump to the given label.
func NewJump(op Opcode, target *Insn) *Insn {
	return &Insn{Op: op, Target: target}
}

// NewInvoke creates a call instruction addressed by owner, name and descriptor.
func NewInvoke(op Opcode, owner, name, desc string) *Insn {
	return &Insn{Op: op, Owner: owner, Name: name, Desc: desc}
}

// NewField creates a field access instruction.
func NewField(op Opcode, owner, name, desc string) *Insn {
	return &Insn{Op: op, Owner: owner, Name: name, Desc: desc}
}

// NewAlloc creates an allocate-uninitialized instruction for the given type.
func NewAlloc(typeName string) *Insn {
	return &Insn{Op: OpNew, Owner: typeName}
}

// InsnList is a doubly linked instruction sequence.
type InsnList struct {
	first, last *Insn
	size        int
	index       map[*Insn]int // lazily built, reset on mutation
}

// NewInsnList builds a list from the given instructions.
func NewInsnList(insns ...*Insn) *InsnList {
	l := &InsnList{}
	for _, i := range insns {
		l.Append(i)
	}
	return l
}

// Len returns the number of instructions in the list.
func (l *InsnList) Len() int {
	return l.size
}

// First returns the head instruction.
func (l *InsnList) First() *Insn {
	return l.first
}

// Last returns the tail instruction.
func (l *InsnList) Last() *Insn {
	return l.last
}

// Append adds a single instruction at the end.
func (l *InsnList) Append(i *Insn) {
	if i.list != nil {
		panic("instruction already belongs to a list")
	}
	i.list = l
	i.prev = l.last
	i.next = nil
	if l.last == nil {
		l.first = i
	} else {
		l.last.next = i
	}
	l.last = i
	l.size++
	l.index = nil
}

// AppendAll moves every instruction of other to the end of this list, leaving other empty.
func (l *InsnList) AppendAll(other *InsnList) {
	if other.size == 0 {
		return
	}
	if l.last == nil {
		l.spliceAfter(nil, other)
	} else {
		l.spliceAfter(l.last, other)
	}
}

// Insert moves every instruction of other to directly after anchor, leaving other empty.
func (l *InsnList) Insert(anchor *Insn, other *InsnList) {
	if anchor.list != l {
		panic("anchor is not part of this list")
	}
	l.spliceAfter(anchor, other)
}

// InsertBefore moves every instruction of other to directly before anchor, leaving other empty.
func (l *InsnList) InsertBefore(anchor *Insn, other *InsnList) {
	if anchor.list != l {
		panic("anchor is not part of this list")
	}
	l.spliceAfter(anchor.prev, other)
}

// spliceAfter inserts other after anchor, a nil anchor inserts at the head.
func (l *InsnList) spliceAfter(anchor *Insn, other *InsnList) {
	if other == l {
		panic("cannot splice a list into itself")
	} else if other.size == 0 {
		return
	}
	for i := other.first; i != nil; i = i.next {
		i.list = l
	}
	var after *Insn
	if anchor == nil {
		after = l.first
		l.first = other.first
	} else {
		after = anchor.next
		anchor.next = other.first
	}
	other.first.prev = anchor
	other.last.next = after
	if after == nil {
		l.last = other.last
	} else {
		after.prev = other.last
	}
	l.size += other.size
	l.index = nil
	*other = InsnList{}
}

// Remove unlinks an instruction from the list.
func (l *InsnList) Remove(i *Insn) {
	if i.list != l {
		panic("instruction is not part of this list")
	}
	if i.prev == nil {
		l.first = i.next
	} else {
		i.prev.next = i.next
	}
	if i.next == nil {
		l.last = i.prev
	} else {
		i.next.prev = i.prev
	}
	i.prev, i.next, i.list = nil, nil, nil
	l.size--
	l.index = nil
}

// Index returns the position of the instruction, or -1 if it is not in this list.
func (l *InsnList) Index(i *Insn) int {
	if i == nil || i.list != l {
		return -1
	}
	if l.index == nil {
		l.index = make(map[*Insn]int, l.size)
		var n int
		for cur := l.first; cur != nil; cur = cur.next {
			l.index[cur] = n
			n++
		}
	}
	return l.index[i]
}

// Slice returns the instructions in order.
func (l *InsnList) Slice() []*Insn {
	out := make([]*Insn, 0, l.size)
	for cur := l.first; cur != nil; cur = cur.next {
		out = append(out, cur)
	}
	return out
}

func (l *InsnList) String() string {
	var sb strings.Builder
	for cur := l.first; cur != nil; cur = cur.next {
		sb.WriteString(cur.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// LocalVar describes a named local slot and the labels bounding its live range.
type LocalVar struct {
	Name  string
	Desc  string
	Index int
	// Start is the label opening the range (inclusive).
	Start *Insn
	// End is the label closing the range (exclusive).
	End *Insn
}

// Method is a single method body.
type Method struct {
	Name         string
	Desc         string
	Static       bool
	Instructions *InsnList
	// LocalVars is the declared local variable table, nil when the method carries none.
	LocalVars []*LocalVar
}

// Clone deep copies the method, remapping label references to the copied labels.
func (m *Method) Clone() *Method {
	labels := make(map[*Insn]*Insn)
	mapLabel := func(l *Insn) *Insn {
		if l == nil {
			return nil
		}
		if c, ok := labels[l]; ok {
			return c
		}
		c := NewLabel()
		labels[l] = c
		return c
	}

	out := &Method{Name: m.Name, Desc: m.Desc, Static: m.Static, Instructions: &InsnList{}}
	if m.Instructions != nil {
		for cur := m.Instructions.first; cur != nil; cur = cur.next {
			var c *Insn
			if cur.Op == OpLabel {
				c = mapLabel(cur)
			} else {
				cp := *cur
				cp.prev, cp.next, cp.list = nil, nil, nil
				cp.Target = mapLabel(cur.Target)
				c = &cp
			}
			out.Instructions.Append(c)
		}
	}
	if m.LocalVars != nil {
		out.LocalVars = make([]*LocalVar, len(m.LocalVars))
		for i, lv := range m.LocalVars {
			cp := *lv
			cp.Start = mapLabel(lv.Start)
			cp.End = mapLabel(lv.End)
			out.LocalVars[i] = &cp
		}
	}
	return out
}

// Class is the structured representation of one compiled type.
type Class struct {
	// Name is the internal slash separated form, for example "pkg/Class".
	Name    string
	Super   string
	Methods []*Method
}

// FindMethod returns the first method matching the name and, when non-empty, the descriptor.
func (c *Class) FindMethod(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && (desc == "" || m.Desc == desc) {
			return m
		}
	}
	return nil
}

// MethodIdentity is the immutable key of all per-method state.
type MethodIdentity struct {
	Owner string // internal slash form
	Name  string
	Desc  string
}

// ClassName returns the owner in dot form.
func (id MethodIdentity) ClassName() string {
	return strings.ReplaceAll(id.Owner, "/", ".")
}

// String returns the "pkg.Class::method" form used for targeting and monitor keys.
func (id MethodIdentity) String() string {
	return id.ClassName() + "::" + id.Name
}

// SplitIdentity breaks a "pkg.Class::method" identity into class and method.
func SplitIdentity(ident string) (string, string) {
	class, method, ok := strings.Cut(ident, "::")
	if !ok {
		return ident, ""
	}
	return class, method
}

var errBadDescriptor = errors.New("invalid method descriptor")

// descriptorArgs returns the argument type descriptors and the return descriptor of a "(args)ret" descriptor.
func descriptorArgs(desc string) ([]string, string, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return nil, "", fmt.Errorf("%w: %q", errBadDescriptor, desc)
	}
	var args []string
	i := 1
	for i < len(desc) && desc[i] != ')' {
		start := i
		for i < len(desc) && desc[i] == '[' {
			i++
		}
		if i >= len(desc) {
			return nil, "", fmt.Errorf("%w: %q", errBadDescriptor, desc)
		}
		switch desc[i] {
		case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
			i++
		case 'L':
			end := strings.IndexByte(desc[i:], ';')
			if end < 0 {
				return nil, "", fmt.Errorf("%w: %q", errBadDescriptor, desc)
			}
			i += end + 1
		default:
			return nil, "", fmt.Errorf("%w: %q", errBadDescriptor, desc)
		}
		args = append(args, desc[start:i])
	}
	if i >= len(desc)-1 {
		return nil, "", fmt.Errorf("%w: %q", errBadDescriptor, desc)
	}
	return args, desc[i+1:], nil
}

// parseDescriptor returns the argument count and if a value is returned for a "(args)ret" descriptor.
func parseDescriptor(desc string) (int, bool, error) {
	args, ret, err := descriptorArgs(desc)
	if err != nil {
		return 0, false, err
	}
	return len(args), ret != "V", nil
}

// loadOpcodeFor selects the typed load for a field descriptor.
func loadOpcodeFor(desc string) Opcode {
	switch desc {
	case "I", "S", "Z", "C", "B":
		return OpILoad
	case "J":
		return OpLLoad
	case "F":
		return OpFLoad
	case "D":
		return OpDLoad
	default:
		return OpALoad
	}
}
