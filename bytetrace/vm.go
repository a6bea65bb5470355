package bytetrace

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrStepLimit is returned when an invocation executes more instructions than the VM allows.
var ErrStepLimit = errors.New("execution step limit exceeded")

const (
	DefaultMaxSteps = 1_000_000
	maxCallDepth    = 256
	ctxCheckSteps   = 1024
)

// Object is an allocated instance. Natively backed types keep their entries in Fields too.
type Object struct {
	Class  string
	Fields map[string]any
}

// TraceValue exposes the fields for serialization.
func (o *Object) TraceValue() any {
	return o.Fields
}

func newObject(class string) *Object {
	return &Object{Class: class, Fields: make(map[string]any)}
}

type nativeFunc func(args []any) (any, error)

// VM executes methods of loaded classes, routing monitor calls to a ProbeHandler.
type VM struct {
	// MaxSteps bounds the instructions executed by a single Invoke.
	MaxSteps int

	handler ProbeHandler
	classes map[string]*Class
	natives map[string]nativeFunc
}

// NewVM creates a VM. A nil handler executes probes as no-ops.
func NewVM(handler ProbeHandler) *VM {
	vm := &VM{
		MaxSteps: DefaultMaxSteps,
		handler:  handler,
		classes:  make(map[string]*Class),
	}
	vm.natives = map[string]nativeFunc{
		"java/lang/Object.<init>": func([]any) (any, error) { return nil, nil },
		hashMapType + ".<init>":   func([]any) (any, error) { return nil, nil },
		hashMapType + ".put": func(args []any) (any, error) {
			m, err := asObject(args[0])
			if err != nil {
				return nil, err
			}
			key := fmt.Sprint(args[1])
			prev := m.Fields[key]
			m.Fields[key] = args[2]
			return prev, nil
		},
		hashMapType + ".get": func(args []any) (any, error) {
			m, err := asObject(args[0])
			if err != nil {
				return nil, err
			}
			return m.Fields[fmt.Sprint(args[1])], nil
		},
		"java/lang/Integer.valueOf": func(args []any) (any, error) {
			return toInt(args[0]), nil
		},
		"java/lang/String.length": func(args []any) (any, error) {
			s, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("length of non string %T", args[0])
			}
			return int64(len([]rune(s))), nil
		},
	}
	return vm
}

// Load makes a class available for invocation, replacing any class of the same name.
func (vm *VM) Load(c *Class) {
	vm.classes[c.Name] = c
}

// Invoke runs the named method of the owner class. For instance methods the receiver is the first argument.
func (vm *VM) Invoke(ctx context.Context, owner, name string, args ...any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execute %s::%s failed: %v", owner, name, r)
		}
	}()

	class, ok := vm.classes[owner]
	if !ok {
		return nil, fmt.Errorf("class %s not loaded", owner)
	}
	m := class.FindMethod(name, "")
	if m == nil {
		return nil, fmt.Errorf("method %s::%s not found", owner, name)
	}
	steps := 0
	return vm.execute(ctx, m, args, 0, &steps)
}

// resolve finds the method implementation starting at owner and walking super types.
func (vm *VM) resolve(owner, name, desc string) (*Method, nativeFunc) {
	for owner != "" {
		if native, ok := vm.natives[owner+"."+name]; ok {
			return nil, native
		}
		class, ok := vm.classes[owner]
		if !ok {
			return nil, nil
		}
		if m := class.FindMethod(name, desc); m != nil {
			return m, nil
		}
		owner = class.Super
	}
	return nil, nil
}

func (vm *VM) execute(ctx context.Context, m *Method, args []any, depth int, steps *int) (any, error) {
	if depth > maxCallDepth {
		return nil, fmt.Errorf("call depth exceeded in %s", m.Name)
	}
	locals := make(map[int]any, len(args))
	slot := 0
	argTypes, _, err := descriptorArgs(m.Desc)
	if err != nil {
		return nil, err
	}
	if !m.Static {
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: missing receiver", m.Name)
		}
		locals[0] = args[0]
		args = args[1:]
		slot = 1
	}
	if len(args) != len(argTypes) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", m.Name, len(argTypes), len(args))
	}
	for i, a := range args {
		locals[slot] = a
		if argTypes[i] == "J" || argTypes[i] == "D" {
			slot += 2
		} else {
			slot++
		}
	}

	var stack []any
	pop := func() any {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	push := func(v any) {
		stack = append(stack, v)
	}

	for pc := m.Instructions.First(); pc != nil; {
		*steps++
		if *steps > vm.MaxSteps {
			return nil, ErrStepLimit
		} else if *steps%ctxCheckSteps == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		insn := pc
		pc = pc.Next()
		op := insn.Op
		switch {
		case op.IsPseudo(), op == OpNop:
		case op == OpConstNull:
			push(nil)
		case op == OpConst:
			push(insn.Const)
		case op.IsLoad():
			push(locals[insn.Var])
		case op.IsStore():
			locals[insn.Var] = pop()
		case op == OpIInc:
			locals[insn.Var] = toInt(locals[insn.Var]) + int64(insn.Inc)
		case op == OpIAdd, op == OpISub, op == OpIMul:
			b, a := toInt(pop()), toInt(pop())
			switch op {
			case OpIAdd:
				push(a + b)
			case OpISub:
				push(a - b)
			default:
				push(a * b)
			}
		case op == OpGoto:
			pc = insn.Target
		case op.IsConditionalJump():
			if branchTaken(op, pop) {
				pc = insn.Target
			}
		case op == OpGetField:
			obj, err := asObject(pop())
			if err != nil {
				return nil, err
			}
			push(obj.Fields[insn.Name])
		case op == OpPutField:
			value := pop()
			obj, err := asObject(pop())
			if err != nil {
				return nil, err
			}
			obj.Fields[insn.Name] = value
		case op == OpNew:
			push(newObject(insn.Owner))
		case op == OpDup:
			v := pop()
			push(v)
			push(v)
		case op == OpPop:
			pop()
		case op == OpIReturn, op == OpAReturn:
			return pop(), nil
		case op == OpReturn:
			return nil, nil
		case op.IsInvoke():
			argCount, returns, err := parseDescriptor(insn.Desc)
			if err != nil {
				return nil, err
			}
			if op != OpInvokeStatic {
				argCount++
			}
			if len(stack) < argCount {
				return nil, fmt.Errorf("stack underflow invoking %s.%s", insn.Owner, insn.Name)
			}
			callArgs := make([]any, argCount)
			copy(callArgs, stack[len(stack)-argCount:])
			stack = stack[:len(stack)-argCount]

			result, err := vm.invoke(ctx, insn, callArgs, depth, steps)
			if err != nil {
				return nil, err
			} else if returns {
				push(result)
			}
		default:
			return nil, fmt.Errorf("unsupported opcode %s", op)
		}
	}
	return nil, nil
}

func (vm *VM) invoke(ctx context.Context, call *Insn, args []any, depth int, steps *int) (any, error) {
	if call.Owner == MonitorOwner {
		if err := vm.dispatchProbe(call.Name, args); err != nil {
			log.Printf("%s%v", ErrorLogPrefix, err)
		}
		return nil, nil
	}

	owner := call.Owner
	if call.Op == OpInvokeVirtual || call.Op == OpInvokeInterface {
		if obj, ok := args[0].(*Object); ok {
			owner = obj.Class
		}
	}
	m, native := vm.resolve(owner, call.Name, call.Desc)
	if native != nil {
		return native(args)
	} else if m == nil {
		return nil, fmt.Errorf("unresolved method %s.%s%s", call.Owner, call.Name, call.Desc)
	}
	return vm.execute(ctx, m, args, depth+1, steps)
}

// dispatchProbe forwards a monitor call to the handler. Errors are logged by the caller and never stop the
// traced program.
func (vm *VM) dispatchProbe(name string, args []any) (err error) {
	if vm.handler == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe %s: invalid arguments: %v", name, r)
		}
	}()

	switch name {
	case probeEnterName:
		vm.handler.EnterMethod(args[0].(string))
	case probeLocalsName:
		vars, err := asObject(args[2])
		if err != nil {
			return err
		}
		copied := make(map[string]any, len(vars.Fields))
		for k, v := range vars.Fields {
			copied[k] = v
		}
		vm.handler.RecordLocals(args[0].(string), int(toInt(args[1])), copied, args[3].(bool))
	case probeBranchName:
		vm.handler.RecordBranch(args[0].(string), args[1].(string), int(toInt(args[2])), args[3].(string), args[4].(bool))
	case probeLoopName:
		vm.handler.RecordLoop(args[0].(string), args[1].(string), int(toInt(args[2])), args[3].(string))
	case probeCallName:
		vm.handler.RecordCall(args[0].(string), args[1].(string), int(toInt(args[2])), args[3].(string), args[4].(string))
	default:
		return fmt.Errorf("unknown probe %s", name)
	}
	return nil
}

func branchTaken(op Opcode, pop func() any) bool {
	switch op {
	case OpIfNull:
		return pop() == nil
	case OpIfNonNull:
		return pop() != nil
	case OpIfACmpEq:
		b, a := pop(), pop()
		return a == b
	case OpIfACmpNe:
		b, a := pop(), pop()
		return a != b
	case OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe:
		b, a := toInt(pop()), toInt(pop())
		return compareInt(op-OpIfICmpEq+OpIfEq, int64(cmp.Compare(a, b)))
	default:
		return compareInt(op, toInt(pop()))
	}
}

// compareInt evaluates a single operand jump opcode against zero.
func compareInt(op Opcode, v int64) bool {
	switch op {
	case OpIfEq:
		return v == 0
	case OpIfNe:
		return v != 0
	case OpIfLt:
		return v < 0
	case OpIfGe:
		return v >= 0
	case OpIfGt:
		return v > 0
	case OpIfLe:
		return v <= 0
	}
	return false
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case float64:
		return int64(n)
	}
	return 0
}

func asObject(v any) (*Object, error) {
	obj, ok := v.(*Object)
	if !ok || obj == nil {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	return obj, nil
}
