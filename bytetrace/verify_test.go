package bytetrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationWindows(t *testing.T) {
	t.Parallel()

	m := builderMethod()
	insns := m.Instructions.Slice()
	windows := allocationWindows(m.Instructions)

	alloc := insns[2]
	require.Equal(t, OpNew, alloc.Op)
	assert.Len(t, windows, 3) // dup, load, constructor
	assert.Same(t, alloc, windows[insns[3]])
	assert.Same(t, alloc, windows[insns[5]])
	assert.NotContains(t, windows, alloc)
	assert.NotContains(t, windows, insns[6])
}

func TestVerify(t *testing.T) {
	t.Parallel()

	t.Run("valid_methods", func(t *testing.T) {
		for _, m := range calcClass().Methods {
			assert.NoError(t, Verify(m), m.Name)
		}
		for _, m := range helperClass().Methods {
			assert.NoError(t, Verify(m), m.Name)
		}
		assert.NoError(t, Verify(&Method{Name: "empty", Instructions: &InsnList{}}))
	})
	t.Run("foreign_target", func(t *testing.T) {
		m := &Method{Name: "bad", Desc: "()V", Instructions: NewInsnList(NewJump(OpGoto, NewLabel()))}
		assert.ErrorIs(t, Verify(m), ErrUnverifiable)
	})
	t.Run("detached_frame", func(t *testing.T) {
		m := &Method{Name: "bad", Desc: "()V", Instructions: NewInsnList(NewInsn(OpNop), NewFrame(), NewInsn(OpReturn))}
		assert.ErrorIs(t, Verify(m), ErrUnverifiable)
	})
	t.Run("frame_after_line", func(t *testing.T) {
		m := &Method{Name: "ok", Desc: "()V", Instructions: NewInsnList(NewLabel(), NewLine(5), NewFrame(), NewInsn(OpReturn))}
		assert.NoError(t, Verify(m))
	})
	t.Run("probe_in_window", func(t *testing.T) {
		m := builderMethod()
		ctor := m.Instructions.Slice()[5]
		m.Instructions.InsertBefore(ctor, enterProbe(MethodIdentity{Owner: testOwner, Name: "build"}))
		assert.ErrorIs(t, Verify(m), ErrUnverifiable)
	})
	t.Run("stack_underflow", func(t *testing.T) {
		m := &Method{Name: "bad", Desc: "()V", Instructions: NewInsnList(NewInsn(OpPop), NewInsn(OpReturn))}
		assert.ErrorIs(t, Verify(m), ErrUnverifiable)
	})
	t.Run("inconsistent_height", func(t *testing.T) {
		join := NewLabel()
		m := &Method{
			Name: "bad",
			Desc: "(I)V",
			Instructions: NewInsnList(
				NewVar(OpILoad, 0),
				NewJump(OpIfEq, join),
				NewConst(1),
				join,
				NewInsn(OpReturn),
			),
		}
		assert.ErrorIs(t, Verify(m), ErrUnverifiable)
	})
	t.Run("bad_descriptor", func(t *testing.T) {
		m := &Method{Name: "bad", Desc: "()V", Instructions: NewInsnList(NewInvoke(OpInvokeStatic, "demo/X", "y", "nope"))}
		assert.ErrorIs(t, Verify(m), ErrUnverifiable)
	})
}
