package bytetrace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeClass(t *testing.T, c *Class) []byte {
	t.Helper()

	b, err := DefaultCodec.Encode(c)
	require.NoError(t, err)
	return b
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	t.Parallel()

	for _, compression := range []Compression{CompressionNone, CompressionSnappy, CompressionZstd} {
		codec := BinaryCodec{Compression: compression}
		t.Run(map[Compression]string{
			CompressionNone:   "none",
			CompressionSnappy: "snappy",
			CompressionZstd:   "zstd",
		}[compression], func(t *testing.T) {
			t.Parallel()

			orig := calcClass()
			encoded, err := codec.Encode(orig)
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(encoded, classMagic))

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, orig.Name, decoded.Name)
			assert.Equal(t, orig.Super, decoded.Super)
			require.Len(t, decoded.Methods, len(orig.Methods))
			for i, m := range orig.Methods {
				dm := decoded.Methods[i]
				assert.Equal(t, m.Name, dm.Name)
				assert.Equal(t, m.Desc, dm.Desc)
				assert.Equal(t, m.Static, dm.Static)
				assert.Equal(t, m.Instructions.String(), dm.Instructions.String())
				require.Len(t, dm.LocalVars, len(m.LocalVars))
				for j, lv := range m.LocalVars {
					assert.Equal(t, m.Instructions.Index(lv.Start), dm.Instructions.Index(dm.LocalVars[j].Start))
					assert.Equal(t, m.Instructions.Index(lv.End), dm.Instructions.Index(dm.LocalVars[j].End))
				}
				for _, insn := range dm.Instructions.Slice() {
					if insn.Op.IsJump() {
						assert.Equal(t, OpLabel, insn.Target.Op)
					}
				}
			}
		})
	}
}

func TestBinaryCodecConstants(t *testing.T) {
	t.Parallel()

	m := &Method{
		Name: "consts",
		Desc: "()V",
		Instructions: NewInsnList(
			NewConst(42),
			NewConst(1.5),
			NewConst("text"),
			NewConst(true),
			NewInsn(OpConstNull),
			NewInsn(OpReturn),
		),
	}
	encoded, err := DefaultCodec.Encode(&Class{Name: "demo/Consts", Methods: []*Method{m}})
	require.NoError(t, err)
	decoded, err := DefaultCodec.Decode(encoded)
	require.NoError(t, err)

	insns := decoded.Methods[0].Instructions.Slice()
	assert.Equal(t, int64(42), insns[0].Const)
	assert.InDelta(t, 1.5, insns[1].Const, 0.0)
	assert.Equal(t, "text", insns[2].Const)
	assert.Equal(t, true, insns[3].Const)
	assert.Nil(t, decoded.Methods[0].LocalVars)
}

func TestBinaryCodecUnsupportedConstant(t *testing.T) {
	t.Parallel()

	m := &Method{Name: "bad", Desc: "()V", Instructions: NewInsnList(&Insn{Op: OpConst, Const: []int{1}})}
	_, err := DefaultCodec.Encode(&Class{Name: "demo/Bad", Methods: []*Method{m}})
	assert.Error(t, err)
}

func TestBinaryCodecMalformed(t *testing.T) {
	t.Parallel()

	valid := encodeClass(t, calcClass())
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad_magic", []byte("NOPE\x00payload")},
		{"unknown_compression", append(append([]byte{}, classMagic...), 9, 1, 2)},
		{"truncated", valid[:len(valid)/2]},
		{"garbage_payload", append(append([]byte{}, classMagic...), byte(CompressionNone), 0xc1, 0xc1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DefaultCodec.Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformedClass)
		})
	}
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("bytetrace compress "), 200)
	t.Run("zstd", func(t *testing.T) {
		compressed := ZstdCompress(nil, data)
		assert.Less(t, len(compressed), len(data))
		out, err := ZstdDecompress(nil, compressed)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})
	t.Run("snappy", func(t *testing.T) {
		compressed := SnappyCompress([]byte("hdr"), data)
		assert.True(t, bytes.HasPrefix(compressed, []byte("hdr")))
		out, err := SnappyDecompress(nil, compressed[3:])
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})
}
