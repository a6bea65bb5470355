package bytetrace

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedClass is returned when class bytes cannot be decoded into a valid Class.
var ErrMalformedClass = errors.New("malformed class")

// ClassCodec converts between raw class bytes and the structured instruction model.
type ClassCodec interface {
	Decode(data []byte) (*Class, error)
	Encode(c *Class) ([]byte, error)
}

// Compression selects the payload compression of the BinaryCodec frame.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
)

var classMagic = []byte("BTC1")

// BinaryCodec frames a msgpack encoded class as: magic, compression byte, payload.
type BinaryCodec struct {
	Compression Compression
}

// DefaultCodec is the codec used when a Transformer is not given one.
var DefaultCodec ClassCodec = BinaryCodec{Compression: CompressionZstd}

type encConst struct {
	Kind uint8   `msgpack:"k"`
	I    int64   `msgpack:"i,omitempty"`
	F    float64 `msgpack:"f,omitempty"`
	S    string  `msgpack:"s,omitempty"`
	B    bool    `msgpack:"b,omitempty"`
}

const (
	constKindNil uint8 = iota
	constKindInt
	constKindFloat
	constKindString
	constKindBool
)

type encInsn struct {
	Op     uint8     `msgpack:"o"`
	Var    int       `msgpack:"v,omitempty"`
	Inc    int       `msgpack:"n,omitempty"`
	Const  *encConst `msgpack:"c,omitempty"`
	Target int       `msgpack:"t,omitempty"` // label table index + 1
	Line   int       `msgpack:"l,omitempty"`
	Owner  string    `msgpack:"ow,omitempty"`
	Name   string    `msgpack:"nm,omitempty"`
	Desc   string    `msgpack:"d,omitempty"`
}

type encLocal struct {
	Name  string `msgpack:"nm"`
	Desc  string `msgpack:"d"`
	Index int    `msgpack:"i"`
	Start int    `msgpack:"s"` // label table index + 1
	End   int    `msgpack:"e"`
}

type encMethod struct {
	Name      string     `msgpack:"nm"`
	Desc      string     `msgpack:"d"`
	Static    bool       `msgpack:"st,omitempty"`
	Insns     []encInsn  `msgpack:"in"`
	HasLocals bool       `msgpack:"hl,omitempty"`
	Locals    []encLocal `msgpack:"lv,omitempty"`
}

type encClass struct {
	Name    string      `msgpack:"nm"`
	Super   string      `msgpack:"su,omitempty"`
	Methods []encMethod `msgpack:"m"`
}

func (c BinaryCodec) Encode(class *Class) ([]byte, error) {
	ec := encClass{Name: class.Name, Super: class.Super, Methods: make([]encMethod, 0, len(class.Methods))}
	for _, m := range class.Methods {
		em, err := encodeMethod(m)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s failed: %w", class.Name, m.Name, err)
		}
		ec.Methods = append(ec.Methods, em)
	}

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	var payload bytes.Buffer
	enc.Reset(&payload)
	if err := enc.Encode(&ec); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(classMagic)+1+payload.Len())
	out = append(out, classMagic...)
	out = append(out, byte(c.Compression))
	switch c.Compression {
	case CompressionNone:
		return append(out, payload.Bytes()...), nil
	case CompressionSnappy:
		return SnappyCompress(out, payload.Bytes()), nil
	case CompressionZstd:
		return ZstdCompress(out, payload.Bytes()), nil
	default:
		return nil, fmt.Errorf("unknown compression: %d", c.Compression)
	}
}

func encodeMethod(m *Method) (encMethod, error) {
	em := encMethod{Name: m.Name, Desc: m.Desc, Static: m.Static, HasLocals: m.LocalVars != nil}
	labels := make(map[*Insn]int)
	if m.Instructions != nil {
		for cur := m.Instructions.First(); cur != nil; cur = cur.Next() {
			if cur.Op == OpLabel {
				labels[cur] = len(labels) + 1
			}
		}
		em.Insns = make([]encInsn, 0, m.Instructions.Len())
		for cur := m.Instructions.First(); cur != nil; cur = cur.Next() {
			ei := encInsn{Op: uint8(cur.Op), Var: cur.Var, Inc: cur.Inc, Line: cur.Line,
				Owner: cur.Owner, Name: cur.Name, Desc: cur.Desc}
			if cur.Target != nil {
				idx, ok := labels[cur.Target]
				if !ok {
					return em, fmt.Errorf("%s targets a label outside the method", cur)
				}
				ei.Target = idx
			}
			if cur.Op == OpConst {
				ec, err := encodeConst(cur.Const)
				if err != nil {
					return em, err
				}
				ei.Const = &ec
			}
			em.Insns = append(em.Insns, ei)
		}
	}
	for _, lv := range m.LocalVars {
		start, end := labels[lv.Start], labels[lv.End]
		if start == 0 || end == 0 {
			return em, fmt.Errorf("local %q range references a label outside the method", lv.Name)
		}
		em.Locals = append(em.Locals, encLocal{Name: lv.Name, Desc: lv.Desc, Index: lv.Index, Start: start, End: end})
	}
	return em, nil
}

func encodeConst(v any) (encConst, error) {
	switch c := v.(type) {
	case nil:
		return encConst{Kind: constKindNil}, nil
	case int64:
		return encConst{Kind: constKindInt, I: c}, nil
	case int:
		return encConst{Kind: constKindInt, I: int64(c)}, nil
	case float64:
		return encConst{Kind: constKindFloat, F: c}, nil
	case string:
		return encConst{Kind: constKindString, S: c}, nil
	case bool:
		return encConst{Kind: constKindBool, B: c}, nil
	default:
		return encConst{}, fmt.Errorf("unsupported constant type %T", v)
	}
}

func (c BinaryCodec) Decode(data []byte) (*Class, error) {
	if len(data) < len(classMagic)+1 || !bytes.Equal(data[:len(classMagic)], classMagic) {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedClass)
	}
	payload := data[len(classMagic)+1:]
	var err error
	switch Compression(data[len(classMagic)]) {
	case CompressionNone:
	case CompressionSnappy:
		payload, err = SnappyDecompress(nil, payload)
	case CompressionZstd:
		payload, err = ZstdDecompress(nil, payload)
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrMalformedClass, data[len(classMagic)])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedClass, err)
	}

	var ec encClass
	if err := msgpack.Unmarshal(payload, &ec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedClass, err)
	} else if ec.Name == "" {
		return nil, fmt.Errorf("%w: class name missing", ErrMalformedClass)
	}
	class := &Class{Name: ec.Name, Super: ec.Super, Methods: make([]*Method, 0, len(ec.Methods))}
	for _, em := range ec.Methods {
		m, err := decodeMethod(em)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrMalformedClass, ec.Name, em.Name, err)
		}
		class.Methods = append(class.Methods, m)
	}
	return class, nil
}

func decodeMethod(em encMethod) (*Method, error) {
	m := &Method{Name: em.Name, Desc: em.Desc, Static: em.Static, Instructions: &InsnList{}}
	var labels []*Insn
	insns := make([]*Insn, len(em.Insns))
	for i, ei := range em.Insns {
		op := Opcode(ei.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("unknown opcode %d at %d", ei.Op, i)
		}
		insn := &Insn{Op: op, Var: ei.Var, Inc: ei.Inc, Line: ei.Line, Owner: ei.Owner, Name: ei.Name, Desc: ei.Desc}
		if op == OpLabel {
			labels = append(labels, insn)
		} else if op == OpConst {
			if ei.Const == nil {
				return nil, fmt.Errorf("constant missing at %d", i)
			}
			insn.Const = decodeConst(*ei.Const)
		}
		insns[i] = insn
	}
	resolve := func(idx int) (*Insn, error) {
		if idx < 1 || idx > len(labels) {
			return nil, fmt.Errorf("label reference %d out of range", idx)
		}
		return labels[idx-1], nil
	}
	for i, ei := range em.Insns {
		if insns[i].Op.IsJump() {
			target, err := resolve(ei.Target)
			if err != nil {
				return nil, fmt.Errorf("jump at %d: %w", i, err)
			}
			insns[i].Target = target
		}
		m.Instructions.Append(insns[i])
	}
	if em.HasLocals {
		m.LocalVars = make([]*LocalVar, 0, len(em.Locals))
		for _, el := range em.Locals {
			start, err := resolve(el.Start)
			if err != nil {
				return nil, fmt.Errorf("local %q: %w", el.Name, err)
			}
			end, err := resolve(el.End)
			if err != nil {
				return nil, fmt.Errorf("local %q: %w", el.Name, err)
			}
			m.LocalVars = append(m.LocalVars, &LocalVar{Name: el.Name, Desc: el.Desc, Index: el.Index, Start: start, End: end})
		}
	}
	return m, nil
}

func decodeConst(ec encConst) any {
	switch ec.Kind {
	case constKindInt:
		return ec.I
	case constKindFloat:
		return ec.F
	case constKindString:
		return ec.S
	case constKindBool:
		return ec.B
	default:
		return nil
	}
}

// ZstdCompress appends the zstd compressed form of data to dst.
func ZstdCompress(dst, data []byte) []byte {
	encOpts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	}
	if len(data) > 1024*1024*64 {
		encOpts = append(encOpts, zstd.WithEncoderConcurrency(max(1, runtime.NumCPU()/2)))
	}
	encoder, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		panic(err) // only fails on invalid options
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, dst)
}

// ZstdDecompress appends the decompressed form of data to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, dst)
}

// SnappyCompress appends the snappy compressed form of data to dst.
func SnappyCompress(dst, data []byte) []byte {
	return append(dst, s2.EncodeSnappyBetter(nil, data)...)
}

// SnappyDecompress returns the decompressed form of snappy data, reusing dst when large enough.
func SnappyDecompress(dst, data []byte) ([]byte, error) {
	return snappy.Decode(dst, data)
}
