package bytetrace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"unsafe"
)

// SequenceMarker is appended as a final element to sequences truncated at the element cap.
const SequenceMarker = "..."

var (
	errCycle      = errors.New("self referencing value")
	errDepthLimit = errors.New("value nesting too deep")
)

// Traceable values provide the view serialized in their place.
type Traceable interface {
	TraceValue() any
}

// TypeRef is a reference to a type by name. It serializes as the name.
type TypeRef string

var (
	reflectTypeType   = reflect.TypeFor[reflect.Type]()
	traceableType     = reflect.TypeFor[Traceable]()
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	errorType         = reflect.TypeFor[error]()
)

// Serializer renders arbitrary values as bounded JSON text. It is total: any value that cannot be walked is rendered
// as a JSON string of its plain text form.
type Serializer struct {
	// MaxSequence caps the elements written for slices and arrays.
	MaxSequence int
	// MaxDepth caps value nesting, deeper values fall back to text.
	MaxDepth int
}

// NewSerializer creates a Serializer with the configured limits.
func NewSerializer(cfg *Config) *Serializer {
	return &Serializer{MaxSequence: cfg.MaxSequence, MaxDepth: cfg.MaxDepth}
}

// Serialize returns the JSON form of v.
func (s *Serializer) Serialize(v any) (result string) {
	defer func() {
		if r := recover(); r != nil {
			result = fallbackJSON(v)
		}
	}()

	w := valueWriter{s: s}
	if err := w.write(reflect.ValueOf(v), 0); err != nil {
		return fallbackJSON(v)
	}
	return w.buf.String()
}

// SerializeMap returns the JSON object of vars with sorted keys. Entries are serialized independently so a failing
// value only falls back on its own.
func (s *Serializer) SerializeMap(vars map[string]any) string {
	keys, values := s.serializeEntries(vars)
	return joinObject(keys, values)
}

func (s *Serializer) serializeEntries(vars map[string]any) ([]string, []string) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = s.Serialize(vars[k])
	}
	return keys, values
}

// joinObject writes parallel key and JSON value slices as a JSON object.
func joinObject(keys, values []string) string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, k)
		buf.WriteByte(':')
		buf.WriteString(values[i])
	}
	buf.WriteByte('}')
	return buf.String()
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s) // strings always marshal
	buf.Write(b)
}

// fallbackJSON renders the plain text form of v as a JSON string.
func fallbackJSON(v any) string {
	var buf bytes.Buffer
	writeJSONString(&buf, plainText(v))
	return buf.String()
}

// plainText formats scalars with fmt and references as "type@address", never recursing into the value.
func plainText(v any) (text string) {
	if v == nil {
		return "null"
	}
	defer func() {
		if r := recover(); r != nil {
			text = fmt.Sprintf("%T", v)
		}
	}()

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("%s@%x", rv.Type(), rv.Pointer())
	case reflect.Struct, reflect.Array, reflect.Interface:
		return rv.Type().String()
	default:
		return fmt.Sprint(v)
	}
}

type visitKey struct {
	ptr  uintptr
	kind reflect.Kind
	len  int
}

type valueWriter struct {
	s        *Serializer
	buf      bytes.Buffer
	visiting map[visitKey]bool
}

// enter marks a reference as being walked, failing if it is already on the current path.
func (w *valueWriter) enter(v reflect.Value) (visitKey, error) {
	key := visitKey{ptr: v.Pointer(), kind: v.Kind()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if w.visiting == nil {
		w.visiting = make(map[visitKey]bool)
	} else if w.visiting[key] {
		return key, errCycle
	}
	w.visiting[key] = true
	return key, nil
}

func (w *valueWriter) write(v reflect.Value, depth int) error {
	if depth > w.s.MaxDepth {
		return errDepthLimit
	} else if !v.IsValid() {
		w.buf.WriteString("null")
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if v.IsNil() {
			w.buf.WriteString("null")
			return nil
		}
	}
	if handled, err := w.writeSpecial(v, depth); handled {
		return err
	}

	switch v.Kind() {
	case reflect.Bool:
		w.buf.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.buf.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			writeJSONString(&w.buf, strconv.FormatFloat(f, 'g', -1, 64))
		} else {
			bitSize := 64
			if v.Kind() == reflect.Float32 {
				bitSize = 32
			}
			w.buf.WriteString(strconv.FormatFloat(f, 'g', -1, bitSize))
		}
	case reflect.Complex64, reflect.Complex128:
		writeJSONString(&w.buf, fmt.Sprint(v.Complex()))
	case reflect.String:
		writeJSONString(&w.buf, v.String())
	case reflect.Interface:
		return w.write(v.Elem(), depth)
	case reflect.Pointer:
		key, err := w.enter(v)
		if err != nil {
			return err
		}
		defer delete(w.visiting, key)
		return w.write(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		return w.writeSequence(v, depth)
	case reflect.Map:
		return w.writeMap(v, depth)
	case reflect.Struct:
		return w.writeStruct(v, depth)
	default: // func, chan, unsafe pointer
		writeJSONString(&w.buf, plainText(v.Interface()))
	}
	return nil
}

// writeSpecial handles values rendered by name or by their own marshaling.
func (w *valueWriter) writeSpecial(v reflect.Value, depth int) (bool, error) {
	if !v.CanInterface() {
		return false, nil
	}
	t := v.Type()
	switch {
	case t.Implements(reflectTypeType):
		writeJSONString(&w.buf, v.Interface().(reflect.Type).String())
		return true, nil
	case t == reflect.TypeFor[TypeRef]():
		writeJSONString(&w.buf, v.String())
		return true, nil
	case t == reflect.TypeFor[*Class]():
		writeJSONString(&w.buf, MethodIdentity{Owner: v.Interface().(*Class).Name}.ClassName())
		return true, nil
	case t.Implements(traceableType):
		var key visitKey
		if v.Kind() == reflect.Pointer {
			var err error
			if key, err = w.enter(v); err != nil {
				return true, err
			}
			defer delete(w.visiting, key)
		}
		return true, w.write(reflect.ValueOf(v.Interface().(Traceable).TraceValue()), depth+1)
	case t.Implements(jsonMarshalerType):
		b, err := v.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return true, err
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, b); err != nil {
			return true, err
		}
		w.buf.Write(compact.Bytes())
		return true, nil
	case t.Implements(errorType):
		writeJSONString(&w.buf, v.Interface().(error).Error())
		return true, nil
	}
	return false, nil
}

func (w *valueWriter) writeSequence(v reflect.Value, depth int) error {
	if v.Kind() == reflect.Slice {
		key, err := w.enter(v)
		if err != nil {
			return err
		}
		defer delete(w.visiting, key)
	}

	length := v.Len()
	limit := min(length, w.s.MaxSequence)
	w.buf.WriteByte('[')
	for i := 0; i < limit; i++ {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.write(v.Index(i), depth+1); err != nil {
			return err
		}
	}
	if length > limit {
		if limit > 0 {
			w.buf.WriteByte(',')
		}
		writeJSONString(&w.buf, SequenceMarker)
	}
	w.buf.WriteByte(']')
	return nil
}

func (w *valueWriter) writeMap(v reflect.Value, depth int) error {
	key, err := w.enter(v)
	if err != nil {
		return err
	}
	defer delete(w.visiting, key)

	type entry struct {
		name  string
		value reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		entries = append(entries, entry{name: mapKeyText(iter.Key()), value: iter.Value()})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if a.name < b.name {
			return -1
		} else if a.name > b.name {
			return 1
		}
		return 0
	})

	w.buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		writeJSONString(&w.buf, e.name)
		w.buf.WriteByte(':')
		if err := w.write(e.value, depth+1); err != nil {
			return err
		}
	}
	w.buf.WriteByte('}')
	return nil
}

func mapKeyText(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10)
	}
	if k.CanInterface() {
		return fmt.Sprint(k.Interface())
	}
	return k.Type().String()
}

func (w *valueWriter) writeStruct(v reflect.Value, depth int) error {
	t := v.Type()
	if !v.CanAddr() { // copy to allow unexported field access
		tmp := reflect.New(t).Elem()
		tmp.Set(v)
		v = tmp
	}

	w.buf.WriteByte('{')
	var written int
	for i := 0; i < v.NumField(); i++ {
		sf := t.Field(i)
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			} else if tagName, _, _ := strings.Cut(tag, ","); tagName != "" {
				name = tagName
			}
		}
		fv := v.Field(i)
		if !fv.CanInterface() {
			fv = reflect.NewAt(fv.Type(), unsafe.Pointer(fv.UnsafeAddr())).Elem()
		}
		if written > 0 {
			w.buf.WriteByte(',')
		}
		written++
		writeJSONString(&w.buf, name)
		w.buf.WriteByte(':')
		if err := w.write(fv, depth+1); err != nil {
			return err
		}
	}
	w.buf.WriteByte('}')
	return nil
}
