package sane

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ByteOrder is the order of words inside raw option buffers. Buffers never
// leave the process in this form; network backends convert on the wire.
var ByteOrder binary.ByteOrder = binary.NativeEndian

// Word returns the i-th word of a raw buffer.
func Word(buf []byte, i int) int32 {
	return int32(ByteOrder.Uint32(buf[i*WordSize:]))
}

// PutWord stores w as the i-th word of a raw buffer.
func PutWord(buf []byte, i int, w int32) {
	ByteOrder.PutUint32(buf[i*WordSize:], uint32(w))
}

// Kind is the dynamic shape of a Value.
type Kind int

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindIntVector
	KindFixed
	KindFixedVector
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindIntVector:
		return "int[]"
	case KindFixed:
		return "fixed"
	case KindFixedVector:
		return "fixed[]"
	case KindString:
		return "string"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a decoded option value. Its Kind is fixed by the owning
// descriptor's type and element count.
type Value struct {
	kind  Kind
	b     bool
	ints  []int32
	reals []float64
	text  string
}

func NoValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }
func IntValue(i int32) Value { return Value{kind: KindInt, ints: []int32{i}} }
func IntVector(v []int32) Value { return Value{kind: KindIntVector, ints: v} }
func FixedValue(f float64) Value { return Value{kind: KindFixed, reals: []float64{f}} }
func FixedVector(v []float64) Value { return Value{kind: KindFixedVector, reals: v} }
func StringValue(s string) Value { return Value{kind: KindString, text: s} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNone() bool { return v.kind == KindNone }
func (v Value) Bool() bool { return v.b }
func (v Value) Ints() []int32 { return v.ints }
func (v Value) Floats() []float64 { return v.reals }
func (v Value) Text() string { return v.text }

// Int returns the scalar integer, or the first element of a vector.
func (v Value) Int() int32 {
	if len(v.ints) == 0 {
		return 0
	}
	return v.ints[0]
}

// Float returns the scalar real, or the first element of a vector.
func (v Value) Float() float64 {
	if len(v.reals) == 0 {
		return 0
	}
	return v.reals[0]
}

// Interface returns the value as a plain Go value: bool, int32, []int32,
// float64, []float64, string, or nil.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.Int()
	case KindIntVector:
		return v.ints
	case KindFixed:
		return v.Float()
	case KindFixedVector:
		return v.reals
	case KindString:
		return v.text
	default:
		return nil
	}
}

// String formats the value for display.
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return ""
	case KindBool:
		if v.b {
			return "yes"
		}
		return "no"
	case KindInt:
		return strconv.Itoa(int(v.Int()))
	case KindFixed:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64)
	case KindIntVector:
		parts := make([]string, len(v.ints))
		for i, n := range v.ints {
			parts[i] = strconv.Itoa(int(n))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindFixedVector:
		parts := make([]string, len(v.reals))
		for i, f := range v.reals {
			parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return v.text
	}
}

// MarshalJSON encodes the value as its plain Go form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// DecodeValue converts the raw buffer of an option into a Value.
func DecodeValue(desc *OptionDescriptor, raw []byte) (Value, error) {
	if desc == nil {
		return Value{}, fmt.Errorf("%w: no option descriptor", StatusInval)
	}
	n := desc.ElementCount

	switch desc.Type {
	case TypeBool:
		if len(raw) < WordSize {
			return Value{}, fmt.Errorf("%w: option %q: short boolean buffer (%d bytes)", StatusInval, desc.Name, len(raw))
		}
		return BoolValue(Word(raw, 0) != 0), nil

	case TypeInt, TypeFixed:
		if n == 0 {
			return NoValue(), nil
		}
		if len(raw) < n*WordSize {
			return Value{}, fmt.Errorf("%w: option %q: need %d bytes, have %d", StatusInval, desc.Name, n*WordSize, len(raw))
		}
		if desc.Type == TypeInt {
			ints := make([]int32, n)
			for i := range ints {
				ints[i] = Word(raw, i)
			}
			if n == 1 {
				return IntValue(ints[0]), nil
			}
			return IntVector(ints), nil
		}
		reals := make([]float64, n)
		for i := range reals {
			reals[i] = Unfix(Word(raw, i))
		}
		if n == 1 {
			return FixedValue(reals[0]), nil
		}
		return FixedVector(reals), nil

	case TypeString:
		end := bytes.IndexByte(raw, 0)
		if end < 0 {
			end = len(raw)
		}
		return StringValue(string(raw[:end])), nil

	default:
		return NoValue(), nil
	}
}

// EncodeValue validates v against the descriptor and produces a raw buffer of
// exactly desc.Size bytes. Nothing is written unless the whole value is valid.
//
// Over-long vectors are truncated to the element count and over-long strings
// to elementCount characters; a vector shorter than the element count leaves
// the remaining elements zero. Button and Group options accept any value and
// produce a nil buffer.
func EncodeValue(desc *OptionDescriptor, v interface{}) ([]byte, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: no option descriptor", StatusInval)
	}
	if val, ok := v.(Value); ok {
		v = val.Interface()
	}
	if desc.Size < 0 || desc.Size > MaxValueSize {
		return nil, fmt.Errorf("%w: option %q declares %d bytes", StatusNoMem, desc.Name, desc.Size)
	}

	switch desc.Type {
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeError(desc, v)
		}
		if desc.Size < WordSize {
			return nil, fmt.Errorf("%w: option %q: boolean buffer of %d bytes", StatusInval, desc.Name, desc.Size)
		}
		buf := make([]byte, desc.Size)
		if b {
			PutWord(buf, 0, 1)
		}
		return buf, nil

	case TypeInt, TypeFixed:
		return encodeWords(desc, v)

	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, typeError(desc, v)
		}
		if desc.Size < CharSize {
			return nil, fmt.Errorf("%w: option %q: string buffer of %d bytes", StatusInval, desc.Name, desc.Size)
		}
		buf := make([]byte, desc.Size)
		n := desc.ElementCount
		if len(s) < n {
			n = len(s)
		}
		copy(buf, s[:n])
		return buf, nil

	default:
		return nil, nil
	}
}

func encodeWords(desc *OptionDescriptor, v interface{}) ([]byte, error) {
	n := desc.ElementCount
	if desc.Size < n*WordSize {
		return nil, fmt.Errorf("%w: option %q: %d bytes for %d words", StatusInval, desc.Name, desc.Size, n)
	}
	toWord := toInt32
	if desc.Type == TypeFixed {
		toWord = toFixed
	}

	items, isSeq := sequence(v)
	if n == 1 {
		if isSeq {
			return nil, typeError(desc, v)
		}
		w, ok := toWord(v)
		if !ok {
			return nil, typeError(desc, v)
		}
		buf := make([]byte, desc.Size)
		PutWord(buf, 0, w)
		return buf, nil
	}

	if !isSeq {
		if _, ok := toFloat(v); n == 0 && ok {
			return make([]byte, desc.Size), nil
		}
		return nil, typeError(desc, v)
	}
	if len(items) > n {
		items = items[:n]
	}
	words := make([]int32, len(items))
	for i, it := range items {
		w, ok := toWord(it)
		if !ok {
			return nil, fmt.Errorf("%w: option %q: element %d: %v is not a valid %s", StatusInval, desc.Name, i, it, desc.Type)
		}
		words[i] = w
	}
	buf := make([]byte, desc.Size)
	for i, w := range words {
		PutWord(buf, i, w)
	}
	return buf, nil
}

func typeError(desc *OptionDescriptor, v interface{}) error {
	want := desc.Type.String()
	if desc.IsVector() {
		want = fmt.Sprintf("%s[%d]", want, desc.ElementCount)
	}
	return fmt.Errorf("%w: option %q expects %s, got %T", StatusInval, desc.Name, want, v)
}

// sequence returns the elements of v when v is a slice or array other than a
// string.
func sequence(v interface{}) ([]interface{}, bool) {
	if items, ok := v.([]interface{}); ok {
		return items, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]interface{}, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// toFloat converts any Go numeric value to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toInt32 accepts finite numeric values that fit in a word. A fractional
// part is truncated toward zero.
func toInt32(v interface{}) (int32, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	f = math.Trunc(f)
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int32(f), true
}

func toFixed(v interface{}) (int32, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return Fix(f)
}
