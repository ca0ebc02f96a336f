package protocol

import (
	"fmt"
	"math"
	"sort"
)

// Any value tags.
const (
	TagUndefined = 127
	TagNull      = 126
	TagInteger   = 125
	TagFloat32   = 124
	TagFloat64   = 123
	TagBigInt    = 122
	TagFalse     = 121
	TagTrue      = 120
	TagString    = 119
	TagObject    = 118
	TagArray     = 117
	TagBytes     = 116
)

const maxAnyDepth = 512

// UndefinedType is the type of Undefined, a value distinct from nil (null).
type UndefinedType struct{}

func (UndefinedType) String() string { return "undefined" }

// MarshalJSON renders undefined as null, the closest JSON value.
func (UndefinedType) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

var Undefined = UndefinedType{}

// BigInt is a 64-bit integer always written with TagBigInt.
type BigInt int64

// WriteAny appends a tagged value. Supported Go types are nil, Undefined,
// bool, string, []byte, every integer and float kind, BigInt, []any and
// map[string]any. Object keys are written in sorted order.
func (e *Encoder) WriteAny(v any) error {
	switch x := v.(type) {
	case nil:
		e.WriteUint8(TagNull)
	case UndefinedType:
		e.WriteUint8(TagUndefined)
	case bool:
		if x {
			e.WriteUint8(TagTrue)
		} else {
			e.WriteUint8(TagFalse)
		}
	case string:
		e.WriteUint8(TagString)
		e.WriteVarString(x)
	case []byte:
		e.WriteUint8(TagBytes)
		e.WriteVarBytes(x)
	case BigInt:
		e.WriteUint8(TagBigInt)
		e.WriteInt64(int64(x))
	case int:
		e.writeNumber(float64(x), int64(x), true)
	case int8:
		e.writeNumber(float64(x), int64(x), true)
	case int16:
		e.writeNumber(float64(x), int64(x), true)
	case int32:
		e.writeNumber(float64(x), int64(x), true)
	case int64:
		e.writeNumber(float64(x), x, true)
	case uint:
		e.writeNumber(float64(x), int64(x), x <= math.MaxInt64)
	case uint8:
		e.writeNumber(float64(x), int64(x), true)
	case uint16:
		e.writeNumber(float64(x), int64(x), true)
	case uint32:
		e.writeNumber(float64(x), int64(x), true)
	case uint64:
		e.writeNumber(float64(x), int64(x), x <= math.MaxInt64)
	case float32:
		e.writeFloat(float64(x))
	case float64:
		e.writeFloat(x)
	case []any:
		e.WriteUint8(TagArray)
		e.WriteVarUint(uint64(len(x)))
		for _, el := range x {
			if err := e.WriteAny(el); err != nil {
				return err
			}
		}
	case map[string]any:
		e.WriteUint8(TagObject)
		e.WriteVarUint(uint64(len(x)))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.WriteVarString(k)
			if err := e.WriteAny(x[k]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: cannot encode %T", ErrUnknownTag, v)
	}
	return nil
}

func (e *Encoder) writeNumber(f float64, i int64, exact bool) {
	if exact && i >= -(1<<31) && i <= 1<<31 {
		e.WriteUint8(TagInteger)
		e.WriteVarInt(i)
		return
	}
	e.writeFloat(f)
}

func (e *Encoder) writeFloat(f float64) {
	if f == math.Trunc(f) && math.Abs(f) <= 1<<31 {
		e.WriteUint8(TagInteger)
		e.WriteVarInt(int64(f))
		return
	}
	if float64(float32(f)) == f || math.IsNaN(f) {
		e.WriteUint8(TagFloat32)
		e.WriteFloat32(float32(f))
		return
	}
	e.WriteUint8(TagFloat64)
	e.WriteFloat64(f)
}

// ReadAny reads a tagged value. Integers come back as int64, floats as
// float64, objects as map[string]any and arrays as []any.
func (d *Decoder) ReadAny() any {
	return d.readAny(0)
}

func (d *Decoder) readAny(depth int) any {
	if depth > maxAnyDepth {
		d.fail(ErrBadRecord)
		return nil
	}
	tag := d.ReadUint8()
	if d.err != nil {
		return nil
	}
	switch tag {
	case TagUndefined:
		return Undefined
	case TagNull:
		return nil
	case TagInteger:
		return d.ReadVarInt()
	case TagFloat32:
		return float64(d.ReadFloat32())
	case TagFloat64:
		return d.ReadFloat64()
	case TagBigInt:
		return BigInt(d.ReadInt64())
	case TagFalse:
		return false
	case TagTrue:
		return true
	case TagString:
		return d.ReadVarString()
	case TagObject:
		n := d.ReadVarUint()
		if n > uint64(len(d.data)) {
			d.fail(ErrIncomplete)
			return nil
		}
		obj := make(map[string]any, n)
		for i := uint64(0); i < n && d.err == nil; i++ {
			k := d.ReadVarString()
			obj[k] = d.readAny(depth + 1)
		}
		return obj
	case TagArray:
		n := d.ReadVarUint()
		if n > uint64(len(d.data)) {
			d.fail(ErrIncomplete)
			return nil
		}
		arr := make([]any, 0, n)
		for i := uint64(0); i < n && d.err == nil; i++ {
			arr = append(arr, d.readAny(depth+1))
		}
		return arr
	case TagBytes:
		b := d.ReadVarBytes()
		return append([]byte(nil), b...)
	default:
		d.fail(fmt.Errorf("%w: %d", ErrUnknownTag, tag))
		return nil
	}
}
