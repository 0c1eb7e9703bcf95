// mautrix-facebook - A Matrix-Facebook Messenger puppeting bridge.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package thrift

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// Encoder writes tagged structs as Compact-encoded data. Field IDs are
// delta-encoded; the stack mirrors the decoder's so nested structs restore
// the parent baseline.
type Encoder struct {
	buf bytes.Buffer

	lastField int16
	stack     []int16
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Marshal encodes val, which must be a tagged struct or a pointer to one.
// Like the decoder, the output starts directly at the first field header.
func Marshal(val any) ([]byte, error) {
	enc := NewEncoder()
	if err := enc.Marshal(val); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Encoder) Marshal(val any) error {
	rv := reflect.ValueOf(val)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return fmt.Errorf("thrift: cannot marshal nil pointer")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("thrift: Marshal source must be a struct, not %T", val)
	}
	return e.writeStructFields(rv)
}

func toZigzag(val int64) uint64 {
	return uint64(val<<1) ^ uint64(val>>63)
}

func (e *Encoder) writeVarint(val uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], val)
	e.buf.Write(scratch[:n])
}

func (e *Encoder) writeZigzag(val int64) {
	e.writeVarint(toZigzag(val))
}

func (e *Encoder) writeBinary(raw []byte) {
	e.writeVarint(uint64(len(raw)))
	e.buf.Write(raw)
}

func (e *Encoder) writeFieldHeader(wire Type, id int16) {
	delta := id - e.lastField
	if delta > 0 && delta <= 15 {
		e.buf.WriteByte(byte(delta)<<4 | byte(wire))
	} else {
		e.buf.WriteByte(byte(wire))
		e.writeZigzag(int64(id))
	}
	e.lastField = id
}

func (e *Encoder) writeStructFields(rv reflect.Value) error {
	spec, err := specOf(rv.Type())
	if err != nil {
		return err
	}
	e.stack = append(e.stack, e.lastField)
	e.lastField = 0
	defer func() {
		e.lastField = e.stack[len(e.stack)-1]
		e.stack = e.stack[:len(e.stack)-1]
	}()
	for _, fs := range spec.fields {
		field := rv.Field(fs.index)
		if fs.optional {
			if field.IsNil() {
				continue
			}
			field = field.Elem()
		}
		// Slices and maps are nilable without a pointer.
		if (field.Kind() == reflect.Slice || field.Kind() == reflect.Map) && field.IsNil() {
			continue
		}
		if field.Kind() == reflect.Bool {
			wire := TFalse
			if field.Bool() {
				wire = TTrue
			}
			e.writeFieldHeader(wire, fs.id)
			continue
		}
		e.writeFieldHeader(fs.typ, fs.id)
		if err = e.writeValue(fs.typ, field, fs.stringID); err != nil {
			return err
		}
	}
	e.buf.WriteByte(byte(TStop))
	return nil
}

func (e *Encoder) writeValue(wire Type, field reflect.Value, stringID bool) error {
	switch wire {
	case TByte:
		if field.Kind() == reflect.Uint8 {
			e.buf.WriteByte(byte(field.Uint()))
		} else {
			e.buf.WriteByte(byte(int8(field.Int())))
		}
	case TI16, TI32, TI64:
		if field.Kind() == reflect.Uint64 {
			e.writeZigzag(int64(field.Uint()))
		} else {
			e.writeZigzag(field.Int())
		}
	case TDouble:
		var scratch [8]byte
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(field.Float()))
		e.buf.Write(scratch[:])
	case TFloat:
		var scratch [4]byte
		binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(float32(field.Float())))
		e.buf.Write(scratch[:])
	case TBinary:
		switch {
		case stringID:
			if field.Kind() == reflect.Uint64 {
				e.writeBinary([]byte(strconv.FormatUint(field.Uint(), 10)))
			} else {
				e.writeBinary([]byte(strconv.FormatInt(field.Int(), 10)))
			}
		case field.Kind() == reflect.String:
			e.writeBinary([]byte(field.String()))
		default:
			e.writeBinary(field.Bytes())
		}
	case TList, TSet:
		return e.writeList(field)
	case TMap:
		return e.writeMap(field)
	case TStruct:
		return e.writeStructFields(field)
	default:
		return fmt.Errorf("thrift: cannot write value of type %s", wire)
	}
	return nil
}

func (e *Encoder) writeList(field reflect.Value) error {
	elemWire, err := wireType(field.Type().Elem(), false)
	if err != nil {
		return err
	}
	size := field.Len()
	if size < 15 {
		e.buf.WriteByte(byte(size)<<4 | byte(elemWire))
	} else {
		e.buf.WriteByte(0xf0 | byte(elemWire))
		e.writeVarint(uint64(size))
	}
	for i := 0; i < size; i++ {
		if err = e.writeValue(elemWire, field.Index(i), false); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeMap(field reflect.Value) error {
	// Empty maps are just a zero size with no key/value type byte.
	if field.Len() == 0 {
		e.buf.WriteByte(0)
		return nil
	}
	keyWire, err := wireType(field.Type().Key(), false)
	if err != nil {
		return err
	}
	valWire, err := wireType(field.Type().Elem(), false)
	if err != nil {
		return err
	}
	e.writeVarint(uint64(field.Len()))
	e.buf.WriteByte(byte(keyWire)<<4 | byte(valWire))
	keys := field.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		switch keys[i].Kind() {
		case reflect.String:
			return keys[i].String() < keys[j].String()
		case reflect.Uint8, reflect.Uint64:
			return keys[i].Uint() < keys[j].Uint()
		default:
			return keys[i].Int() < keys[j].Int()
		}
	})
	for _, key := range keys {
		if err = e.writeValue(keyWire, key, false); err != nil {
			return err
		}
		if err = e.writeValue(valWire, field.MapIndex(key), false); err != nil {
			return err
		}
	}
	return nil
}
