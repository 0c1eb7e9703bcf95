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
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

var ErrUnexpectedEOF = errors.New("thrift: unexpected end of data")

// TypeMismatchError is returned when the wire type of a field doesn't match
// the type declared in the target struct. Path is the dotted field path from
// the root struct.
type TypeMismatchError struct {
	Path     string
	Expected Type
	Found    Type
}

func (tme TypeMismatchError) Error() string {
	return fmt.Sprintf("thrift: type mismatch at %s: expected %s, found %s", tme.Path, tme.Expected, tme.Found)
}

// Decoder reads Compact-encoded data into tagged structs. The field ID stack
// restores the parent's delta baseline when a nested struct ends.
type Decoder struct {
	data []byte
	pos  int

	lastField int16
	stack     []int16
	path      []string
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Unmarshal decodes data into val, which must be a pointer to a tagged struct.
// The stream is expected to start directly at the first field header of the
// top-level struct, the way Facebook's payloads do.
func Unmarshal(data []byte, val any) error {
	return NewDecoder(data).Unmarshal(val)
}

func (d *Decoder) Unmarshal(val any) error {
	rv := reflect.ValueOf(val)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("thrift: Unmarshal target must be a non-nil struct pointer, not %T", val)
	}
	return d.readStructFields(rv.Elem())
}

func (d *Decoder) pathString() string {
	return strings.Join(d.path, ".")
}

func (d *Decoder) mismatch(expected, found Type) error {
	return TypeMismatchError{Path: d.pathString(), Expected: expected, Found: found}
}

func (d *Decoder) readByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, ErrUnexpectedEOF
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, ErrUnexpectedEOF
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) readVarint() (uint64, error) {
	var val uint64
	var shift uint
	for {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errors.New("thrift: varint overflows 64 bits")
		}
	}
}

func fromZigzag(val uint64) int64 {
	return int64(val>>1) ^ -int64(val&1)
}

func (d *Decoder) readZigzag() (int64, error) {
	val, err := d.readVarint()
	if err != nil {
		return 0, err
	}
	return fromZigzag(val), nil
}

func (d *Decoder) readBinary() ([]byte, error) {
	length, err := d.readVarint()
	if err != nil {
		return nil, err
	}
	return d.readBytes(int(length))
}

// readStructFields consumes field headers until STOP, pushing the current
// delta baseline so the parent struct resumes correctly afterwards.
func (d *Decoder) readStructFields(rv reflect.Value) error {
	spec, err := specOf(rv.Type())
	if err != nil {
		return err
	}
	d.stack = append(d.stack, d.lastField)
	d.lastField = 0
	defer func() {
		d.lastField = d.stack[len(d.stack)-1]
		d.stack = d.stack[:len(d.stack)-1]
	}()
	for {
		header, err := d.readByte()
		if err != nil {
			return err
		}
		if Type(header) == TStop {
			return nil
		}
		wire := Type(header & 0x0f)
		delta := int16(header >> 4)
		var fieldID int16
		if delta == 0 {
			id, err := d.readZigzag()
			if err != nil {
				return err
			}
			fieldID = int16(id)
		} else {
			fieldID = d.lastField + delta
		}
		d.lastField = fieldID
		fs, known := spec.byID[fieldID]
		if !known {
			if err = d.skip(wire); err != nil {
				return err
			}
			continue
		}
		d.path = append(d.path, fs.name)
		field := rv.Field(fs.index)
		if fs.optional {
			field.Set(reflect.New(field.Type().Elem()))
			field = field.Elem()
		}
		if field.Kind() == reflect.Bool {
			if !wire.isBool() {
				return d.mismatch(TTrue, wire)
			}
			field.SetBool(wire == TTrue)
		} else if wire != fs.typ {
			return d.mismatch(fs.typ, wire)
		} else if err = d.readValue(wire, field, fs.stringID); err != nil {
			return err
		}
		d.path = d.path[:len(d.path)-1]
	}
}

func (d *Decoder) readValue(wire Type, field reflect.Value, stringID bool) error {
	switch wire {
	case TByte:
		b, err := d.readByte()
		if err != nil {
			return err
		}
		if field.Kind() == reflect.Uint8 {
			field.SetUint(uint64(b))
		} else {
			field.SetInt(int64(int8(b)))
		}
	case TI16, TI32, TI64:
		val, err := d.readZigzag()
		if err != nil {
			return err
		}
		if field.Kind() == reflect.Uint64 {
			field.SetUint(uint64(val))
		} else {
			field.SetInt(val)
		}
	case TDouble:
		raw, err := d.readBytes(8)
		if err != nil {
			return err
		}
		field.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
	case TFloat:
		raw, err := d.readBytes(4)
		if err != nil {
			return err
		}
		field.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))))
	case TBinary:
		raw, err := d.readBinary()
		if err != nil {
			return err
		}
		return d.setBinary(field, raw, stringID)
	case TList, TSet:
		return d.readList(field)
	case TMap:
		return d.readMap(field)
	case TStruct:
		return d.readStructFields(field)
	default:
		return fmt.Errorf("thrift: cannot read value of type %s at %s", wire, d.pathString())
	}
	return nil
}

// setBinary assigns raw bytes to the target field. Binary data whose declared
// target is not raw bytes is decoded as UTF-8 and converted, which covers both
// string enums and the decimal-string ID fields.
func (d *Decoder) setBinary(field reflect.Value, raw []byte, stringID bool) error {
	switch {
	case stringID:
		if len(raw) == 0 {
			field.SetInt(0)
			return nil
		}
		if field.Kind() == reflect.Uint64 {
			id, err := strconv.ParseUint(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("thrift: invalid numeric string at %s: %w", d.pathString(), err)
			}
			field.SetUint(id)
			return nil
		}
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("thrift: invalid numeric string at %s: %w", d.pathString(), err)
		}
		field.SetInt(id)
	case field.Kind() == reflect.String:
		field.SetString(string(raw))
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8:
		cp := make([]byte, len(raw))
		copy(cp, raw)
		field.SetBytes(cp)
	default:
		return fmt.Errorf("thrift: cannot assign binary to %s at %s", field.Type(), d.pathString())
	}
	return nil
}

func (d *Decoder) readList(field reflect.Value) error {
	header, err := d.readByte()
	if err != nil {
		return err
	}
	elemWire := Type(header & 0x0f)
	size := int(header >> 4)
	if size == 0x0f {
		bigSize, err := d.readVarint()
		if err != nil {
			return err
		}
		size = int(bigSize)
	}
	elemType := field.Type().Elem()
	expected, err := wireType(elemType, false)
	if err != nil {
		return err
	}
	if size > 0 && elemWire != expected {
		d.path = append(d.path, "[]")
		defer func() { d.path = d.path[:len(d.path)-1] }()
		return d.mismatch(expected, elemWire)
	}
	list := reflect.MakeSlice(field.Type(), size, size)
	for i := 0; i < size; i++ {
		d.path = append(d.path, strconv.Itoa(i))
		if err = d.readValue(elemWire, list.Index(i), false); err != nil {
			return err
		}
		d.path = d.path[:len(d.path)-1]
	}
	field.Set(list)
	return nil
}

func (d *Decoder) readMap(field reflect.Value) error {
	size, err := d.readVarint()
	if err != nil {
		return err
	}
	mapVal := reflect.MakeMapWithSize(field.Type(), int(size))
	field.Set(mapVal)
	if size == 0 {
		return nil
	}
	kvByte, err := d.readByte()
	if err != nil {
		return err
	}
	keyWire := Type(kvByte >> 4)
	valWire := Type(kvByte & 0x0f)
	expectedKey, err := wireType(field.Type().Key(), false)
	if err != nil {
		return err
	}
	expectedVal, err := wireType(field.Type().Elem(), false)
	if err != nil {
		return err
	}
	d.path = append(d.path, "{}")
	defer func() { d.path = d.path[:len(d.path)-1] }()
	if keyWire != expectedKey {
		return d.mismatch(expectedKey, keyWire)
	} else if valWire != expectedVal {
		return d.mismatch(expectedVal, valWire)
	}
	for i := uint64(0); i < size; i++ {
		key := reflect.New(field.Type().Key()).Elem()
		if err = d.readValue(keyWire, key, false); err != nil {
			return err
		}
		val := reflect.New(field.Type().Elem()).Elem()
		if err = d.readValue(valWire, val, false); err != nil {
			return err
		}
		mapVal.SetMapIndex(key, val)
	}
	return nil
}

// skip consumes a value of the given wire type without decoding it. Container
// and struct types recurse.
func (d *Decoder) skip(wire Type) error {
	switch wire {
	case TTrue, TFalse:
		return nil
	case TByte:
		_, err := d.readByte()
		return err
	case TI16, TI32, TI64:
		_, err := d.readVarint()
		return err
	case TDouble:
		_, err := d.readBytes(8)
		return err
	case TFloat:
		_, err := d.readBytes(4)
		return err
	case TBinary:
		_, err := d.readBinary()
		return err
	case TList, TSet:
		header, err := d.readByte()
		if err != nil {
			return err
		}
		elemWire := Type(header & 0x0f)
		size := uint64(header >> 4)
		if size == 0x0f {
			if size, err = d.readVarint(); err != nil {
				return err
			}
		}
		for i := uint64(0); i < size; i++ {
			if err = d.skipElem(elemWire); err != nil {
				return err
			}
		}
		return nil
	case TMap:
		size, err := d.readVarint()
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}
		kvByte, err := d.readByte()
		if err != nil {
			return err
		}
		for i := uint64(0); i < size; i++ {
			if err = d.skipElem(Type(kvByte >> 4)); err != nil {
				return err
			}
			if err = d.skipElem(Type(kvByte & 0x0f)); err != nil {
				return err
			}
		}
		return nil
	case TStruct:
		d.stack = append(d.stack, d.lastField)
		d.lastField = 0
		defer func() {
			d.lastField = d.stack[len(d.stack)-1]
			d.stack = d.stack[:len(d.stack)-1]
		}()
		for {
			header, err := d.readByte()
			if err != nil {
				return err
			}
			if Type(header) == TStop {
				return nil
			}
			if header>>4 == 0 {
				if _, err = d.readVarint(); err != nil {
					return err
				}
			}
			if err = d.skip(Type(header & 0x0f)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("thrift: cannot skip unknown type %s", wire)
	}
}

// skipElem handles booleans inside containers, which carry a full value byte
// instead of collapsing into a field header.
func (d *Decoder) skipElem(wire Type) error {
	if wire.isBool() {
		_, err := d.readByte()
		return err
	}
	return d.skip(wire)
}
