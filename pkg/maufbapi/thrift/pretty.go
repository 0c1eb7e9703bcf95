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
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Pretty walks a Compact stream structurally, without any schema, and renders
// it for debugging. Structs are labeled a, b, ..., aa, ab, ... in the order
// they're encountered, and fields are printed as <label>.<id>.
func Pretty(data []byte) string {
	pp := &prettyPrinter{Decoder: NewDecoder(data)}
	pp.printStruct(pp.nextLabel(), 0)
	return pp.out.String()
}

type prettyPrinter struct {
	*Decoder
	out          strings.Builder
	structsSoFar int
}

func (pp *prettyPrinter) nextLabel() string {
	n := pp.structsSoFar
	pp.structsSoFar++
	label := string(rune('a' + n%26))
	for n >= 26 {
		n = n/26 - 1
		label = string(rune('a'+n%26)) + label
	}
	return label
}

func (pp *prettyPrinter) line(indent int, format string, args ...any) {
	pp.out.WriteString(strings.Repeat("  ", indent))
	fmt.Fprintf(&pp.out, format, args...)
	pp.out.WriteByte('\n')
}

func (pp *prettyPrinter) printStruct(label string, indent int) {
	var lastField int16
	for {
		header, err := pp.readByte()
		if err != nil || Type(header) == TStop {
			return
		}
		wire := Type(header & 0x0f)
		delta := int16(header >> 4)
		var fieldID int16
		if delta == 0 {
			id, err := pp.readZigzag()
			if err != nil {
				pp.line(indent, "<truncated>")
				return
			}
			fieldID = int16(id)
		} else {
			fieldID = lastField + delta
		}
		lastField = fieldID
		pp.printValue(fmt.Sprintf("%s.%d", label, fieldID), wire, indent)
	}
}

func (pp *prettyPrinter) printValue(name string, wire Type, indent int) {
	switch wire {
	case TTrue:
		pp.line(indent, "%s (bool) = true", name)
	case TFalse:
		pp.line(indent, "%s (bool) = false", name)
	case TByte:
		val, _ := pp.readByte()
		pp.line(indent, "%s (byte) = %d", name, int8(val))
	case TI16, TI32, TI64:
		val, _ := pp.readZigzag()
		pp.line(indent, "%s (%s) = %d", name, wire, val)
	case TDouble:
		raw, err := pp.readBytes(8)
		if err != nil {
			return
		}
		pp.line(indent, "%s (double) = %v", name, math.Float64frombits(binary.LittleEndian.Uint64(raw)))
	case TFloat:
		raw, err := pp.readBytes(4)
		if err != nil {
			return
		}
		pp.line(indent, "%s (float) = %v", name, math.Float32frombits(binary.LittleEndian.Uint32(raw)))
	case TBinary:
		raw, err := pp.readBinary()
		if err != nil {
			pp.line(indent, "%s (binary) = <truncated>", name)
		} else if utf8.Valid(raw) && !strings.ContainsRune(string(raw), 0) {
			pp.line(indent, "%s (binary) = %q", name, string(raw))
		} else {
			pp.line(indent, "%s (binary) = %x", name, raw)
		}
	case TList, TSet:
		header, err := pp.readByte()
		if err != nil {
			return
		}
		elemWire := Type(header & 0x0f)
		size := uint64(header >> 4)
		if size == 0x0f {
			size, _ = pp.readVarint()
		}
		pp.line(indent, "%s (%s<%s>) = %d items", name, wire, elemWire, size)
		for i := uint64(0); i < size; i++ {
			pp.printElem(fmt.Sprintf("%s[%d]", name, i), elemWire, indent+1)
		}
	case TMap:
		size, err := pp.readVarint()
		if err != nil {
			return
		}
		if size == 0 {
			pp.line(indent, "%s (map) = empty", name)
			return
		}
		kvByte, err := pp.readByte()
		if err != nil {
			return
		}
		pp.line(indent, "%s (map<%s,%s>) = %d items", name, Type(kvByte>>4), Type(kvByte&0x0f), size)
		for i := uint64(0); i < size; i++ {
			pp.printElem(fmt.Sprintf("%s{%d}.key", name, i), Type(kvByte>>4), indent+1)
			pp.printElem(fmt.Sprintf("%s{%d}.value", name, i), Type(kvByte&0x0f), indent+1)
		}
	case TStruct:
		label := pp.nextLabel()
		pp.line(indent, "%s (struct) = %s", name, label)
		pp.printStruct(label, indent+1)
	default:
		pp.line(indent, "%s = <unknown type %d>", name, uint8(wire))
	}
}

// printElem handles booleans inside containers, which carry a value byte.
func (pp *prettyPrinter) printElem(name string, wire Type, indent int) {
	if wire.isBool() {
		val, _ := pp.readByte()
		pp.line(indent, "%s (bool) = %t", name, val == 1)
		return
	}
	pp.printValue(name, wire, indent)
}
