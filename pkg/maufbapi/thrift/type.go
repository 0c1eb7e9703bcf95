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

// Package thrift implements the Thrift Compact binary protocol with the
// non-standard 32-bit float extension that Facebook's mobile clients use.
package thrift

import "fmt"

// Type is a Thrift Compact wire type tag.
type Type uint8

const (
	TStop   Type = 0
	TTrue   Type = 1
	TFalse  Type = 2
	TByte   Type = 3
	TI16    Type = 4
	TI32    Type = 5
	TI64    Type = 6
	TDouble Type = 7
	TBinary Type = 8
	TList   Type = 9
	TSet    Type = 10
	TMap    Type = 11
	TStruct Type = 12
	// TFloat is not a part of the upstream Compact protocol: Facebook uses
	// tag 13 for little-endian 32-bit floats (e.g. audio waveform samples).
	TFloat Type = 13
)

func (t Type) String() string {
	switch t {
	case TStop:
		return "stop"
	case TTrue:
		return "true"
	case TFalse:
		return "false"
	case TByte:
		return "byte"
	case TI16:
		return "i16"
	case TI32:
		return "i32"
	case TI64:
		return "i64"
	case TDouble:
		return "double"
	case TBinary:
		return "binary"
	case TList:
		return "list"
	case TSet:
		return "set"
	case TMap:
		return "map"
	case TStruct:
		return "struct"
	case TFloat:
		return "float"
	default:
		return fmt.Sprintf("unknown-%d", uint8(t))
	}
}

// isBool returns whether the wire type is one of the two boolean tags that
// struct field headers collapse boolean values into.
func (t Type) isBool() bool {
	return t == TTrue || t == TFalse
}
