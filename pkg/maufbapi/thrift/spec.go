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
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// fieldSpec describes one struct field bound to a Thrift field ID through a
// `thrift:"<id>[,string]"` tag. Fields without a tag are not serialized.
type fieldSpec struct {
	id    int16
	name  string
	index int
	typ   Type
	// stringID marks integer fields that are serialized as decimal strings
	// on the wire (user/thread/message IDs in some request types).
	stringID bool
	// optional fields are pointers; nil pointers are skipped by the writer.
	optional bool
}

type structSpec struct {
	fields []fieldSpec
	byID   map[int16]*fieldSpec
}

var specCache sync.Map // reflect.Type -> *structSpec

func specOf(t reflect.Type) (*structSpec, error) {
	if cached, ok := specCache.Load(t); ok {
		return cached.(*structSpec), nil
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("thrift: %s is not a struct", t)
	}
	spec := &structSpec{byID: make(map[int16]*fieldSpec)}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup("thrift")
		if !ok || tag == "-" || !field.IsExported() {
			continue
		}
		parts := strings.Split(tag, ",")
		id, err := strconv.ParseInt(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("thrift: invalid field id %q on %s.%s", parts[0], t.Name(), field.Name)
		}
		fs := fieldSpec{
			id:    int16(id),
			name:  field.Name,
			index: i,
		}
		for _, opt := range parts[1:] {
			if opt == "string" {
				fs.stringID = true
			}
		}
		ft := field.Type
		if ft.Kind() == reflect.Ptr {
			fs.optional = true
			ft = ft.Elem()
		}
		fs.typ, err = wireType(ft, fs.stringID)
		if err != nil {
			return nil, fmt.Errorf("thrift: %s.%s: %w", t.Name(), field.Name, err)
		}
		spec.fields = append(spec.fields, fs)
	}
	sort.Slice(spec.fields, func(i, j int) bool {
		return spec.fields[i].id < spec.fields[j].id
	})
	for i := range spec.fields {
		spec.byID[spec.fields[i].id] = &spec.fields[i]
	}
	specCache.Store(t, spec)
	return spec, nil
}

// wireType maps a Go type to its Compact wire type. Integer widths come from
// the Go kind, so the schema declaration is just the field type itself.
func wireType(t reflect.Type, stringID bool) (Type, error) {
	if stringID {
		switch t.Kind() {
		case reflect.Int64, reflect.Uint64:
			return TBinary, nil
		default:
			return TStop, fmt.Errorf("option \"string\" is only valid on 64-bit integers, not %s", t)
		}
	}
	switch t.Kind() {
	case reflect.Bool:
		// Only meaningful inside struct field headers, where the value
		// collapses into the type tag. The caller special-cases it.
		return TTrue, nil
	case reflect.Int8, reflect.Uint8:
		return TByte, nil
	case reflect.Int16:
		return TI16, nil
	case reflect.Int32:
		return TI32, nil
	case reflect.Int, reflect.Int64:
		return TI64, nil
	case reflect.Float32:
		return TFloat, nil
	case reflect.Float64:
		return TDouble, nil
	case reflect.String:
		return TBinary, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return TBinary, nil
		}
		if t.Elem().Kind() == reflect.Bool {
			return TStop, fmt.Errorf("booleans are not allowed outside struct fields")
		}
		return TList, nil
	case reflect.Map:
		if t.Elem().Kind() == reflect.Bool || t.Key().Kind() == reflect.Bool {
			return TStop, fmt.Errorf("booleans are not allowed outside struct fields")
		}
		return TMap, nil
	case reflect.Struct:
		return TStruct, nil
	default:
		return TStop, fmt.Errorf("unsupported type %s", t)
	}
}
