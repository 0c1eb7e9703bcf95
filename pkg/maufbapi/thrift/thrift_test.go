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
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type innerStruct struct {
	Name  string  `thrift:"1"`
	Value int64   `thrift:"2"`
	Score float32 `thrift:"4"`
}

type testStruct struct {
	Small    int8              `thrift:"1"`
	Medium   int16             `thrift:"2"`
	Large    int32             `thrift:"3"`
	Huge     int64             `thrift:"4"`
	Flag     bool              `thrift:"5"`
	Ratio    float64           `thrift:"6"`
	Text     string            `thrift:"7"`
	Raw      []byte            `thrift:"8"`
	Inner    innerStruct       `thrift:"9"`
	Items    []int64           `thrift:"10"`
	Mapping  map[string]string `thrift:"11"`
	BigJump  string            `thrift:"100"`
	Optional *int64            `thrift:"101"`
	StringID int64             `thrift:"102,string"`
}

func TestRoundTrip(t *testing.T) {
	oneTwoThree := int64(123)
	val := testStruct{
		Small:    -5,
		Medium:   1234,
		Large:    -123456,
		Huge:     9152381912312,
		Flag:     true,
		Ratio:    3.14159,
		Text:     "hello world",
		Raw:      []byte{0x00, 0xff, 0x80},
		Inner:    innerStruct{Name: "inner", Value: -1, Score: 0.5},
		Items:    []int64{1, -2, 3},
		Mapping:  map[string]string{"a": "b", "c": "d"},
		BigJump:  "far away field",
		Optional: &oneTwoThree,
		StringID: 9152381912312,
	}
	data, err := Marshal(&val)
	require.NoError(t, err)

	var decoded testStruct
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, val, decoded)
}

func TestRoundTrip_NilOptional(t *testing.T) {
	data, err := Marshal(&testStruct{Text: "x"})
	require.NoError(t, err)
	var decoded testStruct
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Nil(t, decoded.Optional)
	assert.Equal(t, "x", decoded.Text)
}

func TestRoundTrip_EmptyMap(t *testing.T) {
	// An empty map must be serialized as a bare zero size with no
	// key/value type byte.
	data, err := Marshal(&struct {
		M map[string]int64 `thrift:"1"`
	}{M: map[string]int64{}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1b, 0x00, 0x00}, data)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	type wide struct {
		A int64  `thrift:"1"`
		B string `thrift:"2"`
		C int64  `thrift:"3"`
	}
	type narrow struct {
		A int64 `thrift:"1"`
		C int64 `thrift:"3"`
	}
	data, err := Marshal(&wide{A: 1, B: "skip me", C: 3})
	require.NoError(t, err)

	var got narrow
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, narrow{A: 1, C: 3}, got)

	// Skipping the unknown field must produce the same result as decoding
	// a payload that never had it.
	withoutB, err := Marshal(&narrow{A: 1, C: 3})
	require.NoError(t, err)
	var gotWithout narrow
	require.NoError(t, Unmarshal(withoutB, &gotWithout))
	assert.Equal(t, got, gotWithout)
}

func TestUnmarshal_SkipsUnknownContainers(t *testing.T) {
	type wide struct {
		Nested innerStruct         `thrift:"1"`
		List   []innerStruct       `thrift:"2"`
		Map    map[string]int64    `thrift:"3"`
		Deep   map[int64]([]int64) `thrift:"4"`
		After  int64               `thrift:"5"`
	}
	type narrow struct {
		After int64 `thrift:"5"`
	}
	data, err := Marshal(&wide{
		Nested: innerStruct{Name: "n"},
		List:   []innerStruct{{Name: "a"}, {Value: 2}},
		Map:    map[string]int64{"k": 1},
		Deep:   map[int64][]int64{1: {2, 3}},
		After:  42,
	})
	require.NoError(t, err)
	var got narrow
	require.NoError(t, Unmarshal(data, &got))
	assert.EqualValues(t, 42, got.After)
}

func TestUnmarshal_TypeMismatchPath(t *testing.T) {
	type inner struct {
		Field string `thrift:"1"`
	}
	type outerGood struct {
		Inner inner `thrift:"1"`
	}
	type innerBad struct {
		Field int64 `thrift:"1"`
	}
	type outerBad struct {
		Inner innerBad `thrift:"1"`
	}
	data, err := Marshal(&outerGood{Inner: inner{Field: "str"}})
	require.NoError(t, err)
	err = Unmarshal(data, &outerBad{})
	require.Error(t, err)
	var tme TypeMismatchError
	require.ErrorAs(t, err, &tme)
	assert.Equal(t, "Inner.Field", tme.Path)
	assert.Equal(t, TI64, tme.Expected)
	assert.Equal(t, TBinary, tme.Found)
}

func TestZigzag_RoundTrip(t *testing.T) {
	cases := []int64{0, -1, 1, 63, -64, math.MaxInt64, math.MinInt64}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		cases = append(cases, int64(rng.Uint64()))
	}
	for _, val := range cases {
		assert.Equal(t, val, fromZigzag(toZigzag(val)))
	}
}

func TestVarint_MaxLength(t *testing.T) {
	var enc Encoder
	enc.writeZigzag(math.MinInt64)
	assert.LessOrEqual(t, enc.buf.Len(), 10)
	enc.buf.Reset()
	enc.writeVarint(math.MaxUint64)
	assert.LessOrEqual(t, enc.buf.Len(), 10)
}

func TestFieldHeader_DeltaEncoding(t *testing.T) {
	type deltas struct {
		A int64 `thrift:"1"`
		B int64 `thrift:"15"`
		C int64 `thrift:"16"`
		D int64 `thrift:"400"`
	}
	val := deltas{A: 1, B: 2, C: 3, D: 4}
	data, err := Marshal(&val)
	require.NoError(t, err)
	// 1 -> delta 1, 15 -> delta 14, 16 -> delta 1, 400 -> long form.
	assert.Equal(t, byte(0x16), data[0])
	assert.Equal(t, byte(0xe6), data[2])
	assert.Equal(t, byte(0x16), data[4])
	assert.Equal(t, byte(0x06), data[6])
	var decoded deltas
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, val, decoded)
}

func TestPretty_DoesNotPanic(t *testing.T) {
	val := testStruct{
		Text:    "hi",
		Inner:   innerStruct{Name: "x", Score: 1.5},
		Items:   []int64{1, 2},
		Mapping: map[string]string{"k": "v"},
		Flag:    true,
	}
	data, err := Marshal(&val)
	require.NoError(t, err)
	out := Pretty(data)
	assert.Contains(t, out, "a.7 (binary) = \"hi\"")
	assert.Contains(t, out, "(struct) = b")
}
