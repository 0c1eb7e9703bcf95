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

package maufbapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateOfflineThreadingID_EmbedsTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	id := GenerateOfflineThreadingID()
	after := time.Now().UnixMilli()

	ts := id >> 22
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)
	assert.Positive(t, id)
}

func TestGenerateOfflineThreadingID_Unique(t *testing.T) {
	seen := make(map[int64]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := GenerateOfflineThreadingID()
		_, dup := seen[id]
		assert.False(t, dup, "duplicate ID %d", id)
		seen[id] = struct{}{}
	}
}
