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
	"crypto/rand"
	"encoding/binary"
	"time"
)

// GenerateOfflineThreadingID makes a client-side message ID: the current
// millisecond timestamp in the high bits with 22 random bits below, matching
// the format the apps generate. The result is used to match the server echo
// of an outgoing message back to the request.
func GenerateOfflineThreadingID() int64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	random := binary.BigEndian.Uint64(buf[:]) & 0x3fffff
	return (time.Now().UnixMilli() << 22) | int64(random)
}
