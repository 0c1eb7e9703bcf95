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

package database

import "fmt"

// PortalKey identifies one portal row. Group threads are global (Receiver 0),
// one-to-one threads are duplicated per logged-in receiver so the same remote
// chat can back different rooms for different Matrix users.
type PortalKey struct {
	FBID     int64
	Receiver int64
}

func NewPortalKey(fbid, receiver int64) PortalKey {
	return PortalKey{FBID: fbid, Receiver: receiver}
}

func (key PortalKey) String() string {
	if key.Receiver == 0 {
		return fmt.Sprintf("%d", key.FBID)
	}
	return fmt.Sprintf("%d-%d", key.FBID, key.Receiver)
}
