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

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

type ReactionQuery struct {
	*dbutil.QueryHelper[*Reaction]
}

func newReaction(qh *dbutil.QueryHelper[*Reaction]) *Reaction {
	return &Reaction{qh: qh}
}

const (
	getReactionBaseQuery = `
		SELECT fb_msgid, fb_receiver, fb_sender, reaction, mxid, mx_room FROM reaction
	`
	getReactionByIDQuery = getReactionBaseQuery + `
		WHERE fb_msgid=$1 AND fb_receiver=$2 AND fb_sender=$3
	`
	getReactionByMXIDQuery = getReactionBaseQuery + `
		WHERE mxid=$1 AND mx_room=$2
	`
	upsertReactionQuery = `
		INSERT INTO reaction (fb_msgid, fb_receiver, fb_sender, reaction, mxid, mx_room)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fb_msgid, fb_receiver, fb_sender)
		DO UPDATE SET reaction=excluded.reaction, mxid=excluded.mxid, mx_room=excluded.mx_room
	`
	deleteReactionQuery = `
		DELETE FROM reaction WHERE fb_msgid=$1 AND fb_receiver=$2 AND fb_sender=$3
	`
)

func (rq *ReactionQuery) GetByID(ctx context.Context, msgID string, receiver, sender int64) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionByIDQuery, msgID, receiver, sender)
}

func (rq *ReactionQuery) GetByMXID(ctx context.Context, eventID id.EventID, roomID id.RoomID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionByMXIDQuery, eventID, roomID)
}

// Reaction tracks one user's reaction to one message. Messenger allows one
// reaction per user per message, so a new reaction replaces the old row.
type Reaction struct {
	qh *dbutil.QueryHelper[*Reaction]

	MessageID string
	Receiver  int64
	SenderID  int64
	Reaction  string

	MXID   id.EventID
	MXRoom id.RoomID
}

func (r *Reaction) Scan(row dbutil.Scannable) (*Reaction, error) {
	return dbutil.ValueOrErr(r, row.Scan(
		&r.MessageID,
		&r.Receiver,
		&r.SenderID,
		&r.Reaction,
		&r.MXID,
		&r.MXRoom,
	))
}

func (r *Reaction) Upsert(ctx context.Context) error {
	return r.qh.Exec(ctx, upsertReactionQuery, r.MessageID, r.Receiver, r.SenderID, r.Reaction, r.MXID, r.MXRoom)
}

func (r *Reaction) Delete(ctx context.Context) error {
	return r.qh.Exec(ctx, deleteReactionQuery, r.MessageID, r.Receiver, r.SenderID)
}
