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
	"database/sql"
	"time"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

func newMessage(qh *dbutil.QueryHelper[*Message]) *Message {
	return &Message{qh: qh}
}

const (
	getMessageBaseQuery = `
		SELECT fbid, fb_txn_id, fb_chat, fb_receiver, fb_sender, "index", timestamp, mxid, mx_room FROM message
	`
	getMessageByFBIDQuery = getMessageBaseQuery + `
		WHERE fbid=$1 AND fb_receiver=$2 ORDER BY "index" ASC
	`
	getLastMessagePartByFBIDQuery = getMessageBaseQuery + `
		WHERE fbid=$1 AND fb_receiver=$2 ORDER BY "index" DESC LIMIT 1
	`
	getMessageByTxnIDQuery = getMessageBaseQuery + `
		WHERE fb_chat=$1 AND fb_receiver=$2 AND fb_sender=$3 AND fb_txn_id=$4 ORDER BY "index" ASC LIMIT 1
	`
	getMessageByMXIDQuery = getMessageBaseQuery + `
		WHERE mxid=$1 AND mx_room=$2
	`
	getFirstMessageInChatQuery = getMessageBaseQuery + `
		WHERE fb_chat=$1 AND fb_receiver=$2 ORDER BY timestamp ASC LIMIT 1
	`
	getLastMessageInChatQuery = getMessageBaseQuery + `
		WHERE fb_chat=$1 AND fb_receiver=$2 AND timestamp<=$3 ORDER BY timestamp DESC LIMIT 1
	`
	insertMessageQuery = `
		INSERT INTO message (fbid, fb_txn_id, fb_chat, fb_receiver, fb_sender, "index", timestamp, mxid, mx_room)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	updateMessageFBIDQuery = `
		UPDATE message SET fbid=$1, timestamp=$2 WHERE mxid=$3 AND mx_room=$4
	`
	deleteAllMessagePartsQuery = `
		DELETE FROM message WHERE fbid=$1 AND fb_receiver=$2
	`
)

func (mq *MessageQuery) GetAllByFBID(ctx context.Context, fbid string, receiver int64) ([]*Message, error) {
	return mq.QueryMany(ctx, getMessageByFBIDQuery, fbid, receiver)
}

func (mq *MessageQuery) GetLastPartByFBID(ctx context.Context, fbid string, receiver int64) (*Message, error) {
	return mq.QueryOne(ctx, getLastMessagePartByFBIDQuery, fbid, receiver)
}

func (mq *MessageQuery) GetByTxnID(ctx context.Context, key PortalKey, sender, txnID int64) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByTxnIDQuery, key.FBID, key.Receiver, sender, txnID)
}

func (mq *MessageQuery) GetByMXID(ctx context.Context, eventID id.EventID, roomID id.RoomID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByMXIDQuery, eventID, roomID)
}

func (mq *MessageQuery) GetFirstInChat(ctx context.Context, key PortalKey) (*Message, error) {
	return mq.QueryOne(ctx, getFirstMessageInChatQuery, key.FBID, key.Receiver)
}

// GetLastInChatBefore finds the newest bridged message at or before the given
// timestamp, used to resolve read receipt watermarks to events.
func (mq *MessageQuery) GetLastInChatBefore(ctx context.Context, key PortalKey, ts time.Time) (*Message, error) {
	return mq.QueryOne(ctx, getLastMessageInChatQuery, key.FBID, key.Receiver, ts.UnixMilli())
}

type Message struct {
	qh *dbutil.QueryHelper[*Message]

	// FBID is the server-assigned message ID, empty while an outgoing message
	// waits for its echo. TxnID is the client-assigned offline threading ID,
	// only set for messages sent through this bridge.
	FBID  string
	TxnID int64
	Index int

	Chat     PortalKey
	SenderID int64

	Timestamp time.Time

	MXID   id.EventID
	MXRoom id.RoomID
}

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var fbid sql.NullString
	var txnID sql.NullInt64
	var timestamp int64
	err := row.Scan(
		&fbid,
		&txnID,
		&m.Chat.FBID,
		&m.Chat.Receiver,
		&m.SenderID,
		&m.Index,
		&timestamp,
		&m.MXID,
		&m.MXRoom,
	)
	if err != nil {
		return nil, err
	}
	m.FBID = fbid.String
	m.TxnID = txnID.Int64
	m.Timestamp = time.UnixMilli(timestamp)
	return m, nil
}

func (m *Message) sqlVariables() []any {
	var txnID *int64
	if m.TxnID != 0 {
		txnID = &m.TxnID
	}
	return []any{
		dbutil.StrPtr(m.FBID), txnID, m.Chat.FBID, m.Chat.Receiver, m.SenderID,
		m.Index, m.Timestamp.UnixMilli(), m.MXID, m.MXRoom,
	}
}

func (m *Message) Insert(ctx context.Context) error {
	return m.qh.Exec(ctx, insertMessageQuery, m.sqlVariables()...)
}

// UpdateFBID fills in the server-assigned ID and timestamp once the echo of an
// outgoing message arrives.
func (m *Message) UpdateFBID(ctx context.Context, fbid string, ts time.Time) error {
	m.FBID = fbid
	m.Timestamp = ts
	return m.qh.Exec(ctx, updateMessageFBIDQuery, m.FBID, m.Timestamp.UnixMilli(), m.MXID, m.MXRoom)
}

// Delete removes all parts of the message, since unsends always retract the
// whole message.
func (m *Message) Delete(ctx context.Context) error {
	return m.qh.Exec(ctx, deleteAllMessagePartsQuery, m.FBID, m.Chat.Receiver)
}
