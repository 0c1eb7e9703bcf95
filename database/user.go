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
	"encoding/json"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
)

type UserQuery struct {
	*dbutil.QueryHelper[*User]
}

func newUser(qh *dbutil.QueryHelper[*User]) *User {
	return &User{qh: qh}
}

const (
	getUserBaseQuery = `
		SELECT mxid, fbid, state, seq_id, connect_token_hash, notice_room, management_room, space_room FROM "user"
	`
	getUserByMXIDQuery       = getUserBaseQuery + `WHERE mxid=$1`
	getUserByFBIDQuery       = getUserBaseQuery + `WHERE fbid=$1`
	getAllLoggedInUsersQuery = getUserBaseQuery + `WHERE fbid<>0 AND state IS NOT NULL`
	insertUserQuery          = `
		INSERT INTO "user" (mxid, fbid, state, seq_id, connect_token_hash, notice_room, management_room, space_room)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	updateUserQuery = `
		UPDATE "user" SET fbid=$2, state=$3, seq_id=$4, connect_token_hash=$5, notice_room=$6, management_room=$7, space_room=$8
		WHERE mxid=$1
	`
	updateUserSeqIDQuery = `UPDATE "user" SET seq_id=$2 WHERE mxid=$1`
)

func (uq *UserQuery) GetByMXID(ctx context.Context, userID id.UserID) (*User, error) {
	return uq.QueryOne(ctx, getUserByMXIDQuery, userID)
}

func (uq *UserQuery) GetByFBID(ctx context.Context, fbid int64) (*User, error) {
	return uq.QueryOne(ctx, getUserByFBIDQuery, fbid)
}

func (uq *UserQuery) GetAllLoggedIn(ctx context.Context) ([]*User, error) {
	return uq.QueryMany(ctx, getAllLoggedInUsersQuery)
}

type User struct {
	qh *dbutil.QueryHelper[*User]

	MXID id.UserID
	FBID int64

	// State is the fake Android device plus the session credentials. nil
	// until the first login attempt.
	State *maufbapi.AndroidState

	// SeqID is the last delta queue position that was flushed to the
	// database. The in-memory position can run ahead between flushes.
	SeqID            int64
	ConnectTokenHash []byte

	NoticeRoom     id.RoomID
	ManagementRoom id.RoomID
	SpaceRoom      id.RoomID
}

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var fbid, seqID sql.NullInt64
	var state, noticeRoom, managementRoom, spaceRoom sql.NullString
	err := row.Scan(&u.MXID, &fbid, &state, &seqID, &u.ConnectTokenHash, &noticeRoom, &managementRoom, &spaceRoom)
	if err != nil {
		return nil, err
	}
	u.FBID = fbid.Int64
	u.SeqID = seqID.Int64
	u.NoticeRoom = id.RoomID(noticeRoom.String)
	u.ManagementRoom = id.RoomID(managementRoom.String)
	u.SpaceRoom = id.RoomID(spaceRoom.String)
	if state.Valid && state.String != "" {
		u.State = &maufbapi.AndroidState{}
		if err = json.Unmarshal([]byte(state.String), u.State); err != nil {
			return nil, fmt.Errorf("failed to parse state of %s: %w", u.MXID, err)
		}
	}
	return u, nil
}

func (u *User) sqlVariables() ([]any, error) {
	var state *string
	if u.State != nil {
		stateJSON, err := json.Marshal(u.State)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal state: %w", err)
		}
		state = dbutil.StrPtr(string(stateJSON))
	}
	return []any{
		u.MXID, u.FBID, state, u.SeqID, u.ConnectTokenHash,
		dbutil.StrPtr(u.NoticeRoom), dbutil.StrPtr(u.ManagementRoom), dbutil.StrPtr(u.SpaceRoom),
	}, nil
}

func (u *User) Insert(ctx context.Context) error {
	vars, err := u.sqlVariables()
	if err != nil {
		return err
	}
	return u.qh.Exec(ctx, insertUserQuery, vars...)
}

func (u *User) Update(ctx context.Context) error {
	vars, err := u.sqlVariables()
	if err != nil {
		return err
	}
	return u.qh.Exec(ctx, updateUserQuery, vars...)
}

// UpdateSeqID flushes only the queue position, which changes far more often
// than the rest of the row.
func (u *User) UpdateSeqID(ctx context.Context, seqID int64) error {
	u.SeqID = seqID
	return u.qh.Exec(ctx, updateUserSeqIDQuery, u.MXID, seqID)
}
