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

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

type PortalQuery struct {
	*dbutil.QueryHelper[*Portal]
}

func newPortal(qh *dbutil.QueryHelper[*Portal]) *Portal {
	return &Portal{qh: qh}
}

const (
	getAllPortalsQuery = `
		SELECT fbid, fb_receiver, fb_type, mxid,
		       name, photo_id, avatar_url, name_set, avatar_set, encrypted, in_space,
		       first_event_id, oldest_message_id, oldest_message_ts, more_to_backfill,
		       relay_user_id
		FROM portal
	`
	getPortalByIDQuery          = getAllPortalsQuery + `WHERE fbid=$1 AND fb_receiver=$2`
	getPortalByMXIDQuery        = getAllPortalsQuery + `WHERE mxid=$1`
	getAllPortalsByFBIDQuery    = getAllPortalsQuery + `WHERE fbid=$1`
	getAllPortalsForUserQuery   = getAllPortalsQuery + `WHERE fb_receiver=$1 OR fbid IN (
		SELECT portal_fbid FROM user_portal WHERE user_mxid=$2
	)`
	getAllPortalsWithMXIDQuery = getAllPortalsQuery + `WHERE mxid IS NOT NULL`
	insertPortalQuery          = `
		INSERT INTO portal (
			fbid, fb_receiver, fb_type, mxid,
			name, photo_id, avatar_url, name_set, avatar_set, encrypted, in_space,
			first_event_id, oldest_message_id, oldest_message_ts, more_to_backfill,
			relay_user_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	updatePortalQuery = `
		UPDATE portal SET
			fb_type=$3, mxid=$4,
			name=$5, photo_id=$6, avatar_url=$7, name_set=$8, avatar_set=$9, encrypted=$10, in_space=$11,
			first_event_id=$12, oldest_message_id=$13, oldest_message_ts=$14, more_to_backfill=$15,
			relay_user_id=$16
		WHERE fbid=$1 AND fb_receiver=$2
	`
	deletePortalQuery = `
		DELETE FROM portal WHERE fbid=$1 AND fb_receiver=$2
	`
)

func (pq *PortalQuery) GetAll(ctx context.Context) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsQuery)
}

func (pq *PortalQuery) GetAllWithMXID(ctx context.Context) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsWithMXIDQuery)
}

func (pq *PortalQuery) GetByID(ctx context.Context, key PortalKey) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByIDQuery, key.FBID, key.Receiver)
}

func (pq *PortalQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByMXIDQuery, mxid)
}

func (pq *PortalQuery) GetAllByFBID(ctx context.Context, fbid int64) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsByFBIDQuery, fbid)
}

func (pq *PortalQuery) GetAllForUser(ctx context.Context, fbid int64, mxid id.UserID) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsForUserQuery, fbid, mxid)
}

type Portal struct {
	qh *dbutil.QueryHelper[*Portal]

	PortalKey
	Type types.ThreadType
	MXID id.RoomID

	Name      string
	PhotoID   string
	AvatarURL id.ContentURI
	NameSet   bool
	AvatarSet bool
	Encrypted bool
	InSpace   bool

	FirstEventID    id.EventID
	OldestMessageID string
	OldestMessageTS int64
	MoreToBackfill  bool

	RelayUserID id.UserID
}

func (p *Portal) IsPrivateChat() bool {
	return p.Type == types.ThreadTypeUser || p.Type == types.ThreadTypePage
}

func (p *Portal) Scan(row dbutil.Scannable) (*Portal, error) {
	var mxid, avatarURL sql.NullString
	err := row.Scan(
		&p.FBID,
		&p.Receiver,
		&p.Type,
		&mxid,
		&p.Name,
		&p.PhotoID,
		&avatarURL,
		&p.NameSet,
		&p.AvatarSet,
		&p.Encrypted,
		&p.InSpace,
		&p.FirstEventID,
		&p.OldestMessageID,
		&p.OldestMessageTS,
		&p.MoreToBackfill,
		&p.RelayUserID,
	)
	if err != nil {
		return nil, err
	}
	p.MXID = id.RoomID(mxid.String)
	p.AvatarURL, _ = id.ParseContentURI(avatarURL.String)
	return p, nil
}

func (p *Portal) sqlVariables() []any {
	return []any{
		p.FBID, p.Receiver, p.Type, dbutil.StrPtr(p.MXID),
		p.Name, p.PhotoID, p.AvatarURL.String(), p.NameSet, p.AvatarSet, p.Encrypted, p.InSpace,
		p.FirstEventID, p.OldestMessageID, p.OldestMessageTS, p.MoreToBackfill,
		p.RelayUserID,
	}
}

func (p *Portal) Insert(ctx context.Context) error {
	return p.qh.Exec(ctx, insertPortalQuery, p.sqlVariables()...)
}

func (p *Portal) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePortalQuery, p.sqlVariables()...)
}

func (p *Portal) Delete(ctx context.Context) error {
	return p.qh.Exec(ctx, deletePortalQuery, p.FBID, p.Receiver)
}
