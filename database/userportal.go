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

type UserPortalQuery struct {
	*dbutil.QueryHelper[*UserPortal]
}

func newUserPortal(qh *dbutil.QueryHelper[*UserPortal]) *UserPortal {
	return &UserPortal{qh: qh}
}

const (
	getUserPortalBaseQuery = `
		SELECT user_mxid, portal_fbid, portal_fb_receiver, in_space FROM user_portal
	`
	getUserPortalQuery       = getUserPortalBaseQuery + `WHERE user_mxid=$1 AND portal_fbid=$2 AND portal_fb_receiver=$3`
	getAllUserPortalsQuery   = getUserPortalBaseQuery + `WHERE user_mxid=$1`
	upsertUserPortalQuery    = `
		INSERT INTO user_portal (user_mxid, portal_fbid, portal_fb_receiver, in_space)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_mxid, portal_fbid, portal_fb_receiver) DO UPDATE SET in_space=excluded.in_space
	`
	deleteUserPortalQuery    = `DELETE FROM user_portal WHERE user_mxid=$1 AND portal_fbid=$2 AND portal_fb_receiver=$3`
	deleteAllUserPortalsQuery = `DELETE FROM user_portal WHERE user_mxid=$1`
)

func (upq *UserPortalQuery) Get(ctx context.Context, userID id.UserID, portal PortalKey) (*UserPortal, error) {
	return upq.QueryOne(ctx, getUserPortalQuery, userID, portal.FBID, portal.Receiver)
}

func (upq *UserPortalQuery) GetAllForUser(ctx context.Context, userID id.UserID) ([]*UserPortal, error) {
	return upq.QueryMany(ctx, getAllUserPortalsQuery, userID)
}

func (upq *UserPortalQuery) DeleteAllForUser(ctx context.Context, userID id.UserID) error {
	return upq.Exec(ctx, deleteAllUserPortalsQuery, userID)
}

// UserPortal marks that a Matrix user is a member of a portal, used for space
// management and permission checks on shared group portals.
type UserPortal struct {
	qh *dbutil.QueryHelper[*UserPortal]

	UserMXID id.UserID
	Portal   PortalKey
	InSpace  bool
}

func (up *UserPortal) Scan(row dbutil.Scannable) (*UserPortal, error) {
	return dbutil.ValueOrErr(up, row.Scan(&up.UserMXID, &up.Portal.FBID, &up.Portal.Receiver, &up.InSpace))
}

func (up *UserPortal) Upsert(ctx context.Context) error {
	return up.qh.Exec(ctx, upsertUserPortalQuery, up.UserMXID, up.Portal.FBID, up.Portal.Receiver, up.InSpace)
}

func (up *UserPortal) Delete(ctx context.Context) error {
	return up.qh.Exec(ctx, deleteUserPortalQuery, up.UserMXID, up.Portal.FBID, up.Portal.Receiver)
}
