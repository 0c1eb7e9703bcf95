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
)

type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

func newPuppet(qh *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{qh: qh}
}

const (
	getPuppetBaseQuery = `
		SELECT fbid, name, photo_id, photo_mxc, name_set, avatar_set, is_registered,
		       custom_mxid, access_token, next_batch
		FROM puppet
	`
	getPuppetByFBIDQuery             = getPuppetBaseQuery + `WHERE fbid=$1`
	getPuppetByCustomMXIDQuery       = getPuppetBaseQuery + `WHERE custom_mxid=$1`
	getAllPuppetsWithCustomMXIDQuery = getPuppetBaseQuery + `WHERE custom_mxid IS NOT NULL`
	insertPuppetQuery                = `
		INSERT INTO puppet (fbid, name, photo_id, photo_mxc, name_set, avatar_set, is_registered,
		                    custom_mxid, access_token, next_batch)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	updatePuppetQuery = `
		UPDATE puppet SET name=$2, photo_id=$3, photo_mxc=$4, name_set=$5, avatar_set=$6,
		                  is_registered=$7, custom_mxid=$8, access_token=$9, next_batch=$10
		WHERE fbid=$1
	`
)

func (pq *PuppetQuery) Get(ctx context.Context, fbid int64) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByFBIDQuery, fbid)
}

func (pq *PuppetQuery) GetByCustomMXID(ctx context.Context, mxid id.UserID) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetByCustomMXIDQuery, mxid)
}

func (pq *PuppetQuery) GetAllWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	return pq.QueryMany(ctx, getAllPuppetsWithCustomMXIDQuery)
}

type Puppet struct {
	qh *dbutil.QueryHelper[*Puppet]

	FBID     int64
	Name     string
	PhotoID  string
	PhotoMXC id.ContentURI

	NameSet      bool
	AvatarSet    bool
	IsRegistered bool

	CustomMXID  id.UserID
	AccessToken string
	NextBatch   string
}

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	var photoMXC, customMXID sql.NullString
	err := row.Scan(
		&p.FBID,
		&p.Name,
		&p.PhotoID,
		&photoMXC,
		&p.NameSet,
		&p.AvatarSet,
		&p.IsRegistered,
		&customMXID,
		&p.AccessToken,
		&p.NextBatch,
	)
	if err != nil {
		return nil, err
	}
	p.PhotoMXC, _ = id.ParseContentURI(photoMXC.String)
	p.CustomMXID = id.UserID(customMXID.String)
	return p, nil
}

func (p *Puppet) sqlVariables() []any {
	return []any{
		p.FBID, p.Name, p.PhotoID, p.PhotoMXC.String(), p.NameSet, p.AvatarSet, p.IsRegistered,
		dbutil.StrPtr(p.CustomMXID), p.AccessToken, p.NextBatch,
	}
}

func (p *Puppet) Insert(ctx context.Context) error {
	return p.qh.Exec(ctx, insertPuppetQuery, p.sqlVariables()...)
}

func (p *Puppet) Update(ctx context.Context) error {
	return p.qh.Exec(ctx, updatePuppetQuery, p.sqlVariables()...)
}
