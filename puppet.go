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

package main

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/database"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

type Puppet struct {
	*database.Puppet

	bridge *FBBridge
	zlog   zerolog.Logger

	MXID id.UserID

	customIntent *appservice.IntentAPI
	customUser   *User

	lastSync time.Time
	syncLock sync.Mutex
}

var _ bridge.Ghost = (*Puppet)(nil)
var _ bridge.GhostWithProfile = (*Puppet)(nil)

func (puppet *Puppet) GetMXID() id.UserID {
	return puppet.MXID
}

func (puppet *Puppet) GetDisplayname() string {
	return puppet.Name
}

func (puppet *Puppet) GetAvatarURL() id.ContentURI {
	return puppet.PhotoMXC
}

func (br *FBBridge) loadPuppet(ctx context.Context, dbPuppet *database.Puppet, fbid *int64) *Puppet {
	if dbPuppet == nil {
		if fbid == nil {
			return nil
		}
		dbPuppet = br.DB.Puppet.New()
		dbPuppet.FBID = *fbid
		err := dbPuppet.Insert(ctx)
		if err != nil {
			br.ZLog.Err(err).Int64("fbid", *fbid).Msg("Failed to insert new puppet")
			return nil
		}
	}

	puppet := br.newPuppet(dbPuppet)
	br.puppets[puppet.FBID] = puppet
	if puppet.CustomMXID != "" {
		br.puppetsByCustomMXID[puppet.CustomMXID] = puppet
	}
	return puppet
}

func (br *FBBridge) newPuppet(dbPuppet *database.Puppet) *Puppet {
	return &Puppet{
		Puppet: dbPuppet,
		bridge: br,
		zlog:   br.ZLog.With().Int64("puppet_fbid", dbPuppet.FBID).Logger(),
		MXID:   br.FormatPuppetMXID(dbPuppet.FBID),
	}
}

func (br *FBBridge) FormatPuppetMXID(fbid int64) id.UserID {
	return id.NewUserID(
		br.Config.Bridge.FormatUsername(fbid),
		br.Config.Homeserver.Domain,
	)
}

var userIDRegex *regexp.Regexp

func (br *FBBridge) ParsePuppetMXID(mxid id.UserID) (int64, bool) {
	if userIDRegex == nil {
		userIDRegex = br.Config.MakeUserIDRegex(`(\d+)`)
	}

	match := userIDRegex.FindStringSubmatch(string(mxid))
	if len(match) == 2 {
		fbid, err := strconv.ParseInt(match[1], 10, 64)
		if err == nil {
			return fbid, true
		}
	}
	return 0, false
}

func (br *FBBridge) GetPuppetByMXID(mxid id.UserID) *Puppet {
	fbid, ok := br.ParsePuppetMXID(mxid)
	if !ok {
		return nil
	}
	return br.GetPuppetByFBID(fbid)
}

func (br *FBBridge) GetPuppetByFBID(fbid int64) *Puppet {
	if fbid == 0 {
		return nil
	}
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()

	puppet, ok := br.puppets[fbid]
	if !ok {
		ctx := context.TODO()
		dbPuppet, err := br.DB.Puppet.Get(ctx, fbid)
		if err != nil {
			br.ZLog.Err(err).Int64("fbid", fbid).Msg("Failed to get puppet from database")
			return nil
		}
		return br.loadPuppet(ctx, dbPuppet, &fbid)
	}
	return puppet
}

func (br *FBBridge) GetPuppetByCustomMXID(mxid id.UserID) *Puppet {
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()

	puppet, ok := br.puppetsByCustomMXID[mxid]
	if !ok {
		ctx := context.TODO()
		dbPuppet, err := br.DB.Puppet.GetByCustomMXID(ctx, mxid)
		if err != nil {
			br.ZLog.Err(err).Stringer("custom_mxid", mxid).Msg("Failed to get puppet from database")
			return nil
		}
		return br.loadPuppet(ctx, dbPuppet, nil)
	}
	return puppet
}

func (br *FBBridge) GetAllPuppetsWithCustomMXID() []*Puppet {
	return br.dbPuppetsToPuppets(br.DB.Puppet.GetAllWithCustomMXID(context.TODO()))
}

func (br *FBBridge) dbPuppetsToPuppets(dbPuppets []*database.Puppet, err error) []*Puppet {
	if err != nil {
		br.ZLog.Err(err).Msg("Failed to load puppets")
		return nil
	}
	br.puppetsLock.Lock()
	defer br.puppetsLock.Unlock()

	output := make([]*Puppet, len(dbPuppets))
	ctx := context.TODO()
	for i, dbPuppet := range dbPuppets {
		puppet, ok := br.puppets[dbPuppet.FBID]
		if ok {
			output[i] = puppet
		} else {
			output[i] = br.loadPuppet(ctx, dbPuppet, nil)
		}
	}
	return output
}

func (puppet *Puppet) DefaultIntent() *appservice.IntentAPI {
	return puppet.bridge.AS.Intent(puppet.MXID)
}

func (puppet *Puppet) IntentFor(portal *Portal) *appservice.IntentAPI {
	if puppet.customIntent == nil || puppet.FBID == portal.FBID {
		return puppet.DefaultIntent()
	}
	return puppet.customIntent
}

const minPuppetSyncInterval = 4 * time.Hour

// UpdateInfoIfNecessary syncs profile info only when the puppet has never been
// synced or the last sync is stale.
func (puppet *Puppet) UpdateInfoIfNecessary(ctx context.Context, source *User) {
	puppet.syncLock.Lock()
	defer puppet.syncLock.Unlock()
	if puppet.Name != "" && time.Since(puppet.lastSync) < minPuppetSyncInterval {
		return
	}
	puppet.unlockedUpdateInfo(ctx, source, nil)
}

func (puppet *Puppet) UpdateInfo(ctx context.Context, source *User, info *types.MessagingActor) {
	puppet.syncLock.Lock()
	defer puppet.syncLock.Unlock()
	puppet.unlockedUpdateInfo(ctx, source, info)
}

func (puppet *Puppet) unlockedUpdateInfo(ctx context.Context, source *User, info *types.MessagingActor) {
	puppet.lastSync = time.Now()

	err := puppet.DefaultIntent().EnsureRegistered(ctx)
	if err != nil {
		puppet.zlog.Err(err).Msg("Failed to ensure registered")
	}

	if info == nil {
		if source == nil || source.Client == nil {
			return
		}
		threads, err := source.Client.GetThreadInfo(ctx, puppet.FBID)
		if err != nil || len(threads) == 0 {
			puppet.zlog.Err(err).Msg("Failed to fetch info to update ghost")
			return
		}
		for _, participant := range threads[0].AllParticipants.Nodes {
			if participant.Actor.ID == puppet.FBID {
				actor := participant.Actor
				info = &actor
				break
			}
		}
		if info == nil {
			puppet.zlog.Warn().Msg("Thread info didn't contain the ghost's own profile")
			return
		}
	}

	changed := false
	newName := puppet.bridge.Config.Bridge.FormatDisplayname(info.Name, puppet.FBID)
	changed = puppet.UpdateName(ctx, newName) || changed
	if info.ProfilePic != nil {
		changed = puppet.UpdateAvatar(ctx, source, info.ProfilePic.URI) || changed
	}

	if changed {
		err = puppet.Update(ctx)
		if err != nil {
			puppet.zlog.Err(err).Msg("Failed to save info to database")
		}
	}
}

func (puppet *Puppet) UpdateName(ctx context.Context, newName string) bool {
	if puppet.Name == newName && puppet.NameSet {
		return false
	}
	puppet.zlog.Debug().Str("old_name", puppet.Name).Str("new_name", newName).Msg("Updating displayname")
	puppet.Name = newName
	puppet.NameSet = false
	err := puppet.DefaultIntent().SetDisplayName(ctx, newName)
	if err != nil {
		puppet.zlog.Err(err).Msg("Failed to update displayname")
	} else {
		go puppet.updatePortalMeta(ctx)
		puppet.NameSet = true
	}
	return true
}

// UpdateAvatar keys avatar state by the photo URL rather than content: the CDN
// URL only changes when the picture does.
func (puppet *Puppet) UpdateAvatar(ctx context.Context, source *User, photoURL string) bool {
	if puppet.PhotoID == photoURL && puppet.AvatarSet {
		return false
	}
	avatarChanged := photoURL != puppet.PhotoID
	puppet.PhotoID = photoURL
	puppet.AvatarSet = false

	if puppet.PhotoID == "" {
		puppet.PhotoMXC = id.ContentURI{}
	} else if puppet.PhotoMXC.IsEmpty() || avatarChanged {
		mxc, err := reuploadAvatar(ctx, source, puppet.DefaultIntent(), photoURL)
		if err != nil {
			puppet.zlog.Err(err).Msg("Failed to reupload new avatar")
			return true
		}
		puppet.PhotoMXC = mxc
	}

	err := puppet.DefaultIntent().SetAvatarURL(ctx, puppet.PhotoMXC)
	if err != nil {
		puppet.zlog.Err(err).Msg("Failed to update avatar")
	} else {
		go puppet.updatePortalMeta(ctx)
		puppet.AvatarSet = true
	}
	return true
}

func (puppet *Puppet) updatePortalMeta(ctx context.Context) {
	for _, portal := range puppet.bridge.GetAllPortalsByFBID(puppet.FBID) {
		if !portal.IsPrivateChat() {
			continue
		}
		// Get the room create lock to prevent races between profile sync and
		// room creation.
		portal.roomCreateLock.Lock()
		portal.UpdateInfoFromPuppet(ctx, puppet)
		portal.roomCreateLock.Unlock()
	}
}

// reuploadAvatar downloads a Facebook CDN photo through the user's client and
// uploads it to the homeserver.
func reuploadAvatar(ctx context.Context, source *User, intent *appservice.IntentAPI, url string) (id.ContentURI, error) {
	if source == nil || source.Client == nil {
		return id.ContentURI{}, ErrNotLoggedIn
	}
	data, mime, err := source.Client.DownloadMedia(ctx, url)
	if err != nil {
		return id.ContentURI{}, err
	}
	resp, err := intent.UploadBytes(ctx, data, mime)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}
