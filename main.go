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
	_ "embed"
	"sync"

	"go.mau.fi/util/configupgrade"
	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/bridge/commands"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/config"
	"go.mau.fi/mautrix-facebook/database"
)

// Information to find out exactly which commit the bridge was built from.
// These are filled at build time with the -X linker flag.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

//go:embed example-config.yaml
var ExampleConfig string

type FBBridge struct {
	bridge.Bridge

	Config *config.Config
	DB     *database.Database

	provisioning *ProvisioningAPI
	htmlParser   *format.HTMLParser

	usersByMXID map[id.UserID]*User
	usersByFBID map[int64]*User
	usersLock   sync.Mutex

	managementRooms     map[id.RoomID]*User
	managementRoomsLock sync.Mutex

	portalsByMXID map[id.RoomID]*Portal
	portalsByID   map[database.PortalKey]*Portal
	portalsLock   sync.Mutex

	puppets             map[int64]*Puppet
	puppetsByCustomMXID map[id.UserID]*Puppet
	puppetsLock         sync.Mutex
}

func (br *FBBridge) GetExampleConfig() string {
	return ExampleConfig
}

func (br *FBBridge) GetConfigPtr() interface{} {
	br.Config = &config.Config{
		BaseConfig: &br.Bridge.Config,
	}
	br.Config.BaseConfig.Bridge = &br.Config.Bridge
	return br.Config
}

func (br *FBBridge) Init() {
	br.CommandProcessor = commands.NewProcessor(&br.Bridge)
	br.RegisterCommands()

	br.DB = database.New(br.Bridge.DB)
}

func (br *FBBridge) Start() {
	if br.Config.Bridge.Provisioning.SharedSecret != "disable" {
		br.provisioning = newProvisioningAPI(br)
	}

	if br.Config.Bridge.Backfill.Enable {
		go br.backfillLoop()
	}
	go br.startUsers()
}

func (br *FBBridge) Stop() {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()
	for _, user := range br.usersByMXID {
		br.ZLog.Debug().Stringer("user_id", user.MXID).Msg("Disconnecting user")
		user.Disconnect()
	}
}

func (br *FBBridge) GetIPortal(mxid id.RoomID) bridge.Portal {
	p := br.GetPortalByMXID(mxid)
	if p == nil {
		return nil
	}
	return p
}

func (br *FBBridge) GetIUser(mxid id.UserID, create bool) bridge.User {
	u := br.getUserByMXID(mxid, !create)
	if u == nil {
		return nil
	}
	return u
}

func (br *FBBridge) IsGhost(mxid id.UserID) bool {
	_, isGhost := br.ParsePuppetMXID(mxid)
	return isGhost
}

func (br *FBBridge) GetIGhost(mxid id.UserID) bridge.Ghost {
	p := br.GetPuppetByMXID(mxid)
	if p == nil {
		return nil
	}
	return p
}

func (br *FBBridge) CreatePrivatePortal(roomID id.RoomID, brUser bridge.User, ghost bridge.Ghost) {
	user := brUser.(*User)
	puppet := ghost.(*Puppet)
	key := database.NewPortalKey(puppet.FBID, user.FBID)
	portal := br.GetPortalByID(key)
	if portal.MXID != "" {
		// A portal room already exists, so just point the user at it.
		br.ZLog.Debug().
			Stringer("existing_room_id", portal.MXID).
			Stringer("invited_room_id", roomID).
			Msg("Ignoring manually created private chat room, portal already exists")
		_, _ = puppet.DefaultIntent().LeaveRoom(context.TODO(), roomID)
		return
	}
	portal.createFromInvite(user, puppet, roomID)
}

func main() {
	br := &FBBridge{
		usersByMXID: make(map[id.UserID]*User),
		usersByFBID: make(map[int64]*User),

		managementRooms: make(map[id.RoomID]*User),

		portalsByMXID: make(map[id.RoomID]*Portal),
		portalsByID:   make(map[database.PortalKey]*Portal),

		puppets:             make(map[int64]*Puppet),
		puppetsByCustomMXID: make(map[id.UserID]*Puppet),
	}
	br.Bridge = bridge.Bridge{
		Name:              "mautrix-facebook",
		URL:               "https://github.com/mautrix/facebook",
		Description:       "A Matrix-Facebook Messenger puppeting bridge.",
		Version:           "0.1.0",
		ProtocolName:      "Facebook Messenger",
		BeeperServiceName: "facebookgo",
		BeeperNetworkName: "facebook",

		CryptoPickleKey: "maunium.net/go/mautrix-whatsapp",

		ConfigUpgrader: &configupgrade.StructUpgrader{
			SimpleUpgrader: configupgrade.SimpleUpgrader(config.DoUpgrade),
			Blocks:         config.SpacedBlocks,
			Base:           ExampleConfig,
		},

		Child: br,
	}
	br.InitVersion(Tag, Commit, BuildTime)

	br.Main()
}
