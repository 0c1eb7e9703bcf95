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
	"errors"
	"strings"

	"maunium.net/go/mautrix/bridge/bridgeconfig"
	"maunium.net/go/mautrix/bridge/commands"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
)

type WrappedCommandEvent struct {
	*commands.Event
	Bridge *FBBridge
	User   *User
	Portal *Portal
}

func (br *FBBridge) RegisterCommands() {
	proc := br.CommandProcessor.(*commands.Processor)
	proc.AddHandlers(
		cmdLogin,
		cmdLogin2FA,
		cmdLoginApproved,
		cmdLogout,
		cmdDeleteSession,
		cmdDisconnect,
		cmdReconnect,
		cmdPing,
		cmdSync,
		cmdDeletePortal,
		cmdDeleteAllPortals,
		cmdSetRelay,
		cmdUnsetRelay,
	)
}

func wrapCommand(handler func(*WrappedCommandEvent)) func(*commands.Event) {
	return func(ce *commands.Event) {
		user := ce.User.(*User)
		var portal *Portal
		if ce.Portal != nil {
			portal = ce.Portal.(*Portal)
		}
		br := ce.Bridge.Child.(*FBBridge)
		handler(&WrappedCommandEvent{ce, br, user, portal})
	}
}

var cmdLogin = &commands.FullHandler{
	Func: wrapCommand(fnLogin),
	Name: "login",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Link the bridge to your Facebook Messenger account.",
		Args:        "<email> <password>",
	},
}

func fnLogin(ce *WrappedCommandEvent) {
	if len(ce.Args) < 2 {
		ce.Reply("**Usage**: `$cmdprefix login <email> <password>`")
		return
	}
	if ce.User.IsLoggedIn() {
		ce.Reply("You're already logged in")
		return
	}
	ce.MarkRead()
	email := ce.Args[0]
	password := strings.Join(ce.Args[1:], " ")
	ce.Redact()

	err := ce.User.Login(context.TODO(), email, password)
	if errors.Is(err, maufbapi.ErrTwoFactorRequired) {
		ce.Reply("Two-factor authentication is enabled. Send the code from your authenticator app with `$cmdprefix login-2fa <code>`, or approve the login from another device and use `$cmdprefix login-approved`.")
	} else if err != nil {
		ce.Reply("Failed to log in: %v", err)
	} else {
		ce.Reply("Successfully logged in as %s", email)
	}
}

var cmdLogin2FA = &commands.FullHandler{
	Func: wrapCommand(fnLogin2FA),
	Name: "login-2fa",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Complete the login with a two-factor authentication code.",
		Args:        "<email> <code>",
	},
}

func fnLogin2FA(ce *WrappedCommandEvent) {
	if len(ce.Args) != 2 {
		ce.Reply("**Usage**: `$cmdprefix login-2fa <email> <code>`")
		return
	}
	ce.MarkRead()
	err := ce.User.Login2FA(context.TODO(), ce.Args[0], ce.Args[1])
	if err != nil {
		ce.Reply("Failed to verify code: %v", err)
	} else {
		ce.Reply("Successfully logged in")
	}
}

var cmdLoginApproved = &commands.FullHandler{
	Func: wrapCommand(fnLoginApproved),
	Name: "login-approved",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Complete the login after approving it from another device.",
	},
}

func fnLoginApproved(ce *WrappedCommandEvent) {
	err := ce.User.LoginApproved(context.TODO())
	if err != nil {
		ce.Reply("Failed to complete login: %v", err)
	} else {
		ce.Reply("Successfully logged in")
	}
}

var cmdLogout = &commands.FullHandler{
	Func: wrapCommand(fnLogout),
	Name: "logout",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Unlink the bridge from your Facebook Messenger account.",
	},
	RequiresLogin: true,
}

func fnLogout(ce *WrappedCommandEvent) {
	ce.User.Logout(context.TODO())
	ce.Reply("Logged out successfully.")
}

var cmdDeleteSession = &commands.FullHandler{
	Func: wrapCommand(fnDeleteSession),
	Name: "delete-session",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionAuth,
		Description: "Delete the stored session without logging out on the Facebook side.",
	},
}

func fnDeleteSession(ce *WrappedCommandEvent) {
	if !ce.User.IsLoggedIn() {
		ce.Reply("Nothing to purge: no session information stored.")
		return
	}
	ce.User.Disconnect()
	ce.User.clearSession(context.TODO())
	ce.Reply("Session information purged")
}

var cmdDisconnect = &commands.FullHandler{
	Func: wrapCommand(fnDisconnect),
	Name: "disconnect",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionConnectionManagement,
		Description: "Disconnect from the Messenger server without logging out.",
	},
	RequiresLogin: true,
}

func fnDisconnect(ce *WrappedCommandEvent) {
	if !ce.User.IsConnected() {
		ce.Reply("You're not connected")
		return
	}
	ce.User.Disconnect()
	ce.Reply("Disconnected from the server")
}

var cmdReconnect = &commands.FullHandler{
	Func:    wrapCommand(fnReconnect),
	Name:    "reconnect",
	Aliases: []string{"connect"},
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionConnectionManagement,
		Description: "Reconnect to the Messenger server.",
	},
	RequiresLogin: true,
}

func fnReconnect(ce *WrappedCommandEvent) {
	if ce.User.IsConnected() {
		ce.Reply("You're already connected")
		return
	}
	go ce.User.Connect()
	ce.Reply("Connecting to the server...")
}

var cmdPing = &commands.FullHandler{
	Func: wrapCommand(fnPing),
	Name: "ping",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionConnectionManagement,
		Description: "Check your connection to Facebook Messenger.",
	},
}

func fnPing(ce *WrappedCommandEvent) {
	if !ce.User.IsLoggedIn() {
		ce.Reply("You're not logged in")
	} else if !ce.User.IsConnected() {
		ce.Reply("You're logged in as user %d, but the MQTT connection is down", ce.User.FBID)
	} else {
		ce.Reply("You're logged in as user %d and connected to the server", ce.User.FBID)
	}
}

var cmdSync = &commands.FullHandler{
	Func: wrapCommand(fnSync),
	Name: "sync",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionCreatingPortals,
		Description: "Synchronize your recent conversations from Messenger.",
	},
	RequiresLogin: true,
}

func fnSync(ce *WrappedCommandEvent) {
	ctx := ce.User.zlog.WithContext(context.TODO())
	err := ce.User.syncThreads(ctx, true)
	if err != nil {
		ce.Reply("Failed to sync threads: %v", err)
	} else {
		ce.Reply("Done syncing conversations.")
	}
}

var cmdDeletePortal = &commands.FullHandler{
	Func: wrapCommand(fnDeletePortal),
	Name: "delete-portal",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionPortalManagement,
		Description: "Delete the current portal room.",
	},
	RequiresPortal: true,
	RequiresAdmin:  true,
}

func fnDeletePortal(ce *WrappedCommandEvent) {
	ce.Portal.Delete()
	ce.Portal.Cleanup(false)
}

var cmdDeleteAllPortals = &commands.FullHandler{
	Func: wrapCommand(fnDeleteAllPortals),
	Name: "delete-all-portals",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionPortalManagement,
		Description: "Delete all your portal rooms.",
	},
	RequiresAdmin: true,
}

func fnDeleteAllPortals(ce *WrappedCommandEvent) {
	portals := ce.Bridge.GetAllPortalsWithMXID()
	if len(portals) == 0 {
		ce.Reply("There are no portals to delete")
		return
	}
	ce.Reply("Deleting %d portals", len(portals))
	for _, portal := range portals {
		portal.Delete()
		portal.Cleanup(false)
	}
	ce.Reply("Finished deleting portals")
}

var cmdSetRelay = &commands.FullHandler{
	Func: wrapCommand(fnSetRelay),
	Name: "set-relay",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionPortalManagement,
		Description: "Use your Messenger account to relay messages from users who aren't logged in.",
	},
	RequiresPortal: true,
	RequiresLogin:  true,
}

func fnSetRelay(ce *WrappedCommandEvent) {
	if !ce.Bridge.Config.Bridge.Relay.Enabled {
		ce.Reply("Relay mode is not enabled on this instance of the bridge")
		return
	}
	if ce.Bridge.Config.Bridge.Relay.AdminOnly && ce.User.PermissionLevel < bridgeconfig.PermissionLevelAdmin {
		ce.Reply("Only admins are allowed to enable relay mode on this instance of the bridge")
		return
	}
	ce.Portal.RelayUserID = ce.User.MXID
	ce.Portal.relayUser = nil
	err := ce.Portal.Update(context.TODO())
	if err != nil {
		ce.Reply("Failed to save relay user: %v", err)
		return
	}
	ce.Reply("Messages from non-logged-in users in this room will now be relayed through your Messenger account")
}

var cmdUnsetRelay = &commands.FullHandler{
	Func: wrapCommand(fnUnsetRelay),
	Name: "unset-relay",
	Help: commands.HelpMeta{
		Section:     commands.HelpSectionPortalManagement,
		Description: "Stop relaying messages from users who aren't logged in.",
	},
	RequiresPortal: true,
}

func fnUnsetRelay(ce *WrappedCommandEvent) {
	if ce.Portal.RelayUserID == "" {
		ce.Reply("This room doesn't have a relay user set")
		return
	}
	if ce.Bridge.Config.Bridge.Relay.AdminOnly && ce.User.PermissionLevel < bridgeconfig.PermissionLevelAdmin {
		ce.Reply("Only admins are allowed to change relay mode on this instance of the bridge")
		return
	}
	ce.Portal.RelayUserID = id.UserID("")
	ce.Portal.relayUser = nil
	err := ce.Portal.Update(context.TODO())
	if err != nil {
		ce.Reply("Failed to save relay user: %v", err)
		return
	}
	ce.Reply("Stopped relaying messages in this room")
}
