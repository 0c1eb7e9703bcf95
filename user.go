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
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/bridge/bridgeconfig"
	"maunium.net/go/mautrix/bridge/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/database"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/mqtt"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNotLoggedIn  = errors.New("not logged in")
)

// seqIDFlushInterval is how long the in-memory delta queue position may run
// ahead of the database before it's flushed.
const seqIDFlushInterval = 2 * time.Minute

// mqttEventBuffer is the size of the per-user dispatch queue between the MQTT
// reader and the event handlers.
const mqttEventBuffer = 64

type User struct {
	*database.User

	bridge *FBBridge
	zlog   zerolog.Logger

	Client *maufbapi.Client
	MQTT   *mqtt.Client

	BridgeState     *bridge.BridgeStateQueue
	PermissionLevel bridgeconfig.PermissionLevel

	connLock    sync.Mutex
	connectedAt time.Time

	mqttEvents chan any

	reconnectLock sync.Mutex
	reconnecting  bool

	seqIDLock    sync.Mutex
	pendingSeqID int64
	seqIDTimer   *time.Timer

	spaceCreateLock       sync.Mutex
	spaceMembershipChecked bool

	stopPeriodicReconnect context.CancelFunc
	initialSyncDone       bool
}

var _ bridge.User = (*User)(nil)
var _ status.BridgeStateFiller = (*User)(nil)

func (user *User) GetPermissionLevel() bridgeconfig.PermissionLevel {
	return user.PermissionLevel
}

func (user *User) GetManagementRoomID() id.RoomID {
	return user.ManagementRoom
}

func (user *User) GetMXID() id.UserID {
	return user.MXID
}

func (user *User) GetRemoteID() string {
	if user.FBID == 0 {
		return ""
	}
	return strconv.FormatInt(user.FBID, 10)
}

func (user *User) GetRemoteName() string {
	puppet := user.bridge.GetPuppetByFBID(user.FBID)
	if puppet != nil {
		return puppet.Name
	}
	return ""
}

func (user *User) GetCommandState() map[string]interface{} {
	return nil
}

func (user *User) GetIDoublePuppet() bridge.DoublePuppet {
	p := user.bridge.GetPuppetByCustomMXID(user.MXID)
	if p == nil || p.CustomIntent() == nil {
		return nil
	}
	return p
}

func (user *User) GetIGhost() bridge.Ghost {
	if user.FBID == 0 {
		return nil
	}
	p := user.bridge.GetPuppetByFBID(user.FBID)
	if p == nil {
		return nil
	}
	return p
}

func (br *FBBridge) loadUser(ctx context.Context, dbUser *database.User, mxid *id.UserID) *User {
	if dbUser == nil {
		if mxid == nil {
			return nil
		}
		dbUser = br.DB.User.New()
		dbUser.MXID = *mxid
		err := dbUser.Insert(ctx)
		if err != nil {
			br.ZLog.Err(err).Stringer("user_id", *mxid).Msg("Failed to insert new user")
			return nil
		}
	}

	user := br.newUser(dbUser)
	br.usersByMXID[user.MXID] = user
	if user.FBID != 0 {
		br.usersByFBID[user.FBID] = user
	}
	if user.ManagementRoom != "" {
		br.managementRoomsLock.Lock()
		br.managementRooms[user.ManagementRoom] = user
		br.managementRoomsLock.Unlock()
	}
	return user
}

func (br *FBBridge) newUser(dbUser *database.User) *User {
	user := &User{
		User:   dbUser,
		bridge: br,
		zlog:   br.ZLog.With().Stringer("user_id", dbUser.MXID).Logger(),

		mqttEvents: make(chan any, mqttEventBuffer),
	}
	user.PermissionLevel = br.Config.Bridge.Permissions.Get(user.MXID)
	user.BridgeState = br.NewBridgeStateQueue(user)
	go user.dispatchLoop()
	return user
}

func (br *FBBridge) GetUserByMXID(userID id.UserID) *User {
	return br.getUserByMXID(userID, false)
}

func (br *FBBridge) getUserByMXID(userID id.UserID, onlyIfExists bool) *User {
	if _, isPuppet := br.ParsePuppetMXID(userID); isPuppet || userID == br.Bot.UserID {
		return nil
	}

	br.usersLock.Lock()
	defer br.usersLock.Unlock()

	user, ok := br.usersByMXID[userID]
	if !ok {
		ctx := context.TODO()
		dbUser, err := br.DB.User.GetByMXID(ctx, userID)
		if err != nil {
			br.ZLog.Err(err).Stringer("user_id", userID).Msg("Failed to get user from database")
			return nil
		}
		mxidPtr := &userID
		if onlyIfExists {
			mxidPtr = nil
		}
		return br.loadUser(ctx, dbUser, mxidPtr)
	}
	return user
}

func (br *FBBridge) GetUserByFBID(fbid int64) *User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()

	user, ok := br.usersByFBID[fbid]
	if !ok {
		ctx := context.TODO()
		dbUser, err := br.DB.User.GetByFBID(ctx, fbid)
		if err != nil {
			br.ZLog.Err(err).Int64("fbid", fbid).Msg("Failed to get user from database")
			return nil
		}
		return br.loadUser(ctx, dbUser, nil)
	}
	return user
}

func (br *FBBridge) getAllLoggedInUsers() []*User {
	br.usersLock.Lock()
	defer br.usersLock.Unlock()

	dbUsers, err := br.DB.User.GetAllLoggedIn(context.TODO())
	if err != nil {
		br.ZLog.Err(err).Msg("Failed to get all logged in users")
		return nil
	}
	users := make([]*User, len(dbUsers))
	for idx, dbUser := range dbUsers {
		user, ok := br.usersByMXID[dbUser.MXID]
		if !ok {
			user = br.loadUser(context.TODO(), dbUser, nil)
		}
		users[idx] = user
	}
	return users
}

func (br *FBBridge) startUsers() {
	br.ZLog.Debug().Msg("Starting users")
	usersWithToken := br.getAllLoggedInUsers()
	for _, user := range usersWithToken {
		go user.Connect()
	}
	if len(usersWithToken) == 0 {
		br.SendGlobalBridgeState(status.BridgeState{StateEvent: status.StateUnconfigured}.Fill(nil))
	}

	br.ZLog.Debug().Msg("Starting custom puppets")
	for _, customPuppet := range br.GetAllPuppetsWithCustomMXID() {
		go func(puppet *Puppet) {
			br.ZLog.Debug().Stringer("custom_mxid", puppet.CustomMXID).Msg("Starting custom puppet")
			if err := puppet.StartCustomMXID(true); err != nil {
				puppet.zlog.Err(err).Msg("Failed to start custom puppet")
			}
		}(customPuppet)
	}
}

func (user *User) SetManagementRoom(roomID id.RoomID) {
	user.bridge.managementRoomsLock.Lock()
	defer user.bridge.managementRoomsLock.Unlock()

	existing, ok := user.bridge.managementRooms[roomID]
	if ok {
		existing.ManagementRoom = ""
		err := existing.Update(context.TODO())
		if err != nil {
			existing.zlog.Err(err).Msg("Failed to clear old management room")
		}
	}

	user.ManagementRoom = roomID
	user.bridge.managementRooms[user.ManagementRoom] = user
	err := user.Update(context.TODO())
	if err != nil {
		user.zlog.Err(err).Msg("Failed to save management room")
	}
}

// prepareClient makes sure the user has a device identity and an HTTP client.
func (user *User) prepareClient() {
	if user.State == nil {
		user.State = maufbapi.NewAndroidState([]byte(user.bridge.Config.Facebook.DeviceSeed), string(user.MXID))
	}
	if user.Client != nil {
		return
	}
	user.Client = maufbapi.NewClient(user.State, user.zlog.With().Str("component", "fbapi").Logger())
	user.Client.StateMutated = func() {
		err := user.Update(context.TODO())
		if err != nil {
			user.zlog.Err(err).Msg("Failed to save mutated session state")
		}
	}
	if proxy := user.bridge.Config.Facebook.Proxy; proxy != "" {
		if err := user.Client.SetProxy(proxy); err != nil {
			user.zlog.Err(err).Msg("Failed to set proxy")
		}
	}
}

func (user *User) IsLoggedIn() bool {
	return user.State != nil && user.State.IsLoggedIn()
}

func (user *User) IsConnected() bool {
	return user.MQTT != nil && user.MQTT.IsConnected()
}

// Login runs the password login flow. A returned ErrTwoFactorRequired means
// the transient 2FA state was stored and the user should submit a code.
func (user *User) Login(ctx context.Context, email, password string) error {
	user.prepareClient()
	resp, err := user.Client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return user.finishLogin(ctx, resp)
}

func (user *User) Login2FA(ctx context.Context, email, code string) error {
	if user.Client == nil {
		return ErrNotLoggedIn
	}
	resp, err := user.Client.Login2FA(ctx, email, code)
	if err != nil {
		return err
	}
	return user.finishLogin(ctx, resp)
}

func (user *User) LoginApproved(ctx context.Context) error {
	if user.Client == nil {
		return ErrNotLoggedIn
	}
	resp, err := user.Client.LoginApproved(ctx)
	if err != nil {
		return err
	}
	return user.finishLogin(ctx, resp)
}

func (user *User) finishLogin(ctx context.Context, resp *maufbapi.LoginResponse) error {
	user.zlog.Info().Int64("fbid", resp.UID).Msg("Logged in successfully")
	if user.FBID != resp.UID {
		user.FBID = resp.UID
		user.bridge.usersLock.Lock()
		user.bridge.usersByFBID[user.FBID] = user
		user.bridge.usersLock.Unlock()
	}
	// The session itself was already saved by the state mutation hook, this
	// persists the fbid column.
	err := user.Update(ctx)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to save user after login")
	}
	go user.Connect()
	return nil
}

// Connect fetches the user's own profile and thread list, then starts the
// realtime connection.
func (user *User) Connect() {
	user.connLock.Lock()
	defer user.connLock.Unlock()
	if !user.IsLoggedIn() {
		return
	}
	user.prepareClient()
	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateConnecting})

	ctx := user.zlog.WithContext(context.Background())
	self, err := user.Client.GetSelf(ctx)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to fetch own info")
		if errors.Is(err, maufbapi.ErrInvalidAccessToken) {
			user.invalidAuthHandler(err)
			return
		}
		user.BridgeState.Send(status.BridgeState{StateEvent: status.StateUnknownError, Error: "fb-get-self-failed", Message: err.Error()})
		return
	}
	if user.FBID != self.ID {
		user.zlog.Warn().Int64("old_fbid", user.FBID).Int64("new_fbid", self.ID).Msg("Remote user ID changed")
		user.FBID = self.ID
		_ = user.Update(ctx)
	}
	puppet := user.bridge.GetPuppetByFBID(user.FBID)
	if puppet != nil {
		actor := &types.MessagingActor{ID: self.ID, Name: self.Name}
		if self.Picture != nil {
			actor.ProfilePic = &self.Picture.Data
		}
		puppet.UpdateInfo(ctx, user, actor)
	}
	user.tryAutomaticDoublePuppeting()

	if user.SeqID == 0 {
		// The realtime connection can't start without a queue position, which
		// only the thread list query hands out.
		if err = user.syncThreads(ctx, false); err != nil {
			user.zlog.Err(err).Msg("Failed to fetch initial thread list")
			user.BridgeState.Send(status.BridgeState{StateEvent: status.StateUnknownError, Error: "fb-initial-sync-failed", Message: err.Error()})
			return
		}
	} else if !user.initialSyncDone {
		go func() {
			if err := user.syncThreads(ctx, false); err != nil {
				user.zlog.Err(err).Msg("Failed to sync threads on startup")
			}
		}()
	}

	err = user.connectMQTT(ctx)
	if err != nil {
		user.handleConnectError(err)
		return
	}
	user.startPeriodicReconnect()
}

func (user *User) connectMQTT(ctx context.Context) error {
	if user.MQTT == nil {
		user.MQTT = mqtt.NewClient(user.State, user.zlog.With().Str("component", "mqtt").Logger())
		user.MQTT.EventHandler = user.handleMQTTEvent
		user.MQTT.OnSeqID = user.onSeqID
		user.MQTT.OnConnectTokenHash = user.onConnectTokenHash
		user.MQTT.OnRegionHint = user.onRegionHint
	}
	user.MQTT.SetConnectTokenHash(user.ConnectTokenHash)
	user.MQTT.SetSeqID(user.SeqID)
	err := user.MQTT.Connect(ctx)
	if err != nil {
		return err
	}
	user.connectedAt = time.Now()
	return nil
}

func (user *User) handleConnectError(err error) {
	var connErr *mqtt.ConnectionError
	if errors.As(err, &connErr) && connErr.IsAuthFailure() {
		user.invalidAuthHandler(err)
		return
	}
	user.zlog.Err(err).Msg("Failed to connect to MQTT")
	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateTransientDisconnect, Error: "fb-connect-failed", Message: err.Error()})
	go user.reconnect()
}

func (user *User) invalidAuthHandler(err error) {
	user.zlog.Warn().Err(err).Msg("Credentials are no longer valid, logging out")
	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateBadCredentials, Error: "fb-invalid-credentials", Message: err.Error()})
	user.sendMarkdownBridgeAlert(true, "⚠️ Your Facebook Messenger connection was closed because the credentials are no longer valid. Use `login` to log back in.")
	user.clearSession(context.TODO())
}

// maxNetworkReconnectAttempts bounds the retry loop while the network is
// unreachable, after which the user gets a fatal bridge state.
const maxNetworkReconnectAttempts = 8

// networkRetryBackoff returns attempt² seconds, capped at five minutes.
func networkRetryBackoff(attempt int) time.Duration {
	wait := time.Duration(attempt*attempt) * time.Second
	if wait > 5*time.Minute {
		wait = 5 * time.Minute
	}
	return wait
}

// reconnect retries the realtime connection until it succeeds or the
// credentials turn out to be dead. Plain network failures get bounded
// quadratic retries, a rejected CONNECT drops the sync queue resume state, and
// anything else backs off exponentially.
func (user *User) reconnect() {
	user.reconnectLock.Lock()
	if user.reconnecting {
		user.reconnectLock.Unlock()
		return
	}
	user.reconnecting = true
	user.reconnectLock.Unlock()
	defer func() {
		user.reconnectLock.Lock()
		user.reconnecting = false
		user.reconnectLock.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	netRetries := 0
	wait := bo.NextBackOff()
	ctx := user.zlog.WithContext(context.Background())
	for {
		if !user.IsLoggedIn() {
			return
		}
		user.zlog.Debug().Dur("wait", wait).Msg("Waiting before reconnecting to MQTT")
		time.Sleep(wait)

		user.connLock.Lock()
		err := user.connectMQTT(ctx)
		user.connLock.Unlock()
		if err == nil {
			return
		}
		var connErr *mqtt.ConnectionError
		var netErr net.Error
		switch {
		case errors.As(err, &connErr) && connErr.IsAuthFailure():
			user.invalidAuthHandler(err)
			return
		case errors.As(err, &connErr):
			// A rejected CONNECT that isn't an auth failure means the server
			// no longer accepts the resume state, retry with a fresh queue.
			user.zlog.Warn().Err(err).Msg("Connect rejected, dropping sync queue resume state")
			user.ConnectTokenHash = nil
			_ = user.Update(ctx)
			wait = bo.NextBackOff()
		case errors.As(err, &netErr):
			netRetries++
			if netRetries > maxNetworkReconnectAttempts {
				user.zlog.Error().Err(err).Msg("Network still unreachable, giving up on reconnecting")
				user.BridgeState.Send(status.BridgeState{StateEvent: status.StateUnknownError, Error: "fb-reconnect-failed", Message: err.Error()})
				return
			}
			user.zlog.Err(err).Int("attempt", netRetries).Msg("MQTT reconnect attempt failed")
			wait = networkRetryBackoff(netRetries)
		default:
			user.zlog.Err(err).Msg("MQTT reconnect attempt failed")
			wait = bo.NextBackOff()
		}
	}
}

func (user *User) startPeriodicReconnect() {
	interval := user.bridge.Config.Bridge.PeriodicReconnect.GetInterval()
	if interval <= 0 || user.stopPeriodicReconnect != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	user.stopPeriodicReconnect = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if !user.IsConnected() || time.Since(user.connectedAt) < user.bridge.Config.Bridge.PeriodicReconnect.GetMinConnectedTime() {
				continue
			}
			user.zlog.Debug().Msg("Doing periodic reconnect")
			user.MQTT.Disconnect()
			go user.reconnect()
		}
	}()
}

func (user *User) Disconnect() {
	if user.stopPeriodicReconnect != nil {
		user.stopPeriodicReconnect()
		user.stopPeriodicReconnect = nil
	}
	if user.MQTT != nil {
		user.MQTT.Disconnect()
	}
	user.flushSeqID()
}

// Logout invalidates the session remotely and locally.
func (user *User) Logout(ctx context.Context) {
	user.Disconnect()
	if user.Client != nil {
		err := user.Client.Logout(ctx)
		if err != nil {
			user.zlog.Warn().Err(err).Msg("Failed to invalidate session server-side")
		}
	}
	puppet := user.bridge.GetPuppetByFBID(user.FBID)
	if puppet != nil && puppet.CustomMXID != "" {
		puppet.ClearCustomMXID()
	}
	user.clearSession(ctx)
	user.BridgeState.Send(status.BridgeState{StateEvent: status.StateLoggedOut})
}

func (user *User) clearSession(ctx context.Context) {
	if user.State != nil {
		user.State.Logout()
	}
	user.ConnectTokenHash = nil
	user.SeqID = 0
	user.initialSyncDone = false
	if user.MQTT != nil {
		user.MQTT.Disconnect()
		user.MQTT = nil
	}
	err := user.Update(ctx)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to save user after clearing session")
	}
}

func (user *User) onSeqID(seqID int64) {
	user.seqIDLock.Lock()
	defer user.seqIDLock.Unlock()
	user.pendingSeqID = seqID
	if user.seqIDTimer == nil {
		user.seqIDTimer = time.AfterFunc(seqIDFlushInterval, user.flushSeqID)
	}
}

func (user *User) flushSeqID() {
	user.seqIDLock.Lock()
	seqID := user.pendingSeqID
	user.pendingSeqID = 0
	if user.seqIDTimer != nil {
		user.seqIDTimer.Stop()
		user.seqIDTimer = nil
	}
	user.seqIDLock.Unlock()
	if seqID == 0 || seqID == user.SeqID {
		return
	}
	err := user.UpdateSeqID(context.TODO(), seqID)
	if err != nil {
		user.zlog.Err(err).Int64("seq_id", seqID).Msg("Failed to save sequence ID")
	}
}

func (user *User) onConnectTokenHash(hash []byte) {
	user.ConnectTokenHash = hash
	err := user.Update(context.TODO())
	if err != nil {
		user.zlog.Err(err).Msg("Failed to save connect token hash")
	}
}

func (user *User) onRegionHint(region string) {
	if user.State.Session.RegionHint == region {
		return
	}
	user.zlog.Debug().Str("region", region).Msg("Got region hint")
	user.State.Session.RegionHint = region
	err := user.Update(context.TODO())
	if err != nil {
		user.zlog.Err(err).Msg("Failed to save region hint")
	}
}

// portalKeyFor maps a wire thread key to a portal key: groups are shared
// (receiver 0), one-to-one chats are scoped to this user.
func (user *User) portalKeyFor(tk types.ThreadKey) database.PortalKey {
	if tk.IsGroup() {
		return database.NewPortalKey(tk.ID(), 0)
	}
	return database.NewPortalKey(tk.ID(), user.FBID)
}

func (user *User) GetPortalByThreadKey(tk types.ThreadKey) *Portal {
	return user.bridge.GetPortalByID(user.portalKeyFor(tk))
}

// handleMQTTEvent runs on the MQTT reader goroutine, so it only hands the
// event to the dispatcher. The queue keeps per-account FIFO order.
func (user *User) handleMQTTEvent(evt any) {
	user.mqttEvents <- evt
}

func (user *User) dispatchLoop() {
	for evt := range user.mqttEvents {
		user.dispatchMQTTEvent(evt)
	}
}

func (user *User) dispatchMQTTEvent(evt any) {
	switch typedEvt := evt.(type) {
	case mqtt.Connected:
		user.zlog.Debug().Msg("Realtime connection established")
		user.BridgeState.Send(status.BridgeState{StateEvent: status.StateConnected})
	case mqtt.Disconnected:
		user.zlog.Warn().Err(typedEvt.Err).Msg("Realtime connection lost")
		user.BridgeState.Send(status.BridgeState{StateEvent: status.StateTransientDisconnect, Error: "fb-disconnected"})
		go user.reconnect()
	case mqtt.QueueDropped:
		user.zlog.Warn().Msg("Server dropped the delta queue, reconnecting with a fresh session")
		user.ConnectTokenHash = nil
		_ = user.Update(context.TODO())
		if user.MQTT != nil {
			user.MQTT.Disconnect()
		}
		go user.reconnect()
	case mqtt.ResyncRequired:
		user.zlog.Warn().Str("error_code", string(typedEvt.Error)).Msg("Delta queue out of sync, doing full resync")
		go user.fullResync()
	case *types.DeltaNewMessage:
		user.handleNewMessage(typedEvt, nil)
	case *types.DeltaExtendedMessage:
		user.handleNewMessage(&typedEvt.Message, typedEvt.RepliedToMessage)
	case *types.DeltaMessageReaction:
		portal := user.GetPortalByThreadKey(typedEvt.ThreadKey)
		if portal != nil {
			portal.handleFBReaction(user, typedEvt)
		}
	case *types.DeltaUnsendMessage:
		portal := user.GetPortalByThreadKey(typedEvt.ThreadKey)
		if portal != nil {
			portal.handleFBUnsend(user, typedEvt)
		}
	case *types.DeltaReadReceipt:
		portal := user.GetPortalByThreadKey(typedEvt.ThreadKey)
		if portal != nil && portal.MXID != "" {
			portal.handleFBReadReceipt(user, typedEvt.ActorFBID, time.UnixMilli(typedEvt.WatermarkTimestamp))
		}
	case *types.DeltaOwnReadReceipt:
		for _, tk := range typedEvt.ThreadKeys {
			portal := user.GetPortalByThreadKey(tk)
			if portal != nil && portal.MXID != "" {
				portal.handleFBReadReceipt(user, user.FBID, time.UnixMilli(typedEvt.WatermarkTimestamp))
			}
		}
	case *types.DeltaDeliveryReceipt:
		// Matrix has no per-user delivery receipts, so these are dropped.
	case *types.DeltaAddMember:
		portal := user.GetPortalByThreadKey(typedEvt.Metadata.ThreadKey)
		if portal != nil {
			portal.handleFBAddMember(user, typedEvt)
		}
	case *types.DeltaRemoveMember:
		portal := user.GetPortalByThreadKey(typedEvt.Metadata.ThreadKey)
		if portal != nil {
			portal.handleFBRemoveMember(user, typedEvt)
		}
	case *types.DeltaNameChange:
		portal := user.GetPortalByThreadKey(typedEvt.Metadata.ThreadKey)
		if portal != nil {
			portal.handleFBNameChange(user, typedEvt)
		}
	case *types.DeltaAvatarChange:
		portal := user.GetPortalByThreadKey(typedEvt.Metadata.ThreadKey)
		if portal != nil {
			portal.handleFBAvatarChange(user, typedEvt)
		}
	case *types.DeltaThreadChange, *types.DeltaForcedFetch:
		user.handleThreadRefetch(evt)
	case *types.TypingNotification:
		user.handleTypingNotification(typedEvt)
	case *types.Presence:
		user.handlePresence(typedEvt)
	default:
		user.zlog.Debug().Type("event_type", evt).Msg("Unhandled event from MQTT")
	}
}

func (user *User) handleNewMessage(msg *types.DeltaNewMessage, replyTo *types.DeltaNewMessage) {
	portal := user.GetPortalByThreadKey(msg.Metadata.ThreadKey)
	if portal == nil {
		return
	}
	portal.fbMessages <- portalFBMessage{user: user, msg: msg, replyTo: replyTo}
}

func (user *User) handleThreadRefetch(evt any) {
	var tk types.ThreadKey
	switch typedEvt := evt.(type) {
	case *types.DeltaThreadChange:
		tk = typedEvt.Metadata.ThreadKey
	case *types.DeltaForcedFetch:
		tk = typedEvt.ThreadKey
	}
	portal := user.GetPortalByThreadKey(tk)
	if portal == nil || portal.MXID == "" {
		return
	}
	ctx := user.zlog.WithContext(context.Background())
	threads, err := user.Client.GetThreadInfo(ctx, tk.ID())
	if err != nil || len(threads) == 0 {
		user.zlog.Err(err).Int64("thread_id", tk.ID()).Msg("Failed to refetch thread info")
		return
	}
	portal.UpdateInfo(ctx, user, &threads[0])
}

func (user *User) handleTypingNotification(notif *types.TypingNotification) {
	var portal *Portal
	if notif.Thread != 0 {
		portal = user.bridge.GetPortalByID(database.NewPortalKey(notif.Thread, 0))
	} else {
		portal = user.bridge.GetPortalByID(database.NewPortalKey(notif.Sender, user.FBID))
	}
	if portal == nil || portal.MXID == "" {
		return
	}
	puppet := user.bridge.GetPuppetByFBID(notif.Sender)
	if puppet == nil {
		return
	}
	portal.handleFBTyping(puppet, notif.State == 1)
}

func (user *User) handlePresence(presence *types.Presence) {
	if !user.bridge.Config.Bridge.DefaultBridgePresence {
		return
	}
	ctx := context.TODO()
	for _, info := range presence.List {
		puppet := user.bridge.GetPuppetByFBID(info.UserID)
		if puppet == nil {
			continue
		}
		state := event.PresenceOffline
		if info.Present == 1 {
			state = event.PresenceOnline
		}
		err := puppet.DefaultIntent().SetPresence(ctx, state)
		if err != nil {
			user.zlog.Debug().Err(err).Int64("fbid", info.UserID).Msg("Failed to bridge presence")
		}
	}
}

// fullResync refetches the thread list to get a fresh queue position, then
// reconnects with a new delta queue.
func (user *User) fullResync() {
	ctx := user.zlog.WithContext(context.Background())
	if user.MQTT != nil {
		user.MQTT.Disconnect()
		user.MQTT.ClearConnectTokenHash()
	}
	user.ConnectTokenHash = nil
	user.SeqID = 0
	_ = user.Update(ctx)
	err := user.syncThreads(ctx, true)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to resync threads")
		user.BridgeState.Send(status.BridgeState{StateEvent: status.StateUnknownError, Error: "fb-resync-failed", Message: err.Error()})
		return
	}
	go user.reconnect()
}

// syncThreads fetches the most recent conversations, updates or creates their
// portals and stores the sync queue position.
func (user *User) syncThreads(ctx context.Context, forceUpdate bool) error {
	count := user.bridge.Config.Bridge.Backfill.ConversationsCount
	if count <= 0 {
		count = 20
	}
	resp, err := user.Client.GetThreadList(ctx, count)
	if err != nil {
		return fmt.Errorf("failed to get thread list: %w", err)
	}
	if resp.SyncSequenceID != 0 {
		user.SeqID = resp.SyncSequenceID
		if user.MQTT != nil {
			user.MQTT.SetSeqID(user.SeqID)
		}
		err = user.UpdateSeqID(ctx, resp.SyncSequenceID)
		if err != nil {
			user.zlog.Err(err).Msg("Failed to save sequence ID from thread list")
		}
	}
	for i := range resp.Nodes {
		thread := &resp.Nodes[i]
		user.syncThread(ctx, thread, i, forceUpdate)
	}
	user.updateDirectChats(ctx, nil)
	user.initialSyncDone = true
	return nil
}

func (user *User) syncThread(ctx context.Context, thread *types.Thread, priority int, forceUpdate bool) {
	threadID := thread.ThreadKey.ID()
	if threadID == 0 {
		return
	}
	var key database.PortalKey
	if thread.IsGroupThread {
		key = database.NewPortalKey(threadID, 0)
	} else {
		key = database.NewPortalKey(threadID, user.FBID)
	}
	portal := user.bridge.GetPortalByID(key)
	if portal == nil {
		return
	}
	if portal.MXID == "" {
		err := portal.CreateMatrixRoom(ctx, user, thread)
		if err != nil {
			user.zlog.Err(err).Int64("thread_id", threadID).Msg("Failed to create portal room during sync")
			return
		}
		user.enqueueBackfill(ctx, portal, priority)
	} else {
		portal.UpdateInfo(ctx, user, thread)
		portal.ensureUserInvited(ctx, user)
		if forceUpdate {
			portal.UpdateBridgeInfo()
		}
	}
	user.addPortalToSpace(ctx, portal)
	user.syncThreadReceipts(ctx, portal, thread)
}

func (user *User) syncThreadReceipts(ctx context.Context, portal *Portal, thread *types.Thread) {
	if portal.MXID == "" {
		return
	}
	for _, receipt := range thread.ReadReceipts.Nodes {
		if receipt.Actor.ID == 0 || receipt.Watermark == 0 {
			continue
		}
		portal.handleFBReadReceipt(user, receipt.Actor.ID, time.UnixMilli(receipt.Watermark))
	}
}

func (user *User) enqueueBackfill(ctx context.Context, portal *Portal, priority int) {
	cfg := user.bridge.Config.Bridge.Backfill
	if !cfg.Enable || cfg.Incremental.MaxMessages.GetMaxMessagesFor(portal.Type) == 0 {
		return
	}
	task := user.bridge.DB.Backfill.NewWithValues(
		user.MXID, priority, portal.PortalKey, nil,
		cfg.Incremental.MessagesPerBatch,
		cfg.Incremental.MaxMessages.GetMaxMessagesFor(portal.Type),
		cfg.Incremental.PostBatchDelay,
	)
	err := task.Insert(ctx)
	if err != nil {
		user.zlog.Err(err).Stringer("portal_key", portal.PortalKey).Msg("Failed to enqueue backfill task")
	}
}

func (user *User) GetSpaceRoom(ctx context.Context) id.RoomID {
	if !user.IsLoggedIn() {
		return ""
	}
	user.spaceCreateLock.Lock()
	defer user.spaceCreateLock.Unlock()
	if user.SpaceRoom != "" {
		if !user.spaceMembershipChecked {
			user.ensureInvited(ctx, user.bridge.Bot, user.SpaceRoom, false)
			user.spaceMembershipChecked = true
		}
		return user.SpaceRoom
	}

	resp, err := user.bridge.Bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Name:       "Facebook Messenger",
		Topic:      "Your Facebook Messenger bridged chats",
		InitialState: []*event.Event{{
			Type: event.StateRoomAvatar,
			Content: event.Content{
				Parsed: &event.RoomAvatarEventContent{
					URL: user.bridge.Config.AppService.Bot.ParsedAvatar,
				},
			},
		}},
		CreationContent: map[string]interface{}{
			"type": event.RoomTypeSpace,
		},
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users: map[id.UserID]int{
				user.bridge.Bot.UserID: 9001,
				user.MXID:              50,
			},
		},
	})
	if err != nil {
		user.zlog.Err(err).Msg("Failed to auto-create space room")
		return ""
	}
	user.SpaceRoom = resp.RoomID
	user.spaceMembershipChecked = true
	err = user.Update(ctx)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to save space room ID")
	}
	user.ensureInvited(ctx, user.bridge.Bot, user.SpaceRoom, false)
	return user.SpaceRoom
}

func (user *User) addPortalToSpace(ctx context.Context, portal *Portal) {
	if portal.MXID == "" {
		return
	}
	up, err := user.bridge.DB.UserPortal.Get(ctx, user.MXID, portal.PortalKey)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to get user portal row")
		return
	}
	if up != nil && up.InSpace {
		return
	}
	spaceRoom := user.GetSpaceRoom(ctx)
	if spaceRoom == "" {
		return
	}
	_, err = user.bridge.Bot.SendStateEvent(ctx, spaceRoom, event.StateSpaceChild, portal.MXID.String(), &event.SpaceChildEventContent{
		Via: []string{user.bridge.Config.Homeserver.Domain},
	})
	if err != nil {
		user.zlog.Err(err).Stringer("room_id", portal.MXID).Msg("Failed to add portal to space")
		return
	}
	if up == nil {
		up = user.bridge.DB.UserPortal.New()
		up.UserMXID = user.MXID
		up.Portal = portal.PortalKey
	}
	up.InSpace = true
	err = up.Upsert(ctx)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to save user portal row")
	}
}

func (user *User) getDirectChats(ctx context.Context) map[id.UserID][]id.RoomID {
	chats := make(map[id.UserID][]id.RoomID)
	for _, portal := range user.bridge.GetAllPortalsForUser(user) {
		if portal.IsPrivateChat() && portal.MXID != "" {
			chats[user.bridge.FormatPuppetMXID(portal.FBID)] = []id.RoomID{portal.MXID}
		}
	}
	return chats
}

// updateDirectChats syncs the m.direct account data of the user through the
// double puppet. A nil chats map means the whole list is rebuilt.
func (user *User) updateDirectChats(ctx context.Context, chats map[id.UserID][]id.RoomID) {
	if !user.bridge.Config.Bridge.SyncDirectChatList {
		return
	}
	puppet := user.bridge.GetPuppetByCustomMXID(user.MXID)
	if puppet == nil || puppet.CustomIntent() == nil {
		return
	}
	intent := puppet.CustomIntent()
	replaceAll := chats == nil
	if replaceAll {
		chats = user.getDirectChats(ctx)
	}
	user.zlog.Debug().Msg("Updating m.direct list on homeserver")
	existingChats := make(map[id.UserID][]id.RoomID)
	err := intent.GetAccountData(ctx, event.AccountDataDirectChats.Type, &existingChats)
	if err != nil {
		user.zlog.Warn().Err(err).Msg("Failed to get m.direct list to update it")
		return
	}
	for userID, rooms := range existingChats {
		if _, ok := user.bridge.ParsePuppetMXID(userID); !ok {
			// Not a ghost user, include it in the new list
			chats[userID] = rooms
		} else if _, ok = chats[userID]; !ok && !replaceAll {
			// Ghost user missing from the patch, keep the existing entry
			chats[userID] = rooms
		}
	}
	err = intent.SetAccountData(ctx, event.AccountDataDirectChats.Type, &chats)
	if err != nil {
		user.zlog.Warn().Err(err).Msg("Failed to update m.direct list")
	}
}

// ensureInvited joins the user to a portal room, using the double puppet when
// available and falling back to a plain invite.
func (user *User) ensureInvited(ctx context.Context, intent *appservice.IntentAPI, roomID id.RoomID, isDirect bool) bool {
	if user.bridge.StateStore.GetMembership(ctx, roomID, user.MXID) == event.MembershipJoin {
		return true
	}
	extraContent := make(map[string]interface{})
	if isDirect {
		extraContent["is_direct"] = true
	}
	customPuppet := user.bridge.GetPuppetByCustomMXID(user.MXID)
	if customPuppet != nil && customPuppet.CustomIntent() != nil {
		extraContent[doublePuppetKey] = doublePuppetValue
	}
	_, err := intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: user.MXID}, extraContent)
	var httpErr mautrix.HTTPError
	if err != nil && errors.As(err, &httpErr) && httpErr.RespError != nil && strings.Contains(httpErr.RespError.Err, "is already in the room") {
		err = user.bridge.StateStore.SetMembership(ctx, roomID, user.MXID, event.MembershipJoin)
		if err != nil {
			user.zlog.Err(err).Msg("Failed to update membership in state store")
		}
		return true
	} else if err != nil {
		user.zlog.Err(err).Stringer("room_id", roomID).Msg("Failed to invite user to room")
		return false
	}
	if customPuppet != nil && customPuppet.CustomIntent() != nil {
		err = customPuppet.CustomIntent().EnsureJoined(ctx, roomID, appservice.EnsureJoinedParams{IgnoreCache: true})
		if err != nil {
			user.zlog.Err(err).Stringer("room_id", roomID).Msg("Failed to auto-join room with double puppet")
			return false
		}
	}
	return true
}

func (user *User) sendMarkdownBridgeAlert(important bool, formatString string, args ...any) {
	if user.ManagementRoom == "" {
		return
	}
	notice := fmt.Sprintf(formatString, args...)
	content := format.RenderMarkdown(notice, true, false)
	if !important {
		content.MsgType = event.MsgNotice
	}
	_, err := user.bridge.Bot.SendMessageEvent(context.TODO(), user.ManagementRoom, event.EventMessage, content)
	if err != nil {
		user.zlog.Err(err).Msg("Failed to send bridge alert")
	}
}
