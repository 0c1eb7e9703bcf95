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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/bridge"
	"maunium.net/go/mautrix/bridge/bridgeconfig"
	"maunium.net/go/mautrix/bridge/status"
	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/database"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

type portalMatrixMessage struct {
	evt  *event.Event
	user *User
}

type portalFBMessage struct {
	user    *User
	msg     *types.DeltaNewMessage
	replyTo *types.DeltaNewMessage
}

type Portal struct {
	*database.Portal

	bridge *FBBridge
	zlog   zerolog.Logger

	roomCreateLock      sync.Mutex
	encryptLock         sync.Mutex
	backfillLock        sync.Mutex
	forwardBackfillLock sync.Mutex

	matrixMessages chan portalMatrixMessage
	fbMessages     chan portalFBMessage

	// sendLock serializes outbound sends so the offline threading ID
	// allocation and database insert happen atomically with the publish.
	sendLock sync.Mutex

	// pendingMessages correlates media uploads (which have no send RPC
	// response) with their server echo by offline threading ID.
	pendingMessages     map[int64]id.EventID
	pendingMessagesLock sync.Mutex

	messageDedup *dedupRing

	pendingResync map[int64]*Puppet
	resyncUser    *User
	resyncTimer   *time.Timer
	resyncLock    sync.Mutex

	currentlyTyping     []id.UserID
	currentlyTypingLock sync.Mutex

	relayUser *User
}

const dedupRingSize = 100

// dedupRing remembers recently bridged remote IDs. The same event can arrive
// through both the realtime push and a history fetch, so the ring is checked
// before the database.
type dedupRing struct {
	lock sync.Mutex
	ids  []string
	seen map[string]struct{}
	next int
}

func newDedupRing(size int) *dedupRing {
	return &dedupRing{
		ids:  make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

func (dr *dedupRing) Contains(key string) bool {
	dr.lock.Lock()
	defer dr.lock.Unlock()
	_, ok := dr.seen[key]
	return ok
}

func (dr *dedupRing) Add(key string) {
	if key == "" {
		return
	}
	dr.lock.Lock()
	defer dr.lock.Unlock()
	if _, ok := dr.seen[key]; ok {
		return
	}
	if evicted := dr.ids[dr.next]; evicted != "" {
		delete(dr.seen, evicted)
	}
	dr.ids[dr.next] = key
	dr.seen[key] = struct{}{}
	dr.next = (dr.next + 1) % len(dr.ids)
}

var _ bridge.Portal = (*Portal)(nil)
var _ bridge.ReadReceiptHandlingPortal = (*Portal)(nil)
var _ bridge.TypingPortal = (*Portal)(nil)
var _ bridge.MembershipHandlingPortal = (*Portal)(nil)

func (br *FBBridge) loadPortal(ctx context.Context, dbPortal *database.Portal, key *database.PortalKey) *Portal {
	if dbPortal == nil {
		if key == nil {
			return nil
		}
		dbPortal = br.DB.Portal.New()
		dbPortal.PortalKey = *key
		err := dbPortal.Insert(ctx)
		if err != nil {
			br.ZLog.Err(err).Stringer("portal_key", *key).Msg("Failed to insert new portal")
			return nil
		}
	}

	portal := br.newPortal(dbPortal)
	br.portalsByID[portal.PortalKey] = portal
	if portal.MXID != "" {
		br.portalsByMXID[portal.MXID] = portal
	}
	return portal
}

func (br *FBBridge) newPortal(dbPortal *database.Portal) *Portal {
	portal := &Portal{
		Portal: dbPortal,
		bridge: br,
		zlog:   br.ZLog.With().Stringer("portal_key", dbPortal.PortalKey).Logger(),

		matrixMessages: make(chan portalMatrixMessage, br.Config.Bridge.PortalMessageBuffer),
		fbMessages:     make(chan portalFBMessage, br.Config.Bridge.PortalMessageBuffer),

		pendingMessages: make(map[int64]id.EventID),
		messageDedup:    newDedupRing(dedupRingSize),
		pendingResync:   make(map[int64]*Puppet),
	}
	go portal.messageLoop()
	return portal
}

func (br *FBBridge) GetPortalByMXID(mxid id.RoomID) *Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()

	portal, ok := br.portalsByMXID[mxid]
	if !ok {
		ctx := context.TODO()
		dbPortal, err := br.DB.Portal.GetByMXID(ctx, mxid)
		if err != nil {
			br.ZLog.Err(err).Stringer("room_id", mxid).Msg("Failed to get portal from database")
			return nil
		}
		return br.loadPortal(ctx, dbPortal, nil)
	}
	return portal
}

func (br *FBBridge) GetPortalByID(key database.PortalKey) *Portal {
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()

	portal, ok := br.portalsByID[key]
	if !ok {
		ctx := context.TODO()
		dbPortal, err := br.DB.Portal.GetByID(ctx, key)
		if err != nil {
			br.ZLog.Err(err).Stringer("portal_key", key).Msg("Failed to get portal from database")
			return nil
		}
		return br.loadPortal(ctx, dbPortal, &key)
	}
	return portal
}

func (br *FBBridge) GetAllPortals() []*Portal {
	return br.dbPortalsToPortals(br.DB.Portal.GetAll(context.TODO()))
}

func (br *FBBridge) GetAllPortalsWithMXID() []*Portal {
	return br.dbPortalsToPortals(br.DB.Portal.GetAllWithMXID(context.TODO()))
}

func (br *FBBridge) GetAllIPortals() (iportals []bridge.Portal) {
	portals := br.GetAllPortalsWithMXID()
	iportals = make([]bridge.Portal, len(portals))
	for i, portal := range portals {
		iportals[i] = portal
	}
	return iportals
}

func (br *FBBridge) GetAllPortalsByFBID(fbid int64) []*Portal {
	return br.dbPortalsToPortals(br.DB.Portal.GetAllByFBID(context.TODO(), fbid))
}

func (br *FBBridge) GetAllPortalsForUser(user *User) []*Portal {
	return br.dbPortalsToPortals(br.DB.Portal.GetAllForUser(context.TODO(), user.FBID, user.MXID))
}

func (br *FBBridge) dbPortalsToPortals(dbPortals []*database.Portal, err error) []*Portal {
	if err != nil {
		br.ZLog.Err(err).Msg("Failed to load portals")
		return nil
	}
	br.portalsLock.Lock()
	defer br.portalsLock.Unlock()

	output := make([]*Portal, len(dbPortals))
	ctx := context.TODO()
	for index, dbPortal := range dbPortals {
		portal, ok := br.portalsByID[dbPortal.PortalKey]
		if !ok {
			portal = br.loadPortal(ctx, dbPortal, nil)
		}
		output[index] = portal
	}
	return output
}

func (portal *Portal) messageLoop() {
	for {
		select {
		case msg := <-portal.matrixMessages:
			portal.handleMatrixMessages(msg)
		case msg := <-portal.fbMessages:
			portal.handleFBMessage(msg)
		}
	}
}

func (portal *Portal) IsEncrypted() bool {
	return portal.Encrypted
}

func (portal *Portal) MarkEncrypted() {
	portal.Encrypted = true
	err := portal.Update(context.TODO())
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to save portal after marking encrypted")
	}
}

func (portal *Portal) ReceiveMatrixEvent(user bridge.User, evt *event.Event) {
	if user.GetPermissionLevel() >= bridgeconfig.PermissionLevelUser || portal.HasRelaybot() {
		portal.matrixMessages <- portalMatrixMessage{user: user.(*User), evt: evt}
	}
}

func (portal *Portal) MainIntent() *appservice.IntentAPI {
	if portal.IsPrivateChat() {
		return portal.bridge.GetPuppetByFBID(portal.FBID).DefaultIntent()
	}
	return portal.bridge.Bot
}

func (portal *Portal) HasRelaybot() bool {
	return portal.bridge.Config.Bridge.Relay.Enabled && portal.RelayUserID != ""
}

func (portal *Portal) GetRelayUser() *User {
	if !portal.HasRelaybot() {
		return nil
	}
	if portal.relayUser == nil {
		portal.relayUser = portal.bridge.GetUserByMXID(portal.RelayUserID)
	}
	return portal.relayUser
}

// shouldSetDMRoomMetadata controls whether private chat rooms get the remote
// user's name and avatar set as room metadata.
func (portal *Portal) shouldSetDMRoomMetadata() bool {
	return !portal.IsPrivateChat() ||
		portal.bridge.Config.Bridge.PrivateChatPortalMeta == "always" ||
		(portal.IsEncrypted() && portal.bridge.Config.Bridge.PrivateChatPortalMeta != "never")
}

var portalCreationDummyEvent = event.Type{Type: "fi.mau.dummy.portal_created", Class: event.MessageEventType}

func (portal *Portal) CreateMatrixRoom(ctx context.Context, user *User, thread *types.Thread) error {
	portal.roomCreateLock.Lock()
	defer portal.roomCreateLock.Unlock()
	if portal.MXID != "" {
		return nil
	}

	if thread == nil {
		threads, err := user.Client.GetThreadInfo(ctx, portal.FBID)
		if err != nil {
			return fmt.Errorf("failed to fetch thread info: %w", err)
		} else if len(threads) == 0 {
			return fmt.Errorf("thread %d not found", portal.FBID)
		}
		thread = &threads[0]
	}
	portal.zlog.Info().Msg("Creating Matrix room for thread")

	portal.updateThreadMeta(ctx, user, thread)

	intent := portal.MainIntent()
	if err := intent.EnsureRegistered(ctx); err != nil {
		return err
	}

	bridgeInfoStateKey, bridgeInfo := portal.getBridgeInfo()
	initialState := []*event.Event{{
		Type:     event.StateBridge,
		Content:  event.Content{Parsed: bridgeInfo},
		StateKey: &bridgeInfoStateKey,
	}, {
		// TODO remove this once https://github.com/matrix-org/matrix-doc/pull/2346 is in spec
		Type:     event.StateHalfShotBridge,
		Content:  event.Content{Parsed: bridgeInfo},
		StateKey: &bridgeInfoStateKey,
	}}

	creationContent := make(map[string]interface{})
	if !portal.bridge.Config.Bridge.FederateRooms {
		creationContent["m.federate"] = false
	}

	var invite []id.UserID
	if portal.bridge.Config.Bridge.Encryption.Default {
		initialState = append(initialState, &event.Event{
			Type: event.StateEncryption,
			Content: event.Content{
				Parsed: portal.getEncryptionEventContent(),
			},
		})
		portal.Encrypted = true
		if portal.IsPrivateChat() {
			invite = append(invite, portal.bridge.Bot.UserID)
		}
	}
	if !portal.AvatarURL.IsEmpty() && portal.shouldSetDMRoomMetadata() {
		initialState = append(initialState, &event.Event{
			Type: event.StateRoomAvatar,
			Content: event.Content{
				Parsed: event.RoomAvatarEventContent{URL: portal.AvatarURL},
			},
		})
		portal.AvatarSet = true
	}

	roomName := portal.Name
	if !portal.shouldSetDMRoomMetadata() {
		roomName = ""
		portal.NameSet = false
	}

	resp, err := intent.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:      "private",
		Name:            roomName,
		Invite:          invite,
		Preset:          "private_chat",
		IsDirect:        portal.IsPrivateChat(),
		InitialState:    initialState,
		CreationContent: creationContent,
	})
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to create room")
		return err
	}

	portal.NameSet = roomName != ""
	portal.MXID = resp.RoomID
	portal.MoreToBackfill = true
	portal.bridge.portalsLock.Lock()
	portal.bridge.portalsByMXID[portal.MXID] = portal
	portal.bridge.portalsLock.Unlock()
	err = portal.Update(ctx)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to save portal after creating room")
	}
	portal.zlog.Info().Stringer("room_id", portal.MXID).Msg("Matrix room created")

	if portal.Encrypted && portal.IsPrivateChat() {
		err = portal.bridge.Bot.EnsureJoined(ctx, portal.MXID, appservice.EnsureJoinedParams{BotOverride: portal.MainIntent().Client})
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to ensure bridge bot is joined to private chat portal")
		}
	}

	portal.ensureUserInvited(ctx, user)
	portal.syncParticipants(ctx, user, thread)
	user.addPortalToSpace(ctx, portal)

	if portal.IsPrivateChat() {
		puppet := user.bridge.GetPuppetByFBID(portal.FBID)
		user.updateDirectChats(ctx, map[id.UserID][]id.RoomID{puppet.MXID: {portal.MXID}})
	}

	firstEventResp, err := portal.MainIntent().SendMessageEvent(ctx, portal.MXID, portalCreationDummyEvent, struct{}{})
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to send dummy event to mark portal creation")
	} else {
		portal.FirstEventID = firstEventResp.EventID
		err = portal.Update(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to save first event ID")
		}
	}

	go portal.forwardBackfillInitial(user, thread)

	return nil
}

// createFromInvite adopts a manually created DM room as the portal room
// instead of making a new one.
func (portal *Portal) createFromInvite(user *User, puppet *Puppet, roomID id.RoomID) {
	portal.roomCreateLock.Lock()
	defer portal.roomCreateLock.Unlock()
	ctx := portal.zlog.WithContext(context.Background())

	portal.MXID = roomID
	portal.Type = types.ThreadTypeUser
	portal.bridge.portalsLock.Lock()
	portal.bridge.portalsByMXID[portal.MXID] = portal
	portal.bridge.portalsLock.Unlock()

	intent := puppet.DefaultIntent()
	err := intent.EnsureJoined(ctx, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to join created private chat room")
		return
	}
	if portal.bridge.Config.Bridge.Encryption.Default {
		_, err = intent.SendStateEvent(ctx, portal.MXID, event.StateEncryption, "", portal.getEncryptionEventContent())
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to enable encryption in created room")
		} else {
			portal.Encrypted = true
		}
	}
	portal.UpdateInfoFromPuppet(ctx, puppet)
	portal.UpdateBridgeInfo()
	err = portal.Update(ctx)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to save portal adopted from invite")
	}
	user.addPortalToSpace(ctx, portal)
}

func (portal *Portal) getEncryptionEventContent() *event.EncryptionEventContent {
	return &event.EncryptionEventContent{Algorithm: id.AlgorithmMegolmV1}
}

func (portal *Portal) ensureUserInvited(ctx context.Context, user *User) bool {
	return user.ensureInvited(ctx, portal.MainIntent(), portal.MXID, portal.IsPrivateChat())
}

func (portal *Portal) syncParticipants(ctx context.Context, source *User, thread *types.Thread) {
	limit := portal.bridge.Config.Bridge.ParticipantSyncCount
	for i, participant := range thread.AllParticipants.Nodes {
		if limit > 0 && i >= limit {
			break
		}
		actor := participant.Actor
		puppet := portal.bridge.GetPuppetByFBID(actor.ID)
		if puppet == nil {
			continue
		}
		puppet.UpdateInfo(ctx, source, &actor)

		user := portal.bridge.GetUserByFBID(actor.ID)
		if user != nil && portal.MXID != "" {
			portal.ensureUserInvited(ctx, user)
		}
		if portal.MXID != "" && (user == nil || puppet.IntentFor(portal) != puppet.customIntent) {
			err := puppet.IntentFor(portal).EnsureJoined(ctx, portal.MXID)
			if err != nil {
				portal.zlog.Warn().Err(err).Int64("fbid", actor.ID).Msg("Failed to make ghost join portal")
			}
		}
	}
}

// updateThreadMeta applies thread metadata without touching the room, used
// before the room exists.
func (portal *Portal) updateThreadMeta(ctx context.Context, source *User, thread *types.Thread) bool {
	changed := false
	threadType := thread.ThreadType
	if thread.IsGroupThread && threadType == types.ThreadTypeUnknown {
		threadType = types.ThreadTypeGroup
	}
	if portal.Type != threadType && threadType != types.ThreadTypeUnknown {
		portal.Type = threadType
		changed = true
	}

	if portal.IsPrivateChat() {
		puppet := portal.bridge.GetPuppetByFBID(portal.FBID)
		if puppet != nil {
			puppet.UpdateInfoIfNecessary(ctx, source)
			changed = portal.updateName(ctx, puppet.Name) || changed
			changed = portal.updateAvatarFromPuppet(ctx, puppet) || changed
		}
	} else {
		changed = portal.updateName(ctx, thread.Name) || changed
		if thread.Image != nil {
			changed = portal.updateAvatar(ctx, source, thread.Image.URI) || changed
		}
	}
	return changed
}

// UpdateInfo syncs thread metadata and membership, returning whether anything
// actually changed. A nil thread makes it fetch the info itself.
func (portal *Portal) UpdateInfo(ctx context.Context, source *User, thread *types.Thread) bool {
	if thread == nil {
		threads, err := source.Client.GetThreadInfo(ctx, portal.FBID)
		if err != nil || len(threads) == 0 {
			portal.zlog.Err(err).Msg("Failed to fetch thread info for update")
			return false
		}
		thread = &threads[0]
	}
	changed := portal.updateThreadMeta(ctx, source, thread)
	if portal.MXID != "" {
		portal.syncParticipants(ctx, source, thread)
	}
	if changed {
		portal.UpdateBridgeInfo()
		err := portal.Update(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to save portal after updating info")
		}
	}
	return changed
}

// UpdateInfoFromPuppet syncs private chat metadata from the ghost's profile.
func (portal *Portal) UpdateInfoFromPuppet(ctx context.Context, puppet *Puppet) {
	if !portal.IsPrivateChat() || puppet.FBID != portal.FBID {
		return
	}
	changed := portal.updateName(ctx, puppet.Name)
	changed = portal.updateAvatarFromPuppet(ctx, puppet) || changed
	if changed {
		err := portal.Update(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to save portal after updating info from ghost")
		}
	}
}

func (portal *Portal) updateName(ctx context.Context, name string) bool {
	if portal.Name == name && (portal.NameSet || portal.MXID == "") {
		return false
	}
	portal.Name = name
	portal.NameSet = false
	if portal.MXID != "" && portal.shouldSetDMRoomMetadata() {
		_, err := portal.MainIntent().SetRoomName(ctx, portal.MXID, portal.Name)
		if err != nil {
			portal.zlog.Warn().Err(err).Msg("Failed to update room name")
		} else {
			portal.NameSet = true
		}
	}
	return true
}

func (portal *Portal) updateAvatarFromPuppet(ctx context.Context, puppet *Puppet) bool {
	if portal.PhotoID == puppet.PhotoID && portal.AvatarURL == puppet.PhotoMXC && (portal.AvatarSet || portal.MXID == "") {
		return false
	}
	portal.PhotoID = puppet.PhotoID
	portal.AvatarURL = puppet.PhotoMXC
	portal.AvatarSet = false
	portal.setRoomAvatar(ctx)
	return true
}

func (portal *Portal) updateAvatar(ctx context.Context, source *User, photoURL string) bool {
	if portal.PhotoID == photoURL && (portal.AvatarSet || portal.MXID == "") {
		return false
	}
	avatarChanged := photoURL != portal.PhotoID
	portal.PhotoID = photoURL
	portal.AvatarSet = false
	if photoURL == "" {
		portal.AvatarURL = id.ContentURI{}
	} else if portal.AvatarURL.IsEmpty() || avatarChanged {
		mxc, err := reuploadAvatar(ctx, source, portal.MainIntent(), photoURL)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to reupload group avatar")
			return true
		}
		portal.AvatarURL = mxc
	}
	portal.setRoomAvatar(ctx)
	return true
}

func (portal *Portal) setRoomAvatar(ctx context.Context) {
	if portal.MXID == "" || !portal.shouldSetDMRoomMetadata() {
		return
	}
	_, err := portal.MainIntent().SetRoomAvatar(ctx, portal.MXID, portal.AvatarURL)
	if err != nil {
		portal.zlog.Warn().Err(err).Msg("Failed to update room avatar")
	} else {
		portal.AvatarSet = true
	}
}

func (portal *Portal) getBridgeInfo() (string, event.BridgeEventContent) {
	bridgeInfo := event.BridgeEventContent{
		BridgeBot: portal.bridge.Bot.UserID,
		Creator:   portal.MainIntent().UserID,
		Protocol: event.BridgeInfoSection{
			ID:          "facebook",
			DisplayName: "Facebook Messenger",
			AvatarURL:   portal.bridge.Config.AppService.Bot.ParsedAvatar.CUString(),
			ExternalURL: "https://www.facebook.com/messages/",
		},
		Channel: event.BridgeInfoSection{
			ID:          strconv.FormatInt(portal.FBID, 10),
			DisplayName: portal.Name,
			AvatarURL:   portal.AvatarURL.CUString(),
		},
	}
	bridgeInfoStateKey := fmt.Sprintf("net.maunium.facebook://facebook/%d", portal.FBID)
	return bridgeInfoStateKey, bridgeInfo
}

func (portal *Portal) UpdateBridgeInfo() {
	if portal.MXID == "" {
		return
	}
	ctx := portal.zlog.WithContext(context.Background())
	stateKey, content := portal.getBridgeInfo()
	_, err := portal.MainIntent().SendStateEvent(ctx, portal.MXID, event.StateBridge, stateKey, content)
	if err != nil {
		portal.zlog.Warn().Err(err).Msg("Failed to update m.bridge")
	}
	// TODO remove this once https://github.com/matrix-org/matrix-doc/pull/2346 is in spec
	_, err = portal.MainIntent().SendStateEvent(ctx, portal.MXID, event.StateHalfShotBridge, stateKey, content)
	if err != nil {
		portal.zlog.Warn().Err(err).Msg("Failed to update uk.half-shot.bridge")
	}
}

const doublePuppetKey = "fi.mau.double_puppet_source"
const doublePuppetValue = "mautrix-facebook"

func (portal *Portal) encrypt(ctx context.Context, intent *appservice.IntentAPI, content *event.Content, eventType event.Type) (event.Type, error) {
	if !portal.Encrypted || portal.bridge.Crypto == nil {
		return eventType, nil
	}
	intent.AddDoublePuppetValue(content)
	portal.encryptLock.Lock()
	defer portal.encryptLock.Unlock()
	err := portal.bridge.Crypto.Encrypt(ctx, portal.MXID, eventType, content)
	if err != nil {
		return eventType, fmt.Errorf("failed to encrypt event: %w", err)
	}
	return event.EventEncrypted, nil
}

func (portal *Portal) sendMatrixMessage(ctx context.Context, intent *appservice.IntentAPI, eventType event.Type, content *event.MessageEventContent, extraContent map[string]interface{}, timestamp int64) (*mautrix.RespSendEvent, error) {
	wrappedContent := event.Content{Parsed: content, Raw: extraContent}
	if timestamp != 0 && intent.IsCustomPuppet {
		if wrappedContent.Raw == nil {
			wrappedContent.Raw = map[string]interface{}{}
		}
		wrappedContent.Raw[doublePuppetKey] = doublePuppetValue
	}
	var err error
	eventType, err = portal.encrypt(ctx, intent, &wrappedContent, eventType)
	if err != nil {
		return nil, err
	}

	if eventType == event.EventEncrypted {
		// Clear other custom keys if the event was encrypted, but keep the double puppet identifier
		if intent.IsCustomPuppet {
			wrappedContent.Raw = map[string]interface{}{doublePuppetKey: doublePuppetValue}
		} else {
			wrappedContent.Raw = nil
		}
	}

	_, _ = intent.UserTyping(ctx, portal.MXID, false, 0)
	if timestamp == 0 {
		return intent.SendMessageEvent(ctx, portal.MXID, eventType, &wrappedContent)
	}
	return intent.SendMassagedMessageEvent(ctx, portal.MXID, eventType, &wrappedContent, timestamp)
}

func (portal *Portal) sendDeliveryReceipt(ctx context.Context, eventID id.EventID) {
	if !portal.bridge.Config.Bridge.DeliveryReceipts {
		return
	}
	err := portal.bridge.Bot.MarkRead(ctx, portal.MXID, eventID)
	if err != nil {
		portal.zlog.Debug().Err(err).Stringer("event_id", eventID).Msg("Failed to send delivery receipt")
	}
}

func (portal *Portal) sendErrorMessage(ctx context.Context, evt *event.Event, sendErr error) {
	portal.bridge.SendMessageErrorCheckpoint(evt, status.MsgStepRemote, sendErr, true, 0)
	if !portal.bridge.Config.Bridge.MessageErrorNotices {
		return
	}
	_, err := portal.sendMatrixMessage(ctx, portal.MainIntent(), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    fmt.Sprintf("⚠ Your message was not bridged: %v", sendErr),
	}, nil, 0)
	if err != nil {
		portal.zlog.Warn().Err(err).Msg("Failed to send bridging error message")
	}
}

func (portal *Portal) sendSuccessCheckpoint(ctx context.Context, evt *event.Event) {
	portal.bridge.SendMessageSuccessCheckpoint(evt, status.MsgStepRemote, 0)
	portal.sendDeliveryReceipt(ctx, evt.ID)
}

func (portal *Portal) handleMatrixMessages(msg portalMatrixMessage) {
	ctx := portal.zlog.WithContext(context.Background())
	switch msg.evt.Type {
	case event.EventMessage, event.EventSticker:
		portal.handleMatrixMessage(ctx, msg.user, msg.evt)
	case event.EventRedaction:
		portal.handleMatrixRedaction(ctx, msg.user, msg.evt)
	case event.EventReaction:
		portal.handleMatrixReaction(ctx, msg.user, msg.evt)
	default:
		portal.zlog.Debug().Str("event_type", msg.evt.Type.Type).Msg("Unhandled Matrix event type")
	}
}

// getMessageSender resolves who the message goes out as: the sender if logged
// in, otherwise the portal's relay user.
func (portal *Portal) getMessageSender(ctx context.Context, sender *User, evt *event.Event, content *event.MessageEventContent) (*User, bool) {
	if sender.IsLoggedIn() && sender.IsConnected() {
		return sender, false
	}
	relay := portal.GetRelayUser()
	if relay == nil || !relay.IsLoggedIn() || !relay.IsConnected() {
		portal.sendErrorMessage(ctx, evt, errors.New("you are not logged in and no relay user is set"))
		return nil, false
	}
	portal.addRelaybotFormat(ctx, sender.MXID, content)
	return relay, true
}

func (portal *Portal) addRelaybotFormat(ctx context.Context, userID id.UserID, content *event.MessageEventContent) {
	member := portal.MainIntent().Member(ctx, portal.MXID, userID)
	if member == nil {
		member = &event.MemberEventContent{}
	}
	content.EnsureHasHTML()
	data, err := portal.bridge.Config.Bridge.Relay.FormatMessage(content, userID, *member)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to apply relaybot format")
	}
	content.FormattedBody = data
	content.Format = event.FormatHTML
}

func (portal *Portal) handleMatrixMessage(ctx context.Context, sender *User, evt *event.Event) {
	existing, err := portal.bridge.DB.Message.GetByMXID(ctx, evt.ID, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to check for duplicate message")
	} else if existing != nil {
		portal.zlog.Debug().Stringer("event_id", evt.ID).Msg("Ignoring duplicate message")
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		portal.zlog.Debug().Stringer("event_id", evt.ID).Msg("Unexpected parsed content type")
		return
	}
	if content.MsgType == event.MsgNotice && !portal.bridge.Config.Bridge.BridgeNotices {
		return
	}

	sender, _ = portal.getMessageSender(ctx, sender, evt, content)
	if sender == nil {
		return
	}

	switch content.MsgType {
	case event.MsgText, event.MsgEmote, event.MsgNotice:
		portal.handleMatrixText(ctx, sender, evt, content)
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		portal.handleMatrixMedia(ctx, sender, evt, content)
	default:
		if evt.Type == event.EventSticker {
			portal.handleMatrixMedia(ctx, sender, evt, content)
			return
		}
		portal.sendErrorMessage(ctx, evt, fmt.Errorf("unsupported message type %s", content.MsgType))
	}
}

func (portal *Portal) handleMatrixText(ctx context.Context, sender *User, evt *event.Event, content *event.MessageEventContent) {
	body := portal.parseMatrixHTML(content)
	if content.MsgType == event.MsgEmote {
		body = "/me " + body
	}

	portal.sendLock.Lock()
	defer portal.sendLock.Unlock()

	oti := maufbapi.GenerateOfflineThreadingID()
	resp, err := sender.MQTT.SendMessage(ctx, &types.SendMessageRequest{
		Body:               body,
		OfflineThreadingID: strconv.FormatInt(oti, 10),
		SenderFBID:         sender.FBID,
		To:                 types.ToField(portal.FBID, !portal.IsPrivateChat()),
	})
	if err != nil {
		portal.zlog.Err(err).Stringer("event_id", evt.ID).Msg("Failed to send message")
		portal.sendErrorMessage(ctx, evt, err)
		return
	} else if !resp.Success {
		portal.zlog.Warn().Str("error", resp.ErrorMessage).Stringer("event_id", evt.ID).Msg("Server rejected message")
		portal.sendErrorMessage(ctx, evt, fmt.Errorf("server rejected message: %s", resp.ErrorMessage))
		return
	}

	portal.storeSentMessage(ctx, resp.MessageID, oti, sender.FBID, evt.ID, time.Now())
	portal.sendSuccessCheckpoint(ctx, evt)
}

func (portal *Portal) handleMatrixMedia(ctx context.Context, sender *User, evt *event.Event, content *event.MessageEventContent) {
	data, err := portal.downloadMatrixAttachment(ctx, content)
	if err != nil {
		portal.zlog.Err(err).Stringer("event_id", evt.ID).Msg("Failed to download Matrix attachment")
		portal.sendErrorMessage(ctx, evt, err)
		return
	}

	fileName := content.Body
	if content.FileName != "" {
		fileName = content.FileName
	}
	portal.sendLock.Lock()
	defer portal.sendLock.Unlock()

	oti := maufbapi.GenerateOfflineThreadingID()

	// The upload response doesn't carry the final message ID, so remember the
	// OTI and fill in the mapping when the echo arrives over MQTT.
	portal.pendingMessagesLock.Lock()
	portal.pendingMessages[oti] = evt.ID
	portal.pendingMessagesLock.Unlock()

	err = sender.Client.SendMedia(ctx, portal.FBID, oti, fileName, data)
	if err != nil {
		portal.pendingMessagesLock.Lock()
		delete(portal.pendingMessages, oti)
		portal.pendingMessagesLock.Unlock()
		portal.zlog.Err(err).Stringer("event_id", evt.ID).Msg("Failed to send media")
		portal.sendErrorMessage(ctx, evt, err)
		return
	}
	portal.sendSuccessCheckpoint(ctx, evt)
}

func (portal *Portal) downloadMatrixAttachment(ctx context.Context, content *event.MessageEventContent) ([]byte, error) {
	var file *event.EncryptedFileInfo
	rawMXC := content.URL
	if content.File != nil {
		file = content.File
		rawMXC = file.URL
	}
	mxc, err := rawMXC.Parse()
	if err != nil {
		return nil, err
	}
	data, err := portal.MainIntent().DownloadBytes(ctx, mxc)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	if file != nil {
		err = file.DecryptInPlace(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt media: %w", err)
		}
	}
	return data, nil
}

func (portal *Portal) handleMatrixReaction(ctx context.Context, sender *User, evt *event.Event) {
	if !sender.IsLoggedIn() {
		return
	}
	reaction := evt.Content.AsReaction()
	if reaction.RelatesTo.Type != event.RelAnnotation {
		return
	}
	msg, err := portal.bridge.DB.Message.GetByMXID(ctx, reaction.RelatesTo.EventID, portal.MXID)
	if err != nil || msg == nil {
		portal.zlog.Debug().Err(err).Stringer("target", reaction.RelatesTo.EventID).Msg("Dropping reaction to unknown message")
		return
	}

	// Messenger only supports single-codepoint emoji, strip variation selectors.
	emoji := strings.TrimSuffix(reaction.RelatesTo.Key, "️")

	err = sender.Client.SendReaction(ctx, msg.FBID, emoji)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to send reaction")
		portal.sendErrorMessage(ctx, evt, err)
		return
	}
	portal.messageDedup.Add(fmt.Sprintf("react_%s_%d_%s", msg.FBID, sender.FBID, emoji))

	dbReaction, err := portal.bridge.DB.Reaction.GetByID(ctx, msg.FBID, portal.Receiver, sender.FBID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get existing reaction row")
	}
	if dbReaction != nil && dbReaction.MXID != "" {
		// Replacing a reaction: redact the old Matrix event so the new one
		// isn't duplicated.
		puppet := portal.bridge.GetPuppetByFBID(sender.FBID)
		_, err = puppet.IntentFor(portal).RedactEvent(ctx, portal.MXID, dbReaction.MXID)
		if err != nil {
			portal.zlog.Debug().Err(err).Msg("Failed to redact old reaction event")
		}
	}
	if dbReaction == nil {
		dbReaction = portal.bridge.DB.Reaction.New()
		dbReaction.MessageID = msg.FBID
		dbReaction.Receiver = portal.Receiver
		dbReaction.SenderID = sender.FBID
	}
	dbReaction.Reaction = emoji
	dbReaction.MXID = evt.ID
	dbReaction.MXRoom = portal.MXID
	err = dbReaction.Upsert(ctx)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to save reaction")
	}
	portal.sendSuccessCheckpoint(ctx, evt)
}

func (portal *Portal) handleMatrixRedaction(ctx context.Context, sender *User, evt *event.Event) {
	if !sender.IsLoggedIn() {
		return
	}
	msg, err := portal.bridge.DB.Message.GetByMXID(ctx, evt.Redacts, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get message for redaction")
	}
	if msg != nil {
		err = sender.Client.UnsendMessage(ctx, msg.FBID)
		if err != nil {
			portal.zlog.Err(err).Str("message_id", msg.FBID).Msg("Failed to unsend message")
			portal.sendErrorMessage(ctx, evt, err)
			return
		}
		err = msg.Delete(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to delete message row after unsend")
		}
		portal.sendSuccessCheckpoint(ctx, evt)
		return
	}

	reaction, err := portal.bridge.DB.Reaction.GetByMXID(ctx, evt.Redacts, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get reaction for redaction")
	}
	if reaction != nil {
		err = sender.Client.SendReaction(ctx, reaction.MessageID, "")
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to remove reaction")
			portal.sendErrorMessage(ctx, evt, err)
			return
		}
		err = reaction.Delete(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to delete reaction row")
		}
		portal.sendSuccessCheckpoint(ctx, evt)
		return
	}

	portal.zlog.Debug().Stringer("redacts", evt.Redacts).Msg("Ignoring redaction of unknown event")
}

func (portal *Portal) HandleMatrixReadReceipt(brUser bridge.User, eventID id.EventID, receipt event.ReadReceipt) {
	user := brUser.(*User)
	if !user.IsLoggedIn() || !user.IsConnected() {
		return
	}
	ctx := portal.zlog.WithContext(context.Background())
	msg, err := portal.bridge.DB.Message.GetByMXID(ctx, eventID, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get read receipt target message")
		return
	}
	watermark := receipt.Timestamp
	if msg != nil {
		watermark = msg.Timestamp
	}
	req := &types.MarkReadRequest{
		Mark:        "read",
		State:       true,
		ActionID:    time.Now().UnixMilli(),
		SyncSeqID:   user.SeqID,
		WatermarkTS: watermark.UnixMilli(),
	}
	if portal.IsPrivateChat() {
		req.OtherUserID = portal.FBID
	} else {
		req.ThreadFBID = portal.FBID
	}
	err = user.MQTT.MarkRead(ctx, req)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to mark thread as read")
	}
}

func (portal *Portal) HandleMatrixTyping(newTyping []id.UserID) {
	if !portal.IsPrivateChat() {
		// The mobile API only reports typing in one-to-one chats.
		return
	}
	portal.currentlyTypingLock.Lock()
	defer portal.currentlyTypingLock.Unlock()
	stopped := make(map[id.UserID]struct{})
	for _, userID := range portal.currentlyTyping {
		stopped[userID] = struct{}{}
	}
	ctx := portal.zlog.WithContext(context.Background())
	for _, userID := range newTyping {
		if _, ok := stopped[userID]; ok {
			delete(stopped, userID)
			continue
		}
		portal.setRemoteTyping(ctx, userID, true)
	}
	for userID := range stopped {
		portal.setRemoteTyping(ctx, userID, false)
	}
	portal.currentlyTyping = newTyping
}

func (portal *Portal) setRemoteTyping(ctx context.Context, userID id.UserID, typing bool) {
	user := portal.bridge.GetUserByMXID(userID)
	if user == nil || !user.IsConnected() {
		return
	}
	err := user.MQTT.SetTyping(ctx, portal.FBID, typing)
	if err != nil {
		portal.zlog.Debug().Err(err).Bool("typing", typing).Msg("Failed to bridge typing status")
	}
}

func (portal *Portal) HandleMatrixLeave(brSender bridge.User) {
	sender := brSender.(*User)
	if portal.IsPrivateChat() && sender.FBID == portal.Receiver {
		portal.zlog.Info().Msg("User left private chat portal, cleaning up and deleting")
		portal.Delete()
		portal.Cleanup(false)
		return
	}
	portal.cleanupIfEmpty()
}

func (portal *Portal) HandleMatrixKick(brSender bridge.User, ghost bridge.Ghost) {
	// Group membership can't be managed over the mobile messaging API, undo
	// the kick on the Matrix side.
	puppet := ghost.(*Puppet)
	ctx := portal.zlog.WithContext(context.Background())
	err := puppet.DefaultIntent().EnsureJoined(ctx, portal.MXID, appservice.EnsureJoinedParams{IgnoreCache: true})
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to rejoin ghost after kick")
	}
}

func (portal *Portal) HandleMatrixInvite(brSender bridge.User, ghost bridge.Ghost) {
	puppet := ghost.(*Puppet)
	ctx := portal.zlog.WithContext(context.Background())
	err := puppet.DefaultIntent().EnsureJoined(ctx, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to join ghost after invite")
	}
}

// storeSentMessage records an outgoing message so the MQTT echo is recognized
// as a duplicate.
func (portal *Portal) storeSentMessage(ctx context.Context, msgID string, oti, senderID int64, eventID id.EventID, ts time.Time) {
	dbMsg := portal.bridge.DB.Message.New()
	dbMsg.FBID = msgID
	dbMsg.TxnID = oti
	dbMsg.Chat = portal.PortalKey
	dbMsg.SenderID = senderID
	dbMsg.Timestamp = ts
	dbMsg.MXID = eventID
	dbMsg.MXRoom = portal.MXID
	err := dbMsg.Insert(ctx)
	if err != nil {
		portal.zlog.Err(err).Str("message_id", msgID).Msg("Failed to save sent message")
	}
	portal.messageDedup.Add(msgID)
}

func (portal *Portal) handleFBMessage(msg portalFBMessage) {
	ctx := portal.zlog.WithContext(context.Background())
	meta := &msg.msg.Metadata

	if portal.MXID == "" {
		err := portal.CreateMatrixRoom(ctx, msg.user, nil)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to create room for incoming message")
			return
		}
	}

	if portal.messageDedup.Contains(meta.MessageID) {
		return
	}

	existing, err := portal.bridge.DB.Message.GetLastPartByFBID(ctx, meta.MessageID, portal.Receiver)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to check for duplicate incoming message")
	} else if existing != nil {
		portal.messageDedup.Add(meta.MessageID)
		return
	}

	if meta.OfflineThreadingID != 0 {
		if portal.finishPendingMessage(ctx, meta) {
			return
		}
		own, err := portal.bridge.DB.Message.GetByTxnID(ctx, portal.PortalKey, meta.ActorFBID, meta.OfflineThreadingID)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to check for own message echo")
		} else if own != nil {
			if own.FBID == "" {
				err = own.UpdateFBID(ctx, meta.MessageID, time.UnixMilli(meta.Timestamp))
				if err != nil {
					portal.zlog.Err(err).Str("message_id", meta.MessageID).Msg("Failed to fill in echoed message ID")
				}
			}
			portal.messageDedup.Add(meta.MessageID)
			return
		}
	}

	puppet := portal.bridge.GetPuppetByFBID(meta.ActorFBID)
	if puppet == nil {
		portal.zlog.Warn().Int64("sender", meta.ActorFBID).Msg("Dropping message from unknown sender")
		return
	}
	puppet.UpdateInfoIfNecessary(ctx, msg.user)
	if puppet.Name == "" {
		portal.scheduleParticipantResync(msg.user, puppet)
	}
	intent := puppet.IntentFor(portal)
	ts := meta.Timestamp

	var contents []*event.MessageEventContent
	var eventTypes []event.Type

	for i := range msg.msg.Attachments {
		converted := portal.convertWireAttachment(ctx, msg.user, intent, &msg.msg.Attachments[i])
		if converted != nil {
			contents = append(contents, converted)
			eventTypes = append(eventTypes, event.EventMessage)
		}
	}
	if msg.msg.StickerID != 0 {
		converted := portal.convertSticker(ctx, msg.user, intent, msg.msg.StickerID)
		if converted != nil {
			contents = append(contents, converted)
			eventTypes = append(eventTypes, event.EventSticker)
		}
	}
	if msg.msg.Body != "" {
		mentions := parseRealtimeMentions(msg.msg.Data)
		contents = append(contents, portal.convertFBText(msg.msg.Body, mentions))
		eventTypes = append(eventTypes, event.EventMessage)
	}
	if len(contents) == 0 {
		portal.zlog.Debug().Str("message_id", meta.MessageID).Msg("Message had no convertible content")
		return
	}

	if msg.replyTo != nil {
		portal.setReply(ctx, contents[0], msg.replyTo.Metadata.MessageID)
	}

	var lastEventID id.EventID
	for index, content := range contents {
		resp, err := portal.sendMatrixMessage(ctx, intent, eventTypes[index], content, nil, ts)
		if err != nil {
			portal.zlog.Err(err).Str("message_id", meta.MessageID).Int("part", index).Msg("Failed to send message to Matrix")
			continue
		}
		dbMsg := portal.bridge.DB.Message.New()
		dbMsg.FBID = meta.MessageID
		dbMsg.TxnID = meta.OfflineThreadingID
		dbMsg.Index = index
		dbMsg.Chat = portal.PortalKey
		dbMsg.SenderID = meta.ActorFBID
		dbMsg.Timestamp = time.UnixMilli(ts)
		dbMsg.MXID = resp.EventID
		dbMsg.MXRoom = portal.MXID
		err = dbMsg.Insert(ctx)
		if err != nil {
			portal.zlog.Err(err).Str("message_id", meta.MessageID).Msg("Failed to save incoming message")
		}
		lastEventID = resp.EventID
	}
	portal.messageDedup.Add(meta.MessageID)
	if lastEventID != "" {
		portal.sendDeliveryReceipt(ctx, lastEventID)
	}
}

// finishPendingMessage maps an outgoing media echo to the original Matrix
// event instead of bridging it back.
func (portal *Portal) finishPendingMessage(ctx context.Context, meta *types.MessageMetadata) bool {
	portal.pendingMessagesLock.Lock()
	eventID, ok := portal.pendingMessages[meta.OfflineThreadingID]
	if ok {
		delete(portal.pendingMessages, meta.OfflineThreadingID)
	}
	portal.pendingMessagesLock.Unlock()
	if !ok {
		return false
	}
	portal.storeSentMessage(ctx, meta.MessageID, meta.OfflineThreadingID, meta.ActorFBID, eventID, time.UnixMilli(meta.Timestamp))
	return true
}

const participantResyncDelay = 10 * time.Second

// scheduleParticipantResync coalesces thread info refetches when messages
// arrive from ghosts whose profiles haven't been populated yet.
func (portal *Portal) scheduleParticipantResync(source *User, puppet *Puppet) {
	portal.resyncLock.Lock()
	defer portal.resyncLock.Unlock()
	portal.pendingResync[puppet.FBID] = puppet
	portal.resyncUser = source
	if portal.resyncTimer == nil {
		portal.resyncTimer = time.AfterFunc(participantResyncDelay, portal.resyncParticipants)
	}
}

func (portal *Portal) resyncParticipants() {
	portal.resyncLock.Lock()
	pending := portal.pendingResync
	source := portal.resyncUser
	portal.pendingResync = make(map[int64]*Puppet)
	portal.resyncTimer = nil
	portal.resyncLock.Unlock()

	stillNameless := false
	for _, puppet := range pending {
		if puppet.Name == "" {
			stillNameless = true
			break
		}
	}
	if !stillNameless || source == nil {
		return
	}
	portal.zlog.Debug().Int("pending_count", len(pending)).Msg("Refetching thread info for nameless participants")
	ctx := portal.zlog.WithContext(context.Background())
	portal.UpdateInfo(ctx, source, nil)
}

func (portal *Portal) setReply(ctx context.Context, content *event.MessageEventContent, replyToID string) {
	if replyToID == "" {
		return
	}
	msg, err := portal.bridge.DB.Message.GetLastPartByFBID(ctx, replyToID, portal.Receiver)
	if err != nil || msg == nil {
		portal.zlog.Debug().Err(err).Str("reply_to", replyToID).Msg("Reply target not found")
		return
	}
	content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(msg.MXID)
}

type realtimeMention struct {
	Offset int   `json:"o"`
	Length int   `json:"l"`
	UserID int64 `json:"i"`
}

// parseRealtimeMentions decodes the prng blob that carries mention ranges in
// realtime messages.
func parseRealtimeMentions(data map[string]string) []types.MentionRange {
	raw, ok := data["prng"]
	if !ok || raw == "" {
		return nil
	}
	var mentions []realtimeMention
	if err := json.Unmarshal([]byte(raw), &mentions); err != nil {
		return nil
	}
	ranges := make([]types.MentionRange, len(mentions))
	for i, mention := range mentions {
		ranges[i].Offset = mention.Offset
		ranges[i].Length = mention.Length
		ranges[i].Entity.ID = mention.UserID
	}
	return ranges
}

func (portal *Portal) convertWireAttachment(ctx context.Context, source *User, intent *appservice.IntentAPI, att *types.WireAttachment) *event.MessageEventContent {
	var blob types.BlobAttachment
	if att.ExtensibleMedia != "" {
		if err := json.Unmarshal([]byte(att.ExtensibleMedia), &blob); err != nil {
			portal.zlog.Warn().Err(err).Str("attachment_id", att.ID).Msg("Failed to parse attachment media blob")
		}
	}
	blob.Filename = att.FileName
	if blob.MimeType == "" {
		blob.MimeType = att.MimeType
	}
	return portal.convertBlobAttachment(ctx, source, intent, &blob)
}

func (portal *Portal) convertBlobAttachment(ctx context.Context, source *User, intent *appservice.IntentAPI, blob *types.BlobAttachment) *event.MessageEventContent {
	var url string
	var msgType event.MessageType
	switch {
	case blob.AnimatedImage != nil:
		url = blob.AnimatedImage.URI
		msgType = event.MsgImage
	case blob.ImageFullScreen != nil:
		url = blob.ImageFullScreen.URI
		msgType = event.MsgImage
	case blob.AudioURI != "":
		url = blob.AudioURI
		msgType = event.MsgAudio
	case blob.PlayableURL != "":
		url = blob.PlayableURL
		msgType = event.MsgVideo
	default:
		return &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    fmt.Sprintf("Unsupported attachment %q", blob.Filename),
		}
	}

	data, mime, err := source.Client.DownloadMedia(ctx, url)
	if err != nil {
		portal.zlog.Err(err).Str("attachment", blob.Filename).Msg("Failed to download attachment")
		return &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    fmt.Sprintf("Failed to bridge attachment %q", blob.Filename),
		}
	}
	if blob.MimeType != "" {
		mime = blob.MimeType
	}

	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    blob.Filename,
		Info: &event.FileInfo{
			MimeType: mime,
			Size:     len(data),
		},
	}
	if content.Body == "" {
		content.Body = string(msgType)[2:]
	}
	if blob.ImageFullScreen != nil {
		content.Info.Width = blob.ImageFullScreen.Width
		content.Info.Height = blob.ImageFullScreen.Height
	}
	if blob.PlayableDuration > 0 {
		content.Info.Duration = blob.PlayableDuration
	}
	err = portal.uploadMedia(ctx, intent, data, content)
	if err != nil {
		portal.zlog.Err(err).Str("attachment", blob.Filename).Msg("Failed to reupload attachment")
		return &event.MessageEventContent{
			MsgType: event.MsgNotice,
			Body:    fmt.Sprintf("Failed to bridge attachment %q", blob.Filename),
		}
	}
	return content
}

func (portal *Portal) convertSticker(ctx context.Context, source *User, intent *appservice.IntentAPI, stickerID int64) *event.MessageEventContent {
	sticker, err := source.Client.GetStickerURL(ctx, stickerID)
	if err != nil || sticker.Image == nil {
		portal.zlog.Err(err).Int64("sticker_id", stickerID).Msg("Failed to resolve sticker")
		return nil
	}
	data, mime, err := source.Client.DownloadMedia(ctx, sticker.Image.URI)
	if err != nil {
		portal.zlog.Err(err).Int64("sticker_id", stickerID).Msg("Failed to download sticker")
		return nil
	}
	content := &event.MessageEventContent{
		Body: sticker.Label,
		Info: &event.FileInfo{
			MimeType: mime,
			Size:     len(data),
			Width:    sticker.Image.Width,
			Height:   sticker.Image.Height,
		},
	}
	if content.Body == "" {
		content.Body = "sticker"
	}
	err = portal.uploadMedia(ctx, intent, data, content)
	if err != nil {
		portal.zlog.Err(err).Int64("sticker_id", stickerID).Msg("Failed to reupload sticker")
		return nil
	}
	return content
}

func (portal *Portal) uploadMedia(ctx context.Context, intent *appservice.IntentAPI, data []byte, content *event.MessageEventContent) error {
	uploadMime := content.Info.MimeType
	if portal.Encrypted && portal.bridge.Config.Bridge.Encryption.Allow {
		file := &event.EncryptedFileInfo{
			EncryptedFile: *attachment.NewEncryptedFile(),
			URL:           "",
		}
		file.EncryptInPlace(data)
		uploadMime = "application/octet-stream"
		resp, err := intent.UploadBytes(ctx, data, uploadMime)
		if err != nil {
			return err
		}
		file.URL = resp.ContentURI.CUString()
		content.File = file
		return nil
	}
	resp, err := intent.UploadBytes(ctx, data, uploadMime)
	if err != nil {
		return err
	}
	content.URL = resp.ContentURI.CUString()
	return nil
}

func (portal *Portal) handleFBReaction(user *User, evt *types.DeltaMessageReaction) {
	ctx := portal.zlog.WithContext(context.Background())
	if portal.MXID == "" {
		return
	}
	senderID := evt.UserID
	if senderID == 0 {
		senderID = evt.SenderID
	}
	var reaction string
	if evt.Reaction != nil {
		reaction = *evt.Reaction
	}
	dedupKey := fmt.Sprintf("react_%s_%d_%s", evt.MessageID, senderID, reaction)
	if portal.messageDedup.Contains(dedupKey) {
		return
	}
	portal.messageDedup.Add(dedupKey)
	puppet := portal.bridge.GetPuppetByFBID(senderID)
	if puppet == nil {
		return
	}
	intent := puppet.IntentFor(portal)

	existing, err := portal.bridge.DB.Reaction.GetByID(ctx, evt.MessageID, portal.Receiver, senderID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get existing reaction")
	}

	if evt.Action == types.ReactionActionRemove || evt.Reaction == nil || *evt.Reaction == "" {
		if existing == nil {
			return
		}
		_, err = intent.RedactEvent(ctx, portal.MXID, existing.MXID)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to redact removed reaction")
		}
		err = existing.Delete(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to delete reaction row")
		}
		return
	}

	if existing != nil && existing.Reaction == *evt.Reaction {
		return
	}

	msg, err := portal.bridge.DB.Message.GetLastPartByFBID(ctx, evt.MessageID, portal.Receiver)
	if err != nil || msg == nil {
		portal.zlog.Debug().Err(err).Str("message_id", evt.MessageID).Msg("Dropping reaction to unknown message")
		return
	}

	if existing != nil {
		_, err = intent.RedactEvent(ctx, portal.MXID, existing.MXID)
		if err != nil {
			portal.zlog.Debug().Err(err).Msg("Failed to redact old reaction event")
		}
	}

	resp, err := intent.SendMessageEvent(ctx, portal.MXID, event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: msg.MXID,
			Key:     *evt.Reaction,
		},
	})
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to bridge reaction")
		return
	}

	if existing == nil {
		existing = portal.bridge.DB.Reaction.New()
		existing.MessageID = evt.MessageID
		existing.Receiver = portal.Receiver
		existing.SenderID = senderID
	}
	existing.Reaction = *evt.Reaction
	existing.MXID = resp.EventID
	existing.MXRoom = portal.MXID
	err = existing.Upsert(ctx)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to save reaction")
	}
}

func (portal *Portal) handleFBUnsend(user *User, evt *types.DeltaUnsendMessage) {
	ctx := portal.zlog.WithContext(context.Background())
	if portal.MXID == "" {
		return
	}
	parts, err := portal.bridge.DB.Message.GetAllByFBID(ctx, evt.MessageID, portal.Receiver)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get unsent message parts")
		return
	}
	if len(parts) == 0 {
		return
	}
	puppet := portal.bridge.GetPuppetByFBID(evt.SenderID)
	intent := portal.MainIntent()
	if puppet != nil {
		intent = puppet.IntentFor(portal)
	}
	for _, part := range parts {
		_, err = intent.RedactEvent(ctx, portal.MXID, part.MXID)
		if err != nil {
			portal.zlog.Err(err).Stringer("event_id", part.MXID).Msg("Failed to redact unsent message")
		}
	}
	err = parts[0].Delete(ctx)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to delete unsent message rows")
	}
}

func (portal *Portal) handleFBReadReceipt(user *User, readerID int64, at time.Time) {
	ctx := portal.zlog.WithContext(context.Background())
	puppet := portal.bridge.GetPuppetByFBID(readerID)
	if puppet == nil {
		return
	}
	var intent *appservice.IntentAPI
	if readerID == user.FBID {
		// Own receipts are only bridged through the double puppet.
		intent = puppet.CustomIntent()
		if intent == nil {
			return
		}
	} else {
		intent = puppet.IntentFor(portal)
	}
	msg, err := portal.bridge.DB.Message.GetLastInChatBefore(ctx, portal.PortalKey, at)
	if err != nil || msg == nil {
		return
	}
	err = intent.MarkRead(ctx, portal.MXID, msg.MXID)
	if err != nil {
		portal.zlog.Debug().Err(err).Int64("reader", readerID).Msg("Failed to bridge read receipt")
	}
}

func (portal *Portal) handleFBTyping(puppet *Puppet, typing bool) {
	if portal.MXID == "" {
		return
	}
	ctx := portal.zlog.WithContext(context.Background())
	timeout := time.Duration(0)
	if typing {
		timeout = 15 * time.Second
	}
	_, err := puppet.IntentFor(portal).UserTyping(ctx, portal.MXID, typing, timeout)
	if err != nil {
		portal.zlog.Debug().Err(err).Msg("Failed to bridge typing notification")
	}
}

func (portal *Portal) handleFBAddMember(user *User, evt *types.DeltaAddMember) {
	ctx := portal.zlog.WithContext(context.Background())
	if portal.MXID == "" {
		return
	}
	for _, participant := range evt.Participants {
		puppet := portal.bridge.GetPuppetByFBID(participant.UserID)
		if puppet == nil {
			continue
		}
		puppet.UpdateInfoIfNecessary(ctx, user)
		err := puppet.DefaultIntent().EnsureJoined(ctx, portal.MXID)
		if err != nil {
			portal.zlog.Err(err).Int64("fbid", participant.UserID).Msg("Failed to join new member ghost")
		}
	}
}

func (portal *Portal) handleFBRemoveMember(user *User, evt *types.DeltaRemoveMember) {
	ctx := portal.zlog.WithContext(context.Background())
	if portal.MXID == "" {
		return
	}
	puppet := portal.bridge.GetPuppetByFBID(evt.LeftParticipantFBID)
	if puppet == nil {
		return
	}
	sender := portal.bridge.GetPuppetByFBID(evt.Metadata.ActorFBID)
	if sender != nil && sender.FBID != puppet.FBID {
		_, err := sender.IntentFor(portal).KickUser(ctx, portal.MXID, &mautrix.ReqKickUser{UserID: puppet.MXID})
		if err == nil {
			return
		}
		portal.zlog.Debug().Err(err).Msg("Failed to kick removed member, falling back to leave")
	}
	_, err := puppet.DefaultIntent().LeaveRoom(ctx, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Int64("fbid", puppet.FBID).Msg("Failed to remove member ghost")
	}
}

func (portal *Portal) handleFBNameChange(user *User, evt *types.DeltaNameChange) {
	ctx := portal.zlog.WithContext(context.Background())
	if portal.updateName(ctx, evt.Name) {
		portal.UpdateBridgeInfo()
		err := portal.Update(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to save portal after name change")
		}
	}
}

func (portal *Portal) handleFBAvatarChange(user *User, evt *types.DeltaAvatarChange) {
	ctx := portal.zlog.WithContext(context.Background())
	var photoURL string
	if evt.Image != nil && evt.Image.ExtensibleMedia != "" {
		var blob types.BlobAttachment
		if err := json.Unmarshal([]byte(evt.Image.ExtensibleMedia), &blob); err == nil && blob.ImageFullScreen != nil {
			photoURL = blob.ImageFullScreen.URI
		}
	}
	if portal.updateAvatar(ctx, user, photoURL) {
		err := portal.Update(ctx)
		if err != nil {
			portal.zlog.Err(err).Msg("Failed to save portal after avatar change")
		}
	}
}

func (portal *Portal) Delete() {
	ctx := context.TODO()
	err := portal.Portal.Delete(ctx)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to delete portal from database")
	}
	portal.bridge.portalsLock.Lock()
	delete(portal.bridge.portalsByID, portal.PortalKey)
	if portal.MXID != "" {
		delete(portal.bridge.portalsByMXID, portal.MXID)
	}
	portal.bridge.portalsLock.Unlock()
}

func (portal *Portal) cleanupIfEmpty() {
	users, err := portal.getMatrixUsers()
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get Matrix user list for cleanup check")
		return
	}
	if len(users) == 0 {
		portal.zlog.Info().Msg("Room seems to be empty, cleaning up")
		portal.Delete()
		portal.Cleanup(false)
	}
}

func (portal *Portal) Cleanup(puppetsOnly bool) {
	if portal.MXID == "" {
		return
	}
	ctx := portal.zlog.WithContext(context.Background())
	intent := portal.MainIntent()
	members, err := intent.JoinedMembers(ctx, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to get portal members for cleanup")
		return
	}
	for member := range members.Joined {
		if member == intent.UserID {
			continue
		}
		puppet := portal.bridge.GetPuppetByMXID(member)
		if puppet != nil {
			_, err = puppet.DefaultIntent().LeaveRoom(ctx, portal.MXID)
			if err != nil {
				portal.zlog.Err(err).Stringer("user_id", member).Msg("Failed to leave as ghost while cleaning up portal")
			}
		} else if !puppetsOnly {
			_, err = intent.KickUser(ctx, portal.MXID, &mautrix.ReqKickUser{UserID: member, Reason: "Deleting portal"})
			if err != nil {
				portal.zlog.Err(err).Stringer("user_id", member).Msg("Failed to kick user while cleaning up portal")
			}
		}
	}
	_, err = intent.LeaveRoom(ctx, portal.MXID)
	if err != nil {
		portal.zlog.Err(err).Msg("Failed to leave room while cleaning up portal")
	}
}

func (portal *Portal) getMatrixUsers() ([]id.UserID, error) {
	members, err := portal.MainIntent().JoinedMembers(context.TODO(), portal.MXID)
	if err != nil {
		return nil, fmt.Errorf("failed to get member list: %w", err)
	}
	var users []id.UserID
	for userID := range members.Joined {
		_, isPuppet := portal.bridge.ParsePuppetMXID(userID)
		if !isPuppet && userID != portal.bridge.Bot.UserID {
			users = append(users, userID)
		}
	}
	return users, nil
}
