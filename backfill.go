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
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/database"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

// forwardBackfillInitial fills a freshly created room with the most recent
// messages. The thread list response already carries the tail of the
// conversation, so no extra fetch is needed in the common case.
func (portal *Portal) forwardBackfillInitial(source *User, thread *types.Thread) {
	portal.forwardBackfillLock.Lock()
	defer portal.forwardBackfillLock.Unlock()
	log := portal.zlog.With().Str("action", "initial backfill").Logger()
	ctx := log.WithContext(context.Background())

	cfg := portal.bridge.Config.Bridge.Backfill
	if !cfg.Enable || cfg.ImmediateMessages <= 0 {
		return
	}

	var messages []types.GraphQLMessage
	if thread != nil && len(thread.Messages.Nodes) > 0 {
		messages = thread.Messages.Nodes
		portal.MoreToBackfill = thread.Messages.PageInfo.HasPreviousPage
	} else {
		resp, err := source.Client.GetMessages(ctx, portal.FBID, time.Now(), cfg.ImmediateMessages)
		if err != nil {
			log.Err(err).Msg("Failed to fetch initial messages")
			return
		}
		messages = resp.Nodes
		portal.MoreToBackfill = resp.PageInfo.HasPreviousPage
	}
	if len(messages) > cfg.ImmediateMessages {
		messages = messages[len(messages)-cfg.ImmediateMessages:]
	}
	if len(messages) == 0 {
		portal.MoreToBackfill = false
		err := portal.Update(ctx)
		if err != nil {
			log.Err(err).Msg("Failed to save portal after empty initial backfill")
		}
		return
	}

	sent := portal.sendBackfill(ctx, source, messages, true)
	log.Info().Int("message_count", sent).Msg("Initial backfill finished")
}

// backfillIncremental pages backwards through history for a queue task.
// Returns true when the task is exhausted and should be marked done.
func (portal *Portal) backfillIncremental(ctx context.Context, source *User, task *database.Backfill) (bool, error) {
	portal.backfillLock.Lock()
	defer portal.backfillLock.Unlock()
	log := zerolog.Ctx(ctx)

	if !portal.bridge.SpecVersions.Supports(mautrix.BeeperFeatureBatchSending) {
		log.Debug().Msg("Homeserver doesn't support batch sending, skipping incremental backfill")
		return true, nil
	}

	totalBackfilled := 0
	for {
		before := time.UnixMilli(portal.OldestMessageTS)
		if portal.OldestMessageTS == 0 {
			before = time.Now()
		}
		batchLimit := task.MaxBatchEvents
		if task.MaxTotalEvents > 0 && task.MaxTotalEvents-totalBackfilled < batchLimit {
			batchLimit = task.MaxTotalEvents - totalBackfilled
		}
		if batchLimit <= 0 {
			return true, nil
		}
		if task.TimeEnd != nil && before.Before(*task.TimeEnd) {
			return true, nil
		}

		resp, err := source.Client.GetMessages(ctx, portal.FBID, before, batchLimit)
		if err != nil {
			log.Err(err).Msg("Failed to fetch history batch")
			return false, err
		}
		if len(resp.Nodes) == 0 {
			portal.MoreToBackfill = false
			err = portal.Update(ctx)
			if err != nil {
				log.Err(err).Msg("Failed to save portal after exhausting history")
			}
			return true, nil
		}

		sent := portal.sendBackfill(ctx, source, resp.Nodes, false)
		totalBackfilled += sent
		log.Debug().
			Int("batch_size", len(resp.Nodes)).
			Int("total_backfilled", totalBackfilled).
			Msg("Sent history batch")

		if !resp.PageInfo.HasPreviousPage {
			portal.MoreToBackfill = false
			err = portal.Update(ctx)
			if err != nil {
				log.Err(err).Msg("Failed to save portal after last history batch")
			}
			return true, nil
		}
		if task.MaxTotalEvents > 0 && totalBackfilled >= task.MaxTotalEvents {
			return true, nil
		}
		if task.BatchDelay > 0 {
			time.Sleep(time.Duration(task.BatchDelay) * time.Second)
		}
	}
}

func (portal *Portal) deterministicEventID(messageID string, partIndex int) id.EventID {
	data := fmt.Sprintf("%s/facebook/%d/%s/%d", portal.MXID, portal.FBID, messageID, partIndex)
	sum := sha256.Sum256([]byte(data))
	return id.EventID(fmt.Sprintf("$%s:facebook.com", base64.RawURLEncoding.EncodeToString(sum[:])))
}

type backfillPart struct {
	messageID string
	txnID     int64
	index     int
	senderID  int64
	timestamp int64
	intent    *appservice.IntentAPI
}

// sendBackfill converts a chronologically ascending batch of history messages
// and sends them to Matrix, either as a batch send or as individual massaged
// events when forward filling without batch support.
func (portal *Portal) sendBackfill(ctx context.Context, source *User, messages []types.GraphQLMessage, forward bool) int {
	log := zerolog.Ctx(ctx)
	events := make([]*event.Event, 0, len(messages))
	parts := make([]backfillPart, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		existing, err := portal.bridge.DB.Message.GetLastPartByFBID(ctx, msg.MessageID, portal.Receiver)
		if err != nil {
			log.Err(err).Str("message_id", msg.MessageID).Msg("Failed to check for duplicate history message")
		} else if existing != nil {
			continue
		}

		puppet := portal.bridge.GetPuppetByFBID(msg.Sender.ID)
		if puppet == nil {
			continue
		}
		puppet.UpdateInfoIfNecessary(ctx, source)
		intent := puppet.IntentFor(portal)

		contents, eventTypes := portal.convertGraphQLMessage(ctx, source, intent, msg)
		for partIndex, content := range contents {
			wrapped := event.Content{Parsed: content}
			eventType, err := portal.encrypt(ctx, intent, &wrapped, eventTypes[partIndex])
			if err != nil {
				log.Err(err).Msg("Failed to encrypt history message part")
				continue
			}
			events = append(events, &event.Event{
				Sender:    intent.UserID,
				Timestamp: msg.TimestampPrecise,
				ID:        portal.deterministicEventID(msg.MessageID, partIndex),
				RoomID:    portal.MXID,
				Type:      eventType,
				Content:   wrapped,
			})
			parts = append(parts, backfillPart{
				messageID: msg.MessageID,
				txnID:     msg.OfflineThreadingID,
				index:     partIndex,
				senderID:  msg.Sender.ID,
				timestamp: msg.TimestampPrecise,
				intent:    intent,
			})
		}
	}
	if len(events) == 0 {
		return 0
	}

	var eventIDs []id.EventID
	if portal.bridge.SpecVersions.Supports(mautrix.BeeperFeatureBatchSending) {
		resp, err := portal.MainIntent().BeeperBatchSend(ctx, portal.MXID, &mautrix.ReqBeeperBatchSend{
			ForwardIfNoMessages: forward,
			Forward:             forward,
			Events:              events,
		})
		if err != nil {
			log.Err(err).Msg("Failed to batch send history")
			return 0
		}
		eventIDs = resp.EventIDs
	} else {
		eventIDs = make([]id.EventID, len(events))
		for i, evt := range events {
			resp, err := parts[i].intent.SendMassagedMessageEvent(ctx, evt.RoomID, evt.Type, &evt.Content, evt.Timestamp)
			if err != nil {
				log.Err(err).Str("message_id", parts[i].messageID).Msg("Failed to send history message")
				continue
			}
			eventIDs[i] = resp.EventID
		}
	}

	oldest := &messages[0]
	if !forward || portal.OldestMessageID == "" {
		portal.OldestMessageID = oldest.MessageID
		portal.OldestMessageTS = oldest.TimestampPrecise
		err := portal.Update(ctx)
		if err != nil {
			log.Err(err).Msg("Failed to save oldest bridged message")
		}
	}

	sent := 0
	for i, eventID := range eventIDs {
		if eventID == "" {
			continue
		}
		dbMsg := portal.bridge.DB.Message.New()
		dbMsg.FBID = parts[i].messageID
		dbMsg.TxnID = parts[i].txnID
		dbMsg.Index = parts[i].index
		dbMsg.Chat = portal.PortalKey
		dbMsg.SenderID = parts[i].senderID
		dbMsg.Timestamp = time.UnixMilli(parts[i].timestamp)
		dbMsg.MXID = eventID
		dbMsg.MXRoom = portal.MXID
		err := dbMsg.Insert(ctx)
		if err != nil {
			log.Err(err).Str("message_id", parts[i].messageID).Msg("Failed to save history message")
		}
		sent++
	}
	return sent
}

// convertGraphQLMessage maps one history message to its Matrix event parts.
func (portal *Portal) convertGraphQLMessage(ctx context.Context, source *User, intent *appservice.IntentAPI, msg *types.GraphQLMessage) ([]*event.MessageEventContent, []event.Type) {
	var contents []*event.MessageEventContent
	var eventTypes []event.Type
	for i := range msg.BlobAttachments {
		converted := portal.convertBlobAttachment(ctx, source, intent, &msg.BlobAttachments[i])
		if converted != nil {
			contents = append(contents, converted)
			eventTypes = append(eventTypes, event.EventMessage)
		}
	}
	if msg.Sticker != nil {
		converted := portal.convertSticker(ctx, source, intent, msg.Sticker.ID)
		if converted != nil {
			contents = append(contents, converted)
			eventTypes = append(eventTypes, event.EventSticker)
		}
	}
	if msg.Message != nil && msg.Message.Text != "" {
		contents = append(contents, portal.convertFBText(msg.Message.Text, msg.Message.Ranges))
		eventTypes = append(eventTypes, event.EventMessage)
	}
	if len(contents) > 0 && msg.RepliedToMessage != nil && msg.RepliedToMessage.Message != nil {
		portal.setReply(ctx, contents[0], msg.RepliedToMessage.Message.MessageID)
	}
	return contents, eventTypes
}
