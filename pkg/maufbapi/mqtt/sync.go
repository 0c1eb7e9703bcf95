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

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/thrift"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

const (
	syncAPIVersion = 10
	deltaBatchSize = 125
)

var ErrNoSeqID = errors.New("mqtt: cannot request sync queue without a sequence ID")

// requestSyncQueue asks the server to start streaming deltas: a fresh queue
// on first connect, a resume from the stored position afterwards.
func (c *Client) requestSyncQueue(ctx context.Context) error {
	seqID := c.seqID.Load()
	if seqID == 0 {
		return ErrNoSeqID
	}
	queueParams, err := json.Marshal(map[string]string{
		"buzz_on_deltas_enabled": "false",
		"graphql_query_hashes":   "",
	})
	if err != nil {
		return err
	}
	c.syncTokenLock.Lock()
	syncToken := c.syncToken
	c.syncTokenLock.Unlock()
	if syncToken == "" {
		return c.PublishJSON(ctx, TopicSyncCreateQueue, &types.CreateQueueRequest{
			InitialTitanSequenceID: seqID,
			DeltaBatchSize:         deltaBatchSize,
			Device:                 c.state.Device.UUID,
			DeviceParams:           types.DefaultImageSizes(),
			EntityFBID:             c.state.Session.UID,
			SyncAPIVersion:         syncAPIVersion,
			QueueParams:            string(queueParams),
			EncodingFormat:         1,
		})
	}
	return c.PublishJSON(ctx, TopicSyncResumeQueue, &types.ResumeQueueRequest{
		LastSeqID:      seqID,
		Device:         c.state.Device.UUID,
		DeviceParams:   types.DefaultImageSizes(),
		EntityFBID:     c.state.Session.UID,
		SyncAPIVersion: syncAPIVersion,
		QueueParams:    string(queueParams),
		SyncToken:      syncToken,
	})
}

// syncTokenPayload is the JSON form of the first /t_ms response to a queue
// create, which only carries the sync token.
type syncTokenPayload struct {
	SyncToken string `json:"syncToken"`
	FirstSeqID int64 `json:"firstDeltaSeqId"`
	LastSeqID  int64 `json:"lastIssuedSeqId,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

func (c *Client) advanceSeqID(seqID int64) {
	if seqID <= 0 {
		return
	}
	for {
		current := c.seqID.Load()
		if seqID <= current {
			return
		}
		if c.seqID.CompareAndSwap(current, seqID) {
			if c.OnSeqID != nil {
				c.OnSeqID(seqID)
			}
			return
		}
	}
}

func (c *Client) handleSyncError(errCode types.MessageSyncError) {
	c.log.Warn().Str("error_code", string(errCode)).Msg("Message sync queue reported an error")
	switch errCode {
	case types.QueueNotFound:
		// The server no longer knows this session. Reconnecting with the
		// same connect token hash would just loop.
		c.ClearConnectTokenHash()
		if c.OnConnectTokenHash != nil {
			c.OnConnectTokenHash(nil)
		}
		c.dispatch(QueueDropped{})
	case types.QueueOverflow, types.QueueUnderflow:
		c.dispatch(ResyncRequired{Error: errCode})
	default:
		c.dispatch(ResyncRequired{Error: errCode})
	}
}

// handleMessageSync decodes a /t_ms publish. The first payload after a queue
// create is JSON carrying the sync token; everything else is thrift.
func (c *Client) handleMessageSync(payload []byte) {
	if len(payload) > 0 && payload[0] == '{' {
		var tokenPayload syncTokenPayload
		if err := json.Unmarshal(payload, &tokenPayload); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse JSON sync payload")
			return
		}
		if tokenPayload.ErrorCode != "" {
			c.handleSyncError(types.MessageSyncError(tokenPayload.ErrorCode))
			return
		}
		if tokenPayload.SyncToken != "" {
			c.syncTokenLock.Lock()
			c.syncToken = tokenPayload.SyncToken
			c.syncTokenLock.Unlock()
		}
		c.advanceSeqID(tokenPayload.FirstSeqID)
		c.advanceSeqID(tokenPayload.LastSeqID)
		return
	}
	var sync types.MessageSyncPayload
	if err := thrift.Unmarshal(payload, &sync); err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse message sync payload")
		return
	}
	if sync.Error != "" {
		c.handleSyncError(sync.Error)
		return
	}
	c.advanceSeqID(sync.FirstSeqID)
	c.advanceSeqID(sync.LastSeqID)
	for i := range sync.Items {
		c.dispatchSyncEvent(&sync.Items[i])
	}
}

func (c *Client) dispatchSyncEvent(evt *types.MessageSyncEvent) {
	for _, delta := range evt.Deltas() {
		if clientPayload, ok := delta.(*types.DeltaClientPayload); ok {
			if err := c.dispatchClientPayload(clientPayload); err != nil {
				c.log.Warn().Err(err).Msg("Failed to parse client payload delta")
			}
			continue
		}
		c.dispatch(delta)
	}
}

// dispatchClientPayload unwraps the nested thrift blob carrying the newer
// delta types (reactions, replies, unsends).
func (c *Client) dispatchClientPayload(wrapper *types.DeltaClientPayload) error {
	var payload types.MessageSyncClientPayload
	if err := thrift.Unmarshal(wrapper.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode inner payload: %w", err)
	}
	for i := range payload.Deltas {
		delta := &payload.Deltas[i]
		if delta.Reaction != nil {
			c.dispatch(delta.Reaction)
		}
		if delta.ExtendedMessage != nil {
			c.dispatch(delta.ExtendedMessage)
		}
		if delta.UnsendMessage != nil {
			c.dispatch(delta.UnsendMessage)
		}
	}
	return nil
}
