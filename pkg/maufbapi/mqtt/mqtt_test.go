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
	"bufio"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/thrift"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

func TestRemainingLength_RoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 127, 128, 129, 16383, 16384, 2097151, 2097152, 268435455} {
		encoded := writeRemainingLength(nil, length)
		decoded, err := readRemainingLength(bytes.NewReader(encoded))
		require.NoError(t, err, "length %d", length)
		assert.Equal(t, length, decoded)
	}
}

func TestRemainingLength_Boundaries(t *testing.T) {
	assert.Len(t, writeRemainingLength(nil, 127), 1)
	assert.Len(t, writeRemainingLength(nil, 128), 2)
	assert.Len(t, writeRemainingLength(nil, 16383), 2)
	assert.Len(t, writeRemainingLength(nil, 16384), 3)
}

func TestPacket_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte{0xab}, 300)
	require.NoError(t, writePacket(&buf, packetPublish<<4|0x02, payload))

	pkt, err := readPacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.EqualValues(t, packetPublish, pkt.packetType())
	assert.EqualValues(t, 1, pkt.qos())
	assert.Equal(t, payload, pkt.payload)
}

func TestParsePublish(t *testing.T) {
	header, body := encodePublish("146", 42, 1, []byte("hello"))
	pkt := &packet{header: header, payload: body}

	topic, packetID, payload, err := parsePublish(pkt)
	require.NoError(t, err)
	assert.Equal(t, "146", topic)
	assert.EqualValues(t, 42, packetID)
	assert.Equal(t, []byte("hello"), payload)
}

func TestParsePublish_QoS0HasNoPacketID(t *testing.T) {
	header, body := encodePublish("/t_region_hint", 0, 0, []byte("{}"))
	pkt := &packet{header: header, payload: body}

	topic, packetID, payload, err := parsePublish(pkt)
	require.NoError(t, err)
	assert.Equal(t, "/t_region_hint", topic)
	assert.Zero(t, packetID)
	assert.Equal(t, []byte("{}"), payload)
}

func TestDecodeTopic(t *testing.T) {
	topic, suffix := decodeTopic("146")
	assert.Equal(t, TopicMessageSync, topic)
	assert.Empty(t, suffix)

	topic, suffix = decodeTopic("143#1234")
	assert.Equal(t, TopicSendMessageResponse, topic)
	assert.Equal(t, "#1234", suffix)

	topic, suffix = decodeTopic("146|extra|parts")
	assert.Equal(t, TopicMessageSync, topic)
	assert.Equal(t, "|extra|parts", suffix)

	// Unaliased topics come back verbatim despite the leading slash.
	topic, suffix = decodeTopic("/t_ms")
	assert.Equal(t, TopicMessageSync, topic)
	assert.Empty(t, suffix)
}

func TestEncodeTopic(t *testing.T) {
	assert.Equal(t, "146", encodeTopic(TopicMessageSync))
	assert.Equal(t, "/unknown_topic", encodeTopic(Topic("/unknown_topic")))
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	state := maufbapi.NewAndroidState([]byte("test seed"), "@user:example.com")
	state.Session.AccessToken = "test-token"
	state.Session.UID = 1234567890
	state.Session.MachineID = "machine"
	return NewClient(state, zerolog.Nop())
}

func TestBuildConnectPacket(t *testing.T) {
	client := newTestClient(t)
	client.SetConnectTokenHash([]byte{1, 2, 3, 4})

	payload, err := client.buildConnectPacket()
	require.NoError(t, err)

	require.Greater(t, len(payload), 12)
	assert.EqualValues(t, 6, binary.BigEndian.Uint16(payload))
	assert.Equal(t, protocolName, string(payload[2:8]))
	assert.EqualValues(t, protocolLevel, payload[8])
	assert.EqualValues(t, connectFlags, payload[9])
	assert.EqualValues(t, keepaliveSeconds, binary.BigEndian.Uint16(payload[10:12]))

	// The client identifier is a raw zlib blob with no length prefix.
	blob := payload[12:]
	require.True(t, isZlib(blob))
	decompressed, err := zlibDecompress(blob)
	require.NoError(t, err)

	var cfg types.RealtimeConfig
	require.NoError(t, thrift.Unmarshal(decompressed, &cfg))
	assert.Equal(t, "test-token", cfg.Password)
	assert.EqualValues(t, 1234567890, cfg.ClientInfo.UserID)
	assert.Equal(t, []byte{1, 2, 3, 4}, cfg.ConnectTokenHash)
	assert.NotEmpty(t, cfg.ClientInfo.SubscribeTopics)
}

func TestBuildConnectPacket_NoTokenHash(t *testing.T) {
	client := newTestClient(t)
	payload, err := client.buildConnectPacket()
	require.NoError(t, err)

	decompressed, err := zlibDecompress(payload[12:])
	require.NoError(t, err)
	var cfg types.RealtimeConfig
	require.NoError(t, thrift.Unmarshal(decompressed, &cfg))
	assert.Empty(t, cfg.ConnectTokenHash)
}

func TestZlibRoundTrip(t *testing.T) {
	data := []byte(`{"key": "value", "padding": "aaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)
	compressed, err := zlibCompress(data)
	require.NoError(t, err)
	require.True(t, isZlib(compressed))
	decompressed, err := zlibDecompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestAdvanceSeqID_Monotonic(t *testing.T) {
	client := newTestClient(t)
	var reported []int64
	client.OnSeqID = func(seqID int64) {
		reported = append(reported, seqID)
	}
	client.SetSeqID(10)
	client.advanceSeqID(15)
	client.advanceSeqID(12) // stale, must not rewind
	client.advanceSeqID(15) // duplicate, must not re-report
	client.advanceSeqID(20)
	assert.EqualValues(t, 20, client.SeqID())
	assert.Equal(t, []int64{15, 20}, reported)
}

func TestHandleMessageSync_SyncToken(t *testing.T) {
	client := newTestClient(t)
	client.SetSeqID(1)
	client.handleMessageSync([]byte(`{"syncToken": "tok123", "firstDeltaSeqId": 500}`))
	assert.Equal(t, "tok123", client.syncToken)
	assert.EqualValues(t, 500, client.SeqID())
}

func TestHandleMessageSync_QueueNotFound(t *testing.T) {
	client := newTestClient(t)
	client.SetConnectTokenHash([]byte{1})
	client.syncToken = "tok"
	var events []any
	client.EventHandler = func(evt any) {
		events = append(events, evt)
	}

	payload, err := thrift.Marshal(&types.MessageSyncPayload{Error: types.QueueNotFound})
	require.NoError(t, err)
	client.handleMessageSync(payload)

	assert.Nil(t, client.connectTokenHash)
	assert.Empty(t, client.syncToken)
	require.Len(t, events, 1)
	assert.IsType(t, QueueDropped{}, events[0])
}

func TestHandleMessageSync_Deltas(t *testing.T) {
	client := newTestClient(t)
	var events []any
	client.EventHandler = func(evt any) {
		events = append(events, evt)
	}

	payload, err := thrift.Marshal(&types.MessageSyncPayload{
		LastSeqID: 99,
		Items: []types.MessageSyncEvent{{
			Message: &types.DeltaNewMessage{
				Metadata: types.MessageMetadata{
					ThreadKey: types.ThreadKey{OtherUserID: 555},
					MessageID: "mid.$abc",
					ActorFBID: 555,
					Timestamp: 1700000000000,
				},
				Body: "hello world",
			},
		}, {
			ReadReceipt: &types.DeltaReadReceipt{
				ThreadKey:          types.ThreadKey{ThreadFBID: 777},
				ActorFBID:          555,
				WatermarkTimestamp: 1700000000001,
			},
		}},
	})
	require.NoError(t, err)
	client.handleMessageSync(payload)

	assert.EqualValues(t, 99, client.SeqID())
	require.Len(t, events, 2)
	msg, ok := events[0].(*types.DeltaNewMessage)
	require.True(t, ok)
	assert.Equal(t, "hello world", msg.Body)
	assert.EqualValues(t, 555, msg.Metadata.ThreadKey.ID())
	receipt, ok := events[1].(*types.DeltaReadReceipt)
	require.True(t, ok)
	assert.EqualValues(t, 777, receipt.ThreadKey.ID())
}

func TestHandleMessageSync_ClientPayload(t *testing.T) {
	client := newTestClient(t)
	var events []any
	client.EventHandler = func(evt any) {
		events = append(events, evt)
	}

	reaction := "👍"
	inner, err := thrift.Marshal(&types.MessageSyncClientPayload{
		Deltas: []types.ClientPayloadDelta{{
			Reaction: &types.DeltaMessageReaction{
				ThreadKey: types.ThreadKey{OtherUserID: 555},
				MessageID: "mid.$abc",
				Action:    types.ReactionActionAdd,
				UserID:    555,
				Reaction:  &reaction,
			},
		}},
	})
	require.NoError(t, err)
	payload, err := thrift.Marshal(&types.MessageSyncPayload{
		Items: []types.MessageSyncEvent{{
			ClientPayload: &types.DeltaClientPayload{Payload: inner},
		}},
	})
	require.NoError(t, err)
	client.handleMessageSync(payload)

	require.Len(t, events, 1)
	evt, ok := events[0].(*types.DeltaMessageReaction)
	require.True(t, ok)
	require.NotNil(t, evt.Reaction)
	assert.Equal(t, "👍", *evt.Reaction)
}
