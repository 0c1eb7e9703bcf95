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

package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadKey_ID(t *testing.T) {
	group := ThreadKey{ThreadFBID: 12345}
	assert.EqualValues(t, 12345, group.ID())
	assert.True(t, group.IsGroup())

	dm := ThreadKey{OtherUserID: 67890}
	assert.EqualValues(t, 67890, dm.ID())
	assert.False(t, dm.IsGroup())
}

func TestToField(t *testing.T) {
	assert.Equal(t, "tfbid:12345", ToField(12345, true))
	assert.Equal(t, "67890", ToField(67890, false))
}

func TestGraphQLThreadKey_Decode(t *testing.T) {
	var key GraphQLThreadKey
	require.NoError(t, json.Unmarshal([]byte(`{"thread_fbid": "112233"}`), &key))
	assert.EqualValues(t, 112233, key.ID())

	key = GraphQLThreadKey{}
	require.NoError(t, json.Unmarshal([]byte(`{"other_user_id": "445566"}`), &key))
	assert.EqualValues(t, 445566, key.ID())
}

func TestMentionRange_Decode(t *testing.T) {
	data := `{
		"text": "hello @Someone",
		"ranges": [{"offset": 6, "length": 8, "entity": {"id": "1234"}}]
	}`
	var msg MessageText
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	require.Len(t, msg.Ranges, 1)
	assert.Equal(t, 6, msg.Ranges[0].Offset)
	assert.Equal(t, 8, msg.Ranges[0].Length)
	assert.EqualValues(t, 1234, msg.Ranges[0].Entity.ID)
}

func TestGraphQLMessage_Decode(t *testing.T) {
	data := `{
		"message_id": "mid.$abc",
		"offline_threading_id": "6789012345678901234",
		"message_sender": {"id": "1234", "name": "Some One"},
		"timestamp_precise": "1700000000000",
		"message": {"text": "hi"},
		"unread": false
	}`
	var msg GraphQLMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, "mid.$abc", msg.MessageID)
	assert.EqualValues(t, 6789012345678901234, msg.OfflineThreadingID)
	assert.EqualValues(t, 1234, msg.Sender.ID)
	assert.EqualValues(t, 1700000000000, msg.TimestampPrecise)
	require.NotNil(t, msg.Message)
	assert.Equal(t, "hi", msg.Message.Text)
}

func TestSendMessageResponse_Decode(t *testing.T) {
	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal([]byte(`{"succeeded": true, "fbid": "mid.$xyz", "offline_threading_id": "123"}`), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "mid.$xyz", resp.MessageID)
}
