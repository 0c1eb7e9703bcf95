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
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/database"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

func TestDedupRing(t *testing.T) {
	ring := newDedupRing(3)
	assert.False(t, ring.Contains("a"))
	ring.Add("a")
	assert.True(t, ring.Contains("a"))

	ring.Add("a")
	ring.Add("b")
	ring.Add("c")
	assert.True(t, ring.Contains("a"))
	assert.True(t, ring.Contains("b"))
	assert.True(t, ring.Contains("c"))

	// The ring holds three entries, so adding a fourth evicts the oldest.
	ring.Add("d")
	assert.False(t, ring.Contains("a"))
	assert.True(t, ring.Contains("b"))
	assert.True(t, ring.Contains("c"))
	assert.True(t, ring.Contains("d"))
}

func TestDedupRing_IgnoresEmpty(t *testing.T) {
	ring := newDedupRing(2)
	ring.Add("")
	assert.False(t, ring.Contains(""))
	ring.Add("x")
	ring.Add("y")
	assert.True(t, ring.Contains("x"))
	assert.True(t, ring.Contains("y"))
}

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	rawDB, err := dbutil.NewWithDialect("file:"+filepath.Join(t.TempDir(), "test.db"), "sqlite3")
	require.NoError(t, err)
	db := database.New(rawDB)
	require.NoError(t, db.Upgrade(context.Background()))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func newTestPortal(br *FBBridge, dbPortal *database.Portal) *Portal {
	return &Portal{
		Portal: dbPortal,
		bridge: br,
		zlog:   zerolog.Nop(),

		pendingMessages: make(map[int64]id.EventID),
		messageDedup:    newDedupRing(dedupRingSize),
		pendingResync:   make(map[int64]*Puppet),
	}
}

func TestHandleFBMessage_OwnEchoUpgradesPendingRow(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	br := &FBBridge{DB: db}

	dbPortal := db.Portal.New()
	dbPortal.PortalKey = database.NewPortalKey(101, 202)
	dbPortal.Type = types.ThreadTypeUser
	dbPortal.MXID = id.RoomID("!room:example.com")
	require.NoError(t, dbPortal.Insert(ctx))
	portal := newTestPortal(br, dbPortal)

	// An outgoing text send stores the row before the server assigns an ID.
	portal.storeSentMessage(ctx, "", 987654321, 202, id.EventID("$sent1"), time.UnixMilli(1111))

	echo := portalFBMessage{
		user: &User{User: &database.User{MXID: id.UserID("@owner:example.com"), FBID: 202}},
		msg: &types.DeltaNewMessage{
			Metadata: types.MessageMetadata{
				ThreadKey:          types.ThreadKey{OtherUserID: 101},
				MessageID:          "mid.$abc",
				OfflineThreadingID: 987654321,
				ActorFBID:          202,
				Timestamp:          2222,
			},
			Body: "hi",
		},
	}
	portal.handleFBMessage(echo)

	row, err := db.Message.GetLastPartByFBID(ctx, "mid.$abc", 202)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, "$sent1", row.MXID)
	assert.EqualValues(t, 987654321, row.TxnID)
	assert.Equal(t, time.UnixMilli(2222), row.Timestamp)
	assert.True(t, portal.messageDedup.Contains("mid.$abc"))
}

func TestHandleFBMessage_DatabaseDedupAfterRestart(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	br := &FBBridge{DB: db}

	dbPortal := db.Portal.New()
	dbPortal.PortalKey = database.NewPortalKey(101, 202)
	dbPortal.Type = types.ThreadTypeUser
	dbPortal.MXID = id.RoomID("!room:example.com")
	require.NoError(t, dbPortal.Insert(ctx))
	portal := newTestPortal(br, dbPortal)

	portal.storeSentMessage(ctx, "", 987654321, 202, id.EventID("$sent1"), time.UnixMilli(1111))
	echo := portalFBMessage{
		user: &User{User: &database.User{MXID: id.UserID("@owner:example.com"), FBID: 202}},
		msg: &types.DeltaNewMessage{
			Metadata: types.MessageMetadata{
				ThreadKey:          types.ThreadKey{OtherUserID: 101},
				MessageID:          "mid.$abc",
				OfflineThreadingID: 987654321,
				ActorFBID:          202,
				Timestamp:          2222,
			},
			Body: "hi",
		},
	}
	portal.handleFBMessage(echo)

	// A restart loses the in-memory ring, the second delivery has to be caught
	// by the database lookup without producing another row.
	portal.messageDedup = newDedupRing(dedupRingSize)
	portal.handleFBMessage(echo)

	rows, err := db.Message.GetAllByFBID(ctx, "mid.$abc", 202)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.True(t, portal.messageDedup.Contains("mid.$abc"))
}

func TestUpdateInfo_SecondCallIsNoop(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	br := &FBBridge{DB: db}

	dbPortal := db.Portal.New()
	dbPortal.PortalKey = database.NewPortalKey(303, 0)
	require.NoError(t, dbPortal.Insert(ctx))
	portal := newTestPortal(br, dbPortal)

	thread := &types.Thread{
		Name:          "Group chat",
		IsGroupThread: true,
		ThreadType:    types.ThreadTypeGroup,
	}
	source := &User{User: &database.User{MXID: id.UserID("@owner:example.com"), FBID: 202}}
	assert.True(t, portal.UpdateInfo(ctx, source, thread))
	assert.False(t, portal.UpdateInfo(ctx, source, thread))
	assert.Equal(t, "Group chat", portal.Name)
	assert.Equal(t, types.ThreadTypeGroup, portal.Type)
}

func TestDedupRing_Wraparound(t *testing.T) {
	ring := newDedupRing(dedupRingSize)
	for i := 0; i < dedupRingSize*2; i++ {
		ring.Add(fmt.Sprintf("msg-%d", i))
	}
	for i := 0; i < dedupRingSize; i++ {
		assert.False(t, ring.Contains(fmt.Sprintf("msg-%d", i)), "old entry %d should be evicted", i)
	}
	for i := dedupRingSize; i < dedupRingSize*2; i++ {
		assert.True(t, ring.Contains(fmt.Sprintf("msg-%d", i)), "recent entry %d should be present", i)
	}
}
