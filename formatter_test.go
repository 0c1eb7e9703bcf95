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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/database"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

func TestEscapeHTMLBody(t *testing.T) {
	assert.Equal(t, "a &lt;b&gt; &amp; c", escapeHTMLBody("a <b> & c"))
	assert.Equal(t, "line one<br/>line two", escapeHTMLBody("line one\nline two"))
}

func TestParseRealtimeMentions(t *testing.T) {
	mentions := parseRealtimeMentions(map[string]string{
		"prng": `[{"o": 6, "l": 8, "i": 1234}]`,
	})
	require.Len(t, mentions, 1)
	assert.Equal(t, 6, mentions[0].Offset)
	assert.Equal(t, 8, mentions[0].Length)
	assert.EqualValues(t, 1234, mentions[0].Entity.ID)

	assert.Nil(t, parseRealtimeMentions(map[string]string{}))
	assert.Nil(t, parseRealtimeMentions(map[string]string{"prng": "not json"}))
}

func TestConvertFBText_Plain(t *testing.T) {
	portal := &Portal{}
	content := portal.convertFBText("hello world", nil)
	assert.Equal(t, event.MsgText, content.MsgType)
	assert.Equal(t, "hello world", content.Body)
	assert.Empty(t, content.FormattedBody)
}

func TestConvertFBText_Emote(t *testing.T) {
	portal := &Portal{}
	content := portal.convertFBText("/me waves", nil)
	assert.Equal(t, event.MsgEmote, content.MsgType)
	assert.Equal(t, "waves", content.Body)
}

func TestConvertFBText_Mentions(t *testing.T) {
	br := &FBBridge{
		usersByFBID: map[int64]*User{
			1234: {User: &database.User{MXID: "@someone:example.com", FBID: 1234}},
		},
	}
	portal := &Portal{bridge: br}

	mentions := []types.MentionRange{{Offset: 6, Length: 8}}
	mentions[0].Entity.ID = 1234
	content := portal.convertFBText("hello @Someone!", mentions)
	assert.Equal(t, "hello @Someone!", content.Body)
	assert.Equal(t, event.FormatHTML, content.Format)
	assert.Equal(t, `hello <a href="https://matrix.to/#/@someone:example.com">@Someone</a>!`, content.FormattedBody)
}

func TestConvertFBText_MentionRuneOffsets(t *testing.T) {
	br := &FBBridge{
		usersByFBID: map[int64]*User{
			1234: {User: &database.User{MXID: "@someone:example.com", FBID: 1234}},
		},
	}
	portal := &Portal{bridge: br}

	// The emoji is a single codepoint, so the mention starts at offset 2.
	mentions := []types.MentionRange{{Offset: 2, Length: 8}}
	mentions[0].Entity.ID = 1234
	content := portal.convertFBText("✨ @Someone", mentions)
	assert.Equal(t, `✨ <a href="https://matrix.to/#/@someone:example.com">@Someone</a>`, content.FormattedBody)
}

func TestConvertFBText_InvalidMentionSkipped(t *testing.T) {
	portal := &Portal{}
	mentions := []types.MentionRange{{Offset: 3, Length: 100}}
	mentions[0].Entity.ID = 1234
	content := portal.convertFBText("short", mentions)
	assert.Equal(t, "short", content.FormattedBody)
}

func TestDeterministicEventID(t *testing.T) {
	portal := &Portal{Portal: &database.Portal{
		PortalKey: database.NewPortalKey(112233, 445566),
		MXID:      id.RoomID("!room:example.com"),
	}}

	first := portal.deterministicEventID("mid.$abc", 0)
	assert.Equal(t, first, portal.deterministicEventID("mid.$abc", 0))
	assert.NotEqual(t, first, portal.deterministicEventID("mid.$abc", 1))
	assert.NotEqual(t, first, portal.deterministicEventID("mid.$def", 0))
	assert.Regexp(t, `^\$[A-Za-z0-9_-]{43}:facebook\.com$`, string(first))
}
