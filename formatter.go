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
	"html"
	"sort"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

func (br *FBBridge) pillConverter(displayname, mxid, eventID string, ctx format.Context) string {
	if len(mxid) == 0 {
		return displayname
	}
	if mxid[0] == '#' {
		return displayname
	}
	fbid, ok := br.ParsePuppetMXID(id.UserID(mxid))
	if ok {
		puppet := br.GetPuppetByFBID(fbid)
		if puppet != nil && puppet.Name != "" {
			return "@" + puppet.Name
		}
		return "@" + displayname
	}
	user := br.GetUserByMXID(id.UserID(mxid))
	if user != nil && user.FBID != 0 {
		name := user.GetRemoteName()
		if name != "" {
			return "@" + name
		}
	}
	return displayname
}

func (br *FBBridge) getHTMLParser() *format.HTMLParser {
	if br.htmlParser == nil {
		br.htmlParser = &format.HTMLParser{
			PillConverter:  br.pillConverter,
			TabsToSpaces:   4,
			Newline:        "\n",
			HorizontalLine: "\n---\n",
		}
	}
	return br.htmlParser
}

// parseMatrixHTML flattens a Matrix message into the plaintext that gets sent
// to Messenger, converting user pills into @Name mentions.
func (portal *Portal) parseMatrixHTML(content *event.MessageEventContent) string {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return portal.bridge.getHTMLParser().Parse(content.FormattedBody, format.NewContext(context.TODO()))
	}
	return content.Body
}

func (portal *Portal) mentionTarget(fbid int64) id.UserID {
	user := portal.bridge.GetUserByFBID(fbid)
	if user != nil {
		return user.MXID
	}
	return portal.bridge.FormatPuppetMXID(fbid)
}

// convertFBText converts a Messenger message body into Matrix content. Mention
// offsets count unicode codepoints, so the body is processed as runes.
func (portal *Portal) convertFBText(body string, mentions []types.MentionRange) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if strings.HasPrefix(body, "/me ") {
		content.MsgType = event.MsgEmote
		content.Body = body[len("/me "):]
		body = content.Body
	}
	if len(mentions) == 0 {
		return content
	}

	sorted := make([]types.MentionRange, len(mentions))
	copy(sorted, mentions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	runes := []rune(body)
	var builder strings.Builder
	prevEnd := 0
	for _, mention := range sorted {
		if mention.Offset < prevEnd || mention.Offset+mention.Length > len(runes) || mention.Entity.ID == 0 {
			continue
		}
		builder.WriteString(escapeHTMLBody(string(runes[prevEnd:mention.Offset])))
		name := string(runes[mention.Offset : mention.Offset+mention.Length])
		builder.WriteString(fmt.Sprintf(`<a href="https://matrix.to/#/%s">%s</a>`, portal.mentionTarget(mention.Entity.ID), html.EscapeString(name)))
		prevEnd = mention.Offset + mention.Length
	}
	builder.WriteString(escapeHTMLBody(string(runes[prevEnd:])))

	content.Format = event.FormatHTML
	content.FormattedBody = builder.String()
	return content
}

func escapeHTMLBody(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br/>")
}
