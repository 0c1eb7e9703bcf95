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

package maufbapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

// Persisted GraphQL document IDs of the app build the client impersonates.
const (
	docIDThreadListQuery    = 3836166069776128
	docIDThreadQuery        = 3449967031715030
	docIDMoreMessagesQuery  = 3447218621980314
	docIDMessageReact       = 4769042373179384
	docIDMessageUndoSend    = 1015037405287590
	docIDFetchStickers      = 2839117272817337
	docIDMessageDeliveries  = 3379767255406585
)

func (c *Client) graphQL(ctx context.Context, friendlyName string, docID int64, variables any, target any) error {
	variablesJSON, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	form := url.Values{
		"doc_id":                   {strconv.FormatInt(docID, 10)},
		"variables":                {string(variablesJSON)},
		"method":                   {"post"},
		"format":                   {"json"},
		"fb_api_req_friendly_name": {friendlyName},
		"fb_api_caller_class":      {"graphservice"},
		"fb_api_analytics_tags":    {`["GraphServices"]`},
		"server_timestamps":        {"true"},
	}
	return c.post(ctx, reqConfig{host: apiHost, path: "/graphql"}, form, target)
}

type threadListVariables struct {
	ThreadCount  string `json:"thread_count"`
	MessageCount string `json:"msg_count"`
	IncludeDelivery bool `json:"include_message_delivery"`
	IncludeFullUser bool `json:"include_full_user_info"`
	LargePreviewSize int `json:"large_preview_size"`
	MediumPreviewSize int `json:"medium_preview_size"`
	SmallPreviewSize int `json:"small_preview_size"`
}

// GetThreadList fetches the most recently active threads.
func (c *Client) GetThreadList(ctx context.Context, threadCount int) (*types.ThreadList, error) {
	var resp types.ThreadListResponse
	err := c.graphQL(ctx, "ThreadListQuery", docIDThreadListQuery, threadListVariables{
		ThreadCount:       strconv.Itoa(threadCount),
		MessageCount:      "1",
		IncludeDelivery:   true,
		IncludeFullUser:   true,
		LargePreviewSize:  4096,
		MediumPreviewSize: 1500,
		SmallPreviewSize:  540,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Data.Viewer.MessageThreads, nil
}

type threadQueryVariables struct {
	ThreadIDs        []string `json:"thread_ids"`
	MessageCount     string   `json:"msg_count"`
	LargePreviewSize int      `json:"large_preview_size"`
	FullScreenWidth  int      `json:"full_screen_width"`
	FullScreenHeight int      `json:"full_screen_height"`
}

// GetThreadInfo fetches full info for specific threads, including the
// participant list.
func (c *Client) GetThreadInfo(ctx context.Context, threadIDs ...int64) ([]types.Thread, error) {
	ids := make([]string, len(threadIDs))
	for i, id := range threadIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	var resp types.ThreadQueryResponse
	err := c.graphQL(ctx, "ThreadQuery", docIDThreadQuery, threadQueryVariables{
		ThreadIDs:        ids,
		MessageCount:     "0",
		LargePreviewSize: 4096,
		FullScreenWidth:  4096,
		FullScreenHeight: 4096,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Data.MessageThreads, nil
}

type moreMessagesVariables struct {
	ThreadID         string `json:"thread_id"`
	MessageLimit     int    `json:"msg_limit"`
	BeforeTimeMS     string `json:"before_time_ms"`
	FullScreenWidth  int    `json:"full_screen_width"`
	FullScreenHeight int    `json:"full_screen_height"`
}

// GetMessages pages backwards through thread history: it returns up to limit
// messages strictly older than before.
func (c *Client) GetMessages(ctx context.Context, threadID int64, before time.Time, limit int) (*types.MessageList, error) {
	var resp types.ThreadQueryResponse
	err := c.graphQL(ctx, "MoreMessagesQuery", docIDMoreMessagesQuery, moreMessagesVariables{
		ThreadID:         strconv.FormatInt(threadID, 10),
		MessageLimit:     limit,
		BeforeTimeMS:     strconv.FormatInt(before.UnixMilli(), 10),
		FullScreenWidth:  4096,
		FullScreenHeight: 4096,
	}, &resp)
	if err != nil {
		return nil, err
	} else if len(resp.Data.MessageThreads) == 0 {
		return nil, fmt.Errorf("thread %d not found", threadID)
	}
	return &resp.Data.MessageThreads[0].Messages, nil
}

// GetSelf fetches the logged-in user's profile through the plain Graph API.
func (c *Client) GetSelf(ctx context.Context) (*types.OwnInfo, error) {
	form := url.Values{
		"access_token": {c.State.Session.AccessToken},
		"fields":       {"id,name,first_name,email,picture.width(1000)"},
		"format":       {"json"},
	}
	var resp types.OwnInfo
	err := c.post(ctx, reqConfig{host: apiHost, path: "/me"}, form, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type reactionVariables struct {
	Data reactionData `json:"data"`
}

type reactionData struct {
	Action     string `json:"action"`
	ClientMutationID string `json:"client_mutation_id"`
	ActorID    string `json:"actor_id"`
	MessageID  string `json:"message_id"`
	Reaction   string `json:"reaction,omitempty"`
}

// SendReaction adds or replaces this user's reaction on a message. An empty
// reaction removes it.
func (c *Client) SendReaction(ctx context.Context, messageID, reaction string) error {
	action := "ADD_REACTION"
	if reaction == "" {
		action = "REMOVE_REACTION"
	}
	var resp types.ReactionMutationResponse
	return c.graphQL(ctx, "MessageReactMutation", docIDMessageReact, reactionVariables{Data: reactionData{
		Action:           action,
		ClientMutationID: strconv.FormatInt(time.Now().UnixNano(), 10),
		ActorID:          strconv.FormatInt(c.State.Session.UID, 10),
		MessageID:        messageID,
		Reaction:         reaction,
	}}, &resp)
}

type unsendVariables struct {
	MessageID string `json:"message_id"`
}

// UnsendMessage retracts a message for all participants.
func (c *Client) UnsendMessage(ctx context.Context, messageID string) error {
	var resp types.UnsendMutationResponse
	err := c.graphQL(ctx, "MessageUndoSend", docIDMessageUndoSend, unsendVariables{MessageID: messageID}, &resp)
	if err != nil {
		return err
	}
	if !resp.Data.MessageUnsend.DidSucceed {
		return fmt.Errorf("unsend failed: %s", resp.Data.MessageUnsend.ErrorCode)
	}
	return nil
}

type stickerVariables struct {
	StickerIDs []string `json:"sticker_ids"`
	Scale      string   `json:"scaling_factor"`
}

// GetStickerURL resolves a sticker ID to its image URL.
func (c *Client) GetStickerURL(ctx context.Context, stickerID int64) (*types.Sticker, error) {
	var resp types.StickerQueryResponse
	err := c.graphQL(ctx, "FetchStickersWithPreviewsQuery", docIDFetchStickers, stickerVariables{
		StickerIDs: []string{strconv.FormatInt(stickerID, 10)},
		Scale:      "3",
	}, &resp)
	if err != nil {
		return nil, err
	} else if len(resp.Data.Nodes) == 0 {
		return nil, fmt.Errorf("sticker %d not found", stickerID)
	}
	return &resp.Data.Nodes[0], nil
}
