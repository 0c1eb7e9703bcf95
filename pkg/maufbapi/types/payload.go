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
	"fmt"
	"strconv"
)

// ImageSizes are the device_params sent when creating the sync queue, so the
// server scales preview URLs appropriately.
type ImageSizes struct {
	AnimatedImageSizes []int `json:"animated_image_sizes"`
	ImageSizes         []int `json:"image_sizes"`
	ThumbnailSize      int   `json:"thumbnail_size"`
}

func DefaultImageSizes() ImageSizes {
	return ImageSizes{
		AnimatedImageSizes: []int{4096},
		ImageSizes:         []int{4096},
		ThumbnailSize:      540,
	}
}

// CreateQueueRequest starts a fresh server-side delta queue.
type CreateQueueRequest struct {
	InitialTitanSequenceID int64      `json:"initial_titan_sequence_id"`
	DeltaBatchSize         int        `json:"delta_batch_size"`
	Device                 string     `json:"device"`
	DeviceParams           ImageSizes `json:"device_params"`
	EntityFBID             int64      `json:"entity_fbid,string"`
	SyncAPIVersion         int        `json:"sync_api_version"`
	QueueParams            string     `json:"queue_params"`
	EncodingFormat         int        `json:"encoding"`
}

// ResumeQueueRequest resumes an existing queue from the last seen seq id.
type ResumeQueueRequest struct {
	LastSeqID      int64      `json:"last_seq_id,string"`
	Device         string     `json:"device"`
	DeviceParams   ImageSizes `json:"device_params"`
	EntityFBID     int64      `json:"entity_fbid,string"`
	SyncAPIVersion int        `json:"sync_api_version"`
	QueueParams    string     `json:"queue_params"`
	SyncToken      string     `json:"sync_token"`
}

// SendMessageRequest goes to /t_sm.
type SendMessageRequest struct {
	Body               string `json:"body,omitempty"`
	OfflineThreadingID string `json:"msgid"`
	SenderFBID         int64  `json:"sender_fbid"`
	To                 string `json:"to"`
	ObjectAttachment   string `json:"object_attachment,omitempty"`
}

// ToField formats the thread reference: groups are prefixed with tfbid:.
func ToField(threadID int64, isGroup bool) string {
	if isGroup {
		return fmt.Sprintf("tfbid:%d", threadID)
	}
	return strconv.FormatInt(threadID, 10)
}

// SendMessageResponse arrives on /t_sm_rp, correlated by the OTI.
type SendMessageResponse struct {
	OfflineThreadingID int64  `json:"offline_threading_id,string"`
	MessageID          string `json:"fbid"`
	Success            bool   `json:"succeeded"`
	ErrorMessage       string `json:"errStr,omitempty"`
}

// MarkReadRequest goes to the mark_read topic.
type MarkReadRequest struct {
	ThreadFBID  int64 `json:"thread_fbid,string,omitempty"`
	OtherUserID int64 `json:"other_user_id,string,omitempty"`
	Mark        string `json:"mark"`
	State       bool  `json:"state"`
	ActionID    int64 `json:"action_id"`
	SyncSeqID   int64 `json:"sync_seq_id"`
	WatermarkTS int64 `json:"watermark_ts"`
}

// TypingRequest goes to the typing topic. State is 1 while typing, 0 to stop.
type TypingRequest struct {
	Recipient int64 `json:"to,string"`
	Sender    int64 `json:"sender"`
	State     int   `json:"state"`
}

// TypingNotification is the inbound form on the same topic.
type TypingNotification struct {
	Sender int64 `json:"sender_fbid"`
	Thread int64 `json:"thread,string,omitempty"`
	State  int   `json:"state"`
	Type   string `json:"type"`
}

// Presence is the /orca_presence payload.
type Presence struct {
	ListType string         `json:"list_type"`
	List     []PresenceInfo `json:"list"`
}

type PresenceInfo struct {
	UserID     int64 `json:"u"`
	Present    int   `json:"p"`
	LastActive int64 `json:"l,omitempty"`
}

// RegionHintPayload arrives on the region_hint topic after connect.
type RegionHintPayload struct {
	RegionHint string `json:"region_hint"`
	Code       string `json:"code"`
}
