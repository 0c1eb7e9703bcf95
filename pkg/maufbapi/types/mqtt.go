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

// Package types contains the wire structs of the Messenger mobile API: the
// Thrift-tagged realtime payloads and the JSON shapes of GraphQL responses
// and MQTT request topics.
package types

// ThreadKey identifies a thread on the wire: groups carry ThreadFBID,
// one-to-one threads carry the other participant's user ID.
type ThreadKey struct {
	OtherUserID int64 `thrift:"1" json:"other_user_id,string,omitempty"`
	ThreadFBID  int64 `thrift:"2" json:"thread_fbid,string,omitempty"`
}

// ID collapses the union into the single thread identifier the bridge keys
// portals by.
func (tk ThreadKey) ID() int64 {
	if tk.ThreadFBID != 0 {
		return tk.ThreadFBID
	}
	return tk.OtherUserID
}

func (tk ThreadKey) IsGroup() bool {
	return tk.ThreadFBID != 0
}

// RealtimeClientInfo is the identity section of the MQTToT CONNECT blob.
type RealtimeClientInfo struct {
	UserID                        int64   `thrift:"1"`
	UserAgent                     string  `thrift:"2"`
	ClientCapabilities            int64   `thrift:"3"`
	EndpointCapabilities          int64   `thrift:"4"`
	PublishFormat                 int32   `thrift:"5"`
	NoAutomaticForeground         bool    `thrift:"6"`
	MakeUserAvailableInForeground bool    `thrift:"7"`
	DeviceID                      string  `thrift:"8"`
	IsInitiallyForeground         bool    `thrift:"9"`
	NetworkType                   int32   `thrift:"10"`
	NetworkSubtype                int32   `thrift:"11"`
	ClientMQTTSessionID           int64   `thrift:"12"`
	SubscribeTopics               []int32 `thrift:"14"`
	ClientType                    string  `thrift:"15"`
	AppID                         int64   `thrift:"16"`
	DeviceSecret                  string  `thrift:"20"`
	ClientStack                   int8    `thrift:"21"`
}

// RealtimeConfig is thrift-encoded, zlib-compressed and sent as the opaque
// client ID blob of the MQTToT CONNECT packet. Password is the OAuth access
// token; ConnectTokenHash resumes a previous session when present.
type RealtimeConfig struct {
	ClientInfo       RealtimeClientInfo `thrift:"1"`
	Password         string             `thrift:"2"`
	GetDiffsRequests []string           `thrift:"3"`
	ConnectTokenHash []byte             `thrift:"4"`
	AppSpecificInfo  map[string]string  `thrift:"5"`
}

// MessageSyncError is the server-side state of the delta queue. Unknown
// values are preserved.
type MessageSyncError string

const (
	QueueOverflow  MessageSyncError = "ERROR_QUEUE_OVERFLOW"
	QueueUnderflow MessageSyncError = "ERROR_QUEUE_UNDERFLOW"
	QueueNotFound  MessageSyncError = "ERROR_QUEUE_NOT_FOUND"
)

// MessageSyncPayload is one /t_ms publish from the delta queue.
type MessageSyncPayload struct {
	Items       []MessageSyncEvent `thrift:"1"`
	FirstSeqID  int64              `thrift:"2"`
	LastSeqID   int64              `thrift:"3"`
	Viewer      int64              `thrift:"4"`
	SubscribeOk string             `thrift:"11"`
	Error       MessageSyncError   `thrift:"12"`
}

// MessageSyncEvent is the outer delta union. Typically exactly one field is
// set; Deltas returns the set ones in declaration order.
type MessageSyncEvent struct {
	Message         *DeltaNewMessage      `thrift:"1"`
	OwnReadReceipt  *DeltaOwnReadReceipt  `thrift:"2"`
	AddMember       *DeltaAddMember       `thrift:"3"`
	RemoveMember    *DeltaRemoveMember    `thrift:"4"`
	NameChange      *DeltaNameChange      `thrift:"5"`
	AvatarChange    *DeltaAvatarChange    `thrift:"6"`
	ThreadChange    *DeltaThreadChange    `thrift:"7"`
	ForcedFetch     *DeltaForcedFetch     `thrift:"8"`
	ReadReceipt     *DeltaReadReceipt     `thrift:"9"`
	DeliveryReceipt *DeltaDeliveryReceipt `thrift:"10"`
	ClientPayload   *DeltaClientPayload   `thrift:"11"`
}

func (mse *MessageSyncEvent) Deltas() []any {
	var deltas []any
	if mse.Message != nil {
		deltas = append(deltas, mse.Message)
	}
	if mse.OwnReadReceipt != nil {
		deltas = append(deltas, mse.OwnReadReceipt)
	}
	if mse.AddMember != nil {
		deltas = append(deltas, mse.AddMember)
	}
	if mse.RemoveMember != nil {
		deltas = append(deltas, mse.RemoveMember)
	}
	if mse.NameChange != nil {
		deltas = append(deltas, mse.NameChange)
	}
	if mse.AvatarChange != nil {
		deltas = append(deltas, mse.AvatarChange)
	}
	if mse.ThreadChange != nil {
		deltas = append(deltas, mse.ThreadChange)
	}
	if mse.ForcedFetch != nil {
		deltas = append(deltas, mse.ForcedFetch)
	}
	if mse.ReadReceipt != nil {
		deltas = append(deltas, mse.ReadReceipt)
	}
	if mse.DeliveryReceipt != nil {
		deltas = append(deltas, mse.DeliveryReceipt)
	}
	if mse.ClientPayload != nil {
		deltas = append(deltas, mse.ClientPayload)
	}
	return deltas
}

// MessageMetadata is shared by most thread deltas.
type MessageMetadata struct {
	ThreadKey          ThreadKey `thrift:"1"`
	MessageID          string    `thrift:"2"`
	OfflineThreadingID int64     `thrift:"3"`
	ActorFBID          int64     `thrift:"4"`
	Timestamp          int64     `thrift:"5"`
	ShouldBuzz         bool      `thrift:"6"`
	AdminText          string    `thrift:"7"`
	Tags               []string  `thrift:"8"`
}

type DeltaNewMessage struct {
	Metadata    MessageMetadata  `thrift:"1"`
	Body        string           `thrift:"2"`
	StickerID   int64            `thrift:"4"`
	Attachments []WireAttachment `thrift:"5"`
	TTL         int32            `thrift:"6"`
	Data        map[string]string `thrift:"7"`
}

// WireAttachment is the thrift form of a message attachment. The rich media
// info (dimensions, URLs) lives in the ExtensibleMedia JSON blob.
type WireAttachment struct {
	ID              string `thrift:"1"`
	MimeType        string `thrift:"2"`
	FileName        string `thrift:"3"`
	FileSize        int64  `thrift:"4"`
	ExtensibleMedia string `thrift:"5"`
}

type DeltaOwnReadReceipt struct {
	ThreadKeys         []ThreadKey `thrift:"1"`
	ActionTimestamp    int64       `thrift:"3"`
	WatermarkTimestamp int64       `thrift:"4"`
}

type DeltaReadReceipt struct {
	ThreadKey          ThreadKey `thrift:"1"`
	ActorFBID          int64     `thrift:"2"`
	ActionTimestamp    int64     `thrift:"3"`
	WatermarkTimestamp int64     `thrift:"4"`
}

type DeltaDeliveryReceipt struct {
	ThreadKey          ThreadKey `thrift:"1"`
	ActorFBID          int64     `thrift:"2"`
	DeviceID           string    `thrift:"3"`
	MessageIDs         []string  `thrift:"5"`
	DeliveredWatermark int64     `thrift:"6"`
}

type ParticipantInfo struct {
	UserID          int64  `thrift:"1,string"`
	FirstName       string `thrift:"2"`
	FullName        string `thrift:"3"`
	IsMessengerUser bool   `thrift:"4"`
}

type DeltaAddMember struct {
	Metadata     MessageMetadata   `thrift:"1"`
	Participants []ParticipantInfo `thrift:"2"`
}

type DeltaRemoveMember struct {
	Metadata            MessageMetadata `thrift:"1"`
	LeftParticipantFBID int64           `thrift:"2,string"`
}

type DeltaNameChange struct {
	Metadata MessageMetadata `thrift:"1"`
	Name     string          `thrift:"2"`
}

type DeltaAvatarChange struct {
	Metadata MessageMetadata `thrift:"1"`
	Image    *WireAttachment `thrift:"2"`
}

// DeltaThreadChange signals out-of-band thread mutations (mute, approval
// mode); the bridge refetches thread info when it sees one.
type DeltaThreadChange struct {
	Metadata MessageMetadata   `thrift:"1"`
	Action   string            `thrift:"2"`
	Data     map[string]string `thrift:"4"`
}

type DeltaForcedFetch struct {
	ThreadKey ThreadKey `thrift:"1"`
	MessageID string    `thrift:"2"`
	FetchType int32     `thrift:"3"`
}

// DeltaClientPayload wraps an inner thrift blob with the newer delta types.
type DeltaClientPayload struct {
	Payload []byte `thrift:"1"`
}

// MessageSyncClientPayload is the decoded form of DeltaClientPayload.Payload.
type MessageSyncClientPayload struct {
	Deltas []ClientPayloadDelta `thrift:"1"`
}

type ClientPayloadDelta struct {
	Reaction        *DeltaMessageReaction `thrift:"1"`
	ExtendedMessage *DeltaExtendedMessage `thrift:"2"`
	UnsendMessage   *DeltaUnsendMessage   `thrift:"3"`
}

// ReactionAction distinguishes adds from removals in reaction deltas.
type ReactionAction int32

const (
	ReactionActionAdd    ReactionAction = 0
	ReactionActionRemove ReactionAction = 1
)

type DeltaMessageReaction struct {
	ThreadKey          ThreadKey      `thrift:"1"`
	MessageID          string         `thrift:"2"`
	Action             ReactionAction `thrift:"3"`
	UserID             int64          `thrift:"4"`
	Reaction           *string        `thrift:"5"`
	SenderID           int64          `thrift:"6"`
	OfflineThreadingID int64          `thrift:"7"`
}

// DeltaExtendedMessage is a reply: the new message plus the quoted one.
type DeltaExtendedMessage struct {
	RepliedToMessage *DeltaNewMessage `thrift:"1"`
	Message          DeltaNewMessage  `thrift:"2"`
}

type DeltaUnsendMessage struct {
	ThreadKey ThreadKey `thrift:"1"`
	MessageID string    `thrift:"2"`
	Timestamp int64     `thrift:"3"`
	SenderID  int64     `thrift:"4"`
}
