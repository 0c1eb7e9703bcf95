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

// ThreadType is the GraphQL folder/kind of a thread.
type ThreadType string

const (
	ThreadTypeUser    ThreadType = "ONE_TO_ONE"
	ThreadTypeGroup   ThreadType = "GROUP"
	ThreadTypePage    ThreadType = "PAGE"
	ThreadTypeUnknown ThreadType = ""
)

type Picture struct {
	URI    string `json:"uri"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type MessagingActor struct {
	ID         int64    `json:"id,string"`
	Name       string   `json:"name"`
	ProfilePic *Picture `json:"profile_pic_large"`
	Type       string   `json:"__typename"`
}

type Participant struct {
	Actor MessagingActor `json:"messaging_actor"`
}

type ParticipantList struct {
	Nodes []Participant `json:"nodes"`
}

type MentionRange struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
	Entity struct {
		ID int64 `json:"id,string"`
	} `json:"entity"`
}

type MessageText struct {
	Text   string         `json:"text"`
	Ranges []MentionRange `json:"ranges"`
}

type Sticker struct {
	ID    int64    `json:"id,string"`
	Pack  string   `json:"pack"`
	Label string   `json:"label"`
	Image *Picture `json:"image"`
}

// BlobAttachment is the GraphQL shape of a media attachment.
type BlobAttachment struct {
	Typename        string   `json:"__typename"`
	AttachmentFBID  string   `json:"attachment_fbid"`
	Filename        string   `json:"filename"`
	MimeType        string   `json:"mimetype"`
	FileSize        int      `json:"filesize"`
	ImageFullScreen *Picture `json:"image_full_screen"`
	AnimatedImage   *Picture `json:"animated_image_full_screen"`
	PlayableURL     string   `json:"playable_url"`
	PlayableDuration int     `json:"playable_duration_in_ms"`
	AudioURI        string   `json:"playable_url_mp3"`
}

type GraphQLMessage struct {
	MessageID          string           `json:"message_id"`
	OfflineThreadingID int64            `json:"offline_threading_id,string"`
	Sender             MessagingActor   `json:"message_sender"`
	TimestampPrecise   int64            `json:"timestamp_precise,string"`
	Message            *MessageText     `json:"message"`
	BlobAttachments    []BlobAttachment `json:"blob_attachments"`
	Sticker            *Sticker         `json:"sticker"`
	Unread             bool             `json:"unread"`
	RepliedToMessage   *struct {
		Message *GraphQLMessage `json:"message"`
	} `json:"replied_to_message"`
}

type MessageList struct {
	Nodes    []GraphQLMessage `json:"nodes"`
	PageInfo struct {
		HasPreviousPage bool `json:"has_previous_page"`
	} `json:"page_info"`
}

type GraphQLThreadKey struct {
	ThreadFBID  int64 `json:"thread_fbid,string,omitempty"`
	OtherUserID int64 `json:"other_user_id,string,omitempty"`
}

func (gtk GraphQLThreadKey) ID() int64 {
	if gtk.ThreadFBID != 0 {
		return gtk.ThreadFBID
	}
	return gtk.OtherUserID
}

type Thread struct {
	ThreadKey       GraphQLThreadKey `json:"thread_key"`
	Name            string           `json:"name"`
	ThreadType      ThreadType       `json:"thread_type"`
	IsGroupThread   bool             `json:"is_group_thread"`
	Image           *Picture         `json:"image"`
	AllParticipants ParticipantList  `json:"all_participants"`
	Messages        MessageList      `json:"messages"`
	UnreadCount     int              `json:"unread_count"`
	Folder          string           `json:"folder"`
	ReadReceipts    struct {
		Nodes []struct {
			Watermark int64 `json:"watermark,string"`
			Actor     struct {
				ID int64 `json:"id,string"`
			} `json:"actor"`
		} `json:"nodes"`
	} `json:"read_receipts"`
}

type ThreadList struct {
	Nodes          []Thread `json:"nodes"`
	SyncSequenceID int64    `json:"sync_sequence_id,string"`
	UnreadCount    int      `json:"unread_count"`
}

type ThreadListResponse struct {
	Data struct {
		Viewer struct {
			MessageThreads ThreadList `json:"message_threads"`
		} `json:"viewer"`
	} `json:"data"`
}

type ThreadQueryResponse struct {
	Data struct {
		MessageThreads []Thread `json:"message_threads"`
	} `json:"data"`
}

type StickerQueryResponse struct {
	Data struct {
		Nodes []Sticker `json:"nodes"`
	} `json:"data"`
}

type OwnInfo struct {
	ID        int64  `json:"id,string"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	Email     string `json:"email"`
	Picture   *struct {
		Data Picture `json:"data"`
	} `json:"picture"`
}

type ReactionMutationResponse struct {
	Data struct {
		MessageReact struct {
			Message struct {
				MessageID string `json:"message_id"`
			} `json:"message"`
		} `json:"message_react"`
	} `json:"data"`
}

type UnsendMutationResponse struct {
	Data struct {
		MessageUnsend struct {
			DidSucceed bool   `json:"did_succeed"`
			ErrorCode  string `json:"error_code"`
		} `json:"message_undo_send"`
	} `json:"data"`
}
