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

package config

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"maunium.net/go/mautrix/bridge/bridgeconfig"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

type IncrementalConfig struct {
	MessagesPerBatch int         `yaml:"messages_per_batch"`
	PostBatchDelay   int         `yaml:"post_batch_delay"`
	MaxMessages      MaxMessages `yaml:"max_messages"`
}

type MaxMessages struct {
	User  int `yaml:"user"`
	Group int `yaml:"group"`
	Page  int `yaml:"page"`
}

func (mm *MaxMessages) GetMaxMessagesFor(t types.ThreadType) int {
	switch t {
	case types.ThreadTypeUser:
		return mm.User
	case types.ThreadTypeGroup:
		return mm.Group
	case types.ThreadTypePage:
		return mm.Page
	default:
		return 0
	}
}

type PeriodicReconnectConfig struct {
	// Interval between forced reconnects in seconds, 0 disables them.
	Interval int64 `yaml:"interval"`
	// MinConnectedTime skips the periodic reconnect if the current
	// connection is younger than this many seconds.
	MinConnectedTime int64 `yaml:"min_connected_time"`
}

type BridgeConfig struct {
	UsernameTemplate      string `yaml:"username_template"`
	DisplaynameTemplate   string `yaml:"displayname_template"`
	PrivateChatPortalMeta string `yaml:"private_chat_portal_meta"`

	CommandPrefix string `yaml:"command_prefix"`

	DeliveryReceipts     bool `yaml:"delivery_receipts"`
	MessageStatusEvents  bool `yaml:"message_status_events"`
	MessageErrorNotices  bool `yaml:"message_error_notices"`
	ResendBridgeInfo     bool `yaml:"resend_bridge_info"`
	FederateRooms        bool `yaml:"federate_rooms"`
	BridgeNotices        bool `yaml:"bridge_notices"`
	ParticipantSyncCount int  `yaml:"participant_sync_count"`

	PortalMessageBuffer int `yaml:"portal_message_buffer"`

	SyncDirectChatList    bool `yaml:"sync_direct_chat_list"`
	DefaultBridgeReceipts bool `yaml:"default_bridge_receipts"`
	DefaultBridgePresence bool `yaml:"default_bridge_presence"`

	PeriodicReconnect PeriodicReconnectConfig `yaml:"periodic_reconnect"`

	ManagementRoomText bridgeconfig.ManagementRoomTexts `yaml:"management_room_text"`

	DoublePuppetConfig bridgeconfig.DoublePuppetConfig `yaml:",inline"`

	Encryption bridgeconfig.EncryptionConfig `yaml:"encryption"`

	Provisioning struct {
		Prefix       string `yaml:"prefix"`
		SharedSecret string `yaml:"shared_secret"`
	} `yaml:"provisioning"`

	Permissions bridgeconfig.PermissionConfig `yaml:"permissions"`

	Relay bridgeconfig.RelaybotConfig `yaml:"relay"`

	Backfill struct {
		Enable             bool              `yaml:"enable"`
		ConversationsCount int               `yaml:"conversations_count"`
		ImmediateMessages  int               `yaml:"immediate_messages"`
		Incremental        IncrementalConfig `yaml:"incremental"`
	} `yaml:"backfill"`

	usernameTemplate    *template.Template `yaml:"-"`
	displaynameTemplate *template.Template `yaml:"-"`
}

type umBridgeConfig BridgeConfig

func (bc *BridgeConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	err := unmarshal((*umBridgeConfig)(bc))
	if err != nil {
		return err
	}

	bc.usernameTemplate, err = template.New("username").Parse(bc.UsernameTemplate)
	if err != nil {
		return err
	} else if !strings.Contains(bc.FormatUsername(1234567890), "1234567890") {
		return fmt.Errorf("username template is missing user ID placeholder")
	}

	bc.displaynameTemplate, err = template.New("displayname").Parse(bc.DisplaynameTemplate)
	if err != nil {
		return err
	}

	return nil
}

var _ bridgeconfig.BridgeConfig = (*BridgeConfig)(nil)

func (bc *BridgeConfig) GetEncryptionConfig() bridgeconfig.EncryptionConfig {
	return bc.Encryption
}

func (bc *BridgeConfig) GetCommandPrefix() string {
	return bc.CommandPrefix
}

func (bc *BridgeConfig) GetManagementRoomTexts() bridgeconfig.ManagementRoomTexts {
	return bc.ManagementRoomText
}

func (bc *BridgeConfig) GetDoublePuppetConfig() bridgeconfig.DoublePuppetConfig {
	return bc.DoublePuppetConfig
}

func (bc *BridgeConfig) GetResendBridgeInfo() bool {
	return bc.ResendBridgeInfo
}

func (bc *BridgeConfig) EnableMessageStatusEvents() bool {
	return bc.MessageStatusEvents
}

func (bc *BridgeConfig) EnableMessageErrorNotices() bool {
	return bc.MessageErrorNotices
}

func (bc *BridgeConfig) FormatUsername(fbid int64) string {
	var buffer strings.Builder
	_ = bc.usernameTemplate.Execute(&buffer, fbid)
	return buffer.String()
}

// DisplaynameParams is the context available to the displayname template.
type DisplaynameParams struct {
	Name string
	FBID int64
}

func (bc *BridgeConfig) FormatDisplayname(name string, fbid int64) string {
	var buffer strings.Builder
	_ = bc.displaynameTemplate.Execute(&buffer, DisplaynameParams{Name: name, FBID: fbid})
	return buffer.String()
}

func (prc *PeriodicReconnectConfig) GetInterval() time.Duration {
	return time.Duration(prc.Interval) * time.Second
}

func (prc *PeriodicReconnectConfig) GetMinConnectedTime() time.Duration {
	return time.Duration(prc.MinConnectedTime) * time.Second
}

func boolToInt(val bool) int {
	if val {
		return 1
	}
	return 0
}

func (bc *BridgeConfig) Validate() error {
	_, hasWildcard := bc.Permissions["*"]
	_, hasExampleDomain := bc.Permissions["example.com"]
	_, hasExampleUser := bc.Permissions["@admin:example.com"]
	exampleLen := boolToInt(hasWildcard) + boolToInt(hasExampleUser) + boolToInt(hasExampleDomain)
	if len(bc.Permissions) <= exampleLen {
		return errors.New("bridge.permissions not configured")
	}
	return nil
}
