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
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/thrift"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

const (
	// protocolName is not "MQIsdp": Facebook registered their own dialect
	// name, which real brokers reject.
	protocolName     = "MQTToT"
	protocolLevel    = 3
	connectFlags     = 0x02 // clean session, no will, no user/pass fields
	keepaliveSeconds = 60

	mqttAppID            = 219994525426954
	clientCapabilities   = 439
	endpointCapabilities = 128
	publishFormat        = 1
	clientStack          = 3
)

// buildRealtimeConfig assembles the CONNECT identity blob. The connect token
// hash is included only when resuming a known-good session.
func (c *Client) buildRealtimeConfig() *types.RealtimeConfig {
	return &types.RealtimeConfig{
		ClientInfo: types.RealtimeClientInfo{
			UserID:                        c.state.Session.UID,
			UserAgent:                     c.state.PrettyUA(),
			ClientCapabilities:            clientCapabilities,
			EndpointCapabilities:          endpointCapabilities,
			PublishFormat:                 publishFormat,
			NoAutomaticForeground:         true,
			MakeUserAvailableInForeground: false,
			DeviceID:                      c.state.Device.UUID,
			IsInitiallyForeground:         false,
			NetworkType:                   1,
			NetworkSubtype:                0,
			ClientMQTTSessionID:           time.Now().UnixMilli() & 0xffffffff,
			SubscribeTopics:               subscribedTopicIDs(),
			ClientType:                    "",
			AppID:                         mqttAppID,
			ClientStack:                   clientStack,
		},
		Password:         c.state.Session.AccessToken,
		ConnectTokenHash: c.connectTokenHash,
	}
}

// buildConnectPacket encodes the MQTToT CONNECT: a normal 3.1 variable header
// followed by the zlib-compressed thrift config as a raw, non-length-prefixed
// client identifier.
func (c *Client) buildConnectPacket() ([]byte, error) {
	raw, err := thrift.Marshal(c.buildRealtimeConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode connect config: %w", err)
	}
	compressed, err := zlibCompress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress connect config: %w", err)
	}
	var buf bytes.Buffer
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(protocolName)))
	buf.Write(nameLen[:])
	buf.WriteString(protocolName)
	buf.WriteByte(protocolLevel)
	buf.WriteByte(connectFlags)
	var keepalive [2]byte
	binary.BigEndian.PutUint16(keepalive[:], keepaliveSeconds)
	buf.Write(keepalive[:])
	buf.Write(compressed)
	return buf.Bytes(), nil
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err = writer.Write(data); err != nil {
		return nil, err
	}
	if err = writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isZlib checks for the deflate stream header the server uses.
func isZlib(data []byte) bool {
	return len(data) > 2 && data[0] == 0x78 && (data[1] == 0x9c || data[1] == 0xda || data[1] == 0x01)
}

func zlibDecompress(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
