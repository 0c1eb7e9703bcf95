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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MQTT 3.1 control packet types, in the high nibble of the fixed header.
const (
	packetConnect    = 1
	packetConnAck    = 2
	packetPublish    = 3
	packetPubAck     = 4
	packetSubAck     = 9
	packetPingReq    = 12
	packetPingResp   = 13
	packetDisconnect = 14
)

var errPacketTooLarge = errors.New("mqtt: remaining length exceeds 4 bytes")

// packet is one raw control packet: the full fixed header byte (type plus
// flags) and the body after the remaining-length field.
type packet struct {
	header  byte
	payload []byte
}

func (pkt *packet) packetType() byte {
	return pkt.header >> 4
}

func (pkt *packet) qos() byte {
	return (pkt.header >> 1) & 0x03
}

// writeRemainingLength emits the MQTT variable-length int (7 bits per byte,
// high bit = continuation).
func writeRemainingLength(buf []byte, length int) []byte {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		buf = append(buf, digit)
		if length == 0 {
			return buf
		}
	}
}

func readRemainingLength(r io.ByteReader) (int, error) {
	var length, shift int
	for i := 0; ; i++ {
		if i == 4 {
			return 0, errPacketTooLarge
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		length |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return length, nil
		}
		shift += 7
	}
}

// writePacket frames and sends one control packet.
func writePacket(w io.Writer, header byte, payload []byte) error {
	buf := make([]byte, 0, len(payload)+5)
	buf = append(buf, header)
	buf = writeRemainingLength(buf, len(payload))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

type byteAndFullReader interface {
	io.Reader
	io.ByteReader
}

// readPacket reads one complete control packet from the stream.
func readPacket(r byteAndFullReader) (*packet, error) {
	header, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	length, err := readRemainingLength(r)
	if err != nil {
		return nil, fmt.Errorf("mqtt: failed to read packet length: %w", err)
	}
	payload := make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("mqtt: failed to read packet body: %w", err)
	}
	return &packet{header: header, payload: payload}, nil
}

// publishPacket splits an inbound PUBLISH body into topic, packet ID (QoS > 0
// only) and payload.
func parsePublish(pkt *packet) (topic string, packetID uint16, payload []byte, err error) {
	if len(pkt.payload) < 2 {
		return "", 0, nil, errors.New("mqtt: publish packet too short")
	}
	topicLen := int(binary.BigEndian.Uint16(pkt.payload))
	rest := pkt.payload[2:]
	if len(rest) < topicLen {
		return "", 0, nil, errors.New("mqtt: publish topic truncated")
	}
	topic = string(rest[:topicLen])
	rest = rest[topicLen:]
	if pkt.qos() > 0 {
		if len(rest) < 2 {
			return "", 0, nil, errors.New("mqtt: publish packet ID truncated")
		}
		packetID = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	}
	return topic, packetID, rest, nil
}

func encodePublish(topic string, packetID uint16, qos byte, payload []byte) (byte, []byte) {
	body := make([]byte, 0, 4+len(topic)+len(payload))
	body = binary.BigEndian.AppendUint16(body, uint16(len(topic)))
	body = append(body, topic...)
	if qos > 0 {
		body = binary.BigEndian.AppendUint16(body, packetID)
	}
	body = append(body, payload...)
	return packetPublish<<4 | qos<<1, body
}

