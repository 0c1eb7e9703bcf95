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

// Package mqtt implements Facebook's MQTToT realtime transport: MQTT 3.1
// framing with a nonstandard protocol name and a compressed thrift blob in
// place of the client identifier.
package mqtt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/thrift"
	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

const (
	mqttAddress    = "edge-mqtt.facebook.com:443"
	requestTimeout = 30 * time.Second
)

// ConnectionError is a CONNACK rejection.
type ConnectionError struct {
	ReturnCode byte
}

func (ce *ConnectionError) Error() string {
	return fmt.Sprintf("connection refused by server (return code %d)", ce.ReturnCode)
}

// IsAuthFailure reports whether the rejection means the credentials are dead
// rather than the attempt being unlucky.
func (ce *ConnectionError) IsAuthFailure() bool {
	return ce.ReturnCode == 4 || ce.ReturnCode == 5
}

var (
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrRequestSlotBusy should never surface: request serializes callers
	// per response topic.
	ErrRequestSlotBusy = errors.New("mqtt: response slot already occupied")
)

// Events delivered through the event handler in addition to decoded deltas.
type (
	// Connected fires after CONNACK and the sync queue request.
	Connected struct{}
	// Disconnected fires when the broker connection drops for any reason
	// other than an explicit Disconnect call.
	Disconnected struct{ Err error }
	// ResyncRequired fires on queue overflow/underflow: the owner must do a
	// full thread resync and reconnect with a fresh queue.
	ResyncRequired struct{ Error types.MessageSyncError }
	// QueueDropped fires when the server forgot the delta queue: the owner
	// must reconnect without the connect token hash.
	QueueDropped struct{}
)

// Message is one decoded inbound PUBLISH.
type Message struct {
	Topic   Topic
	Suffix  string
	Payload []byte
}

// connAckPayload is the thrift blob appended to the MQTToT CONNACK.
type connAckPayload struct {
	ConnectTokenHash []byte `thrift:"1"`
	Region           string `thrift:"2"`
}

// Client is one account's realtime connection.
type Client struct {
	log   zerolog.Logger
	state *maufbapi.AndroidState

	conn      net.Conn
	reader    *bufio.Reader
	writeLock sync.Mutex
	connLock  sync.Mutex

	packetID atomic.Uint32

	responseWaiters     map[Topic]chan<- *Message
	responseWaitersLock sync.Mutex
	requestLocks        map[Topic]*sync.Mutex
	requestLocksLock    sync.Mutex

	ackWaiters     map[uint16]chan struct{}
	ackWaitersLock sync.Mutex

	connectTokenHash []byte
	seqID            atomic.Int64
	syncToken        string
	syncTokenLock    sync.Mutex

	stopping atomic.Bool

	// EventHandler receives decoded deltas and connection lifecycle events.
	// It is called from the read loop, so it must not block for long.
	EventHandler func(evt any)
	// OnSeqID is called whenever the delta queue advances the sequence ID.
	OnSeqID func(seqID int64)
	// OnConnectTokenHash is called when the server issues or replaces the
	// session resume token.
	OnConnectTokenHash func(hash []byte)
	// OnRegionHint is called when the server tells the client which region
	// cluster to pin to.
	OnRegionHint func(region string)
}

func NewClient(state *maufbapi.AndroidState, log zerolog.Logger) *Client {
	return &Client{
		log:             log,
		state:           state,
		responseWaiters: make(map[Topic]chan<- *Message),
		requestLocks:    make(map[Topic]*sync.Mutex),
		ackWaiters:      make(map[uint16]chan struct{}),
	}
}

// SetConnectTokenHash seeds the resume token from persisted state.
func (c *Client) SetConnectTokenHash(hash []byte) {
	c.connectTokenHash = hash
}

// ClearConnectTokenHash drops the resume token so the next connect starts a
// clean session.
func (c *Client) ClearConnectTokenHash() {
	c.connectTokenHash = nil
	c.syncTokenLock.Lock()
	c.syncToken = ""
	c.syncTokenLock.Unlock()
}

// SetSeqID seeds the delta queue position from persisted state.
func (c *Client) SetSeqID(seqID int64) {
	c.seqID.Store(seqID)
}

func (c *Client) SeqID() int64 {
	return c.seqID.Load()
}

func (c *Client) dispatch(evt any) {
	if c.EventHandler != nil {
		c.EventHandler(evt)
	}
}

// Connect dials the broker, performs the MQTToT handshake and starts the
// background read and keepalive loops. The sync queue is requested before
// returning.
func (c *Client) Connect(ctx context.Context) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.conn != nil {
		return errors.New("mqtt: already connected")
	}
	c.stopping.Store(false)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 30 * time.Second},
		Config:    &tls.Config{ServerName: "edge-mqtt.facebook.com"},
	}
	conn, err := dialer.DialContext(ctx, "tcp", mqttAddress)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	connectPayload, err := c.buildConnectPacket()
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))
	if err = writePacket(conn, packetConnect<<4, connectPayload); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send connect: %w", err)
	}
	reader := bufio.NewReader(conn)
	ack, err := readPacket(reader)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to read connack: %w", err)
	}
	if ack.packetType() != packetConnAck || len(ack.payload) < 2 {
		conn.Close()
		return fmt.Errorf("unexpected handshake response (type %d)", ack.packetType())
	}
	if code := ack.payload[1]; code != 0 {
		conn.Close()
		return &ConnectionError{ReturnCode: code}
	}
	c.handleConnAckExtras(ack.payload[2:])
	_ = conn.SetDeadline(time.Time{})

	c.conn = conn
	c.reader = reader
	go c.readLoop(conn, reader)
	go c.keepaliveLoop(conn)

	if err = c.requestSyncQueue(ctx); err != nil {
		c.disconnectLocked()
		return err
	}
	c.dispatch(Connected{})
	return nil
}

// handleConnAckExtras parses the compressed thrift blob Facebook appends to
// the CONNACK, carrying the session resume token.
func (c *Client) handleConnAckExtras(extra []byte) {
	if len(extra) == 0 {
		return
	}
	if isZlib(extra) {
		decompressed, err := zlibDecompress(extra)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to decompress connack payload")
			return
		}
		extra = decompressed
	}
	var payload connAckPayload
	if err := thrift.Unmarshal(extra, &payload); err != nil {
		c.log.Debug().Err(err).Msg("Failed to parse connack payload")
		return
	}
	if len(payload.ConnectTokenHash) > 0 {
		c.connectTokenHash = payload.ConnectTokenHash
		if c.OnConnectTokenHash != nil {
			c.OnConnectTokenHash(payload.ConnectTokenHash)
		}
	}
	if payload.Region != "" && c.OnRegionHint != nil {
		c.OnRegionHint(payload.Region)
	}
}

// Disconnect closes the connection without firing a Disconnected event.
func (c *Client) Disconnect() {
	c.stopping.Store(true)
	c.connLock.Lock()
	defer c.connLock.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	if c.conn == nil {
		return
	}
	c.writeLock.Lock()
	_ = writePacket(c.conn, packetDisconnect<<4, nil)
	c.writeLock.Unlock()
	c.conn.Close()
	c.conn = nil
	c.reader = nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	return c.conn != nil
}

func (c *Client) connectionLost(conn net.Conn, err error) {
	c.connLock.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.reader = nil
		conn.Close()
	}
	c.connLock.Unlock()
	if current && !c.stopping.Load() {
		c.dispatch(Disconnected{Err: err})
	}
}

func (c *Client) keepaliveLoop(conn net.Conn) {
	ticker := time.NewTicker((keepaliveSeconds - 5) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		c.connLock.Lock()
		active := c.conn == conn
		c.connLock.Unlock()
		if !active {
			return
		}
		c.writeLock.Lock()
		err := writePacket(conn, packetPingReq<<4, nil)
		c.writeLock.Unlock()
		if err != nil {
			c.connectionLost(conn, fmt.Errorf("keepalive write failed: %w", err))
			return
		}
	}
}

func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(keepaliveSeconds * 2 * time.Second))
		pkt, err := readPacket(reader)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		switch pkt.packetType() {
		case packetPublish:
			c.handlePublish(conn, pkt)
		case packetPubAck:
			if len(pkt.payload) >= 2 {
				c.resolveAck(uint16(pkt.payload[0])<<8 | uint16(pkt.payload[1]))
			}
		case packetSubAck, packetPingResp:
			// Nothing to correlate.
		case packetDisconnect:
			// Not part of MQTT 3.1 from the server side, but the broker
			// sends one before dropping the socket.
			c.connectionLost(conn, errors.New("server sent disconnect"))
			return
		default:
			c.log.Debug().Int("packet_type", int(pkt.packetType())).Msg("Dropping unexpected packet")
		}
	}
}

func (c *Client) handlePublish(conn net.Conn, pkt *packet) {
	rawTopic, packetID, payload, err := parsePublish(pkt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse publish packet")
		return
	}
	if pkt.qos() > 0 {
		ack := []byte{byte(packetID >> 8), byte(packetID)}
		c.writeLock.Lock()
		_ = writePacket(conn, packetPubAck<<4, ack)
		c.writeLock.Unlock()
	}
	// Most payloads carry a leading null framing byte before the content.
	for len(payload) > 0 && payload[0] == 0 {
		payload = payload[1:]
	}
	if isZlib(payload) {
		payload, err = zlibDecompress(payload)
		if err != nil {
			c.log.Warn().Str("topic", rawTopic).Err(err).Msg("Failed to decompress publish payload")
			return
		}
	}
	topic, suffix := decodeTopic(rawTopic)
	msg := &Message{Topic: topic, Suffix: suffix, Payload: payload}
	if c.deliverResponse(msg) {
		return
	}
	switch topic {
	case TopicMessageSync:
		c.handleMessageSync(payload)
	case TopicTyping:
		var notif types.TypingNotification
		if err := json.Unmarshal(payload, &notif); err != nil {
			c.log.Debug().Err(err).Msg("Failed to parse typing notification")
			return
		}
		c.dispatch(&notif)
	case TopicOrcaPresence:
		var presence types.Presence
		if err := json.Unmarshal(payload, &presence); err != nil {
			c.log.Debug().Err(err).Msg("Failed to parse presence payload")
			return
		}
		c.dispatch(&presence)
	case TopicRegionHint:
		var hint types.RegionHintPayload
		if err := json.Unmarshal(payload, &hint); err == nil && hint.RegionHint != "" && c.OnRegionHint != nil {
			c.OnRegionHint(hint.RegionHint)
		}
	default:
		c.log.Debug().Str("topic", string(topic)).Msg("Dropping publish on unhandled topic")
	}
}

func (c *Client) resolveAck(packetID uint16) {
	c.ackWaitersLock.Lock()
	waiter, ok := c.ackWaiters[packetID]
	delete(c.ackWaiters, packetID)
	c.ackWaitersLock.Unlock()
	if ok {
		close(waiter)
	}
}

func (c *Client) deliverResponse(msg *Message) bool {
	c.responseWaitersLock.Lock()
	waiter, ok := c.responseWaiters[msg.Topic]
	if ok {
		delete(c.responseWaiters, msg.Topic)
	}
	c.responseWaitersLock.Unlock()
	if ok {
		waiter <- msg
	}
	return ok
}

var noPrefixTopics = map[Topic]bool{
	TopicTyping:       true,
	TopicOrcaPresence: true,
}

// publish sends one QoS 1 message and waits for the PUBACK.
func (c *Client) publish(ctx context.Context, topic Topic, payload []byte) error {
	compressed, err := zlibCompress(payload)
	if err != nil {
		return fmt.Errorf("failed to compress payload: %w", err)
	}
	if !noPrefixTopics[topic] {
		compressed = append([]byte{0}, compressed...)
	}

	packetID := uint16(c.packetID.Add(1))
	if packetID == 0 {
		packetID = uint16(c.packetID.Add(1))
	}
	header, body := encodePublish(encodeTopic(topic), packetID, 1, compressed)

	ack := make(chan struct{})
	c.ackWaitersLock.Lock()
	c.ackWaiters[packetID] = ack
	c.ackWaitersLock.Unlock()
	defer func() {
		c.ackWaitersLock.Lock()
		delete(c.ackWaiters, packetID)
		c.ackWaitersLock.Unlock()
	}()

	c.connLock.Lock()
	conn := c.conn
	c.connLock.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeLock.Lock()
	err = writePacket(conn, header, body)
	c.writeLock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write publish: %w", err)
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishJSON marshals and publishes a payload with no response expected.
func (c *Client) PublishJSON(ctx context.Context, topic Topic, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.publish(ctx, topic, data)
}

func (c *Client) requestLock(topic Topic) *sync.Mutex {
	c.requestLocksLock.Lock()
	defer c.requestLocksLock.Unlock()
	lock, ok := c.requestLocks[topic]
	if !ok {
		lock = &sync.Mutex{}
		c.requestLocks[topic] = lock
	}
	return lock
}

// request publishes a payload and waits for the next message on the response
// topic. Responses carry no correlation ID, so concurrent requests with the
// same response topic are serialized.
func (c *Client) request(ctx context.Context, topic, responseTopic Topic, payload any) (*Message, error) {
	lock := c.requestLock(responseTopic)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	waiter := make(chan *Message, 1)
	c.responseWaitersLock.Lock()
	if _, exists := c.responseWaiters[responseTopic]; exists {
		c.responseWaitersLock.Unlock()
		return nil, ErrRequestSlotBusy
	}
	c.responseWaiters[responseTopic] = waiter
	c.responseWaitersLock.Unlock()
	defer func() {
		c.responseWaitersLock.Lock()
		delete(c.responseWaiters, responseTopic)
		c.responseWaitersLock.Unlock()
	}()

	if err = c.publish(ctx, topic, data); err != nil {
		return nil, err
	}
	select {
	case msg := <-waiter:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendMessage sends a text message over the realtime channel and waits for
// the delivery response.
func (c *Client) SendMessage(ctx context.Context, req *types.SendMessageRequest) (*types.SendMessageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := c.request(ctx, TopicSendMessage, TopicSendMessageResponse, req)
	if err != nil {
		return nil, err
	}
	var parsed types.SendMessageResponse
	if err = json.Unmarshal(resp.Payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse send response: %w", err)
	}
	if !parsed.Success {
		return &parsed, fmt.Errorf("server rejected message: %s", parsed.ErrorMessage)
	}
	return &parsed, nil
}

// MarkRead moves the own read watermark of a thread.
func (c *Client) MarkRead(ctx context.Context, req *types.MarkReadRequest) error {
	req.Mark = "read"
	req.State = true
	req.ActionID = time.Now().UnixMilli()
	req.SyncSeqID = c.seqID.Load()
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := c.request(ctx, TopicMarkThreadRead, TopicMarkThreadReadResp, req)
	return err
}

// SetTyping broadcasts the typing state to a one-to-one chat.
func (c *Client) SetTyping(ctx context.Context, recipient int64, typing bool) error {
	state := 0
	if typing {
		state = 1
	}
	return c.PublishJSON(ctx, TopicTyping, &types.TypingRequest{
		Recipient: recipient,
		Sender:    c.state.Session.UID,
		State:     state,
	})
}
