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
	"time"

	"github.com/stretchr/testify/assert"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

func TestHandleMQTTEvent_QueuesWithoutProcessing(t *testing.T) {
	// The handler runs on the MQTT reader goroutine, so it must only enqueue.
	// Processing inline would dereference the nil bridge and panic.
	user := &User{mqttEvents: make(chan any, mqttEventBuffer)}
	first := &types.DeltaMessageReaction{MessageID: "mid.1"}
	second := &types.DeltaUnsendMessage{MessageID: "mid.2"}

	user.handleMQTTEvent(first)
	user.handleMQTTEvent(second)

	assert.Same(t, first, <-user.mqttEvents)
	assert.Same(t, second, <-user.mqttEvents)
}

func TestNetworkRetryBackoff(t *testing.T) {
	assert.Equal(t, 1*time.Second, networkRetryBackoff(1))
	assert.Equal(t, 4*time.Second, networkRetryBackoff(2))
	assert.Equal(t, 64*time.Second, networkRetryBackoff(8))
	assert.Equal(t, 5*time.Minute, networkRetryBackoff(60))
}
