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

import "strings"

// Topic is a symbolic realtime topic name. On the wire most topics are
// replaced by short numeric aliases from the app's topic table.
type Topic string

const (
	TopicMessageSync         Topic = "/t_ms"
	TopicSendMessage         Topic = "/t_sm"
	TopicSendMessageResponse Topic = "/t_sm_rp"
	TopicMarkThreadRead      Topic = "/t_mt_req"
	TopicMarkThreadReadResp  Topic = "/t_mt_resp"
	TopicSyncCreateQueue     Topic = "/messenger_sync_create_queue"
	TopicSyncResumeQueue     Topic = "/messenger_sync_get_diffs"
	TopicTyping              Topic = "/t_st"
	TopicOrcaPresence        Topic = "/orca_presence"
	TopicRegionHint          Topic = "/t_region_hint"
	TopicMQTTHealthStats     Topic = "/mqtt_health_stats"
)

// topicIDs is the symbolic-to-numeric alias table of the impersonated app
// build. Topics missing from the table go out with their full name.
var topicIDs = map[Topic]string{
	TopicMessageSync:         "146",
	TopicSendMessage:         "132",
	TopicSendMessageResponse: "143",
	TopicMarkThreadRead:      "147",
	TopicMarkThreadReadResp:  "148",
	TopicSyncCreateQueue:     "104",
	TopicSyncResumeQueue:     "105",
	TopicTyping:              "102",
	TopicOrcaPresence:        "141",
	TopicRegionHint:          "150",
	TopicMQTTHealthStats:     "149",
}

var topicNames = func() map[string]Topic {
	names := make(map[string]Topic, len(topicIDs))
	for name, id := range topicIDs {
		names[id] = name
	}
	return names
}()

// encodeTopic returns the wire form of a topic: the numeric alias when the
// table has one, the name itself otherwise.
func encodeTopic(topic Topic) string {
	if id, ok := topicIDs[topic]; ok {
		return id
	}
	return string(topic)
}

// decodeTopic resolves an inbound wire topic back to its symbolic name plus
// any routing suffix. The server appends suffixes after the first #, / or |.
func decodeTopic(raw string) (Topic, string) {
	base, suffix := raw, ""
	if idx := strings.IndexAny(raw, "#/|"); idx > 0 {
		base, suffix = raw[:idx], raw[idx:]
	}
	if name, ok := topicNames[base]; ok {
		return name, suffix
	}
	return Topic(base), suffix
}

// subscribedTopicIDs is the numeric topic list embedded in the CONNECT blob.
func subscribedTopicIDs() []int32 {
	return []int32{88, 102, 104, 105, 132, 141, 143, 146, 147, 148, 149, 150}
}
