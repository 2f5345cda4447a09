// Package protocol normalizes MQTT, CoAP, and HTTP device traffic
// into the single Message envelope the message router consumes.
package protocol

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolMQTT Protocol = "mqtt"
	ProtocolCoAP Protocol = "coap"
	ProtocolHTTP Protocol = "http"
)

// MessageType is the routed destination derived from the topic/path
// grammar.
type MessageType string

const (
	TypeDataStream    MessageType = "dataStream"
	TypeDeviceStatus  MessageType = "deviceStatus"
	TypeDeviceState   MessageType = "deviceState"
	TypeCommands      MessageType = "commands"
	TypeNotifications MessageType = "notifications" // outbound only
	TypeBroadcast     MessageType = "broadcast"
	TypeRuleChain     MessageType = "ruleChain"
	TypeUnknown       MessageType = "unknown"
)

// Message is the uniform envelope every protocol adapter produces.
type Message struct {
	Protocol    Protocol
	Type        MessageType
	Topic       string
	DeviceUUID  string
	OrgID       string
	RuleChainID string
	Payload     map[string]interface{}
	Timestamp   time.Time
	ClientID    string
	QoS         byte
	Query       map[string]string
}

// topicCharClass is the bit-exact character class inbound topics/paths
// must match: letters, digits, underscore, dash, slash.
var topicCharClass = regexp.MustCompile(`^[A-Za-z0-9_\-/]+$`)

// ValidTopic rejects any inbound topic containing whitespace, '.',
// '@', or MQTT wildcards.
func ValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	if strings.ContainsAny(topic, " \t\n.@+#") {
		return false
	}
	return topicCharClass.MatchString(topic)
}

// ParseSegments classifies a '/'-delimited inbound topic/path into a
// partially-populated Message (Type, DeviceUUID/OrgID/RuleChainID).
// Invalid topics, or topics the grammar doesn't recognize, produce
// Type == TypeUnknown — the router sends these nowhere.
func ParseSegments(topic string) Message {
	if !ValidTopic(topic) {
		return Message{Type: TypeUnknown, Topic: topic}
	}

	segs := strings.Split(strings.Trim(topic, "/"), "/")
	msg := Message{Topic: topic, Type: TypeUnknown}

	switch {
	case len(segs) == 3 && segs[0] == "devices" && segs[2] == "datastream":
		msg.Type, msg.DeviceUUID = TypeDataStream, segs[1]
	case len(segs) == 3 && segs[0] == "devices" && segs[2] == "status":
		msg.Type, msg.DeviceUUID = TypeDeviceStatus, segs[1]
	case len(segs) == 3 && segs[0] == "devices" && segs[2] == "state":
		msg.Type, msg.DeviceUUID = TypeDeviceState, segs[1]
	case len(segs) == 3 && segs[0] == "devices" && segs[2] == "commands":
		msg.Type, msg.DeviceUUID = TypeCommands, segs[1]
	case len(segs) == 3 && segs[0] == "devices" && segs[2] == "notifications":
		msg.Type, msg.DeviceUUID = TypeNotifications, segs[1]
	case len(segs) == 3 && segs[0] == "organizations" && segs[2] == "broadcast":
		msg.Type, msg.OrgID = TypeBroadcast, segs[1]
	case len(segs) == 4 && segs[0] == "organizations" && segs[2] == "rulechain":
		msg.Type, msg.OrgID, msg.RuleChainID = TypeRuleChain, segs[1], segs[3]
	}
	return msg
}

// DecodePayload decodes an inbound body: if the bytes parse as JSON,
// use the parsed object; otherwise wrap as {"value": <string>}.
func DecodePayload(raw []byte) map[string]interface{} {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 {
		var obj map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&obj); err == nil {
			return obj
		}
	}
	return map[string]interface{}{"value": string(raw)}
}

// IsFeedbackClient reports whether clientID carries our own publisher
// prefix. The router makes the same check through the token cache's
// IsFeedbackLoop, not through this function: such clients are
// acknowledged but never processed further, so our broadcasts are not
// re-ingested.
func IsFeedbackClient(clientID, prefix string) bool {
	return prefix != "" && strings.HasPrefix(clientID, prefix)
}
