package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTopic(t *testing.T) {
	valid := []string{
		"devices/abc-123/datastream",
		"organizations/7/broadcast",
		"devices/a_b/state",
	}
	for _, topic := range valid {
		assert.True(t, ValidTopic(topic), "topic %q", topic)
	}

	invalid := []string{
		"",
		"devices/abc 123/datastream",
		"devices/abc.123/datastream",
		"devices/ab@c/datastream",
		"devices/+/datastream",
		"devices/#",
		"devices/abc\t/state",
	}
	for _, topic := range invalid {
		assert.False(t, ValidTopic(topic), "topic %q", topic)
	}
}

func TestParseSegments(t *testing.T) {
	cases := []struct {
		topic string
		typ   MessageType
	}{
		{"devices/d1/datastream", TypeDataStream},
		{"devices/d1/status", TypeDeviceStatus},
		{"devices/d1/state", TypeDeviceState},
		{"devices/d1/commands", TypeCommands},
		{"devices/d1/notifications", TypeNotifications},
		{"organizations/7/broadcast", TypeBroadcast},
		{"organizations/7/rulechain/42", TypeRuleChain},
		{"devices/d1/unknown-suffix", TypeUnknown},
		{"devices/d1", TypeUnknown},
		{"something/else/entirely", TypeUnknown},
		{"devices/d 1/datastream", TypeUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.topic, func(t *testing.T) {
			msg := ParseSegments(tc.topic)
			assert.Equal(t, tc.typ, msg.Type)
		})
	}

	t.Run("extracts identifiers", func(t *testing.T) {
		msg := ParseSegments("devices/d1/datastream")
		assert.Equal(t, "d1", msg.DeviceUUID)

		msg = ParseSegments("organizations/7/rulechain/42")
		assert.Equal(t, "7", msg.OrgID)
		assert.Equal(t, "42", msg.RuleChainID)
	})
}

func TestDecodePayload(t *testing.T) {
	t.Run("json object", func(t *testing.T) {
		payload := DecodePayload([]byte(`{"value": "32", "telemetryDataId": 5}`))
		assert.Equal(t, "32", payload["value"])
		id, ok := payload["telemetryDataId"].(json.Number)
		require.True(t, ok)
		assert.Equal(t, "5", id.String())
	})

	t.Run("raw bytes wrapped", func(t *testing.T) {
		payload := DecodePayload([]byte("just-a-reading"))
		assert.Equal(t, "just-a-reading", payload["value"])
	})

	t.Run("json scalar wrapped", func(t *testing.T) {
		payload := DecodePayload([]byte("42"))
		assert.Equal(t, "42", payload["value"])
	})
}

func TestIsFeedbackClient(t *testing.T) {
	assert.True(t, IsFeedbackClient("aemos-publisher-7", "aemos-publisher-"))
	assert.False(t, IsFeedbackClient("device-7", "aemos-publisher-"))
	assert.False(t, IsFeedbackClient("aemos-publisher-7", ""))
}
