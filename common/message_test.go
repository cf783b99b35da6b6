package common

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageParsing(t *testing.T) {
	assert := assert.New(t)

	// Case 0: not JSON
	{
		_, err := ParseMessage([]byte("not json at all"))
		assert.NotNil(err)
	}

	// Case 1: unknown type rejected at the decode boundary
	{
		_, err := ParseMessage([]byte(`{"type":"broadcast","timestamp":1}`))
		assert.NotNil(err)
	}

	// Case 2: subscribe must carry a channel
	{
		_, err := ParseMessage([]byte(`{"type":"subscribe","timestamp":1}`))
		assert.NotNil(err)
		msg, err := ParseMessage([]byte(`{"type":"subscribe","channel":"campaign:42","timestamp":1}`))
		assert.Nil(err)
		assert.Equal(MsgTypeSubscribe, msg.Type)
		assert.Equal("campaign:42", msg.Channel)
	}

	// Case 3: update must carry data
	{
		_, err := ParseMessage([]byte(`{"type":"update","channel":"metrics:roas","timestamp":1}`))
		assert.NotNil(err)
		msg, err := ParseMessage(
			[]byte(`{"type":"update","channel":"metrics:roas","data":{"spend":100},"timestamp":1}`),
		)
		assert.Nil(err)
		assert.True(msg.Type.IsEventType())
		var payload map[string]int
		assert.Nil(json.Unmarshal(msg.Data, &payload))
		assert.Equal(100, payload["spend"])
	}

	// Case 4: alert without channel is allowed
	{
		msg, err := ParseMessage([]byte(`{"type":"alert","data":{"level":"high"},"timestamp":2}`))
		assert.Nil(err)
		assert.Empty(msg.Channel)
	}

	// Case 5: ping / pong round trip with ID and timestamp echo
	{
		now := time.Now()
		ping := NewPingMessage("ping-1", now)
		serialized, err := json.Marshal(&ping)
		assert.Nil(err)
		parsed, err := ParseMessage(serialized)
		assert.Nil(err)
		pong := NewPongMessage(parsed)
		assert.Equal(MsgTypePong, pong.Type)
		assert.Equal("ping-1", pong.ID)
		assert.Equal(EpochMS(now), pong.Timestamp)
	}

	// Case 6: invalid channel names
	{
		_, err := ParseMessage([]byte(`{"type":"subscribe","channel":"bad channel!","timestamp":1}`))
		assert.NotNil(err)
	}
}

func TestChannelNameValidation(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ValidateChannelName("alerts"))
	assert.Nil(ValidateChannelName("campaign:42"))
	assert.Nil(ValidateChannelName("metrics:roas"))
	assert.Nil(ValidateChannelName("system.events-1_a"))

	assert.NotNil(ValidateChannelName(""))
	assert.NotNil(ValidateChannelName(":starts-with-separator"))
	assert.NotNil(ValidateChannelName("has space"))
	assert.NotNil(ValidateChannelName("has/slash"))

	long := make([]byte, 200)
	for itr := range long {
		long[itr] = 'a'
	}
	assert.NotNil(ValidateChannelName(string(long)))
}
