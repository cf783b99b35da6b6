package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// MsgType the wire message type. This is a closed set; decode rejects
// anything outside of it.
type MsgType string

// The supported wire message types
const (
	MsgTypeSubscribe    MsgType = "subscribe"
	MsgTypeUnsubscribe  MsgType = "unsubscribe"
	MsgTypePing         MsgType = "ping"
	MsgTypePong         MsgType = "pong"
	MsgTypeUpdate       MsgType = "update"
	MsgTypeAlert        MsgType = "alert"
	MsgTypeNotification MsgType = "notification"
)

// knownMsgTypes the closed set of wire message types
var knownMsgTypes = map[MsgType]bool{
	MsgTypeSubscribe:    true,
	MsgTypeUnsubscribe:  true,
	MsgTypePing:         true,
	MsgTypePong:         true,
	MsgTypeUpdate:       true,
	MsgTypeAlert:        true,
	MsgTypeNotification: true,
}

// IsEventType whether this message type carries an application event payload
func (t MsgType) IsEventType() bool {
	return t == MsgTypeUpdate || t == MsgTypeAlert || t == MsgTypeNotification
}

// Message the wire envelope exchanged between broker and channel clients
type Message struct {
	// Type the message type
	Type MsgType `json:"type"`
	// Channel the channel this message applies to, if channel scoped
	Channel string `json:"channel,omitempty"`
	// Data the application payload for update / alert / notification
	Data json.RawMessage `json:"data,omitempty"`
	// ID correlation ID for ping / pong latency measurement
	ID string `json:"id,omitempty"`
	// Timestamp sender epoch timestamp in ms
	Timestamp int64 `json:"timestamp"`
}

// Validate verify the envelope invariants for its message type
func (m Message) Validate() error {
	if !knownMsgTypes[m.Type] {
		return fmt.Errorf("unknown message type '%s'", m.Type)
	}
	switch m.Type {
	case MsgTypeSubscribe, MsgTypeUnsubscribe:
		if err := ValidateChannelName(m.Channel); err != nil {
			return err
		}
	case MsgTypeUpdate, MsgTypeAlert, MsgTypeNotification:
		if len(m.Data) == 0 {
			return fmt.Errorf("'%s' message missing data", m.Type)
		}
		if len(m.Channel) > 0 {
			if err := ValidateChannelName(m.Channel); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseMessage decode the wire envelope, rejecting unknown types and
// envelopes missing their per-type required fields
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// EpochMS convert a timestamp into epoch ms as sent on the wire
func EpochMS(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// NewUpdateMessage define an update message for a channel
func NewUpdateMessage(channel string, data json.RawMessage, now time.Time) Message {
	return Message{
		Type: MsgTypeUpdate, Channel: channel, Data: data, Timestamp: EpochMS(now),
	}
}

// NewSubscribeMessage define a subscribe request for a channel
func NewSubscribeMessage(channel string, now time.Time) Message {
	return Message{Type: MsgTypeSubscribe, Channel: channel, Timestamp: EpochMS(now)}
}

// NewUnsubscribeMessage define an unsubscribe request for a channel
func NewUnsubscribeMessage(channel string, now time.Time) Message {
	return Message{Type: MsgTypeUnsubscribe, Channel: channel, Timestamp: EpochMS(now)}
}

// NewPingMessage define a liveness ping
func NewPingMessage(id string, now time.Time) Message {
	return Message{Type: MsgTypePing, ID: id, Timestamp: EpochMS(now)}
}

// NewPongMessage define the pong reply to a ping, echoing its ID and timestamp
func NewPongMessage(ping Message) Message {
	return Message{Type: MsgTypePong, ID: ping.ID, Timestamp: ping.Timestamp}
}
