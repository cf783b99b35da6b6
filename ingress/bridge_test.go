package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushmq/broker"
	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

// recordingTransport broker transport capturing what the relay wrote
type recordingTransport struct {
	writes chan []byte
}

func (m *recordingTransport) WriteMessage(payload []byte) error {
	m.writes <- payload
	return nil
}

func (m *recordingTransport) Close() error { return nil }

func (m *recordingTransport) RemoteAddr() string { return "unit-test" }

func TestEventBridgeRepublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.ErrorLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{"module": "ingress_test", "component": "event-bridge"}
	natsParam := core.NATSConnectParams{
		ServerURI:           common.GetUnitTestNatsURI(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Reconnected with NATs server")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}
	natsClient, err := core.GetNATSClient(natsParam)
	assert.Nil(err)
	defer natsClient.Close(utCtxt)

	relay, err := broker.GetMessageBroker(uuid.New().String(), broker.BrokerParams{
		SweepInterval:    time.Second * 5,
		SuspectThreshold: time.Second * 30,
		DeadThreshold:    time.Second * 60,
		SendQueueLen:     16,
	}, utCtxt, &wg)
	assert.Nil(err)
	assert.Nil(relay.Start())
	defer func() { assert.Nil(relay.Stop()) }()

	// Register a subscriber of one channel
	testChannel := fmt.Sprintf("campaign-%s", uuid.New().String())
	transport := &recordingTransport{writes: make(chan []byte, 16)}
	connID, err := relay.Accept(utCtxt, transport)
	assert.Nil(err)
	subMsg := common.NewSubscribeMessage(testChannel, time.Now())
	subFrame, err := json.Marshal(&subMsg)
	assert.Nil(err)
	assert.Nil(relay.ReceiveMessage(utCtxt, connID, subFrame))
	assert.Eventually(func() bool {
		stats, err := relay.Stats(utCtxt)
		assert.Nil(err)
		return stats.SubscribersPerChannel[testChannel] == 1
	}, time.Second*5, time.Millisecond*10)

	subjectPrefix := fmt.Sprintf("ut-pushmq-%s", uuid.New().String())
	uut, err := GetEventBridge(&natsClient, relay, subjectPrefix, utCtxt)
	assert.Nil(err)
	assert.Nil(uut.Start())
	defer func() { assert.Nil(uut.Stop(utCtxt)) }()

	// Case 0: JSON payload on a matching subject reaches the subscriber
	payload := `{"impressions":1523}`
	assert.Nil(natsClient.NATS().Publish(
		fmt.Sprintf("%s.%s", subjectPrefix, testChannel), []byte(payload),
	))
	assert.Nil(natsClient.NATS().Flush())
	select {
	case frame := <-transport.writes:
		msg, err := common.ParseMessage(frame)
		assert.Nil(err)
		assert.Equal(common.MsgTypeUpdate, msg.Type)
		assert.Equal(testChannel, msg.Channel)
		assert.EqualValues(json.RawMessage(payload), msg.Data)
	case <-time.After(time.Second * 5):
		assert.FailNow("Subscriber never received the republished message")
	}

	// Case 1: non-JSON payloads are dropped
	assert.Nil(natsClient.NATS().Publish(
		fmt.Sprintf("%s.%s", subjectPrefix, testChannel), []byte("not json"),
	))
	assert.Nil(natsClient.NATS().Flush())
	select {
	case <-transport.writes:
		assert.FailNow("Non-JSON payload must not be republished")
	case <-time.After(time.Millisecond * 300):
	}

	// Case 2: subjects outside the prefix are ignored
	assert.Nil(natsClient.NATS().Publish(
		fmt.Sprintf("other.%s", testChannel), []byte(payload),
	))
	assert.Nil(natsClient.NATS().Flush())
	select {
	case <-transport.writes:
		assert.FailNow("Out of prefix subject must not be republished")
	case <-time.After(time.Millisecond * 300):
	}
}
