package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/pushmq/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// mockTransport captures writes for inspection, with optional write failure
type mockTransport struct {
	writes    chan []byte
	failWrite bool
	lock      sync.Mutex
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{writes: make(chan []byte, 64)}
}

func (t *mockTransport) WriteMessage(payload []byte) error {
	if t.failWrite {
		return fmt.Errorf("simulated write failure")
	}
	t.writes <- payload
	return nil
}

func (t *mockTransport) Close() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.closed = true
	return nil
}

func (t *mockTransport) RemoteAddr() string {
	return "mock-peer"
}

func (t *mockTransport) isClosed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.closed
}

// nextMessage fetch and parse the next message written to this transport
func (t *mockTransport) nextMessage(timeout time.Duration) (common.Message, error) {
	select {
	case payload := <-t.writes:
		return common.ParseMessage(payload)
	case <-time.After(timeout):
		return common.Message{}, fmt.Errorf("no message within %s", timeout)
	}
}

func (t *mockTransport) expectNoMessage(timeout time.Duration) bool {
	select {
	case <-t.writes:
		return false
	case <-time.After(timeout):
		return true
	}
}

func defineTestBroker(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, params BrokerParams,
) MessageBroker {
	if params.SweepInterval == 0 {
		params.SweepInterval = time.Second
	}
	if params.SuspectThreshold == 0 {
		params.SuspectThreshold = time.Second * 3
	}
	if params.DeadThreshold == 0 {
		params.DeadThreshold = time.Second * 6
	}
	if params.SendQueueLen == 0 {
		params.SendQueueLen = 16
	}
	uut, err := GetMessageBroker("ut-broker", params, ctxt, wg)
	assert.Nil(t, err)
	assert.Nil(t, uut.Start())
	return uut
}

func subscribeFrame(channel string) []byte {
	msg := common.NewSubscribeMessage(channel, time.Now())
	payload, _ := json.Marshal(&msg)
	return payload
}

func unsubscribeFrame(channel string) []byte {
	msg := common.NewUnsubscribeMessage(channel, time.Now())
	payload, _ := json.Marshal(&msg)
	return payload
}

func TestBrokerFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	transport1 := newMockTransport()
	transport2 := newMockTransport()
	transport3 := newMockTransport()
	conn1, err := uut.Accept(utCtxt, transport1)
	assert.Nil(err)
	conn2, err := uut.Accept(utCtxt, transport2)
	assert.Nil(err)
	conn3, err := uut.Accept(utCtxt, transport3)
	assert.Nil(err)

	// conn1 and conn2 subscribe to "alerts"; conn2 subscribes twice
	assert.Nil(uut.ReceiveMessage(utCtxt, conn1, subscribeFrame("alerts")))
	assert.Nil(uut.ReceiveMessage(utCtxt, conn2, subscribeFrame("alerts")))
	assert.Nil(uut.ReceiveMessage(utCtxt, conn2, subscribeFrame("alerts")))
	// conn3 watches an unrelated channel
	assert.Nil(uut.ReceiveMessage(utCtxt, conn3, subscribeFrame("campaign:42")))

	// Repeat subscription must not create a second index entry
	stats, err := uut.Stats(utCtxt)
	assert.Nil(err)
	assert.Equal(3, stats.TotalClients)
	assert.Equal(2, stats.ActiveChannels)
	assert.Equal(2, stats.SubscribersPerChannel["alerts"])
	assert.Equal(1, stats.SubscribersPerChannel["campaign:42"])

	// Publish one alert; both subscribers see it exactly once
	delivered, err := uut.Publish(utCtxt, "alerts", json.RawMessage(`{"level":"high"}`))
	assert.Nil(err)
	assert.Equal(2, delivered)
	for _, transport := range []*mockTransport{transport1, transport2} {
		msg, err := transport.nextMessage(time.Second)
		assert.Nil(err)
		assert.Equal(common.MsgTypeUpdate, msg.Type)
		assert.Equal("alerts", msg.Channel)
		var payload map[string]string
		assert.Nil(json.Unmarshal(msg.Data, &payload))
		assert.Equal("high", payload["level"])
	}
	// Exactly once per connection per publish
	assert.True(transport1.expectNoMessage(time.Millisecond * 50))
	assert.True(transport2.expectNoMessage(time.Millisecond * 50))
	// Non-subscribers see nothing
	assert.True(transport3.expectNoMessage(time.Millisecond * 50))

	// Publishing into a channel with no subscribers is a no-op
	delivered, err = uut.Publish(utCtxt, "metrics:roas", json.RawMessage(`{"v":1}`))
	assert.Nil(err)
	assert.Equal(0, delivered)

	// Invalid channel name is rejected before reaching the loop
	_, err = uut.Publish(utCtxt, "bad channel!", json.RawMessage(`{}`))
	assert.NotNil(err)
}

func TestBrokerChannelGC(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	transport1 := newMockTransport()
	transport2 := newMockTransport()
	conn1, err := uut.Accept(utCtxt, transport1)
	assert.Nil(err)
	conn2, err := uut.Accept(utCtxt, transport2)
	assert.Nil(err)

	assert.Nil(uut.ReceiveMessage(utCtxt, conn1, subscribeFrame("metrics:roas")))
	assert.Nil(uut.ReceiveMessage(utCtxt, conn2, subscribeFrame("metrics:roas")))

	stats, err := uut.Stats(utCtxt)
	assert.Nil(err)
	assert.Equal(1, stats.ActiveChannels)

	// First unsubscribe leaves the channel alive
	assert.Nil(uut.ReceiveMessage(utCtxt, conn1, unsubscribeFrame("metrics:roas")))
	stats, err = uut.Stats(utCtxt)
	assert.Nil(err)
	assert.Equal(1, stats.ActiveChannels)
	assert.Equal(1, stats.SubscribersPerChannel["metrics:roas"])

	// Last subscriber disconnecting garbage collects the channel
	assert.Nil(uut.ConnectionClosed(utCtxt, conn2))
	stats, err = uut.Stats(utCtxt)
	assert.Nil(err)
	assert.Equal(0, stats.ActiveChannels)
	assert.Equal(1, stats.TotalClients)
	assert.True(transport2.isClosed())
}

func TestBrokerPingPong(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	transport := newMockTransport()
	connID, err := uut.Accept(utCtxt, transport)
	assert.Nil(err)

	sentAt := time.Now()
	ping := common.NewPingMessage("latency-probe-1", sentAt)
	payload, err := json.Marshal(&ping)
	assert.Nil(err)
	assert.Nil(uut.ReceiveMessage(utCtxt, connID, payload))

	pong, err := transport.nextMessage(time.Second)
	assert.Nil(err)
	assert.Equal(common.MsgTypePong, pong.Type)
	assert.Equal("latency-probe-1", pong.ID)
	assert.Equal(common.EpochMS(sentAt), pong.Timestamp)
}

func TestBrokerMalformedFrames(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	transport := newMockTransport()
	connID, err := uut.Accept(utCtxt, transport)
	assert.Nil(err)

	// A bad frame is logged and dropped without penalizing the connection
	assert.Nil(uut.ReceiveMessage(utCtxt, connID, []byte("this is not json")))
	assert.Nil(uut.ReceiveMessage(utCtxt, connID, []byte(`{"type":"mystery","timestamp":1}`)))

	assert.Nil(uut.ReceiveMessage(utCtxt, connID, subscribeFrame("alerts")))
	delivered, err := uut.Publish(utCtxt, "alerts", json.RawMessage(`{"ok":true}`))
	assert.Nil(err)
	assert.Equal(1, delivered)

	stats, err := uut.Stats(utCtxt)
	assert.Nil(err)
	assert.Equal(1, stats.TotalClients)
}

func TestBrokerWriteFailureIsolation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	healthy := newMockTransport()
	broken := newMockTransport()
	broken.failWrite = true

	conn1, err := uut.Accept(utCtxt, healthy)
	assert.Nil(err)
	conn2, err := uut.Accept(utCtxt, broken)
	assert.Nil(err)

	assert.Nil(uut.ReceiveMessage(utCtxt, conn1, subscribeFrame("alerts")))
	assert.Nil(uut.ReceiveMessage(utCtxt, conn2, subscribeFrame("alerts")))

	// Fan-out reaches the healthy connection even though the other fails
	delivered, err := uut.Publish(utCtxt, "alerts", json.RawMessage(`{"n":1}`))
	assert.Nil(err)
	assert.Equal(2, delivered)
	msg, err := healthy.nextMessage(time.Second)
	assert.Nil(err)
	assert.Equal(common.MsgTypeUpdate, msg.Type)

	// The failed connection is eventually evicted
	assert.Eventually(func() bool {
		stats, err := uut.Stats(utCtxt)
		return err == nil && stats.TotalClients == 1
	}, time.Second*2, time.Millisecond*20)
}

func TestBrokerHeartbeatEviction(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{
		SweepInterval:    time.Millisecond * 20,
		SuspectThreshold: time.Millisecond * 60,
		DeadThreshold:    time.Millisecond * 120,
	})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	active := newMockTransport()
	silent := newMockTransport()
	activeID, err := uut.Accept(utCtxt, active)
	assert.Nil(err)
	silentID, err := uut.Accept(utCtxt, silent)
	assert.Nil(err)

	assert.Nil(uut.ReceiveMessage(utCtxt, activeID, subscribeFrame("alerts")))
	assert.Nil(uut.ReceiveMessage(utCtxt, silentID, subscribeFrame("alerts")))

	// Keep one connection alive with pings while the other stays silent
	stopPinger := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopPinger:
				return
			case <-time.After(time.Millisecond * 30):
				ping := common.NewPingMessage("keepalive", time.Now())
				payload, _ := json.Marshal(&ping)
				_ = uut.ReceiveMessage(utCtxt, activeID, payload)
			}
		}
	}()

	// The silent connection is removed from the registry and its channels
	assert.Eventually(func() bool {
		stats, err := uut.Stats(utCtxt)
		return err == nil && stats.TotalClients == 1 &&
			stats.SubscribersPerChannel["alerts"] == 1
	}, time.Second*2, time.Millisecond*20)
	assert.True(silent.isClosed())
	close(stopPinger)
}

func TestBrokerClientPublishPolicy(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	clientEvent := []byte(
		`{"type":"update","channel":"campaign:7","data":{"spend":55},"timestamp":5}`,
	)

	// Case 0: default deployment ignores client-originated events
	{
		uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{})
		sender := newMockTransport()
		watcher := newMockTransport()
		senderID, err := uut.Accept(utCtxt, sender)
		assert.Nil(err)
		watcherID, err := uut.Accept(utCtxt, watcher)
		assert.Nil(err)
		assert.Nil(uut.ReceiveMessage(utCtxt, watcherID, subscribeFrame("campaign:7")))
		assert.Nil(uut.ReceiveMessage(utCtxt, senderID, clientEvent))
		assert.True(watcher.expectNoMessage(time.Millisecond * 100))
		assert.Nil(uut.Stop())
	}

	// Case 1: deployments can opt in to client publish
	{
		uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{AllowClientPublish: true})
		sender := newMockTransport()
		watcher := newMockTransport()
		senderID, err := uut.Accept(utCtxt, sender)
		assert.Nil(err)
		watcherID, err := uut.Accept(utCtxt, watcher)
		assert.Nil(err)
		assert.Nil(uut.ReceiveMessage(utCtxt, watcherID, subscribeFrame("campaign:7")))
		assert.Nil(uut.ReceiveMessage(utCtxt, senderID, clientEvent))
		msg, err := watcher.nextMessage(time.Second)
		assert.Nil(err)
		assert.Equal(common.MsgTypeUpdate, msg.Type)
		assert.Equal("campaign:7", msg.Channel)
		assert.Nil(uut.Stop())
	}
}

func TestBrokerConnectionLimit(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut := defineTestBroker(t, utCtxt, &wg, BrokerParams{MaxConnections: 1})
	defer func() {
		assert.Nil(uut.Stop())
	}()

	first := newMockTransport()
	second := newMockTransport()
	_, err := uut.Accept(utCtxt, first)
	assert.Nil(err)
	_, err = uut.Accept(utCtxt, second)
	assert.NotNil(err)
	assert.True(second.isClosed())

	stats, err := uut.Stats(utCtxt)
	assert.Nil(err)
	assert.Equal(1, stats.TotalClients)
}
