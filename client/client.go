package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/pushmq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrReconnectExhausted the client gave up reconnecting after the configured
// number of attempts. The client is offline for good until recreated.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ConnState channel client connectivity state
type ConnState int

// Client connectivity states. StateClosed is terminal; it is entered by
// Disconnect or by reconnect exhaustion.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String implement stringer
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// MessageHandler per channel message callback. Runs on the client event
// loop; implementations must not block.
type MessageHandler func(msg common.Message) error

// ClientStatus connectivity snapshot passed to the status handler
type ClientStatus struct {
	// State the connectivity state
	State ConnState
	// Connected convenience flag, true when State is StateConnected
	Connected bool
	// ReconnectAttempts dial attempts since the last successful connection
	ReconnectAttempts int
	// Err terminal error, set when reconnects are exhausted
	Err error
}

// StatusHandler callback observing connectivity changes
type StatusHandler func(status ClientStatus)

// ClientParams channel client operating parameters
type ClientParams struct {
	// Dialer establishes transports toward the broker
	Dialer Dialer `validate:"required"`
	// ReconnectMaxAttempts max dial attempts before giving up
	ReconnectMaxAttempts int
	// ReconnectWait delay between dial attempts
	ReconnectWait time.Duration
	// PingInterval liveness ping period. 0 disables client pings.
	PingInterval time.Duration
	// OnStatusChange optional connectivity observer
	OnStatusChange StatusHandler
}

// ChannelClient maintains one logical subscription set toward the broker
// across transport churn
type ChannelClient interface {
	// Connect start connecting. Idempotent while connecting or connected.
	Connect(ctxt context.Context) error
	// Disconnect close the transport and stop all reconnection. Terminal.
	Disconnect(ctxt context.Context) error
	// Subscribe register a handler for a channel. The subscription is
	// replayed automatically after every reconnect.
	Subscribe(ctxt context.Context, channel string, handler MessageHandler) error
	// Unsubscribe drop a channel and all its handlers
	Unsubscribe(ctxt context.Context, channel string) error
	// Send transmit a message, queueing it in FIFO order while disconnected
	Send(ctxt context.Context, msg common.Message) error
	// OnAlert register a handler for channel-less alert messages
	OnAlert(ctxt context.Context, handler MessageHandler) error
	// OnNotification register a handler for channel-less notifications
	OnNotification(ctxt context.Context, handler MessageHandler) error
	// Connected whether the client currently holds an open transport
	Connected() bool
	// ReconnectAttempts dial attempts since the last successful connection
	ReconnectAttempts() int
	// LastPingRTT round trip latency measured by the last ping / pong pair
	LastPingRTT() time.Duration
}

// channelClientImpl implements ChannelClient. All state is owned by one
// task processor event loop; the atomic mirrors exist only so Connected /
// ReconnectAttempts / LastPingRTT can be read without entering the loop.
type channelClientImpl struct {
	common.Component
	params     ClientParams
	tp         common.TaskProcessor
	optContext context.Context

	state     ConnState
	transport ClientTransport
	// transportGen guards against events from a previous transport session
	transportGen int

	// subscribeOrder preserves subscription order for replay
	subscribeOrder []string
	handlers       map[string][]MessageHandler
	alertHandlers  []MessageHandler
	notifyHandlers []MessageHandler
	// outbound messages queued while disconnected, flushed FIFO after replay
	outbound [][]byte

	retryTimer common.IntervalTimer
	pingTimer  common.IntervalTimer
	attempts   int

	connectedFlag int32
	attemptsGauge int32
	lastRTTNanos  int64
}

// GetChannelClient define a new ChannelClient
func GetChannelClient(
	instance string, params ClientParams, ctxt context.Context, wg *sync.WaitGroup,
) (ChannelClient, error) {
	if params.Dialer == nil {
		return nil, fmt.Errorf("channel client requires a dialer")
	}
	if params.ReconnectMaxAttempts == 0 {
		params.ReconnectMaxAttempts = 5
	}
	if params.ReconnectWait == 0 {
		params.ReconnectWait = time.Second * 5
	}
	logTags := log.Fields{
		"module": "client", "component": "channel-client", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("client.%s", instance), 64, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	retryTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("client.%s.retry", instance), ctxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define retry timer")
		return nil, err
	}
	pingTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("client.%s.ping", instance), ctxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ping timer")
		return nil, err
	}
	instanceImpl := &channelClientImpl{
		Component:  common.Component{LogTags: logTags},
		params:     params,
		tp:         tp,
		optContext: ctxt,
		state:      StateDisconnected,
		handlers:   make(map[string][]MessageHandler),
		retryTimer: retryTimer,
		pingTimer:  pingTimer,
	}

	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(clientTaskConnect{}):     instanceImpl.processConnect,
		reflect.TypeOf(clientTaskDialResult{}):  instanceImpl.processDialResult,
		reflect.TypeOf(clientTaskInbound{}):     instanceImpl.processInbound,
		reflect.TypeOf(clientTaskClosed{}):      instanceImpl.processTransportClosed,
		reflect.TypeOf(clientTaskSubscribe{}):   instanceImpl.processSubscribe,
		reflect.TypeOf(clientTaskUnsubscribe{}): instanceImpl.processUnsubscribe,
		reflect.TypeOf(clientTaskSend{}):        instanceImpl.processSend,
		reflect.TypeOf(clientTaskHandler{}):     instanceImpl.processRegisterHandler,
		reflect.TypeOf(clientTaskPing{}):        instanceImpl.processPing,
		reflect.TypeOf(clientTaskDisconnect{}):  instanceImpl.processDisconnect,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task handlers")
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}

	return instanceImpl, nil
}

// ==============================================================================
// Task definitions

type clientTaskConnect struct {
	result chan error
}

type clientTaskDialResult struct {
	gen       int
	transport ClientTransport
	err       error
}

type clientTaskInbound struct {
	gen int
	raw []byte
}

type clientTaskClosed struct {
	gen int
	err error
}

type clientTaskSubscribe struct {
	channel string
	handler MessageHandler
	result  chan error
}

type clientTaskUnsubscribe struct {
	channel string
	result  chan error
}

type clientTaskSend struct {
	payload []byte
	result  chan error
}

type clientTaskHandler struct {
	msgType common.MsgType
	handler MessageHandler
	result  chan error
}

type clientTaskPing struct{}

type clientTaskDisconnect struct {
	result chan error
}

// ==============================================================================
// Public API

func (c *channelClientImpl) Connect(ctxt context.Context) error {
	result := make(chan error, 1)
	if err := c.tp.Submit(ctxt, clientTaskConnect{result: result}); err != nil {
		return err
	}
	return c.await(ctxt, result)
}

func (c *channelClientImpl) Disconnect(ctxt context.Context) error {
	result := make(chan error, 1)
	if err := c.tp.Submit(ctxt, clientTaskDisconnect{result: result}); err != nil {
		return err
	}
	return c.await(ctxt, result)
}

func (c *channelClientImpl) Subscribe(
	ctxt context.Context, channel string, handler MessageHandler,
) error {
	if err := common.ValidateChannelName(channel); err != nil {
		return err
	}
	result := make(chan error, 1)
	if err := c.tp.Submit(ctxt, clientTaskSubscribe{
		channel: channel, handler: handler, result: result,
	}); err != nil {
		return err
	}
	return c.await(ctxt, result)
}

func (c *channelClientImpl) Unsubscribe(ctxt context.Context, channel string) error {
	result := make(chan error, 1)
	if err := c.tp.Submit(ctxt, clientTaskUnsubscribe{channel: channel, result: result}); err != nil {
		return err
	}
	return c.await(ctxt, result)
}

func (c *channelClientImpl) Send(ctxt context.Context, msg common.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	if err := c.tp.Submit(ctxt, clientTaskSend{payload: payload, result: result}); err != nil {
		return err
	}
	return c.await(ctxt, result)
}

func (c *channelClientImpl) OnAlert(ctxt context.Context, handler MessageHandler) error {
	result := make(chan error, 1)
	if err := c.tp.Submit(ctxt, clientTaskHandler{
		msgType: common.MsgTypeAlert, handler: handler, result: result,
	}); err != nil {
		return err
	}
	return c.await(ctxt, result)
}

func (c *channelClientImpl) OnNotification(ctxt context.Context, handler MessageHandler) error {
	result := make(chan error, 1)
	if err := c.tp.Submit(ctxt, clientTaskHandler{
		msgType: common.MsgTypeNotification, handler: handler, result: result,
	}); err != nil {
		return err
	}
	return c.await(ctxt, result)
}

func (c *channelClientImpl) Connected() bool {
	return atomic.LoadInt32(&c.connectedFlag) == 1
}

func (c *channelClientImpl) ReconnectAttempts() int {
	return int(atomic.LoadInt32(&c.attemptsGauge))
}

func (c *channelClientImpl) LastPingRTT() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.lastRTTNanos))
}

// await wait for the event loop's reply to a request
func (c *channelClientImpl) await(ctxt context.Context, result chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// ==============================================================================
// Task handlers. These run on the event loop goroutine only.

func (c *channelClientImpl) processConnect(param interface{}) error {
	task, ok := param.(clientTaskConnect)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	switch c.state {
	case StateConnecting, StateConnected:
		// Idempotent
		task.result <- nil
	case StateClosed:
		task.result <- fmt.Errorf("channel client already closed")
	default:
		c.beginDial()
		task.result <- nil
	}
	return nil
}

// beginDial transition to connecting and dial asynchronously
func (c *channelClientImpl) beginDial() {
	c.state = StateConnecting
	c.transportGen++
	gen := c.transportGen
	c.notifyStatus(nil)
	go func() {
		transport, err := c.params.Dialer.Dial(c.optContext)
		if submitErr := c.tp.Submit(c.optContext, clientTaskDialResult{
			gen: gen, transport: transport, err: err,
		}); submitErr != nil && transport != nil {
			_ = transport.Close()
		}
	}()
}

func (c *channelClientImpl) processDialResult(param interface{}) error {
	task, ok := param.(clientTaskDialResult)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if task.gen != c.transportGen || c.state != StateConnecting {
		// A stale dial finished after disconnect or a newer dial
		if task.transport != nil {
			_ = task.transport.Close()
		}
		return nil
	}
	if task.err != nil {
		log.WithError(task.err).WithFields(c.LogTags).Warn("Dial failed")
		c.handleConnectionLoss()
		return nil
	}

	c.transport = task.transport
	c.state = StateConnected
	c.attempts = 0
	atomic.StoreInt32(&c.attemptsGauge, 0)
	atomic.StoreInt32(&c.connectedFlag, 1)
	log.WithFields(c.LogTags).Info("Transport connected")

	// Start the read pump for this transport session
	gen := c.transportGen
	transport := task.transport
	go func() {
		for {
			payload, err := transport.ReadMessage()
			if err != nil {
				_ = c.tp.Submit(c.optContext, clientTaskClosed{gen: gen, err: err})
				return
			}
			if err := c.tp.Submit(c.optContext, clientTaskInbound{gen: gen, raw: payload}); err != nil {
				return
			}
		}
	}()

	// Replay the subscription set in original subscribe order, then flush
	// the outbound queue FIFO. Queued sends never jump ahead of replay.
	for _, channel := range c.subscribeOrder {
		msg := common.NewSubscribeMessage(channel, time.Now())
		payload, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		if err := c.transport.WriteMessage(payload); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Subscription replay failed")
			c.dropTransport()
			c.handleConnectionLoss()
			return nil
		}
	}
	for len(c.outbound) > 0 {
		payload := c.outbound[0]
		if err := c.transport.WriteMessage(payload); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Outbound queue flush failed")
			c.dropTransport()
			c.handleConnectionLoss()
			return nil
		}
		c.outbound = c.outbound[1:]
	}

	if c.params.PingInterval > 0 {
		if err := c.pingTimer.Start(c.params.PingInterval, func() error {
			return c.tp.Submit(c.optContext, clientTaskPing{})
		}, false); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unable to start ping timer")
		}
	}
	c.notifyStatus(nil)
	return nil
}

func (c *channelClientImpl) processInbound(param interface{}) error {
	task, ok := param.(clientTaskInbound)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if task.gen != c.transportGen {
		return nil
	}
	msg, err := common.ParseMessage(task.raw)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Warn("Dropping malformed frame")
		return nil
	}
	switch msg.Type {
	case common.MsgTypePing:
		// Broker liveness probe; echo the timestamp back
		pong := common.NewPongMessage(msg)
		payload, err := json.Marshal(&pong)
		if err != nil {
			return err
		}
		if c.state == StateConnected {
			if err := c.transport.WriteMessage(payload); err != nil {
				c.dropTransport()
				c.handleConnectionLoss()
			}
		}
	case common.MsgTypePong:
		rtt := time.Now().Sub(time.Unix(0, msg.Timestamp*int64(time.Millisecond)))
		atomic.StoreInt64(&c.lastRTTNanos, int64(rtt))
	case common.MsgTypeUpdate, common.MsgTypeAlert, common.MsgTypeNotification:
		c.dispatchEvent(msg)
	}
	return nil
}

// dispatchEvent fan an event message out to the registered handlers
func (c *channelClientImpl) dispatchEvent(msg common.Message) {
	if len(msg.Channel) > 0 {
		for _, handler := range c.handlers[msg.Channel] {
			if err := handler(msg); err != nil {
				log.WithError(err).WithFields(c.LogTags).Errorf(
					"Handler for '%s' failed", msg.Channel,
				)
			}
		}
		return
	}
	var handlers []MessageHandler
	switch msg.Type {
	case common.MsgTypeAlert:
		handlers = c.alertHandlers
	case common.MsgTypeNotification:
		handlers = c.notifyHandlers
	}
	for _, handler := range handlers {
		if err := handler(msg); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Handler for '%s' failed", msg.Type)
		}
	}
}

func (c *channelClientImpl) processTransportClosed(param interface{}) error {
	task, ok := param.(clientTaskClosed)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if task.gen != c.transportGen || c.state != StateConnected {
		return nil
	}
	log.WithError(task.err).WithFields(c.LogTags).Warn("Transport lost")
	c.dropTransport()
	c.handleConnectionLoss()
	return nil
}

// handleConnectionLoss schedule a bounded backoff retry, or give up once
// the attempt budget is spent
func (c *channelClientImpl) handleConnectionLoss() {
	if c.state == StateClosed {
		return
	}
	c.state = StateDisconnected
	if c.attempts >= c.params.ReconnectMaxAttempts {
		log.WithFields(c.LogTags).Errorf(
			"Giving up after %d reconnect attempts", c.attempts,
		)
		c.state = StateClosed
		c.notifyStatus(ErrReconnectExhausted)
		return
	}
	c.attempts++
	atomic.StoreInt32(&c.attemptsGauge, int32(c.attempts))
	c.notifyStatus(nil)
	log.WithFields(c.LogTags).Infof(
		"Scheduling reconnect attempt %d/%d in %s",
		c.attempts, c.params.ReconnectMaxAttempts, c.params.ReconnectWait,
	)
	if err := c.retryTimer.Start(c.params.ReconnectWait, func() error {
		return c.tp.Submit(c.optContext, clientTaskConnect{result: make(chan error, 1)})
	}, true); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to schedule reconnect")
	}
}

func (c *channelClientImpl) processSubscribe(param interface{}) error {
	task, ok := param.(clientTaskSubscribe)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	_, known := c.handlers[task.channel]
	c.handlers[task.channel] = append(c.handlers[task.channel], task.handler)
	if !known {
		c.subscribeOrder = append(c.subscribeOrder, task.channel)
		// Subscriptions are derived state; nothing is queued when offline
		if c.state == StateConnected {
			msg := common.NewSubscribeMessage(task.channel, time.Now())
			payload, err := json.Marshal(&msg)
			if err != nil {
				task.result <- err
				return nil
			}
			if err := c.transport.WriteMessage(payload); err != nil {
				c.dropTransport()
				c.handleConnectionLoss()
			}
		}
	}
	task.result <- nil
	return nil
}

func (c *channelClientImpl) processUnsubscribe(param interface{}) error {
	task, ok := param.(clientTaskUnsubscribe)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if _, known := c.handlers[task.channel]; !known {
		task.result <- nil
		return nil
	}
	delete(c.handlers, task.channel)
	for idx, channel := range c.subscribeOrder {
		if channel == task.channel {
			c.subscribeOrder = append(c.subscribeOrder[:idx], c.subscribeOrder[idx+1:]...)
			break
		}
	}
	if c.state == StateConnected {
		msg := common.NewUnsubscribeMessage(task.channel, time.Now())
		payload, err := json.Marshal(&msg)
		if err != nil {
			task.result <- err
			return nil
		}
		if err := c.transport.WriteMessage(payload); err != nil {
			c.dropTransport()
			c.handleConnectionLoss()
		}
	}
	task.result <- nil
	return nil
}

func (c *channelClientImpl) processSend(param interface{}) error {
	task, ok := param.(clientTaskSend)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if c.state == StateClosed {
		task.result <- fmt.Errorf("channel client already closed")
		return nil
	}
	if c.state != StateConnected {
		c.outbound = append(c.outbound, task.payload)
		task.result <- nil
		return nil
	}
	if err := c.transport.WriteMessage(task.payload); err != nil {
		// The message survives the transport loss in the outbound queue
		c.outbound = append(c.outbound, task.payload)
		c.dropTransport()
		c.handleConnectionLoss()
	}
	task.result <- nil
	return nil
}

func (c *channelClientImpl) processRegisterHandler(param interface{}) error {
	task, ok := param.(clientTaskHandler)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	switch task.msgType {
	case common.MsgTypeAlert:
		c.alertHandlers = append(c.alertHandlers, task.handler)
	case common.MsgTypeNotification:
		c.notifyHandlers = append(c.notifyHandlers, task.handler)
	default:
		task.result <- fmt.Errorf("no type level handlers for '%s'", task.msgType)
		return nil
	}
	task.result <- nil
	return nil
}

func (c *channelClientImpl) processPing(param interface{}) error {
	if _, ok := param.(clientTaskPing); !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if c.state != StateConnected {
		return nil
	}
	ping := common.NewPingMessage(uuid.NewString(), time.Now())
	payload, err := json.Marshal(&ping)
	if err != nil {
		return err
	}
	if err := c.transport.WriteMessage(payload); err != nil {
		c.dropTransport()
		c.handleConnectionLoss()
	}
	return nil
}

func (c *channelClientImpl) processDisconnect(param interface{}) error {
	task, ok := param.(clientTaskDisconnect)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if c.state == StateClosed {
		task.result <- nil
		return nil
	}
	// Cancel any pending reconnect so it can not race this shutdown
	if err := c.retryTimer.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to stop retry timer")
	}
	c.dropTransport()
	c.state = StateClosed
	c.notifyStatus(nil)
	task.result <- nil
	return nil
}

// ==============================================================================
// Helpers. Only called from the event loop.

// dropTransport close the current transport and stop per-connection timers
func (c *channelClientImpl) dropTransport() {
	atomic.StoreInt32(&c.connectedFlag, 0)
	if err := c.pingTimer.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to stop ping timer")
	}
	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
	// Events from the old read pump are no longer relevant
	c.transportGen++
}

// notifyStatus surface a connectivity change to the host application
func (c *channelClientImpl) notifyStatus(err error) {
	if c.params.OnStatusChange == nil {
		return
	}
	c.params.OnStatusChange(ClientStatus{
		State:             c.state,
		Connected:         c.state == StateConnected,
		ReconnectAttempts: c.attempts,
		Err:               err,
	})
}
