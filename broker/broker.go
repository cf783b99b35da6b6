package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/pushmq/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// BrokerStats read-only snapshot of the broker state
type BrokerStats struct {
	// TotalClients number of live connections
	TotalClients int `json:"total_clients"`
	// ActiveChannels number of channels with at least one subscriber
	ActiveChannels int `json:"active_channels"`
	// SubscribersPerChannel per channel subscriber count
	SubscribersPerChannel map[string]int `json:"subscribers_per_channel"`
}

// BrokerParams broker operating parameters
type BrokerParams struct {
	// SweepInterval duration between heartbeat sweeps
	SweepInterval time.Duration
	// SuspectThreshold heartbeat silence before a connection is suspected
	SuspectThreshold time.Duration
	// DeadThreshold heartbeat silence before a connection is evicted
	DeadThreshold time.Duration
	// SendQueueLen per-connection outbound queue depth
	SendQueueLen int
	// MaxConnections cap on live connections. 0 means unlimited.
	MaxConnections int
	// AllowClientPublish whether client-originated events are fanned out
	AllowClientPublish bool
}

// GetBrokerParamsFromConfig convert the config view into runtime parameters
func GetBrokerParamsFromConfig(cfg common.BrokerConfig) BrokerParams {
	return BrokerParams{
		SweepInterval:      time.Second * time.Duration(cfg.Heartbeat.SweepInterval),
		SuspectThreshold:   time.Second * time.Duration(cfg.Heartbeat.SuspectThreshold),
		DeadThreshold:      time.Second * time.Duration(cfg.Heartbeat.DeadThreshold),
		SendQueueLen:       cfg.SendQueueLen,
		MaxConnections:     cfg.MaxConnections,
		AllowClientPublish: cfg.AllowClientPublish,
	}
}

// MessageBroker connection registry with channel based message fan-out
type MessageBroker interface {
	// Start begin event processing and the heartbeat sweep
	Start() error
	// Stop close all connections and halt event processing
	Stop() error
	// Accept register a new client transport session
	Accept(ctxt context.Context, transport MessageTransport) (uuid.UUID, error)
	// ReceiveMessage process one raw frame read from a connection
	ReceiveMessage(ctxt context.Context, connID uuid.UUID, raw []byte) error
	// ConnectionClosed signal that a connection's transport has closed
	ConnectionClosed(ctxt context.Context, connID uuid.UUID) error
	// Publish fan an update out to every subscriber of a channel. Returns
	// the number of connections the message was delivered to.
	Publish(ctxt context.Context, channel string, data json.RawMessage) (int, error)
	// Stats fetch a read-only snapshot of the broker state
	Stats(ctxt context.Context) (BrokerStats, error)
}

// messageBrokerImpl implements MessageBroker. All registry state is owned by
// a single task processor event loop; none of the handlers take locks.
type messageBrokerImpl struct {
	common.Component
	params      BrokerParams
	tp          common.TaskProcessor
	sweepTimer  common.IntervalTimer
	optContext  context.Context
	wg          *sync.WaitGroup
	connections map[uuid.UUID]*connection
	channels    map[string]map[uuid.UUID]*connection
}

// GetMessageBroker define a new MessageBroker
func GetMessageBroker(
	instance string, params BrokerParams, ctxt context.Context, wg *sync.WaitGroup,
) (MessageBroker, error) {
	logTags := log.Fields{
		"module": "broker", "component": "message-broker", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("broker.%s", instance), 256, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	sweepTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("broker.%s.sweep", instance), ctxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	instanceImpl := &messageBrokerImpl{
		Component:   common.Component{LogTags: logTags},
		params:      params,
		tp:          tp,
		sweepTimer:  sweepTimer,
		optContext:  ctxt,
		wg:          wg,
		connections: make(map[uuid.UUID]*connection),
		channels:    make(map[string]map[uuid.UUID]*connection),
	}

	// Define the task handlers
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(brokerTaskAccept{}):  instanceImpl.processAccept,
		reflect.TypeOf(brokerTaskInbound{}): instanceImpl.processInbound,
		reflect.TypeOf(brokerTaskClosed{}):  instanceImpl.processClosed,
		reflect.TypeOf(brokerTaskPublish{}): instanceImpl.processPublish,
		reflect.TypeOf(brokerTaskSweep{}):   instanceImpl.processSweep,
		reflect.TypeOf(brokerTaskStats{}):   instanceImpl.processStats,
		reflect.TypeOf(brokerTaskStop{}):    instanceImpl.processStop,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task handlers")
		return nil, err
	}

	return instanceImpl, nil
}

// ==============================================================================
// Task definitions

type brokerTaskAccept struct {
	transport MessageTransport
	result    chan acceptResult
}

type acceptResult struct {
	id  uuid.UUID
	err error
}

type brokerTaskInbound struct {
	connID uuid.UUID
	raw    []byte
}

type brokerTaskClosed struct {
	connID uuid.UUID
}

type brokerTaskPublish struct {
	channel string
	payload []byte
	result  chan int
}

type brokerTaskSweep struct {
	timestamp time.Time
}

type brokerTaskStats struct {
	result chan BrokerStats
}

type brokerTaskStop struct {
	result chan bool
}

// ==============================================================================
// Public API

// Start begin event processing and the heartbeat sweep
func (b *messageBrokerImpl) Start() error {
	if err := b.tp.StartEventLoop(b.wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to start event loop")
		return err
	}
	return b.sweepTimer.Start(b.params.SweepInterval, func() error {
		return b.tp.Submit(b.optContext, brokerTaskSweep{timestamp: time.Now()})
	}, false)
}

// Stop close all connections and halt event processing
func (b *messageBrokerImpl) Stop() error {
	if err := b.sweepTimer.Stop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to stop sweep timer")
	}
	result := make(chan bool, 1)
	if err := b.tp.Submit(b.optContext, brokerTaskStop{result: result}); err != nil {
		return err
	}
	<-result
	return b.tp.StopEventLoop()
}

// Accept register a new client transport session
func (b *messageBrokerImpl) Accept(
	ctxt context.Context, transport MessageTransport,
) (uuid.UUID, error) {
	result := make(chan acceptResult, 1)
	if err := b.tp.Submit(ctxt, brokerTaskAccept{transport: transport, result: result}); err != nil {
		return uuid.UUID{}, err
	}
	select {
	case entry := <-result:
		return entry.id, entry.err
	case <-ctxt.Done():
		return uuid.UUID{}, ctxt.Err()
	}
}

// ReceiveMessage process one raw frame read from a connection
func (b *messageBrokerImpl) ReceiveMessage(
	ctxt context.Context, connID uuid.UUID, raw []byte,
) error {
	// Copy the frame; the read buffer may be reused by the caller
	payload := make([]byte, len(raw))
	copy(payload, raw)
	return b.tp.Submit(ctxt, brokerTaskInbound{connID: connID, raw: payload})
}

// ConnectionClosed signal that a connection's transport has closed
func (b *messageBrokerImpl) ConnectionClosed(ctxt context.Context, connID uuid.UUID) error {
	return b.tp.Submit(ctxt, brokerTaskClosed{connID: connID})
}

// Publish fan an update out to every subscriber of a channel
func (b *messageBrokerImpl) Publish(
	ctxt context.Context, channel string, data json.RawMessage,
) (int, error) {
	if err := common.ValidateChannelName(channel); err != nil {
		return 0, err
	}
	msg := common.NewUpdateMessage(channel, data, time.Now())
	payload, err := json.Marshal(&msg)
	if err != nil {
		return 0, err
	}
	result := make(chan int, 1)
	if err := b.tp.Submit(ctxt, brokerTaskPublish{
		channel: channel, payload: payload, result: result,
	}); err != nil {
		return 0, err
	}
	select {
	case delivered := <-result:
		return delivered, nil
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}
}

// Stats fetch a read-only snapshot of the broker state
func (b *messageBrokerImpl) Stats(ctxt context.Context) (BrokerStats, error) {
	result := make(chan BrokerStats, 1)
	if err := b.tp.Submit(ctxt, brokerTaskStats{result: result}); err != nil {
		return BrokerStats{}, err
	}
	select {
	case stats := <-result:
		return stats, nil
	case <-ctxt.Done():
		return BrokerStats{}, ctxt.Err()
	}
}

// ==============================================================================
// Task handlers. These run on the event loop goroutine only.

func (b *messageBrokerImpl) processAccept(param interface{}) error {
	task, ok := param.(brokerTaskAccept)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	if b.params.MaxConnections > 0 && len(b.connections) >= b.params.MaxConnections {
		err := fmt.Errorf("max connections (%d) reached", b.params.MaxConnections)
		log.WithError(err).WithFields(b.LogTags).Warn("Rejecting new connection")
		_ = task.transport.Close()
		task.result <- acceptResult{err: err}
		return nil
	}
	connID := uuid.New()
	conn := newConnection(
		connID, task.transport, b.params.SendQueueLen, func(failedID uuid.UUID) {
			// Writer goroutine observed a dead transport
			_ = b.tp.Submit(b.optContext, brokerTaskClosed{connID: failedID})
		},
	)
	b.connections[connID] = conn
	log.WithFields(b.LogTags).Infof(
		"Registered connection %s from %s (total %d)",
		connID, task.transport.RemoteAddr(), len(b.connections),
	)
	task.result <- acceptResult{id: connID}
	return nil
}

func (b *messageBrokerImpl) processInbound(param interface{}) error {
	task, ok := param.(brokerTaskInbound)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	conn, ok := b.connections[task.connID]
	if !ok {
		log.WithFields(b.LogTags).Debugf("Frame from unknown connection %s", task.connID)
		return nil
	}

	msg, err := common.ParseMessage(task.raw)
	if err != nil {
		// A single bad frame does not penalize the connection
		log.WithError(err).WithFields(b.LogTags).Warnf(
			"Dropping malformed frame from %s", task.connID,
		)
		return nil
	}

	// Any well-formed frame is proof of life
	conn.lastHeartbeat = time.Now()
	conn.liveness = LivenessAlive

	switch msg.Type {
	case common.MsgTypeSubscribe:
		b.subscribeConnection(conn, msg.Channel)
	case common.MsgTypeUnsubscribe:
		b.unsubscribeConnection(conn, msg.Channel)
	case common.MsgTypePing:
		pong := common.NewPongMessage(msg)
		payload, err := json.Marshal(&pong)
		if err != nil {
			return err
		}
		if !conn.queueWrite(payload) {
			b.evictConnection(conn, "send queue full")
		}
	case common.MsgTypePong:
		// Heartbeat refresh already happened above
	default:
		if !msg.Type.IsEventType() {
			return nil
		}
		if !b.params.AllowClientPublish {
			log.WithFields(b.LogTags).Debugf(
				"Ignoring client published '%s' from %s", msg.Type, task.connID,
			)
			return nil
		}
		if len(msg.Channel) == 0 {
			log.WithFields(b.LogTags).Debugf(
				"Ignoring channel-less client '%s' from %s", msg.Type, task.connID,
			)
			return nil
		}
		b.fanOut(msg.Channel, task.raw)
	}
	return nil
}

func (b *messageBrokerImpl) processClosed(param interface{}) error {
	task, ok := param.(brokerTaskClosed)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	conn, ok := b.connections[task.connID]
	if !ok {
		return nil
	}
	b.evictConnection(conn, "transport closed")
	return nil
}

func (b *messageBrokerImpl) processPublish(param interface{}) error {
	task, ok := param.(brokerTaskPublish)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	task.result <- b.fanOut(task.channel, task.payload)
	return nil
}

func (b *messageBrokerImpl) processSweep(param interface{}) error {
	task, ok := param.(brokerTaskSweep)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	var dead []*connection
	for _, conn := range b.connections {
		silence := task.timestamp.Sub(conn.lastHeartbeat)
		if silence > b.params.DeadThreshold {
			conn.liveness = LivenessDead
			dead = append(dead, conn)
		} else if silence > b.params.SuspectThreshold {
			if conn.liveness == LivenessAlive {
				conn.liveness = LivenessSuspected
				log.WithFields(b.LogTags).Warnf(
					"Connection %s suspected after %s of silence", conn.id, silence,
				)
			}
		}
	}
	for _, conn := range dead {
		b.evictConnection(conn, "heartbeat timeout")
	}
	return nil
}

func (b *messageBrokerImpl) processStats(param interface{}) error {
	task, ok := param.(brokerTaskStats)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	perChannel := make(map[string]int, len(b.channels))
	for channel, subscribers := range b.channels {
		perChannel[channel] = len(subscribers)
	}
	task.result <- BrokerStats{
		TotalClients:          len(b.connections),
		ActiveChannels:        len(b.channels),
		SubscribersPerChannel: perChannel,
	}
	return nil
}

func (b *messageBrokerImpl) processStop(param interface{}) error {
	task, ok := param.(brokerTaskStop)
	if !ok {
		return fmt.Errorf("received unexpected call parameters: %s", reflect.TypeOf(param))
	}
	for _, conn := range b.connections {
		conn.stop()
	}
	b.connections = make(map[uuid.UUID]*connection)
	b.channels = make(map[string]map[uuid.UUID]*connection)
	task.result <- true
	return nil
}

// ==============================================================================
// Registry helpers. Only called from the event loop.

// subscribeConnection add a connection to a channel. Repeat subscribes are
// a no-op.
func (b *messageBrokerImpl) subscribeConnection(conn *connection, channel string) {
	if conn.channels[channel] {
		return
	}
	conn.channels[channel] = true
	subscribers, ok := b.channels[channel]
	if !ok {
		subscribers = make(map[uuid.UUID]*connection)
		b.channels[channel] = subscribers
	}
	subscribers[conn.id] = conn
	log.WithFields(b.LogTags).Infof(
		"Connection %s subscribed to '%s' (%d subscribers)", conn.id, channel, len(subscribers),
	)
}

// unsubscribeConnection remove a connection from a channel. The channel
// index entry is dropped with its last subscriber.
func (b *messageBrokerImpl) unsubscribeConnection(conn *connection, channel string) {
	if !conn.channels[channel] {
		return
	}
	delete(conn.channels, channel)
	subscribers, ok := b.channels[channel]
	if !ok {
		return
	}
	delete(subscribers, conn.id)
	if len(subscribers) == 0 {
		delete(b.channels, channel)
		log.WithFields(b.LogTags).Infof("Channel '%s' has no more subscribers", channel)
	}
}

// fanOut deliver a serialized message to every subscriber of a channel.
// Delivery is best-effort and at-most-once per connection; a connection
// which can not absorb the message is evicted without affecting the rest.
func (b *messageBrokerImpl) fanOut(channel string, payload []byte) int {
	subscribers, ok := b.channels[channel]
	if !ok {
		// Publishing into a channel with no subscribers is a no-op
		return 0
	}
	delivered := 0
	var failed []*connection
	for _, conn := range subscribers {
		if conn.queueWrite(payload) {
			delivered++
		} else {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		b.evictConnection(conn, "send queue full")
	}
	return delivered
}

// evictConnection remove a connection from the registry and every channel
// it was subscribed to
func (b *messageBrokerImpl) evictConnection(conn *connection, reason string) {
	if _, ok := b.connections[conn.id]; !ok {
		return
	}
	for channel := range conn.channels {
		b.unsubscribeConnection(conn, channel)
	}
	delete(b.connections, conn.id)
	conn.stop()
	log.WithFields(b.LogTags).Infof(
		"Evicted connection %s (%s), %d remaining", conn.id, reason, len(b.connections),
	)
}
