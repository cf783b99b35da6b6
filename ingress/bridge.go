package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alwitt/pushmq/broker"
	"github.com/alwitt/pushmq/common"
	"github.com/alwitt/pushmq/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// EventBridge republishes NATS messages into relay channels. External
// producers publish JSON payloads on "<prefix>.<channel>"; the bridge fans
// each payload out to the subscribers of <channel>.
type EventBridge interface {
	// Start begin watching the subject space
	Start() error
	// Stop stop watching the subject space
	Stop(ctxt context.Context) error
}

// eventBridgeImpl implements EventBridge
type eventBridgeImpl struct {
	common.Component
	natsClient    *core.NatsClient
	relay         broker.MessageBroker
	subjectPrefix string
	subscription  *nats.Subscription
	optContext    context.Context
}

// GetEventBridge define a new EventBridge
func GetEventBridge(
	natsClient *core.NatsClient,
	relay broker.MessageBroker,
	subjectPrefix string,
	ctxt context.Context,
) (EventBridge, error) {
	if len(subjectPrefix) == 0 {
		return nil, fmt.Errorf("event bridge requires a subject prefix")
	}
	logTags := log.Fields{
		"module": "ingress", "component": "event-bridge", "prefix": subjectPrefix,
	}
	return &eventBridgeImpl{
		Component:     common.Component{LogTags: logTags},
		natsClient:    natsClient,
		relay:         relay,
		subjectPrefix: subjectPrefix,
		optContext:    ctxt,
	}, nil
}

// Start begin watching the subject space
func (b *eventBridgeImpl) Start() error {
	watch := fmt.Sprintf("%s.>", b.subjectPrefix)
	sub, err := b.natsClient.NATS().Subscribe(watch, b.handleMessage)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe to %s", watch)
		return err
	}
	b.subscription = sub
	log.WithFields(b.LogTags).Infof("Watching subjects %s", watch)
	return nil
}

// handleMessage republish one NATS message into its relay channel. Runs on
// the NATS client's delivery goroutine.
func (b *eventBridgeImpl) handleMessage(msg *nats.Msg) {
	channel := strings.TrimPrefix(msg.Subject, fmt.Sprintf("%s.", b.subjectPrefix))
	if err := common.ValidateChannelName(channel); err != nil {
		log.WithError(err).WithFields(b.LogTags).Warnf(
			"Dropping message on subject '%s'", msg.Subject,
		)
		return
	}
	if !json.Valid(msg.Data) {
		log.WithFields(b.LogTags).Warnf(
			"Dropping non-JSON message on subject '%s'", msg.Subject,
		)
		return
	}
	delivered, err := b.relay.Publish(b.optContext, channel, msg.Data)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to republish message into '%s'", channel,
		)
		return
	}
	log.WithFields(b.LogTags).Debugf(
		"Republished message from '%s' to %d subscribers", msg.Subject, delivered,
	)
}

// Stop stop watching the subject space
func (b *eventBridgeImpl) Stop(ctxt context.Context) error {
	if b.subscription == nil {
		return nil
	}
	if err := b.subscription.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unsubscribe failed")
		return err
	}
	b.subscription = nil
	log.WithFields(b.LogTags).Info("Stopped watching subject space")
	return nil
}
