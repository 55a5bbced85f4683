package wabridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultEchoRaceWindow = 3 * time.Second
	defaultQueueDepth     = 64
)

type EngineOptions struct {
	Store     *Store
	Lifecycle *LifecycleManager
	Logger    *slog.Logger

	// EchoRaceWindow bounds how far back a device echo may claim a
	// source-less outgoing message. Zero means the 3s default.
	EchoRaceWindow time.Duration

	// QueueDepth is the per-channel event buffer. Zero means the default.
	QueueDepth int
}

// Engine turns raw automation events into ticketing records. Events for
// one channel are processed strictly in arrival order by a dedicated
// worker; channels never block each other.
type Engine struct {
	store      *Store
	lifecycle  *LifecycleManager
	logger     *slog.Logger
	echoWindow time.Duration
	queueDepth int

	mu      sync.Mutex
	workers map[string]chan EventEnvelope
	wg      sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewEngine(opts EngineOptions) *Engine {
	echoWindow := opts.EchoRaceWindow
	if echoWindow <= 0 {
		echoWindow = defaultEchoRaceWindow
	}
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      opts.Store,
		lifecycle:  opts.Lifecycle,
		logger:     opts.Logger,
		echoWindow: echoWindow,
		queueDepth: queueDepth,
		workers:    map[string]chan EventEnvelope{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// Ingest hands an event to the channel's worker. It returns ErrQueueFull
// when the channel's buffer is saturated; the transport decides whether to
// push back or drop.
func (e *Engine) Ingest(env EventEnvelope) error {
	if env.ChannelID == "" || env.EventType == "" {
		return ErrInvalidInput
	}
	queue := e.workerQueue(env.ChannelID)
	if queue == nil {
		return ErrInvalidState
	}
	select {
	case queue <- env:
		return nil
	case <-e.ctx.Done():
		return ErrInvalidState
	default:
		return ErrQueueFull
	}
}

func (e *Engine) workerQueue(channelID string) chan EventEnvelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx.Err() != nil {
		return nil
	}
	if queue, ok := e.workers[channelID]; ok {
		return queue
	}
	queue := make(chan EventEnvelope, e.queueDepth)
	e.workers[channelID] = queue
	e.wg.Add(1)
	go e.runWorker(channelID, queue)
	return queue
}

func (e *Engine) runWorker(channelID string, queue chan EventEnvelope) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case env := <-queue:
			if err := e.Process(env); err != nil {
				e.log().Error("event processing failed",
					"channel_id", channelID, "event_type", env.EventType, "error", err)
			}
		}
	}
}

// Close stops all workers. Buffered events that have not started
// processing are dropped.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
}

// Process applies one event synchronously. Callers that need the ordering
// guarantee go through Ingest; Process exists for transports that carry
// their own serialization, and for tests.
func (e *Engine) Process(env EventEnvelope) error {
	switch env.EventType {
	case EventMessage:
		payload, err := env.DecodeMessage()
		if err != nil {
			return err
		}
		return e.reconcileMessage(env.ChannelID, payload)
	case EventMessageAck:
		payload, err := env.DecodeAck()
		if err != nil {
			return err
		}
		return e.applyAck(env.ChannelID, payload)
	case EventReady:
		payload, err := env.DecodeReady()
		if err != nil {
			return err
		}
		return e.lifecycle.HandleReady(env.ChannelID, payload.PhoneNumber)
	case EventDisconnected:
		return e.lifecycle.HandleDisconnected(env.ChannelID)
	case EventAuthFailure:
		return e.lifecycle.HandleAuthFailure(env.ChannelID)
	case EventQR:
		payload, err := env.DecodeQR()
		if err != nil {
			return err
		}
		return e.lifecycle.HandleQR(env.ChannelID, payload.Code)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, env.EventType)
	}
}

// reconcileMessage is the core dedup-and-thread path. Replaying the same
// event any number of times yields the exact state of a single delivery.
func (e *Engine) reconcileMessage(channelID string, p MessagePayload) error {
	if ShouldIgnoreMessage(p) {
		e.log().Debug("ignoring filtered message",
			"channel_id", channelID, "source_id", p.ID, "type", p.Type)
		return nil
	}

	channel, err := e.store.GetChannel(channelID)
	if err != nil {
		return &ReconcileError{ChannelID: channelID, Err: err}
	}
	if channel.InboxID == "" {
		return &ReconcileError{ChannelID: channelID,
			Err: fmt.Errorf("%w: channel has no inbox yet", ErrInvalidState)}
	}
	inboxID := channel.InboxID

	// An outgoing message already recorded anywhere in the inbox under
	// this external id means the event is a duplicate echo.
	if _, found := e.store.FindOutgoingInInbox(inboxID, p.ID); found {
		return nil
	}

	counterpartID := p.From
	if p.SelfOriginated {
		counterpartID = p.To
	}
	phone := NormalizePhone(counterpartID)
	name := p.ContactName
	if name == "" {
		name = phone
	}
	contact, err := e.store.FindOrCreateContact(inboxID, counterpartID, ContactAttributes{
		Name:        name,
		PhoneNumber: phone,
	})
	if err != nil {
		return &ReconcileError{ChannelID: channelID, Err: err}
	}

	var latest *Conversation
	var existing []Conversation
	if channel.LockToSingle {
		if conv, ok := e.store.LatestConversation(inboxID); ok {
			latest = &conv
		}
	} else {
		existing = e.store.ConversationsForContact(inboxID, contact.ID)
	}
	decision := DecideThread(channel.LockToSingle, latest, existing, e.store.now())

	msg := NewMessage{
		SourceID:    p.ID,
		Direction:   DirectionIncoming,
		Content:     p.Body,
		ContentType: ContentTypeFor(p.Type),
		Attachments: mapAttachments(p.Attachments),
	}
	if p.SelfOriginated {
		msg.Direction = DirectionOutgoing
		msg.Status = MessageDelivered
		msg.SenderID = "operator"
	}

	if decision.Action == ThreadCreateNew {
		if _, _, err := e.store.CreateConversationWithMessage(inboxID, contact.ID, msg); err != nil {
			return &ReconcileError{ChannelID: channelID, Err: err}
		}
		return nil
	}

	conv := decision.Conversation

	// Same external id already present in the target conversation: the
	// event was delivered before.
	if _, found := e.store.FindMessageBySourceID(conv.ID, p.ID); found {
		return nil
	}

	// A panel send and its device echo race each other. If an outgoing
	// message without an external id landed in this conversation moments
	// ago, the echo claims it instead of creating a twin.
	if p.SelfOriginated {
		if recent, found := e.store.FindRecentOutgoingWithoutSource(conv.ID, e.echoWindow); found {
			if _, err := e.store.AttachSourceID(recent.ID, p.ID); err != nil {
				return &ReconcileError{ChannelID: channelID, Err: err}
			}
			return nil
		}
	}

	if decision.Action == ThreadReopen {
		if _, err := e.store.ReopenConversation(conv.ID); err != nil {
			return &ReconcileError{ChannelID: channelID, Err: err}
		}
	}
	if _, err := e.store.CreateMessage(conv.ID, msg); err != nil {
		return &ReconcileError{ChannelID: channelID, Err: err}
	}
	return nil
}

// applyAck advances a message's delivery status. Acks for ids we never
// recorded and regressions both fall through silently.
func (e *Engine) applyAck(channelID string, p AckPayload) error {
	channel, err := e.store.GetChannel(channelID)
	if err != nil {
		return &ReconcileError{ChannelID: channelID, Err: err}
	}
	if channel.InboxID == "" {
		return nil
	}
	status, ok := ackStatus(p.Status)
	if !ok {
		e.log().Debug("ignoring unmapped ack status",
			"channel_id", channelID, "status", p.Status)
		return nil
	}
	if _, updated := e.store.UpdateMessageStatusBySourceID(channel.InboxID, p.MessageID, status); updated {
		e.log().Debug("message status advanced",
			"channel_id", channelID, "source_id", p.MessageID, "status", string(status))
	}
	return nil
}

func ackStatus(s string) (MessageStatus, bool) {
	switch s {
	case "delivered":
		return MessageDelivered, true
	case "read":
		return MessageRead, true
	default:
		return "", false
	}
}
