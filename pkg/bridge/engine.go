// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/chatbridge/pkg/store"
)

// ReactionMode selects how reactions are mirrored on the other platform.
type ReactionMode string

const (
	// ReactionNative mirrors reactions with the target's reaction primitive.
	ReactionNative ReactionMode = "native"
	// ReactionAnnotation posts a compact text note instead.
	ReactionAnnotation ReactionMode = "annotation"
	// ReactionOff drops reaction events.
	ReactionOff ReactionMode = "off"
)

// maxFailedStash bounds the in-memory set of failed events kept for the
// manual resync API.
const maxFailedStash = 256

// dispatchBuffer is each source channel's pending-event capacity. A full
// buffer backpressures the adapter for that channel only.
const dispatchBuffer = 64

type routeKey struct {
	platform string
	channel  string
}

type routeTarget struct {
	platform string
	channel  string
}

// Engine is the synchronization orchestrator. For every inbound normalized
// event it applies the loop guard, resolves identity, translates, relays
// attachments, enqueues delivery and records correlation.
type Engine struct {
	store       *store.Store
	identities  *store.IdentityMapper
	translator  *Translator
	attachments *AttachmentRelay
	queue       *DeliveryQueue
	metrics     *Metrics
	log         zerolog.Logger

	reactionMode ReactionMode

	mu      sync.RWMutex
	senders map[string]Sender
	routes  map[routeKey]routeTarget

	// dispatch serializes handling per source channel; see submit.
	dispatchMu sync.Mutex
	dispatch   map[routeKey]chan func()
	dispatchWG sync.WaitGroup
	closed     bool

	failedMu sync.Mutex
	failed   map[string]NormalizedEvent
}

// NewEngine wires the engine's collaborators together.
func NewEngine(s *store.Store, identities *store.IdentityMapper, translator *Translator, attachments *AttachmentRelay, queue *DeliveryQueue, metrics *Metrics, reactionMode ReactionMode, log zerolog.Logger) *Engine {
	if reactionMode == "" {
		reactionMode = ReactionNative
	}
	return &Engine{
		store:        s,
		identities:   identities,
		translator:   translator,
		attachments:  attachments,
		queue:        queue,
		metrics:      metrics,
		log:          log.With().Str("component", "engine").Logger(),
		reactionMode: reactionMode,
		senders:      make(map[string]Sender),
		routes:       make(map[routeKey]routeTarget),
		dispatch:     make(map[routeKey]chan func()),
	}
}

// RegisterSender binds a platform name to its outbound adapter.
func (e *Engine) RegisterSender(platform string, s Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senders[platform] = s
}

// LinkChannels pairs a channel on one platform with a channel on the other,
// in both directions. Events in unlinked channels are ignored.
func (e *Engine) LinkChannels(aPlatform, aChannel, bPlatform, bChannel string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes[routeKey{aPlatform, aChannel}] = routeTarget{bPlatform, bChannel}
	e.routes[routeKey{bPlatform, bChannel}] = routeTarget{aPlatform, aChannel}
}

// OnEvent is the adapter-facing entry point. Adapters push normalized
// events; the engine never polls them. The loop guard and routing run
// inline; handling (including attachment transfers) is handed to a
// per-source-channel dispatcher, so a slow transfer stalls only its own
// channel's events, in arrival order, never unrelated conversations.
func (e *Engine) OnEvent(ctx context.Context, evt NormalizedEvent) {
	e.metrics.Received.WithLabelValues(evt.SourcePlatform).Inc()
	log := e.log.With().
		Str("kind", string(evt.Kind)).
		Str("platform", evt.SourcePlatform).
		Str("channel_id", evt.SourceChannelID).
		Str("message_id", evt.SourceMessageID).
		Logger()
	log.Debug().Msg("Received event")

	if e.isEcho(evt) {
		e.metrics.EchoesDropped.WithLabelValues(evt.SourcePlatform).Inc()
		log.Debug().Msg("Dropped echo")
		return
	}

	e.mu.RLock()
	target, routed := e.routes[routeKey{evt.SourcePlatform, evt.SourceChannelID}]
	sender := e.senders[target.platform]
	e.mu.RUnlock()
	if !routed {
		log.Debug().Msg("Channel not linked, ignoring event")
		return
	}
	if sender == nil {
		e.fail(evt, log, "no_sender", fmt.Errorf("no sender registered for %s", target.platform))
		return
	}

	e.submit(routeKey{evt.SourcePlatform, evt.SourceChannelID}, func() {
		e.handle(ctx, evt, target, sender, log)
	})
}

func (e *Engine) handle(ctx context.Context, evt NormalizedEvent, target routeTarget, sender Sender, log zerolog.Logger) {
	switch evt.Kind {
	case KindCreated:
		e.handleCreated(ctx, evt, target, sender, log)
	case KindEdited:
		e.handleEdited(ctx, evt, target, sender, log)
	case KindDeleted:
		e.handleDeleted(ctx, evt, target, sender, log)
	case KindReactionAdded:
		e.handleReaction(ctx, evt, target, sender, true, log)
	case KindReactionRemoved:
		e.handleReaction(ctx, evt, target, sender, false, log)
	default:
		log.Warn().Msg("Unhandled event kind")
	}
}

// submit runs fn behind earlier events from the same source channel. Each
// channel gets its own drain goroutine, started lazily. Sending under the
// lock keeps Close race-free; a full buffer backpressures that channel's
// adapter only.
func (e *Engine) submit(key routeKey, fn func()) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	if e.closed {
		e.log.Warn().
			Str("platform", key.platform).
			Str("channel_id", key.channel).
			Msg("Event after close, dropping")
		return
	}
	ch, ok := e.dispatch[key]
	if !ok {
		ch = make(chan func(), dispatchBuffer)
		e.dispatch[key] = ch
		e.dispatchWG.Add(1)
		go func() {
			defer e.dispatchWG.Done()
			for f := range ch {
				f()
			}
		}()
	}
	ch <- fn
}

// isEcho applies the two loop-guard layers: the echo tag when the transport
// preserved it, and the correlation reverse index when it did not. The
// fallback only applies to creations: edits, deletes and reactions
// legitimately carry a relayed copy's ID as their subject.
func (e *Engine) isEcho(evt NormalizedEvent) bool {
	if evt.EchoTag != nil && evt.EchoTag.TargetPlatform == evt.SourcePlatform {
		return true
	}
	if evt.Kind != KindCreated {
		return false
	}
	rec, err := e.store.LookupByTarget(evt.SourcePlatform, evt.SourceMessageID)
	if err != nil {
		e.log.Warn().Err(err).Msg("Echo fallback lookup failed")
		return false
	}
	return rec != nil
}

// counterpart identifies the other platform's copy of a message, plus the
// correlation record's source keys for un-relaying the pair.
type counterpart struct {
	channelID    string
	messageID    string
	recPlatform  string
	recMessageID string
}

// findCounterpart resolves a message's copy on the target platform. The
// message is either an original (forward lookup) or itself a relayed copy
// whose counterpart is the original message (reverse index). Returns nil
// when the message was never part of a relayed pair.
func (e *Engine) findCounterpart(evt NormalizedEvent, target routeTarget) (*counterpart, error) {
	rec, err := e.store.LookupCorrelation(evt.SourcePlatform, evt.SourceMessageID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return &counterpart{
			channelID:    rec.TargetChannelID,
			messageID:    rec.TargetMessageID,
			recPlatform:  rec.SourcePlatform,
			recMessageID: rec.SourceMessageID,
		}, nil
	}
	back, err := e.store.LookupByTarget(evt.SourcePlatform, evt.SourceMessageID)
	if err != nil {
		return nil, err
	}
	if back != nil {
		return &counterpart{
			channelID:    target.channel,
			messageID:    back.SourceMessageID,
			recPlatform:  back.SourcePlatform,
			recMessageID: back.SourceMessageID,
		}, nil
	}
	return nil, nil
}

func (e *Engine) handleCreated(ctx context.Context, evt NormalizedEvent, target routeTarget, sender Sender, log zerolog.Logger) {
	// Crash-and-redeliver protection: a correlation record means this
	// message already made it across.
	if rec, err := e.store.LookupCorrelation(evt.SourcePlatform, evt.SourceMessageID); err != nil {
		e.fail(evt, log, "store", err)
		return
	} else if rec != nil {
		log.Debug().Str("target_message_id", rec.TargetMessageID).Msg("Already relayed, skipping")
		return
	}

	identity := e.identities.Resolve(evt.SourcePlatform, evt.AuthorID, evt.AuthorDisplayName)
	refs := e.attachments.RelayAll(ctx, sender, target.platform, target.channel, evt.Attachments)

	payloads, err := e.translator.TranslateCreate(evt, identity, target.platform, sender.Capabilities(), refs)
	if err != nil {
		e.fail(evt, log, "translation", err)
		return
	}

	var firstID string
	sent := 0
	e.enqueue(&OutboundJob{
		ID:              uuid.NewString(),
		Kind:            JobSend,
		TargetPlatform:  target.platform,
		TargetChannelID: target.channel,
		Causal:          CausalToken{Timestamp: evt.Timestamp, ReplyToSourceMessageID: evt.ReplyToSourceMessageID},
		Execute: func(ctx context.Context) error {
			// Chunks are one logical unit; resume where the last attempt
			// stopped so retries never duplicate delivered chunks.
			for sent < len(payloads) {
				id, err := sender.Send(ctx, target.channel, payloads[sent])
				if err != nil {
					return err
				}
				if sent == 0 {
					firstID = id
				}
				sent++
			}
			return nil
		},
		Done: func(err error) {
			if err != nil {
				e.fail(evt, log, "delivery", err)
				return
			}
			rec := store.CorrelationRecord{
				SourcePlatform:  evt.SourcePlatform,
				SourceMessageID: evt.SourceMessageID,
				TargetPlatform:  target.platform,
				TargetMessageID: firstID,
				TargetChannelID: target.channel,
				CreatedAt:       time.Now().UTC(),
			}
			if err := e.store.RecordCorrelation(rec); err != nil {
				if errors.Is(err, store.ErrCorrelationExists) {
					log.Debug().Msg("Correlation already recorded")
				} else {
					log.Error().Err(err).Msg("Failed to record correlation")
				}
			}
			e.delivered(evt, target, firstID, log)
		},
	})
}

func (e *Engine) handleEdited(ctx context.Context, evt NormalizedEvent, target routeTarget, sender Sender, log zerolog.Logger) {
	identity := e.identities.Resolve(evt.SourcePlatform, evt.AuthorID, evt.AuthorDisplayName)
	payload, rec, err := e.translator.TranslateUpdate(evt, identity, target.platform, sender.Capabilities())
	if err != nil {
		e.fail(evt, log, "translation", err)
		return
	}
	if rec == nil {
		// Never relayed (e.g. the original was an echo): nothing to update.
		log.Debug().Msg("Edit of unrelayed message, dropping")
		return
	}

	e.enqueue(&OutboundJob{
		ID:              uuid.NewString(),
		Kind:            JobUpdate,
		TargetPlatform:  target.platform,
		TargetChannelID: rec.TargetChannelID,
		Causal:          CausalToken{Timestamp: evt.Timestamp},
		Execute: func(ctx context.Context) error {
			return sender.Edit(ctx, rec.TargetChannelID, rec.TargetMessageID, payload)
		},
		Done: e.doneFunc(evt, target, rec.TargetMessageID, log),
	})
}

// handleDeleted mirrors a deletion onto the counterpart, whichever side of
// the relayed pair was deleted, and un-relays the pair so later edits or
// deletes of either side drop instead of targeting a dead message.
func (e *Engine) handleDeleted(ctx context.Context, evt NormalizedEvent, target routeTarget, sender Sender, log zerolog.Logger) {
	cp, err := e.findCounterpart(evt, target)
	if err != nil {
		e.fail(evt, log, "store", err)
		return
	}
	if cp == nil {
		log.Debug().Msg("Delete of unrelayed message, dropping")
		return
	}

	e.enqueue(&OutboundJob{
		ID:              uuid.NewString(),
		Kind:            JobDelete,
		TargetPlatform:  target.platform,
		TargetChannelID: cp.channelID,
		Causal:          CausalToken{Timestamp: evt.Timestamp},
		Execute: func(ctx context.Context) error {
			return sender.Delete(ctx, cp.channelID, cp.messageID)
		},
		Done: func(err error) {
			if err != nil {
				e.fail(evt, log, "delivery", err)
				return
			}
			if err := e.store.RemoveCorrelation(cp.recPlatform, cp.recMessageID); err != nil {
				log.Error().Err(err).Msg("Failed to remove correlation after delete")
			}
			e.delivered(evt, target, cp.messageID, log)
		},
	})
}

func (e *Engine) handleReaction(ctx context.Context, evt NormalizedEvent, target routeTarget, sender Sender, add bool, log zerolog.Logger) {
	if e.reactionMode == ReactionOff {
		return
	}
	// Reactions land on either side of a relayed pair: the original or the
	// bridge's copy. Both resolve to the same counterpart.
	cp, err := e.findCounterpart(evt, target)
	if err != nil {
		e.fail(evt, log, "store", err)
		return
	}
	if cp == nil {
		log.Debug().Msg("Reaction on unrelayed message, dropping")
		return
	}

	if e.reactionMode == ReactionNative && sender.Capabilities().NativeReactions {
		e.enqueue(&OutboundJob{
			ID:              uuid.NewString(),
			Kind:            JobReact,
			TargetPlatform:  target.platform,
			TargetChannelID: cp.channelID,
			Causal:          CausalToken{Timestamp: evt.Timestamp},
			Execute: func(ctx context.Context) error {
				return sender.React(ctx, cp.channelID, cp.messageID, evt.Emoji, add)
			},
			Done: e.doneFunc(evt, target, cp.messageID, log),
		})
		return
	}

	// Annotation fallback: a compact text note. Removals have nothing to
	// annotate sensibly and are dropped.
	if !add {
		return
	}
	identity := e.identities.Resolve(evt.SourcePlatform, evt.AuthorID, evt.AuthorDisplayName)
	annotation := NormalizedEvent{
		Kind:            KindCreated,
		SourcePlatform:  evt.SourcePlatform,
		SourceChannelID: evt.SourceChannelID,
		// Synthetic ID so the correlation fallback still catches the echo
		// on transports that drop metadata.
		SourceMessageID: evt.SourceMessageID + "#reaction:" + evt.Emoji + ":" + evt.AuthorID,
		AuthorID:        evt.AuthorID,
		Timestamp:       evt.Timestamp,
	}
	payload := OutboundPayload{
		PlainText: fmt.Sprintf("%s reacted with %s", identity.Label, evt.Emoji),
		EchoTag:   e.translator.makeEchoTag(annotation, target.platform),
	}
	var sentID string
	e.enqueue(&OutboundJob{
		ID:              uuid.NewString(),
		Kind:            JobSend,
		TargetPlatform:  target.platform,
		TargetChannelID: cp.channelID,
		Causal:          CausalToken{Timestamp: evt.Timestamp},
		Execute: func(ctx context.Context) error {
			id, err := sender.Send(ctx, cp.channelID, payload)
			sentID = id
			return err
		},
		Done: func(err error) {
			if err != nil {
				e.fail(evt, log, "delivery", err)
				return
			}
			corr := store.CorrelationRecord{
				SourcePlatform:  annotation.SourcePlatform,
				SourceMessageID: annotation.SourceMessageID,
				TargetPlatform:  target.platform,
				TargetMessageID: sentID,
				TargetChannelID: cp.channelID,
				CreatedAt:       time.Now().UTC(),
			}
			if err := e.store.RecordCorrelation(corr); err != nil && !errors.Is(err, store.ErrCorrelationExists) {
				log.Error().Err(err).Msg("Failed to record annotation correlation")
			}
			e.delivered(evt, target, sentID, log)
		},
	})
}

func (e *Engine) enqueue(job *OutboundJob) {
	e.queue.Enqueue(job)
}

func (e *Engine) doneFunc(evt NormalizedEvent, target routeTarget, targetMessageID string, log zerolog.Logger) func(error) {
	return func(err error) {
		if err != nil {
			e.fail(evt, log, "delivery", err)
			return
		}
		e.delivered(evt, target, targetMessageID, log)
	}
}

func (e *Engine) delivered(evt NormalizedEvent, target routeTarget, targetMessageID string, log zerolog.Logger) {
	e.metrics.Delivered.WithLabelValues(target.platform).Inc()
	log.Info().
		Str("target_platform", target.platform).
		Str("target_message_id", targetMessageID).
		Msg("Delivered")
}

// fail reports the Failed terminal state and stashes the event for the
// manual resync API. Never silent.
func (e *Engine) fail(evt NormalizedEvent, log zerolog.Logger, reason string, err error) {
	e.metrics.Failed.WithLabelValues(evt.SourcePlatform, reason).Inc()
	log.Error().Err(err).Str("reason", reason).Msg("Event failed")

	e.failedMu.Lock()
	defer e.failedMu.Unlock()
	if e.failed == nil {
		e.failed = make(map[string]NormalizedEvent)
	}
	if len(e.failed) >= maxFailedStash {
		for k := range e.failed {
			delete(e.failed, k)
			break
		}
	}
	e.failed[failedKey(evt.SourcePlatform, evt.SourceMessageID)] = evt
}

func failedKey(platform, messageID string) string {
	return platform + ":" + messageID
}

// Resync resubmits a previously failed event. Returns false when no failed
// event is stashed under the given source identifiers.
func (e *Engine) Resync(ctx context.Context, platform, messageID string) bool {
	e.failedMu.Lock()
	evt, ok := e.failed[failedKey(platform, messageID)]
	if ok {
		delete(e.failed, failedKey(platform, messageID))
	}
	e.failedMu.Unlock()
	if !ok {
		return false
	}
	e.log.Info().
		Str("platform", platform).
		Str("message_id", messageID).
		Msg("Resyncing failed event")
	e.OnEvent(ctx, evt)
	return true
}

// FailedCount reports how many failed events are stashed for resync.
func (e *Engine) FailedCount() int {
	e.failedMu.Lock()
	defer e.failedMu.Unlock()
	return len(e.failed)
}

// Close drains the per-channel dispatchers, then queued deliveries up to the
// grace deadline.
func (e *Engine) Close(grace time.Duration) {
	e.dispatchMu.Lock()
	if !e.closed {
		e.closed = true
		for _, ch := range e.dispatch {
			close(ch)
		}
	}
	e.dispatchMu.Unlock()
	e.dispatchWG.Wait()
	e.queue.Close(grace)
}
