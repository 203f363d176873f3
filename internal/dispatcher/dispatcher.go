// Package dispatcher wires a sarama consumer group to the session-buffering
// engine: one SessionManager per (partition, team, session), offset commits
// driven by the lowest watermark any live manager is still holding.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/sessionblob/ingest/internal/config"
	"github.com/sessionblob/ingest/internal/logging"
	"github.com/sessionblob/ingest/internal/objectstore"
	"github.com/sessionblob/ingest/internal/realtime"
	"github.com/sessionblob/ingest/internal/session"
)

// Dispatcher owns the consumer group and the adapters every SessionManager
// it creates will be handed.
type Dispatcher struct {
	cfg      config.Config
	uploader objectstore.Uploader
	rt       realtime.Store
	client   sarama.Client
	group    sarama.ConsumerGroup
}

// New builds a sarama client and consumer group from cfg.Kafka, applying
// the version, TLS/SASL, and start-offset settings before the client dials.
func New(cfg config.Config, uploader objectstore.Uploader, rt realtime.Store) (*Dispatcher, error) {
	ver, err := sarama.ParseKafkaVersion(cfg.Kafka.Version)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: parse kafka version: %w", err)
	}

	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if cfg.Kafka.TLSEnabled {
		sc.Net.TLS.Enable = true
	}
	if cfg.Kafka.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.Kafka.SASLUser
		sc.Net.SASL.Password = cfg.Kafka.SASLPass
	}
	switch cfg.Kafka.StartFrom {
	case "oldest":
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	client, err := sarama.NewClient(cfg.Kafka.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: new client: %w", err)
	}

	group, err := sarama.NewConsumerGroupFromClient(cfg.Kafka.GroupID, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("dispatcher: new consumer group: %w", err)
	}

	return &Dispatcher{cfg: cfg, uploader: uploader, rt: rt, client: client, group: group}, nil
}

// Run consumes cfg.Kafka.Topics until ctx is cancelled or the group returns
// a fatal error, reconnecting to a fresh claim after every rebalance.
func (d *Dispatcher) Run(ctx context.Context) error {
	go func() {
		for err := range d.group.Errors() {
			logging.Capture(err, "dispatcher: consumer group error")
		}
	}()

	handler := &groupHandler{d: d}
	for {
		if err := d.group.Consume(ctx, d.cfg.Kafka.Topics, handler); err != nil {
			return fmt.Errorf("dispatcher: consume: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close releases the consumer group and underlying client.
func (d *Dispatcher) Close() error {
	_ = d.group.Close()
	return d.client.Close()
}

type sessionKey struct {
	team    string
	session string
}

type groupHandler struct {
	d *Dispatcher
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (*groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim owns exactly one partition for the lifetime of this claim.
// Every SessionManager it creates lives and dies within this call — no
// manager is ever touched by another goroutine except via the async flush,
// realtime-subscription, and destroy paths SessionManager itself guards.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	d := h.d
	kcfg := d.cfg.Kafka

	bp := NewController(kcfg.BackPressure.Capacity, kcfg.BackPressure.Capacity/10, kcfg.BackPressure.CheckInterval)
	defer bp.Close()

	managers := make(map[sessionKey]*session.SessionManager)
	var mu sync.Mutex
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range managers {
			m.Destroy(context.Background())
		}
	}()

	var maxSourceTs time.Time
	var highestConsumed int64 = -1
	var lastCommitted int64 = -1

	ageTicker := time.NewTicker(kcfg.TickInterval)
	defer ageTicker.Stop()
	commitTicker := time.NewTicker(kcfg.CommitInterval)
	defer commitTicker.Stop()

	// flushFinished is how onFinish reaches back into this goroutine. A
	// SessionManager's flush completes on its own goroutine (manager.go's
	// endFlush), so it cannot call commit directly without racing
	// lastCommitted/highestConsumed/bp, which only this loop ever touches.
	// The channel is buffered and non-blocking on send: a pending signal
	// already covers any flush that finishes before the loop gets to it.
	flushFinished := make(chan struct{}, 1)
	signalFlushFinished := func(int64, int64) {
		select {
		case flushFinished <- struct{}{}:
		default:
		}
	}

	commit := func() {
		mu.Lock()
		candidate := highestConsumed + 1
		haveWatermark := false
		for _, m := range managers {
			if low, ok := m.GetLowestOffset(); ok {
				if !haveWatermark || low < candidate {
					candidate = low
				}
				haveWatermark = true
			}
		}
		mu.Unlock()

		if candidate > lastCommitted {
			sess.MarkOffset(claim.Topic(), claim.Partition(), candidate, "")
			sess.Commit()
			if lastCommitted >= 0 {
				bp.Release(candidate - lastCommitted)
			}
			lastCommitted = candidate
		}
	}

	for {
		select {
		case <-sess.Context().Done():
			return sess.Context().Err()

		case <-ageTicker.C:
			mu.Lock()
			for _, m := range managers {
				m.FlushIfSessionBufferIsOld(maxSourceTs)
			}
			mu.Unlock()

		case <-commitTicker.C:
			commit()

		case <-flushFinished:
			commit()

		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := bp.Acquire(sess.Context()); err != nil {
				return err
			}

			decoded, err := decodeMessage(msg)
			if err != nil {
				logging.Capture(err, "dispatcher: dropping undecodable message",
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
				sess.MarkMessage(msg, "")
				continue
			}
			if decoded.Metadata.Timestamp.After(maxSourceTs) {
				maxSourceTs = decoded.Metadata.Timestamp
			}
			if msg.Offset > highestConsumed {
				highestConsumed = msg.Offset
			}

			key := sessionKey{decoded.Team, decoded.SessionID}
			mu.Lock()
			mgr, exists := managers[key]
			mu.Unlock()
			if !exists {
				mgr, err = session.NewManager(sess.Context(), d.cfg.Buffer, d.cfg.ObjectStore.RemoteFolder,
					d.uploader, d.rt, decoded.Team, decoded.SessionID, msg.Partition, msg.Topic,
					signalFlushFinished)
				if err != nil {
					logging.Capture(err, "dispatcher: create session manager failed",
						"team", decoded.Team, "session", decoded.SessionID)
					sess.MarkMessage(msg, "")
					continue
				}
				mu.Lock()
				managers[key] = mgr
				mu.Unlock()
			}

			if err := mgr.Add(decoded); err != nil {
				logging.Capture(err, "dispatcher: add message to session failed",
					"team", decoded.Team, "session", decoded.SessionID)
			}
			sess.MarkMessage(msg, "")
		}
	}
}

