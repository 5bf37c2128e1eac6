package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"credit_ledger/internal/models"
	"credit_ledger/internal/queue"
	"credit_ledger/internal/utils"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes payment-confirmed events from a topic. Offsets are
// committed only after the payment was applied or dead-lettered, so a
// redelivered message is simply applied again and observed as already applied.
type KafkaSource struct {
	reader      messageReader
	applier     *Applier
	dlq         queue.DeadLetterQueue
	backoff     *queue.Config
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewKafkaSource creates a consumer group reader for topic
func NewKafkaSource(brokers []string, topic, groupID string, applier *Applier, dlq queue.DeadLetterQueue) (*KafkaSource, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if topic == "" || groupID == "" {
		return nil, fmt.Errorf("kafka topic and consumer group are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newKafkaSource(reader, applier, dlq), nil
}

func newKafkaSource(reader messageReader, applier *Applier, dlq queue.DeadLetterQueue) *KafkaSource {
	return &KafkaSource{
		reader:      reader,
		applier:     applier,
		dlq:         dlq,
		backoff:     queue.DefaultConfig("payments-kafka"),
		logger:      utils.NewLogger("payments-kafka"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts consuming in a goroutine
func (s *KafkaSource) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	go s.run(ctx)
}

// Stop stops consuming and closes the reader
func (s *KafkaSource) Stop() error {
	close(s.stopChan)
	<-s.stoppedChan
	return s.reader.Close()
}

func (s *KafkaSource) run(ctx context.Context) {
	defer close(s.stoppedChan)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Kafka payment source stopping")
				return
			}
			s.logger.Error("Failed to fetch payment message", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if !s.handle(ctx, msg) {
			return
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Error("Failed to commit payment message", "offset", msg.Offset, "error", err)
		}
	}
}

// handle applies one message, retrying transient failures until it succeeds
// or ctx ends. It reports false when ctx ended first.
func (s *KafkaSource) handle(ctx context.Context, msg kafka.Message) bool {
	p, err := decodePaymentMessage(msg.Value)
	if errors.Is(err, ErrIgnoredEvent) {
		s.logger.Debug("Skipping payment message", "offset", msg.Offset, "reason", err)
		return true
	}
	if err != nil {
		s.deadLetter(ctx, msg, err)
		return true
	}

	for attempt := 1; ; attempt++ {
		_, err := s.applier.Apply(ctx, p)
		if err == nil {
			return true
		}
		if IsPermanent(err) {
			s.deadLetter(ctx, p, err)
			return true
		}
		if !sleepCtx(ctx, s.backoff.Backoff(attempt)) {
			return false
		}
	}
}

func (s *KafkaSource) deadLetter(ctx context.Context, item interface{}, cause error) {
	if m, ok := item.(kafka.Message); ok {
		item = string(m.Value)
	}
	s.logger.Warn("Dropping payment message", "error", cause)
	if s.dlq == nil {
		return
	}
	if err := s.dlq.Add(context.WithoutCancel(ctx), item, cause, 0); err != nil {
		s.logger.Error("Failed to add to dead letter queue", "error", err)
	}
}

// decodePaymentMessage accepts either a webhook-style event or bare payment data.
func decodePaymentMessage(value []byte) (*models.Payment, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayment, err)
	}
	data := ev.Data
	if ev.Type == "" && ev.Data.PaymentID == "" {
		if err := json.Unmarshal(value, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidPayment, err)
		}
	} else if ev.Type != EventPaymentConfirmed {
		return nil, fmt.Errorf("%w: type %q", ErrIgnoredEvent, ev.Type)
	}

	p := data.Payment(SourceKafka)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
