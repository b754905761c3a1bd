package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	purchasesvc "github.com/vinasLT/carfax-service/internal/services/purchases"
)

// PaymentEvent is the queue envelope produced by the payment service. The
// routing key travels in the body so the same shape works for any broker.
type PaymentEvent struct {
	RoutingKey string              `json:"routing_key"`
	Payload    PaymentEventPayload `json:"payload"`
}

type PaymentEventPayload struct {
	UserExternalID    string `json:"user_external_id"`
	PurposeExternalID string `json:"purpose_external_id"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const defaultRetryBackoff = time.Second

type Consumer struct {
	reader       messageReader
	purchases    *purchasesvc.Service
	logger       *zap.Logger
	retryBackoff time.Duration
}

func NewReader(brokersCSV, topic, groupID string) *kafka.Reader {
	brokers := make([]string, 0)
	for _, broker := range strings.Split(brokersCSV, ",") {
		broker = strings.TrimSpace(broker)
		if broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func NewConsumer(reader messageReader, purchases *purchasesvc.Service, log *zap.Logger) (*Consumer, error) {
	if reader == nil {
		return nil, fmt.Errorf("kafka reader is nil")
	}
	if purchases == nil {
		return nil, fmt.Errorf("purchases service is nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		reader:       reader,
		purchases:    purchases,
		logger:       log,
		retryBackoff: defaultRetryBackoff,
	}, nil
}

// Run consumes payment events until the context is cancelled. Delivery is
// at-least-once: a message is committed only after processing succeeds or is
// classified as a permanent failure, and MarkPaid is idempotent so
// redelivery is harmless. A transient failure is retried in place with
// backoff; fetching past it would implicitly commit its offset on the next
// commit and lose the event.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch payment event: %w", err)
		}

		for attempt := 1; ; attempt++ {
			err := c.processMessage(ctx, msg.Value)
			if err == nil {
				break
			}
			if isPermanent(err) {
				c.logger.Error("payment event rejected",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				break
			}

			c.logger.Warn("payment event processing failed, retrying",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				// Uncommitted; the broker redelivers after restart.
				return nil
			case <-time.After(c.retryBackoff):
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit payment event offset: %w", err)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, raw []byte) error {
	var event PaymentEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("%w: decode payment event: %v", purchasesvc.ErrUnknownRoutingKey, err)
	}

	c.logger.Info("payment event received",
		zap.String("routing_key", event.RoutingKey),
		zap.String("purpose_external_id", event.Payload.PurposeExternalID),
	)

	purchase, processed, err := c.purchases.HandlePaymentEvent(
		ctx,
		event.RoutingKey,
		event.Payload.UserExternalID,
		event.Payload.PurposeExternalID,
	)
	if err != nil {
		return err
	}

	if processed {
		c.logger.Info("carfax purchase finalized",
			zap.Int64("purchase_id", purchase.ID),
			zap.String("vin", purchase.VIN),
		)
	}
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// isPermanent reports whether redelivering the event could ever succeed.
// Unknown routing keys and missing purchases stay broken forever; retrying
// them would wedge the partition.
func isPermanent(err error) bool {
	return errors.Is(err, purchasesvc.ErrUnknownRoutingKey) ||
		errors.Is(err, purchasesvc.ErrPurchaseNotFound) ||
		errors.Is(err, purchasesvc.ErrValidation)
}
