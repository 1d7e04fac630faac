package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CryptoPayRecon/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Confirmation is everything the mail service needs to render an order confirmation.
type Confirmation struct {
	To           string             `json:"to"`
	CustomerName string             `json:"customerName"`
	OrderID      string             `json:"orderId"`
	OrderDate    time.Time          `json:"orderDate"`
	Items        []models.OrderItem `json:"items"`
	Total        decimal.Decimal    `json:"total"`
}

type Notifier interface {
	SendOrderConfirmation(ctx context.Context, c Confirmation) error
}

// messageWriter is the part of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes confirmations to the topic consumed by the mail service.
type KafkaNotifier struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
	return &KafkaNotifier{writer: writer, logger: logger}
}

func (n *KafkaNotifier) SendOrderConfirmation(ctx context.Context, c Confirmation) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal confirmation %s: %w", c.OrderID, err)
	}

	msg := kafka.Message{
		Key:   []byte(c.OrderID),
		Value: body,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("order.confirmation")},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish confirmation %s: %w", c.OrderID, err)
	}
	n.logger.Info("order confirmation published", zap.String("order_id", c.OrderID))
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier only logs confirmations.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) SendOrderConfirmation(_ context.Context, c Confirmation) error {
	n.Logger.Info("order confirmation",
		zap.String("order_id", c.OrderID),
		zap.String("to", c.To),
		zap.Int("items", len(c.Items)),
		zap.String("total", c.Total.String()),
	)
	return nil
}
