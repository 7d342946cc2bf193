// Package publish streams replay results to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/segmentio/kafka-go"
)

// Message types carried in the envelope.
const (
	TypeTrade   = "trade"
	TypeSummary = "summary"
)

// Envelope is the JSON value of every published message. Exactly one of
// Trade and Summary is set.
type Envelope struct {
	Type    string              `json:"type"`
	RunID   string              `json:"run_id"`
	Trade   *models.TradeRecord `json:"trade,omitempty"`
	Summary *models.Summary     `json:"summary,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes one security's journal and summary, keyed by security so
// a partition sees that security's records in order.
type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish writes every trade followed by the summary in a single batch.
func (p *Producer) Publish(ctx context.Context, runID string, sum models.Summary, trades []models.TradeRecord) error {
	msgs, err := Encode(runID, sum, trades)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to publish %s: %w", sum.Security, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Encode builds the messages Publish would send.
func Encode(runID string, sum models.Summary, trades []models.TradeRecord) ([]kafka.Message, error) {
	key := []byte(sum.Security)
	msgs := make([]kafka.Message, 0, len(trades)+1)
	for i := range trades {
		value, err := json.Marshal(Envelope{Type: TypeTrade, RunID: runID, Trade: &trades[i]})
		if err != nil {
			return nil, fmt.Errorf("failed to encode trade %d: %w", trades[i].Seq, err)
		}
		msgs = append(msgs, kafka.Message{Key: key, Value: value, Time: trades[i].Timestamp})
	}
	value, err := json.Marshal(Envelope{Type: TypeSummary, RunID: runID, Summary: &sum})
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	return append(msgs, kafka.Message{Key: key, Value: value, Time: sum.LastEventAt}), nil
}
