package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaChannel hands the message to a downstream delivery worker. The write
// is synchronous, so a broker failure fails the send.
type KafkaChannel struct {
	producer Producer
	topic    string
}

type notificationEvent struct {
	Channel   Kind      `json:"channel"`
	Address   string    `json:"address"`
	Flow      string    `json:"flow"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func NewKafkaChannel(producer Producer, topic string) *KafkaChannel {
	return &KafkaChannel{producer: producer, topic: topic}
}

func (c *KafkaChannel) Send(ctx context.Context, to Destination, msg Message) error {
	subject, body := Render(msg)
	value, err := json.Marshal(notificationEvent{
		Channel:   to.Kind,
		Address:   to.Address,
		Flow:      string(msg.Flow),
		Subject:   subject,
		Body:      body,
		ExpiresAt: msg.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	headers := map[string]string{
		"channel": string(to.Kind),
		"flow":    string(msg.Flow),
	}
	return c.producer.ProduceMessage(ctx, c.topic, []byte(to.Address), value, headers)
}
