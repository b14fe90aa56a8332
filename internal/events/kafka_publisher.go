package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/neovend/licensegate/internal/licensing/store"
)

const EventLicenseActivated = "license.activated"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits an event for every license that binds to a device.
// Messages are keyed by license id so a license's events stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if topic == "" {
		topic = EventLicenseActivated
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

type envelope struct {
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       activationData `json:"data"`
}

type activationData struct {
	LicenseID   string    `json:"license_id"`
	Key         string    `json:"key"`
	DeviceID    string    `json:"device_id"`
	DeviceModel string    `json:"device_model,omitempty"`
	Status      string    `json:"status"`
	ActivatedAt time.Time `json:"activated_at"`
	Reason      string    `json:"reason,omitempty"`
}

// ActivationMessage builds the Kafka message for rec without sending it.
func ActivationMessage(topic string, rec store.ActivationRecord) (kafka.Message, error) {
	payload, err := json.Marshal(envelope{
		EventID:    rec.ID,
		EventType:  EventLicenseActivated,
		OccurredAt: rec.ActivatedAt.UTC(),
		Data: activationData{
			LicenseID:   rec.LicenseID,
			Key:         rec.Key,
			DeviceID:    rec.DeviceID,
			DeviceModel: rec.DeviceModel,
			Status:      string(rec.Status),
			ActivatedAt: rec.ActivatedAt.UTC(),
			Reason:      rec.Reason,
		},
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", EventLicenseActivated, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(rec.LicenseID),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventLicenseActivated)},
		},
	}, nil
}

func (p *KafkaPublisher) PublishActivation(ctx context.Context, rec store.ActivationRecord) error {
	msg, err := ActivationMessage(p.topic, rec)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", EventLicenseActivated, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
