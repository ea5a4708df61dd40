package config

import (
	"github.com/statforge/propline/internal/infra/eventbus/kafka"
)

// NewEventBusConfig maps the loaded Kafka settings onto the event bus
// configuration for one service instance.
func NewEventBusConfig(cfg *Config, clientID, serviceType string) *kafka.EventBusConfig {
	return &kafka.EventBusConfig{
		Brokers:             cfg.Kafka.Brokers,
		DispatchTopic:       cfg.Kafka.DispatchTopic,
		CompletionsTopic:    cfg.Kafka.CompletionsTopic,
		BatchLifecycleTopic: cfg.Kafka.BatchLifecycleTopic,
		DeadLetterTopic:     cfg.Kafka.DeadLetterTopic,
		MaxDeliveryAttempts: cfg.Kafka.MaxDeliveryAttempts,
		GroupID:             cfg.Kafka.GroupID + "-" + serviceType,
		ClientID:            clientID,
		ServiceType:         serviceType,
	}
}

// NewClientConfig maps the loaded Kafka settings onto the low-level client
// configuration.
func NewClientConfig(cfg *Config, clientID, serviceType string) *kafka.ClientConfig {
	return &kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID + "-" + serviceType,
		ClientID:    clientID,
		ServiceType: serviceType,
	}
}
