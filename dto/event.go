package dto

import (
	"github.com/mailbridge/mailbridge/internal/enum"
	"github.com/mailbridge/mailbridge/internal/models"
)

type Event struct {
	Event    EventDetails  `json:"event"`
	Metadata EventMetadata `json:"metadata"`
}

type EventDetails struct {
	Id        string      `json:"id"`
	EntityId  string      `json:"entityId"`
	EventType string      `json:"eventType"`
	Data      interface{} `json:"data"`
}

type EventMetadata struct {
	UberTraceId string `json:"uberTraceId"`
	Timestamp   string `json:"timestamp"`
}

// DeliverySent is emitted when a message is accepted by the SMTP server.
type DeliverySent struct {
	Delivery *models.Delivery `json:"delivery"`
}

// DeliveryFailed is emitted when a delivery reaches a terminal failure.
type DeliveryFailed struct {
	Delivery *models.Delivery `json:"delivery"`
	Reason   string           `json:"reason"`
}

func DeliveryEventFor(delivery *models.Delivery) interface{} {
	if delivery.Status == enum.DeliveryStatusFailed {
		return DeliveryFailed{Delivery: delivery, Reason: delivery.LastError}
	}
	return DeliverySent{Delivery: delivery}
}
