// Package events publishes POD domain events to EventBridge so downstream
// systems (billing, dispatch closure) can react to an accepted submission.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/trella/pod-capture/internal/store"
)

const (
	Source                 = "trella.pod-capture"
	DetailTypePodSubmitted = "PodSubmitted"
)

// PodSubmitted is the detail payload of a PodSubmitted event.
type PodSubmitted struct {
	ShipmentKey   string           `json:"shipmentKey"`
	SubmissionID  string           `json:"submissionId"`
	UploadMode    store.UploadMode `json:"uploadMode"`
	ArtifactPaths []string         `json:"artifactPaths"`
	SubmittedAt   time.Time        `json:"submittedAt"`
	Language      string           `json:"language,omitempty"`
	JobKey        string           `json:"jobKey,omitempty"`
}

// PutEventsAPI is the subset of the EventBridge client used here.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher emits submission events onto a bus.
type EventBridgePublisher struct {
	client  PutEventsAPI
	busName string
}

// NewEventBridgePublisher creates a publisher for busName. An empty bus
// name targets the account's default bus.
func NewEventBridgePublisher(client PutEventsAPI, busName string) *EventBridgePublisher {
	return &EventBridgePublisher{client: client, busName: busName}
}

// PublishSubmitted emits one PodSubmitted event for sub.
func (p *EventBridgePublisher) PublishSubmitted(ctx context.Context, sub *store.PodSubmission) error {
	detail, err := json.Marshal(PodSubmitted{
		ShipmentKey:   sub.ShipmentKey,
		SubmissionID:  sub.SubmissionID,
		UploadMode:    sub.UploadMode,
		ArtifactPaths: sub.ArtifactPaths,
		SubmittedAt:   sub.SubmittedAt,
		Language:      sub.Language,
		JobKey:        sub.ShipmentSnapshot["job_key"],
	})
	if err != nil {
		return fmt.Errorf("marshal PodSubmitted: %w", err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(DetailTypePodSubmitted),
		Detail:     aws.String(string(detail)),
		Time:       aws.Time(sub.SubmittedAt),
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("shipmentKey", sub.ShipmentKey).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("shipmentKey", sub.ShipmentKey).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}

	log.Debug().
		Str("shipmentKey", sub.ShipmentKey).
		Str("submissionId", sub.SubmissionID).
		Msg("PodSubmitted emitted to EventBridge")
	return nil
}
