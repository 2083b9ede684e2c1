// Package events publishes campaign lifecycle and recipient outcome events to
// SQS for downstream consumers (notification fan-out, analytics). Publishing
// is best effort: the orchestrator never blocks dispatch on the event bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const (
	TypeCampaignStatus = "campaign.status"
	TypeRecipientDone  = "recipient.done"
)

type Event struct {
	Type        string    `json:"type"`
	CampaignID  string    `json:"campaignId"`
	OwnerID     string    `json:"ownerId"`
	RecipientID string    `json:"recipientId,omitempty"`
	Status      string    `json:"status,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	At          time.Time `json:"at"`
}

type Publisher struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

func str(s string) *string { return &s }
