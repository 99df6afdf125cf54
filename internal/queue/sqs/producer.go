// Package sqsqueue ships pending events through an SQS FIFO queue instead of
// posting them to the backend directly. The event relay drains the queue.
package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"callbrand/internal/api"
	"callbrand/internal/domain"
)

const defaultGroupBuckets = 256

type SendAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer implements the uploader's event sink.
type Producer struct {
	SQS          SendAPI
	QueueURL     string
	GroupBuckets int
}

func (p *Producer) SubmitEvent(ctx context.Context, ev api.EventRequest) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return &domain.Error{Kind: domain.KindBadRequest, Err: err}
	}

	in := &sqs.SendMessageInput{
		QueueUrl:       &p.QueueURL,
		MessageBody:    str(string(body)),
		MessageGroupId: str(messageGroupIDBucketed(ev.DeviceID, ev.PhoneE164, p.GroupBuckets)),
	}
	// FIFO dedupe window absorbs re-sends of the same logical event.
	if ev.IdempotencyKey != "" {
		in.MessageDeduplicationId = str(ev.IdempotencyKey)
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		return &domain.Error{Kind: domain.KindNetwork, Err: fmt.Errorf("sqs send: %w", err)}
	}
	return nil
}

// messageGroupIDBucketed keeps per-number ordering while capping the number
// of FIFO groups per device.
func messageGroupIDBucketed(deviceID, phone string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(phone))
	scope := deviceID
	if scope == "" {
		scope = "device"
	}
	return fmt.Sprintf("%s:%d", scope, h.Sum32()%uint32(buckets))
}

func str(s string) *string { return &s }
