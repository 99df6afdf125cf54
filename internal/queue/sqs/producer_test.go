package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"callbrand/internal/api"
	"callbrand/internal/domain"
)

func TestMessageGroupIDBucketed(t *testing.T) {
	device := "dev-1"
	to := "+19990000001"

	got1 := messageGroupIDBucketed(device, to, 2000)
	got2 := messageGroupIDBucketed(device, to, 2000)
	if got1 != got2 {
		t.Fatalf("expected stable group id, got %q vs %q", got1, got2)
	}
	if len(got1) == 0 {
		t.Fatalf("expected non-empty group id")
	}

	// buckets<=0 should use default.
	got3 := messageGroupIDBucketed(device, to, 0)
	if got3 == "" {
		t.Fatalf("expected non-empty group id for default buckets")
	}
	if got := messageGroupIDBucketed("", to, 1); got != "device:0" {
		t.Fatalf("expected single bucket group, got %q", got)
	}
}

type fakeSender struct {
	in  *sqs.SendMessageInput
	err error
}

func (f *fakeSender) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.in = in
	return &sqs.SendMessageOutput{}, f.err
}

func TestProducerSubmitEvent(t *testing.T) {
	fs := &fakeSender{}
	p := &Producer{SQS: fs, QueueURL: "https://sqs.local/q.fifo"}

	ev := api.EventRequest{PhoneE164: "+14155550100", Outcome: domain.OutcomeDisplayed, DeviceID: "dev-1", IdempotencyKey: "k1"}
	if err := p.SubmitEvent(context.Background(), ev); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if *fs.in.MessageDeduplicationId != "k1" {
		t.Fatalf("dedupe id = %q", *fs.in.MessageDeduplicationId)
	}
	if *fs.in.MessageGroupId != messageGroupIDBucketed("dev-1", "+14155550100", 0) {
		t.Fatalf("group id = %q", *fs.in.MessageGroupId)
	}
	var back api.EventRequest
	if err := json.Unmarshal([]byte(*fs.in.MessageBody), &back); err != nil || back.PhoneE164 != ev.PhoneE164 {
		t.Fatalf("body round trip: %v %+v", err, back)
	}

	fs.err = errors.New("throttled")
	err := p.SubmitEvent(context.Background(), ev)
	if domain.KindOf(err) != domain.KindNetwork {
		t.Fatalf("expected network kind, got %v", err)
	}
}
