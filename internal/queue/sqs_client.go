package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const defaultSQSRegion = "us-east-1"

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSClient publishes run events to an SQS queue. FIFO queues (URL ending in
// ".fifo") get one message group per run so a run's events stay ordered.
type SQSClient struct {
	client   sqsAPI
	queueURL string
	fifo     bool
}

// NewSQSClient constructs an SQS-backed queue client.
func NewSQSClient(ctx context.Context, queueURL, region string) (*SQSClient, error) {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("NOTIFY_SQS_QUEUE_URL is required")
	}
	region = strings.TrimSpace(region)
	if region == "" {
		region = defaultSQSRegion
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSQSClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func newSQSClient(client sqsAPI, queueURL string) *SQSClient {
	return &SQSClient{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Send publishes msg. The event name and run id travel as message attributes
// so subscribers can filter without decoding the body.
func (s *SQSClient) Send(ctx context.Context, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode sqs message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: attributes(msg),
	}
	if s.fifo {
		input.MessageGroupId = aws.String(msg.RunID)
		dedup := msg.NotificationID
		if dedup == "" {
			dedup = msg.RunID + ":" + msg.Event
		}
		input.MessageDeduplicationId = aws.String(dedup)
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send message %s: %w", msg.Event, err)
	}
	return nil
}

func attributes(msg Message) map[string]types.MessageAttributeValue {
	attrs := map[string]types.MessageAttributeValue{
		"event":   {DataType: aws.String("String"), StringValue: aws.String(msg.Event)},
		"version": {DataType: aws.String("Number"), StringValue: aws.String(fmt.Sprint(msg.Version))},
	}
	if msg.RunID != "" {
		attrs["run_id"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(msg.RunID)}
	}
	if msg.Code != "" {
		attrs["code"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(msg.Code)}
	}
	return attrs
}

var _ Client = (*SQSClient)(nil)
