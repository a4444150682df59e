package dynamostore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"movieshelf/internal/docstore"
)

// QueueAPI is the subset of *sqs.Client the feed uses.
type QueueAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher receives decoded events.
type Publisher interface {
	Publish(evt docstore.Event)
}

// Feed long-polls an SQS queue carrying JSON encoded docstore.Event values
// and republishes them locally.
type Feed struct {
	sqs       QueueAPI
	queueName string
	queueURL  string
	pub       Publisher
	tracer    trace.Tracer
	log       zerolog.Logger

	WaitTimeSeconds int32
	ErrorBackoff    time.Duration
}

// NewFeed resolves the queue URL of queueName.
func NewFeed(ctx context.Context, api QueueAPI, queueName string, pub Publisher, log zerolog.Logger) (*Feed, error) {
	res, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return nil, fmt.Errorf("get queue url: %w", err)
	}

	return &Feed{
		sqs:             api,
		queueName:       queueName,
		queueURL:        aws.ToString(res.QueueUrl),
		pub:             pub,
		tracer:          otel.Tracer("movieshelf/internal/dynamostore"),
		log:             log.With().Str("component", "dynamo-feed").Str("queue", queueName).Logger(),
		WaitTimeSeconds: 20,
		ErrorBackoff:    time.Second,
	}, nil
}

// Run receives until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.log.Info().Str("url", f.queueURL).Msg("waiting for change events")
	for {
		if err := f.receiveAndPublish(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Error().Err(err).Msg("change feed receive failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(f.ErrorBackoff):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (f *Feed) receiveAndPublish(ctx context.Context) error {
	res, err := f.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(f.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     f.WaitTimeSeconds,
	})
	if err != nil {
		return fmt.Errorf("receive messages: %w", err)
	}

	for _, msg := range res.Messages {
		if err := f.processMessage(ctx, msg); err != nil {
			f.log.Warn().Err(err).Str("messageId", aws.ToString(msg.MessageId)).Msg("unable to process message")
		}
	}
	return nil
}

func (f *Feed) processMessage(ctx context.Context, msg sqstypes.Message) error {
	ctx, span := f.tracer.Start(ctx, "processChangeEvent",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("AmazonSQS"),
			semconv.MessagingDestinationKey.String(f.queueName),
			semconv.MessagingDestinationKindQueue,
			semconv.MessagingMessageIDKey.String(aws.ToString(msg.MessageId)),
		))
	defer span.End()

	var evt docstore.Event
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &evt); err != nil || evt.Channel == "" {
		// Undecodable messages would be redelivered forever.
		f.log.Warn().Err(err).Str("messageId", aws.ToString(msg.MessageId)).Msg("dropping malformed change event")
		return f.deleteMessage(ctx, span, msg.ReceiptHandle)
	}

	f.pub.Publish(evt)
	return f.deleteMessage(ctx, span, msg.ReceiptHandle)
}

func (f *Feed) deleteMessage(ctx context.Context, span trace.Span, receiptHandle *string) error {
	_, err := f.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(f.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		err = fmt.Errorf("delete message: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
