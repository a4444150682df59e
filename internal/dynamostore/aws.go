package dynamostore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"movieshelf/config"
)

// LoadAWSConfig loads the default credential chain for region with otel
// middleware attached. A non-empty endpoint overrides every service URL,
// e.g. for DynamoDB Local or LocalStack.
func LoadAWSConfig(ctx context.Context, region, endpoint string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region}, nil
			}),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return cfg, nil
}

// Open builds the store described by settings and, when a queue is
// configured, the feed that republishes remote changes into the store's hub.
func Open(ctx context.Context, settings config.DynamoSettings, databaseID string, log zerolog.Logger) (*Store, *Feed, error) {
	cfg, err := LoadAWSConfig(ctx, settings.Region, settings.Endpoint)
	if err != nil {
		return nil, nil, err
	}

	store := New(dynamodb.NewFromConfig(cfg), settings.Table, databaseID, log)
	if strings.TrimSpace(settings.QueueName) == "" {
		return store, nil, nil
	}

	feed, err := NewFeed(ctx, sqs.NewFromConfig(cfg), settings.QueueName, store.Hub(), log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, feed, nil
}
