package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	configv2 "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"callbrand/internal/config"
)

// NewSQSClient builds a client for cfg. A LocalstackEndpoint switches to
// static dummy credentials and that base endpoint.
func NewSQSClient(ctx context.Context, cfg config.SQS) (*sqs.Client, error) {
	opts := []func(*configv2.LoadOptions) error{
		configv2.WithRegion(cfg.AWSRegion),
	}
	if cfg.LocalstackEndpoint != "" {
		opts = append(opts, configv2.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	awsCfg, err := configv2.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.LocalstackEndpoint != "" {
		return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.LocalstackEndpoint)
		}), nil
	}
	return sqs.NewFromConfig(awsCfg), nil
}
