package infra

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// LoadAWSConfig resolves credentials from the default chain for cfg.AWSRegion.
func LoadAWSConfig(ctx context.Context, cfg *Config) (aws.Config, error) {
	region := cfg.AWSRegion
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return awsCfg, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// NewSQSClient builds an SQS client for the dispatch queue.
func NewSQSClient(ctx context.Context, cfg *Config) (*sqs.Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg), nil
}
