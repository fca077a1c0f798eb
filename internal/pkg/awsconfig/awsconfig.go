// Package awsconfig builds AWS clients from environment variables.
package awsconfig

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ManuelReschke/paygate/internal/pkg/env"
)

// Settings are the values read by FromEnv.
type Settings struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint points DynamoDB at a local emulator when set.
	Endpoint string
}

// FromEnv reads AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and
// DYNAMODB_ENDPOINT.
func FromEnv() Settings {
	return Settings{
		Region:          env.GetEnv("AWS_REGION", "us-east-1"),
		AccessKeyID:     env.GetEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("AWS_SECRET_ACCESS_KEY", ""),
		Endpoint:        env.GetEnv("DYNAMODB_ENDPOINT", ""),
	}
}

// Load resolves an aws.Config. Static credentials are used when both keys are
// set; otherwise the default chain applies. A local endpoint without keys
// gets dummy credentials, which the emulator does not check.
func Load(ctx context.Context, s Settings) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(s.Region),
	}

	accessKey, secretKey := s.AccessKeyID, s.SecretAccessKey
	if s.Endpoint != "" && accessKey == "" && secretKey == "" {
		accessKey, secretKey = "local", "local"
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// NewDynamoClient returns a DynamoDB client for s.
func NewDynamoClient(ctx context.Context, s Settings) (*dynamodb.Client, error) {
	cfg, err := Load(ctx, s)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
	}), nil
}
