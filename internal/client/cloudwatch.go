package client

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
)

// AuthOptions selects the region and credentials source for the client.
type AuthOptions struct {
	Region  string
	Profile string
}

// NewCloudWatchOptions turns AuthOptions into config load options.
// A profile (flag, else AWS_PROFILE) wins over static credentials from
// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY. With neither, the SDK default
// chain applies.
func NewCloudWatchOptions(o AuthOptions) []func(*config.LoadOptions) error {
	var opts []func(*config.LoadOptions) error
	if o.Region != "" {
		opts = append(opts, config.WithRegion(o.Region))
	}
	profile := o.Profile
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
		return opts
	}
	key, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if key != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, os.Getenv("AWS_SESSION_TOKEN")),
		))
	}
	return opts
}

// NewCloudWatchClient loads AWS configuration with the given options and
// returns a CloudWatch Logs client.
func NewCloudWatchClient(ctx context.Context, optFns ...func(*config.LoadOptions) error) (*cloudwatchlogs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return cloudwatchlogs.NewFromConfig(cfg), nil
}
