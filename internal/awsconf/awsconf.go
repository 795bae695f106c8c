// Package awsconf builds the shared aws.Config used by the Bedrock and S3 clients.
package awsconf

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/zerolog/log"

	"github.com/local/docinfer/internal/config"
)

// Load resolves an aws.Config for the configured region. Static keys take
// precedence over a named profile; with neither, the default credential
// chain of the environment is used.
func Load(ctx context.Context, c config.BedrockConfig) (aws.Config, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, Options(c)...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	log.Debug().Str("region", cfg.Region).Str("profile", c.Profile).Bool("static_credentials", c.AccessKeyID != "").Msg("aws config loaded")
	return cfg, nil
}

// Options translates the config into LoadDefaultConfig options.
func Options(c config.BedrockConfig) []func(*awscfg.LoadOptions) error {
	var opts []func(*awscfg.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awscfg.WithRegion(c.Region))
	}
	switch {
	case c.AccessKeyID != "" && c.SecretAccessKey != "":
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
		))
	case c.Profile != "":
		opts = append(opts, awscfg.WithSharedConfigProfile(c.Profile))
	}
	return opts
}
