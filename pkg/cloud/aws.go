package cloud

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/fsx"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Clients bundles the service clients used by a pipeline run.
type Clients struct {
	Region string

	FSx            *fsx.Client
	EC2            *ec2.Client
	Batch          *batch.Client
	CloudWatch     *cloudwatch.Client
	Lambda         *lambda.Client
	SecretsManager *secretsmanager.Client
	S3             *s3.Client

	// Pacer is shared by every poller built from these clients.
	Pacer *Pacer
}

// NewClients loads AWS configuration and builds every service client.
func NewClients(ctx context.Context, cfg Config) (*Clients, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &CloudError{Service: "sts", Op: "LoadConfig", Err: err}
	}

	endpoint := cfg.Endpoint
	return &Clients{
		Region: awsCfg.Region,
		FSx: fsx.NewFromConfig(awsCfg, func(o *fsx.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		EC2: ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		Batch: batch.NewFromConfig(awsCfg, func(o *batch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		CloudWatch: cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		Lambda: lambda.NewFromConfig(awsCfg, func(o *lambda.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		SecretsManager: secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		S3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				// Emulators serve buckets on the path, not a subdomain.
				o.UsePathStyle = true
			}
		}),
		Pacer: NewPacer(cfg.PollRate),
	}, nil
}

// LoadAWSConfig builds the AWS configuration with appropriate credentials.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if user set one in config.
	// Let SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = InstanceRegion(ctx, awsCfg)
	}
	awsCfg.Region = resolveRegion(cfg.Region, awsCfg.Region)

	return awsCfg, nil
}

// InstanceRegion asks the instance metadata service for the current region.
// It returns "" when not running on EC2 or when IMDS does not answer quickly.
func InstanceRegion(ctx context.Context, awsCfg aws.Config) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := imds.NewFromConfig(awsCfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil || out == nil {
		return ""
	}
	return out.Region
}

// resolveRegion picks the effective region.
// Emulator endpoints get DefaultRegion too since the SDK refuses to sign without one.
func resolveRegion(cfgRegion, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	return DefaultRegion
}
