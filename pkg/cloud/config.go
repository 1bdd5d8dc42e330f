// Package cloud holds the AWS plumbing shared by the pipeline components:
// SDK configuration loading, service client construction, error
// classification and a shared poll pacer.
package cloud

// Config configures access to AWS.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
type Config struct {
	// Region is the AWS region. When empty the SDK resolves it from the
	// environment or profile, then from instance metadata, then DefaultRegion.
	Region string

	// Endpoint overrides the service endpoint for every client. Used for
	// local emulators (moto, LocalStack). Leave empty for AWS.
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	Profile string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID string

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string

	// SessionToken is optional and only used with explicit keys.
	SessionToken string

	// PollRate bounds describe/poll calls per second across all runs in the
	// process. Zero uses DefaultPollRate.
	PollRate float64
}

// DefaultRegion is the fallback region when nothing else resolves one.
const DefaultRegion = "us-east-1"

// DefaultPollRate is the default number of poll requests per second.
const DefaultPollRate = 5.0

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.SessionToken != "" && c.AccessKeyID == "" {
		return &ConfigError{Field: "SessionToken", Message: "session token requires explicit access keys"}
	}
	if c.PollRate < 0 {
		return &ConfigError{Field: "PollRate", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "aws config: " + e.Field + ": " + e.Message
}
