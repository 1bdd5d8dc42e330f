// Package secrets reads the flat key/value parameter map a pipeline run is
// configured from. Values are always strings; numbers and booleans are
// converted when the map is parsed into a pipeline.Config.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/hpcflow/pkg/cloud"
)

// ErrEmptySecret indicates the secret exists but holds no string payload.
var ErrEmptySecret = errors.New("secret has no string value")

// Source resolves the parameter map for a run.
type Source interface {
	Resolve(ctx context.Context) (map[string]string, error)
	Describe() string
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource reads a JSON object stored as a Secrets Manager secret.
type SecretsManagerSource struct {
	client   SecretsManagerAPI
	secretID string
}

// NewSecretsManagerSource returns a source for secretID (name or ARN).
func NewSecretsManagerSource(client SecretsManagerAPI, secretID string) *SecretsManagerSource {
	return &SecretsManagerSource{client: client, secretID: secretID}
}

// Resolve fetches and flattens the secret.
func (s *SecretsManagerSource) Resolve(ctx context.Context) (map[string]string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, cloud.WrapError("secretsmanager", "GetSecretValue", s.secretID, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return nil, fmt.Errorf("%s: %w", s.secretID, ErrEmptySecret)
	}
	return decodeJSON([]byte(*out.SecretString))
}

// Describe identifies the source in logs.
func (s *SecretsManagerSource) Describe() string {
	return "secretsmanager:" + s.secretID
}

// FileSource reads a flat YAML or JSON map from disk.
type FileSource struct {
	path string
}

// NewFileSource returns a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Resolve reads and flattens the file.
func (s *FileSource) Resolve(_ context.Context) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("parameter file not found: %s", s.path)
		}
		return nil, fmt.Errorf("failed to read parameter file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".json":
		return decodeJSON(data)
	default:
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", s.path, err)
		}
		return flatten(raw)
	}
}

// Describe identifies the source in logs.
func (s *FileSource) Describe() string {
	return "file:" + s.path
}

// StaticSource serves a fixed map, typically command-line overrides.
type StaticSource map[string]string

// Resolve returns a copy of the map.
func (s StaticSource) Resolve(_ context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Describe identifies the source in logs.
func (s StaticSource) Describe() string {
	return "static"
}

// Layered resolves several sources and merges them; later sources win.
type Layered []Source

// Resolve merges every layer.
func (l Layered) Resolve(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	for _, src := range l {
		values, err := src.Resolve(ctx)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			out[k] = v
		}
	}
	return out, nil
}

// Describe lists the layers in order.
func (l Layered) Describe() string {
	parts := make([]string, 0, len(l))
	for _, src := range l {
		parts = append(parts, src.Describe())
	}
	return strings.Join(parts, "+")
}

func decodeJSON(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("secret is not a JSON object: %w", err)
	}
	return flatten(raw)
}

// flatten converts scalar values to strings. Nested objects are rejected
// since the parameter space is flat; lists become comma-joined strings.
func flatten(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	var bad []string
	for k, v := range raw {
		s, ok := scalarString(v)
		if !ok {
			bad = append(bad, k)
			continue
		}
		out[k] = s
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("parameters must be scalar values: %s", strings.Join(bad, ", "))
	}
	return out, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := scalarString(item)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), true
	}
	return "", false
}
