// Package paramstore resolves configuration secrets stored in AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Prefix marks a configuration value that names an SSM parameter instead of holding the value.
const Prefix = "ssm:"

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API for parameter retrieval.
type Client struct {
	api ssmAPI
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// NewFromEnvironment creates a Client using the default AWS credential chain.
func NewFromEnvironment(ctx context.Context) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("paramstore: load aws config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// IsReference reports whether value names an SSM parameter.
func IsReference(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Resolve returns value unchanged unless it carries the ssm: prefix, in which case the named
// parameter is fetched through g.
func Resolve(ctx context.Context, g Getter, value string) (string, error) {
	name, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return value, nil
	}
	if g == nil {
		return "", fmt.Errorf("paramstore: %q needs parameter store access", value)
	}
	v, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	slog.Debug("paramstore.Resolve: parameter resolved", "name", name)
	return v, nil
}

// ResolveAll resolves every referenced value in place. Values are keyed by a label used only
// in error messages, typically the environment variable name.
func ResolveAll(ctx context.Context, g Getter, values map[string]*string) error {
	for label, ptr := range values {
		if ptr == nil || !IsReference(*ptr) {
			continue
		}
		v, err := Resolve(ctx, g, *ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", label, err)
		}
		*ptr = v
	}
	return nil
}
