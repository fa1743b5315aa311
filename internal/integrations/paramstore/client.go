// Package paramstore resolves credentials held in AWS SSM Parameter Store.
//
// Configuration values may be literals or references of the form
// "ssm:/path/to/param". References are fetched once with decryption and
// cached for the lifetime of the process.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// RefPrefix marks a configuration value as an SSM parameter reference.
const RefPrefix = "ssm:"

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

	mu    sync.Mutex
	cache map[string]string
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, cache: make(map[string]string)}, nil
}

// GetParameter fetches a decrypted parameter value. Successful lookups are
// cached; failures are not.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	c.mu.Lock()
	v, ok := c.cache[name]
	c.mu.Unlock()
	if ok {
		return v, nil
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

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]string)
	}
	c.cache[name] = *out.Parameter.Value
	c.mu.Unlock()
	return *out.Parameter.Value, nil
}

// IsRef reports whether value is an SSM reference.
func IsRef(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), RefPrefix)
}

// Resolve returns value unchanged unless it is an SSM reference, in which
// case the referenced parameter is fetched through g. A nil getter is an
// error only when a reference needs resolving.
func Resolve(ctx context.Context, g Getter, value string) (string, error) {
	value = strings.TrimSpace(value)
	if !IsRef(value) {
		return value, nil
	}
	if g == nil {
		return "", fmt.Errorf("paramstore: %q needs SSM but no client is configured", value)
	}
	v, err := g.GetParameter(ctx, strings.TrimPrefix(value, RefPrefix))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("paramstore: parameter %q is empty", value)
	}
	return v, nil
}
