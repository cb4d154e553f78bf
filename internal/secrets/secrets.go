// Package secrets resolves provider API keys from the environment or from AWS
// SSM Parameter Store.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

var (
	// ErrMissingKey is returned when no API key is configured.
	ErrMissingKey = errors.New("api key is not configured")
	// ErrNilAPI is returned when a parameter store is built without an SSM client.
	ErrNilAPI = errors.New("ssm api must not be nil")
	// ErrEmptyParameter is returned when a parameter has no value.
	ErrEmptyParameter = errors.New("parameter missing value")
)

// KeySource yields the bearer key used for remote provider calls.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a key known at startup, typically read from the environment.
type StaticKey string

// EnvKey reads the named environment variable.
func EnvKey(name string) StaticKey {
	return StaticKey(strings.TrimSpace(os.Getenv(name)))
}

// APIKey returns the key or ErrMissingKey when it is empty.
func (k StaticKey) APIKey(context.Context) (string, error) {
	if k == "" {
		return "", ErrMissingKey
	}

	return string(k), nil
}

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore reads decrypted parameters from SSM.
type ParamStore struct {
	api ssmAPI
}

// NewParamStore wraps an SSM client.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, ErrNilAPI
	}

	return &ParamStore{api: api}, nil
}

// GetParameter returns the decrypted value of the named parameter.
func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: parameter name is required", ErrMissingKey)
	}

	withDecryption := true

	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("get parameter %q: %w", name, err)
	}

	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("%w: %q", ErrEmptyParameter, name)
	}

	return *out.Parameter.Value, nil
}

// tokenPayload is the JSON shape accepted for stored keys.
type tokenPayload struct {
	Token string `json:"token"`
}

// ParamKey lazily loads a key from the parameter store. A successfully loaded
// key is cached for the life of the process; failures are retried on the next call.
type ParamKey struct {
	store *ParamStore
	name  string

	mu  sync.Mutex
	key string
}

// NewParamKey returns a KeySource backed by the named parameter.
func NewParamKey(store *ParamStore, name string) *ParamKey {
	return &ParamKey{store: store, name: name}
}

// APIKey returns the cached key, loading it on first use.
func (p *ParamKey) APIKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != "" {
		return p.key, nil
	}

	raw, err := p.store.GetParameter(ctx, p.name)
	if err != nil {
		return "", err
	}

	key := parseKey(raw)
	if key == "" {
		return "", fmt.Errorf("%w: parameter %q", ErrMissingKey, p.name)
	}

	p.key = key

	return key, nil
}

// parseKey accepts either a bare key or a {"token": "..."} document.
func parseKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return raw
	}

	var payload tokenPayload

	unmarshalErr := json.Unmarshal([]byte(raw), &payload)
	if unmarshalErr != nil {
		return ""
	}

	return strings.TrimSpace(payload.Token)
}
