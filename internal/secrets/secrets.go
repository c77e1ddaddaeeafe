// Package secrets loads provider credentials kept outside the environment.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// ProviderKeys is the JSON layout of the provider credentials secret:
// {"openai": "sk-...", "anthropic": "sk-ant-..."}.
type ProviderKeys struct {
	OpenAI    string `json:"openai"`
	Anthropic string `json:"anthropic"`
}

// Fill copies keys into empty destinations; explicitly configured keys win.
func (k ProviderKeys) Fill(openAI, anthropic *string) {
	if *openAI == "" {
		*openAI = k.OpenAI
	}
	if *anthropic == "" {
		*anthropic = k.Anthropic
	}
}

func LoadProviderKeys(ctx context.Context, store SecretStore, name string) (ProviderKeys, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return ProviderKeys{}, err
	}
	var keys ProviderKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return ProviderKeys{}, fmt.Errorf("secret %s: %w", name, err)
	}
	return keys, nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client secretsManagerAPI
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{client: secretsmanager.NewFromConfig(cfg)}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return *result.SecretString, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}
