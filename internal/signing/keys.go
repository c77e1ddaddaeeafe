package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/felipepmaragno/model-gateway/internal/domain"
	"golang.org/x/crypto/hkdf"
)

// Key is a sign/verify capability. Key bytes never leave it.
type Key interface {
	Sign(msg []byte) []byte
	Verify(msg, sig []byte) bool
}

// Keyring resolves the key shared with a target scope (a service name).
// It returns domain.ErrNoSigningKey when the scope has none.
type Keyring interface {
	KeyFor(ctx context.Context, scope string) (Key, error)
}

type HMACKey struct {
	secret []byte
}

func NewHMACKey(secret []byte) HMACKey {
	return HMACKey{secret: append([]byte(nil), secret...)}
}

func (k HMACKey) Sign(msg []byte) []byte {
	mac := hmac.New(sha256.New, k.secret)
	mac.Write(msg)
	return mac.Sum(nil)
}

func (k HMACKey) Verify(msg, sig []byte) bool {
	return hmac.Equal(k.Sign(msg), sig)
}

// HKDFKeyring derives one key per scope from a master secret, so each
// service pair shares a distinct key without provisioning them one by one.
type HKDFKeyring struct {
	master []byte
	mu     sync.Mutex
	keys   map[string]HMACKey
}

func NewHKDFKeyring(master string) *HKDFKeyring {
	return &HKDFKeyring{master: []byte(master), keys: make(map[string]HMACKey)}
}

func (k *HKDFKeyring) KeyFor(ctx context.Context, scope string) (Key, error) {
	if len(k.master) == 0 || scope == "" {
		return nil, fmt.Errorf("%w: %q", domain.ErrNoSigningKey, scope)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[scope]; ok {
		return key, nil
	}

	secret := make([]byte, 32)
	r := hkdf.New(sha256.New, k.master, nil, []byte("component-sig/"+Version1+"/"+scope))
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	key := NewHMACKey(secret)
	k.keys[scope] = key
	return key, nil
}

// StaticKeyring holds explicitly provisioned keys.
type StaticKeyring map[string][]byte

func (s StaticKeyring) KeyFor(ctx context.Context, scope string) (Key, error) {
	secret, ok := s[scope]
	if !ok || len(secret) == 0 {
		return nil, fmt.Errorf("%w: %q", domain.ErrNoSigningKey, scope)
	}
	return NewHMACKey(secret), nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerKeyring reads a JSON object of scope to secret from AWS
// Secrets Manager and caches it for ttl. Rotation is picked up on refresh.
type SecretsManagerKeyring struct {
	client    secretsManagerAPI
	secretID  string
	ttl       time.Duration
	now       func() time.Time
	mu        sync.RWMutex
	keys      StaticKeyring
	expiresAt time.Time
}

func NewSecretsManagerKeyring(cfg aws.Config, secretID string) *SecretsManagerKeyring {
	return newSecretsManagerKeyring(secretsmanager.NewFromConfig(cfg), secretID)
}

func newSecretsManagerKeyring(client secretsManagerAPI, secretID string) *SecretsManagerKeyring {
	return &SecretsManagerKeyring{
		client:   client,
		secretID: secretID,
		ttl:      5 * time.Minute,
		now:      time.Now,
	}
}

func (s *SecretsManagerKeyring) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *SecretsManagerKeyring) KeyFor(ctx context.Context, scope string) (Key, error) {
	s.mu.RLock()
	if s.keys != nil && s.now().Before(s.expiresAt) {
		keys := s.keys
		s.mu.RUnlock()
		return keys.KeyFor(ctx, scope)
	}
	s.mu.RUnlock()

	keys, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return keys.KeyFor(ctx, scope)
}

func (s *SecretsManagerKeyring) load(ctx context.Context) (StaticKeyring, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", s.secretID, err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", s.secretID)
	}

	var raw map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &raw); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", s.secretID, err)
	}
	keys := make(StaticKeyring, len(raw))
	for scope, secret := range raw {
		keys[scope] = []byte(secret)
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = s.now().Add(s.ttl)
	s.mu.Unlock()

	return keys, nil
}
