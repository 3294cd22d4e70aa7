// Package credentials keeps provider secrets in the integration_tokens table
// so operators can rotate them without a redeploy.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gallery/internal/infra"
	"gallery/internal/sqlinline"
)

const ProviderVision = "vision"

// Credential is one stored provider secret. Endpoint is the resource the key
// was issued for, when the operator recorded it.
type Credential struct {
	Token    string
	Endpoint string
}

type properties struct {
	Endpoint string `json:"endpoint,omitempty"`
}

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// Lookup returns the credential stored for provider. A missing row yields
// the zero Credential and no error.
func (s *Store) Lookup(ctx context.Context, provider string) (Credential, error) {
	var (
		token string
		raw   []byte
	)
	if err := s.sql.QueryRow(ctx, sqlinline.QSelectIntegrationToken, provider).Scan(&token, &raw); err != nil {
		if infra.IsNoRows(err) {
			return Credential{}, nil
		}
		return Credential{}, fmt.Errorf("credentials: load %s: %w", provider, err)
	}
	var props properties
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &props); err != nil {
			return Credential{}, fmt.Errorf("credentials: decode %s properties: %w", provider, err)
		}
	}
	return Credential{Token: strings.TrimSpace(token), Endpoint: props.Endpoint}, nil
}

// SetVisionAPIKey stores key along with the endpoint it belongs to.
func (s *Store) SetVisionAPIKey(ctx context.Context, key, endpoint string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("credentials: vision api key is required")
	}
	raw, err := json.Marshal(properties{Endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/")})
	if err != nil {
		return err
	}
	if _, err := s.sql.Exec(ctx, sqlinline.QUpsertIntegrationToken, ProviderVision, key, raw); err != nil {
		return fmt.Errorf("credentials: store %s: %w", ProviderVision, err)
	}
	return nil
}

// ResolveVision prefers an explicitly configured key and falls back to the
// stored one. The returned Endpoint is only set for stored keys.
func (s *Store) ResolveVision(ctx context.Context, configuredKey string) (Credential, error) {
	if key := strings.TrimSpace(configuredKey); key != "" {
		return Credential{Token: key}, nil
	}
	return s.Lookup(ctx, ProviderVision)
}
