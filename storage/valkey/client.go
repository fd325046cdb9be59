package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-engine/storage"
)

// dummyHash is compared against when a client does not exist, so that lookups of
// unknown clients cost as much as lookups with a wrong secret
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// clientJSON is the JSON representation of a registered client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	Name             string   `json:"name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris,omitempty"`
	AutoApprove      bool     `json:"auto_approve,omitempty"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
}

// scopeJSON is the JSON representation of a scope
type scopeJSON struct {
	ID          int64  `json:"id"`
	Scope       string `json:"scope"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

func (j *scopeJSON) toScope() *storage.Scope {
	return &storage.Scope{ID: j.ID, Scope: j.Scope, Name: j.Name, Description: j.Description}
}

// ============================================================
// Seeding
// ============================================================

// SaveClient registers or replaces a client. The secret is bcrypt-hashed.
func (s *Store) SaveClient(ctx context.Context, reg storage.ClientRegistration) error {
	if reg.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if err := validateID(reg.ClientID); err != nil {
		return err
	}

	j := clientJSON{
		ClientID:     reg.ClientID,
		Name:         reg.Name,
		RedirectURIs: reg.RedirectURIs,
		AutoApprove:  reg.AutoApprove,
		GrantTypes:   reg.GrantTypes,
		Scopes:       reg.Scopes,
	}
	if reg.ClientSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(reg.ClientSecret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		j.ClientSecretHash = string(hash)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(reg.ClientID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", reg.ClientID)
	return nil
}

// SaveScope registers a scope and returns its id. Saving an existing scope
// updates its name and description and keeps its id.
func (s *Store) SaveScope(ctx context.Context, scope, name, description string) (int64, error) {
	if scope == "" {
		return 0, fmt.Errorf("scope cannot be empty")
	}
	if err := validateID(scope); err != nil {
		return 0, err
	}

	existing, err := s.loadScope(ctx, s.scopeKey(scope))
	if err != nil {
		return 0, err
	}

	var id int64
	if existing != nil {
		id = existing.ID
	} else {
		id, err = s.client.Do(ctx, s.client.B().Incr().Key(s.seqKey()).Build()).AsInt64()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate scope id: %w", err)
		}
	}

	data, err := json.Marshal(scopeJSON{ID: id, Scope: scope, Name: name, Description: description})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal scope: %w", err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.scopeKey(scope)).Value(string(data)).Build(),
		s.client.B().Set().Key(s.scopeIDKey(id)).Value(string(data)).Build(),
	) {
		if err := resp.Error(); err != nil {
			return 0, fmt.Errorf("failed to save scope: %w", err)
		}
	}
	return id, nil
}

func (s *Store) loadClient(ctx context.Context, clientID string) (*clientJSON, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if isNilError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &j, nil
}

func (s *Store) loadScope(ctx context.Context, key string) (*scopeJSON, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if isNilError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scope: %w", err)
	}

	var j scopeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scope: %w", err)
	}
	return &j, nil
}

// loadScopes resolves scope ids in order. Ids whose scope no longer exists are skipped.
func (s *Store) loadScopes(ctx context.Context, ids []int64) ([]*storage.Scope, error) {
	scopes := make([]*storage.Scope, 0, len(ids))
	if len(ids) == 0 {
		return scopes, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.scopeIDKey(id)
	}

	values, err := s.client.Do(ctx, s.client.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("failed to get scopes: %w", err)
	}
	for _, v := range values {
		data, err := v.ToString()
		if isNilError(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get scope: %w", err)
		}
		var j scopeJSON
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scope: %w", err)
		}
		scopes = append(scopes, j.toScope())
	}
	return scopes, nil
}

// ============================================================
// ClientStore / ScopeStore Implementation
// ============================================================

// GetClient returns the client when the id exists, the secret (if given)
// matches, the redirect URI (if given) is registered and the grant type is
// allowed for the client.
func (s *Store) GetClient(ctx context.Context, grantType, clientID, clientSecret, redirectURI string) (client *storage.Client, err error) {
	ctx, done := s.track(ctx, "get_client")
	defer func() { done(err) }()

	if err := validateID(clientID); err != nil {
		return nil, err
	}

	j, err := s.loadClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	ok := j != nil

	if clientSecret != "" {
		hash := dummyHash
		if ok && j.ClientSecretHash != "" {
			hash = j.ClientSecretHash
		}
		// always compare so unknown clients take as long as bad secrets
		cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret))
		if ok && (j.ClientSecretHash == "" || cmpErr != nil) {
			ok = false
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}

	if redirectURI != "" && !slices.Contains(j.RedirectURIs, redirectURI) {
		return nil, fmt.Errorf("%w: redirect uri not registered for %s", storage.ErrClientNotFound, clientID)
	}
	if grantType != "" && len(j.GrantTypes) > 0 && !slices.Contains(j.GrantTypes, grantType) {
		return nil, fmt.Errorf("%w: grant %s not allowed for %s", storage.ErrClientNotFound, grantType, clientID)
	}

	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		Name:             j.Name,
		RedirectURIs:     j.RedirectURIs,
		AutoApprove:      j.AutoApprove,
		RedirectURI:      redirectURI,
	}, nil
}

// GetScope resolves a scope identifier. Scopes outside a client's allowed list
// are reported as not found.
func (s *Store) GetScope(ctx context.Context, grantType, scope, clientID string) (result *storage.Scope, err error) {
	ctx, done := s.track(ctx, "get_scope")
	defer func() { done(err) }()

	if err := validateID(scope); err != nil {
		return nil, err
	}

	j, err := s.loadScope(ctx, s.scopeKey(scope))
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrScopeNotFound, scope)
	}

	if clientID != "" {
		c, err := s.loadClient(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if c != nil && len(c.Scopes) > 0 && !slices.Contains(c.Scopes, scope) {
			return nil, fmt.Errorf("%w: %s not allowed for %s", storage.ErrScopeNotFound, scope, clientID)
		}
	}

	return j.toScope(), nil
}
