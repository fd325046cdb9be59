package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth2-engine/internal/util"
	"github.com/giantswarm/oauth2-engine/storage"
)

// splitScopes splits a scope parameter on the configured delimiter, trimming
// whitespace and dropping empty entries.
func (s *Server) splitScopes(raw string) []string {
	return util.SplitNonEmpty(raw, string(s.Config.ScopeDelimiter))
}

// resolveScopes turns a requested scope string into scope records.
//
// An empty request falls back to the default scope. Without a default, an empty
// request is rejected only when RequireScopeParam is set. Every requested scope
// must exist; the first unknown one is reported by name.
func (s *Server) resolveScopes(ctx context.Context, grantType, raw, clientID string) ([]*storage.Scope, error) {
	requested := s.splitScopes(raw)

	if len(requested) == 0 {
		if s.Config.DefaultScope == "" {
			if s.Config.RequireScopeParam {
				return nil, NewError(ErrorCodeInvalidRequest, ParamScope)
			}
			return nil, nil
		}
		requested = s.splitScopes(s.Config.DefaultScope)
	}

	resolved := make([]*storage.Scope, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		if seen[name] {
			continue
		}
		seen[name] = true

		scope, err := s.scopeStore.GetScope(ctx, grantType, name, clientID)
		if errors.Is(err, storage.ErrScopeNotFound) || (err == nil && scope == nil) {
			return nil, NewError(ErrorCodeInvalidScope, name)
		}
		if err != nil {
			return nil, s.storageFault("GetScope", err)
		}
		resolved = append(resolved, scope)
	}

	return resolved, nil
}
