package server

import (
	"context"
	"errors"
)

// Grant is one of the engine's grant flows. The set is closed: the only
// implementations are AuthCodeGrant, ClientCredentialsGrant, ImplicitGrant,
// PasswordGrant and RefreshTokenGrant.
type Grant interface {
	// Identifier is the grant_type value the grant is registered under by default
	Identifier() string

	// ResponseType is the authorize-step response type the grant advertises, or ""
	ResponseType() string

	// CompleteFlow validates the token request and issues tokens.
	CompleteFlow(ctx context.Context, req Request, params Params) (*FlowResult, error)

	bind(s *Server)
}

var (
	_ Grant = (*AuthCodeGrant)(nil)
	_ Grant = (*ClientCredentialsGrant)(nil)
	_ Grant = (*ImplicitGrant)(nil)
	_ Grant = (*PasswordGrant)(nil)
	_ Grant = (*RefreshTokenGrant)(nil)
)

var errGrantNotRegistered = errors.New("grant is not registered with a server")

// grantBase holds the server a grant was registered with.
type grantBase struct {
	server *Server
}

func (b *grantBase) bind(s *Server) {
	b.server = s
}

// boundServer returns the owning server, or a server_error when the grant was
// used without being registered.
func (b *grantBase) boundServer() (*Server, error) {
	if b.server == nil {
		return nil, ServerError(errGrantNotRegistered)
	}
	return b.server, nil
}

// requireParams returns invalid_request naming the first empty field.
// Fields are checked in order.
func requireParams(fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return NewError(ErrorCodeInvalidRequest, f[0])
		}
	}
	return nil
}

func field(name, value string) [2]string {
	return [2]string{name, value}
}
