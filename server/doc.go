// Package server implements the OAuth 2.0 (RFC 6749) grant-flow engine.
//
// The Server dispatches token requests by grant_type to the registered grants,
// holds server-wide grant policy and reports every failure as an *Error from a
// fixed catalog of RFC error codes. All state lives in the injected storage
// contracts; the engine itself is stateless between calls.
//
// Grants:
//   - AuthCodeGrant: authorization code, with the authorize step split into
//     CheckAuthoriseParams and NewAuthoriseRequest around user consent
//   - ClientCredentialsGrant: tokens owned by the client itself
//   - ImplicitGrant: tokens issued straight from a validated authorize request
//   - PasswordGrant: resource owner credentials checked by an injected verifier
//   - RefreshTokenGrant: refresh with optional rotation and scope narrowing
//
// ResourceGuard validates access tokens presented to a resource server.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, store, store, &server.Config{
//	    DefaultScope: "read",
//	}, server.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_ = srv.RegisterGrant(server.NewAuthCodeGrant())
//	_ = srv.RegisterGrant(server.NewClientCredentialsGrant())
//	_ = srv.RegisterGrant(server.NewRefreshTokenGrant())
//
//	result, err := srv.IssueAccessToken(ctx, req, nil)
package server
