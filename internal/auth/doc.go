// Package auth authenticates control API requests for mimic.
//
// # JWT Tokens
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. The
// "sub" claim names the operator and is logged with every command:
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("ops", 30*24*time.Hour)
//
// `mimic token` mints tokens from the configured secret.
//
// # HTTP Middleware
//
//	handler = auth.HTTPAuthMiddleware(verifier, logger)(handler)
//
// With a nil verifier the middleware passes requests through unchanged, which
// is how the control API runs when no secret is configured.
package auth
