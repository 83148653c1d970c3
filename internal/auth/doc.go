// Package auth provides shared-secret authentication for the hub.
//
// When auth.shared_secret is configured, every /api and /ws request must
// present an HS256 JWT signed with that secret. The "sub" claim names the
// caller and is available to handlers through CallerFromContext.
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("cam-1", 30*24*time.Hour)
//
// Tokens travel in the Authorization header:
//
//	Authorization: Bearer <token>
//
// Websocket clients that cannot set headers may pass ?token=<token> on the
// upgrade request instead.
package auth
