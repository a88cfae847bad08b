// Package auth provides proxy authentication for relay-gateway.
//
// # Authentication
//
// Proxies authenticate with JWT tokens presented as a Bearer token in the
// Authorization header of the websocket upgrade request. Tokens are signed
// with HS256 using the configured jwt_secret. When the gateway is configured
// without a secret, authentication is disabled and every proxy connection is
// accepted.
//
// # Token Management
//
// Tokens are minted for a proxy ID and carry an expiration:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(proxyID, 720*time.Hour)
//	proxyID, err := verifier.Verify(token)
//
// The proxy ID travels in the standard "sub" claim. Verification rejects
// tokens signed with a different secret, tokens with a non-HMAC signing
// method, and tokens past their expiration.
package auth
