// Package auth provides authentication and authorisation for the API.
//
// It implements a 2-tier role model (viewer → admin) with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - Stateless HS256 JWT access tokens, signature-only validation
//
// There is no user store. The bootstrap admin account is configured
// with an argon2id hash in the security section of the config file;
// tokens carry the role and expire after the configured TTL.
package auth
