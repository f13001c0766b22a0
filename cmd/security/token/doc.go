// Package token signs and verifies the bearer tokens handed out by the session manager.
//
// Two wire formats are supported behind the Signer interface:
//   - "jwt": HS256 JWT (golang-jwt). Any other alg, including "none", is rejected.
//   - "paseto": PASETO v4.local. The 32-byte symmetric key is derived from the
//     configured secret with HKDF-SHA256.
//
// The secret is passed per call so one Signer serves both the access and the refresh secret.
package token
