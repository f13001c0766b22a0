// Package password provides password hashing and verification for the auth service.
//
// New hashes are Argon2id in a PHC-like encoded string. Verification also accepts
// bcrypt hashes ($2a$, $2b$, $2y$) so that credential stores seeded elsewhere keep working.
//
// Security notes:
//   - Hash strings are treated as untrusted input during Verify and are validated accordingly.
//   - Verification refuses Argon2id hashes whose parameters exceed reasonable bounds.
//   - Verifier.VerifyDummy burns the same work as a real check so that unknown
//     accounts are not distinguishable by response time.
package password
