// Package siwo implements Sign-in-with-Oseh: a passwordless-challenge
// authentication pipeline with layered abuse controls.
//
// The flow is a token state machine. CheckAccount inspects an email under the
// abuse pipeline and returns either a Login token (proceed to password entry)
// or an Elevation token (a security-code challenge is required first).
// AcknowledgeElevation spends the Elevation token and emails a short code,
// possibly delayed or swapped for a decoy depending on why the challenge was
// demanded. Re-checking with the code yields the Login token, which Login,
// CreateIdentity and ResetPassword each spend exactly once. UpdatePassword
// spends the long reset code mailed by ResetPassword.
//
// Tokens are JWTs whose payload carries only what the client may see; the
// sensitive remainder (elevation reason, whether a code was used) lives in a
// Redis-backed hidden-state record keyed by jti. Consuming a token revokes it
// and reads that state in one atomic step, so N concurrent presentations of
// the same token yield exactly one success. A token whose hidden state is
// missing fails closed.
//
// Construct an [Engine] through [NewBuilder], providing a Redis client, an
// [IdentityStore] and an [EmailQueue].
package siwo
