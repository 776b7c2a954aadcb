// Package hash holds the one-way functions used for credentials and codes.
//
// Passwords go through a slow, salted hasher (bcrypt or argon2id). One-time
// codes and token digests go through a keyed HMAC so they can be looked up by
// equality without storing the plaintext.
package hash
