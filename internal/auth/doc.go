// Package auth verifies the bearer tokens presented by dashboard and app
// clients.
//
// Tokens are HS256 JWTs whose subject is the user ID. They are validated
// by signature and expiry only; there is no session store.
package auth
