// Package auth verifies the JWT bearer tokens presented on WebSocket
// connection requests.
//
// Authorizer.Authorize(r, contractID) resolves a request to a numeric user
// id. Tokens are read from the Authorization header or, because browser
// WebSocket clients cannot set headers, from the ?token= query parameter.
// A missing token is admitted as anonymous (user id 0) when the server runs
// with allow_anonymous; a token that is present but invalid is always
// rejected.
//
// Tokens are HMAC-signed access tokens: the subject claim carries the user
// id and the "type" claim must equal "access". Authorizer.Issue mints them
// for tests and ops tooling.
package auth
