// Package identity turns bearer tokens into the principal ids recorded as
// ledger creators and evidence owners.
//
// It provides:
//   - TokenIssuer: issues and verifies HS256 principal tokens
//   - RequireToken: Gin middleware enforcing Bearer token authentication
//   - OptionalToken: Gin middleware that authenticates when it can
package identity
