// Package auth authenticates admin API requests.
//
// # Tokens
//
// Callers present an HS256 JWT in the Authorization header:
//
//	Authorization: Bearer <token>
//
// The "sub" claim names the caller and the "role" claim selects what it may do:
//
//   - admin: full access to every tenant, ban and setting
//   - owner: access to the tenants whose owner id equals "sub"
//
// Tokens without a role claim are owner tokens. Tokens are minted with
// `rewards-gateway token --subject NAME`, signed with auth.jwt_secret, which
// must be at least MinSecretLength bytes.
//
// # Middleware
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier, logger)(api))
//	mux.Handle("/api/bans", auth.RequireAdminHTTP()(bans))
//
// Handlers read the caller with FromContext and pass OwnerScope to tenant
// operations, which treat an empty scope as administrator.
package auth
