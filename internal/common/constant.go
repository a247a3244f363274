package common

// AuthorizationHeaderName carries the session token as "Bearer <token>".
const AuthorizationHeaderName = "Authorization"

// AdminTokenHeaderName carries the static administrative token.
const AdminTokenHeaderName = "X-Admin-Token"
