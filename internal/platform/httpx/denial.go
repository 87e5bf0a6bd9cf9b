package httpx

import "net/http"

// Machine-readable codes carried by Denial bodies.
const (
	CodeUnauthenticated         = "UNAUTHENTICATED"
	CodeInsufficientRole        = "INSUFFICIENT_ROLE"
	CodeInsufficientPermission  = "INSUFFICIENT_PERMISSION"
	CodeInsufficientScope       = "INSUFFICIENT_SCOPE"
	CodeRoleNotAllowed          = "ROLE_NOT_ALLOWED"
	CodeTokenMissing            = "TOKEN_MISSING"
	CodeTokenInvalid            = "TOKEN_INVALID"
	CodeSessionStoreUnavailable = "SESSION_STORE_UNAVAILABLE"
	CodeDirectoryUnavailable    = "DIRECTORY_UNAVAILABLE"
)

// RecoveryRefreshPage tells a client to re-fetch the page or form before retrying.
const RecoveryRefreshPage = "refresh_page"

// Denial is the body returned on 401, 403 and 503 responses of the
// authorization core.
type Denial struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Code           string `json:"code,omitempty"`
	Required       any    `json:"required,omitempty"`
	Current        any    `json:"current,omitempty"`
	RecoveryAction string `json:"recoveryAction,omitempty"`
}

// Deny writes a Denial with the given status.
func Deny(w http.ResponseWriter, status int, d Denial) {
	d.Success = false
	w.Header().Set("Cache-Control", "no-store")
	JSON(w, status, d)
}

// Unauthenticated writes the standard 401 denial.
func Unauthenticated(w http.ResponseWriter) {
	Deny(w, http.StatusUnauthorized, Denial{Error: "Authentication required", Code: CodeUnauthenticated})
}
