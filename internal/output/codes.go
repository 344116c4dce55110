// Package output provides the error taxonomy and exit-code mapping shared by
// the erplink library and CLI.
package output

// Exit codes for the CLI.
const (
	ExitOK       = 0 // Success
	ExitUsage    = 1 // Invalid arguments or flags
	ExitConfig   = 2 // Missing or invalid configuration
	ExitAuth     = 3 // Not authenticated / authentication failed
	ExitProtocol = 4 // Malformed server response
	ExitNetwork  = 5 // Connection/DNS error
	ExitTimeout  = 6 // Request deadline exceeded
	ExitAPI      = 7 // Server returned an error status
	ExitStore    = 8 // Credential persistence failure
)

// Error codes.
const (
	CodeUsage    = "usage"
	CodeConfig   = "configuration"
	CodeAuth     = "auth_required"
	CodeProtocol = "protocol"
	CodeNetwork  = "network"
	CodeTimeout  = "timeout"
	CodeAPI      = "api_error"
	CodeStore    = "store"
)

// ExitCodeFor returns the exit code for a given error code.
func ExitCodeFor(code string) int {
	switch code {
	case CodeUsage:
		return ExitUsage
	case CodeConfig:
		return ExitConfig
	case CodeAuth:
		return ExitAuth
	case CodeProtocol:
		return ExitProtocol
	case CodeNetwork:
		return ExitNetwork
	case CodeTimeout:
		return ExitTimeout
	case CodeAPI:
		return ExitAPI
	case CodeStore:
		return ExitStore
	default:
		return ExitAPI
	}
}
