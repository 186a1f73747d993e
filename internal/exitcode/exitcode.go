// Package exitcode defines exit codes for the CLI.
package exitcode

const (
	// Success indicates successful completion.
	Success = 0

	// UserError indicates a user error (bad args, unknown or ambiguous task).
	UserError = 1

	// AuthError indicates an auth or configuration error.
	AuthError = 2

	// BackendError indicates a remote, network or sync error.
	BackendError = 3

	// StorageError indicates the local database could not be read or written.
	StorageError = 4
)
