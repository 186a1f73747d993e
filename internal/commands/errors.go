package commands

import (
	"errors"
	"fmt"
	"io"

	"tasksync/internal/app"
	"tasksync/internal/config"
	"tasksync/internal/exitcode"
	"tasksync/internal/service"
)

// fail prints err and maps it to an exit code.
func fail(errOut io.Writer, err error) int {
	var lse *service.LocalStorageError
	switch {
	case errors.Is(err, service.ErrInvalidTask), errors.Is(err, app.ErrAmbiguous),
		errors.Is(err, ErrTaskRefRequired), errors.Is(err, ErrInvalidTaskRef), errors.Is(err, ErrOutOfRange):
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	case service.IsNotFound(err) && !isRemote(err):
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.UserError
	case errors.Is(err, app.ErrNoBackend):
		fmt.Fprintf(errOut, "error: %v\n", err)
		return exitcode.AuthError
	case errors.As(err, &lse):
		fmt.Fprintf(errOut, "error: storage error: %v\n", err)
		return exitcode.StorageError
	default:
		fmt.Fprintf(errOut, "error: sync error: %v\n", err)
		return exitcode.BackendError
	}
}

func isRemote(err error) bool {
	var re *service.RemoteError
	return errors.As(err, &re)
}

// printOK reports success unless --quiet was given.
func printOK(cfg *config.Config, out io.Writer) int {
	if !cfg.Quiet {
		fmt.Fprintln(out, "ok")
	}
	return exitcode.Success
}
