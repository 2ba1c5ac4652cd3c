package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/teilomillet/rephrase/client"
	"github.com/teilomillet/rephrase/errors"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// printError reports err on w, with the error code and a retry hint for
// API errors.
func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		_, _ = red.Fprint(w, "error: ")
		_, _ = fmt.Fprintln(w, err)
		return
	}

	_, _ = red.Fprintf(w, "%s: ", apiErr.Code)
	_, _ = fmt.Fprintln(w, apiErr.Message)
	if apiErr.RequestID != "" {
		_, _ = fmt.Fprintf(w, "  request id: %s\n", apiErr.RequestID)
	}
	if apiErr.Retryable() {
		hint := "  the service is busy, try again later"
		if apiErr.RetryAfter != "" {
			hint += fmt.Sprintf(" (retry after %ss)", apiErr.RetryAfter)
		}
		_, _ = yellow.Fprintln(w, hint)
	}
}
