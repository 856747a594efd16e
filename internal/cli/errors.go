// Package cli provides error handling utilities for CLI output.
package cli

import (
	"fmt"
	"os"

	faberrors "github.com/randalmurphal/fab/internal/errors"
)

// PrintError prints an error to stderr with appropriate formatting.
// Structured errors get the user-friendly What/Why/Fix form; anything
// else prints as a plain message.
func PrintError(err error) {
	if fabErr := faberrors.AsFabError(err); fabErr != nil {
		fmt.Fprintln(os.Stderr, fabErr.UserMessage())
		if verbose {
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", fabErr.Code)
			if fabErr.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", fabErr.Cause)
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
