// Package main provides the entry point for the intelia-retrieval CLI.
package main

import (
	"fmt"
	"os"

	"github.com/dominicdesy/intelia-expert-sub006/cmd/intelia-retrieval/cmd"
	ierrors "github.com/dominicdesy/intelia-expert-sub006/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, ierrors.FormatForCLI(err))
		os.Exit(1)
	}
}
