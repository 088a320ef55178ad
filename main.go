// ocirun is an OCI-compliant container runtime.
//
// This is an educational implementation that follows the OCI Runtime Specification.
package main

import (
	"fmt"
	"os"

	"ocirun/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ocirun: %v\n", err)
		os.Exit(1)
	}
}
