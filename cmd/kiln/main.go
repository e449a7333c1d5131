// Package main is the single-binary entrypoint for Kiln.
package main

import "github.com/kilnlabs/kiln/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
