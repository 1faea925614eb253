// Package main is the single-binary entrypoint for TuTu Flow.
package main

import "github.com/tutu-network/tutuflow/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
