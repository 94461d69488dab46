// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import "runtime"

const (
	appName = "batcherd"

	// Version is the semantic version of the daemon.
	Version = "0.2.0-pre"
)

func goVersion() string {
	return runtime.Version()
}
