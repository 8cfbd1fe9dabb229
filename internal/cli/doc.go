// Package cli prepares the command line of a worker process.
//
// It resolves the worker executable (explicit paths are checked as-is, bare
// names are searched in PATH), determines the working directory, and builds
// the environment the worker is started with.
package cli
