// Package subprocess launches and owns a worker process.
//
// A Worker spawns the configured executable with piped stdin, stdout and
// stderr. Stdout is read line by line and handed to the caller, stderr is
// drained into the logger so the worker never blocks on a full pipe, and
// stdin writes are serialized so concurrent callers never interleave lines.
// Terminate stops the process with SIGTERM, a grace period, then SIGKILL.
package subprocess
