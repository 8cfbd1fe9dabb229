// Package channel manages the lifecycle of a host-to-worker call channel.
//
// A Channel moves through Stopped, Starting, Handshaking, Ready and
// ShuttingDown. Start spawns the worker and performs the initialize
// handshake; Call is accepted only in Ready and is bounded by a concurrency
// gate; Stop resolves every outstanding call and terminates the worker.
// A stopped channel can be started again with a fresh worker.
package channel
