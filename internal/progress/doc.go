// Package progress fans job lifecycle and page events from the workers out to
// batched sinks without ever blocking the emitter.
package progress
