// Package queue implements admission control for the TTS worker.
// A FIFO holds requests waiting for an execution slot, each with its own
// queue timeout, and Slots bounds how many requests run on the worker at once.
//
// Neither type locks internally: the owner serializes every call (the TTS
// service does so under its single state mutex), including the timeout
// callbacks, which must take that same lock before touching the queue.
package queue
