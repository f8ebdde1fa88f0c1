// Package worker owns the device session.
//
// Ownership boundary:
// - the FIFO action queue (any number of producers, non-blocking enqueue)
// - serial execution of actions against the session, one at a time
// - StateSnapshot construction and broadcast to subscribers
// - refresh scheduling from unsolicited device events
//
// No other package calls the session once the worker is running.
package worker
