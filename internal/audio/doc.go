// Package audio watches a live capture stream and estimates tempo from it.
//
// Ownership boundary:
// - FrameSource contract consumed from the capture layer
// - stale/silent/overrun detection and bounded close/reopen recovery
// - the tempo Estimator contract and the default onset estimator
//
// The monitor never touches device state; its only output is the live
// tempo slot and its own StreamHealth.
package audio
