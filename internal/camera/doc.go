// Package camera holds the authoritative per-camera live state: last frame,
// timestamps, frame counters and measured fps. It enforces the
// one-producer-per-camera rule and runs the liveness sweep that evicts
// cameras whose producers stopped sending frames.
package camera
