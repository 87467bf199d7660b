// Package l1frames is the ingestion layer of the roadside fusion pipeline.
//
// A Frame is one sensor's batch of Detections at a single timestamp. Frames
// are validated on arrival and held in a Cache, a bounded time window of
// recent frames per device that the synchronisation layer (l2sync) queries
// for the latest frame at or before a trigger time.
//
// Frames and Detections are values. Extrapolation and filtering produce new
// frames; nothing downstream mutates a cached frame.
package l1frames
