// Package l4tracks owns the fused track layer of the roadside pipeline.
//
// Responsibilities: the track table and its id allocation, per-device
// identity locks, detection-to-track association (exact re-acquisition,
// class and heading-aligned box gating, new-track creation), TTL expiry,
// and the optional whole-frame merge of simultaneous detections.
// Key types: Track, Table, Associator, Snapshot.
//
// Dependency rule: l4tracks may depend on l1frames and l3filter, never on
// pipeline. No SQL or transport code is allowed in this package.
package l4tracks
