// Package journal implements the offline delta journal.
//
// A Journal owns one versioned JSON document backed by exactly one file.
// It is the durable record of every feature change made while offline,
// in causal order, together with the set of layers that must be shipped
// wholesale ("offline layers").
//
// # File Exclusivity
//
// At most one Journal may be open per canonical path. Open registers the
// path in the Env's LockRegistry and Close removes it; a second Open on the
// same path fails with a LOCK error until then.
//
// # Document Shape
//
//	{
//	  "version": "1.0",
//	  "id": "<uuid>",
//	  "project": "<owner id>",
//	  "offlineLayers": ["<layer id>"],
//	  "deltas": [{"fid": 1, "layerId": "roads", "method": "patch", "old": {}, "new": {}}]
//	}
//
// The transport form returned by TransportJSON adds an empty "files" array.
//
// # Error States
//
// Construction errors are returned from Open as *Error values and no
// Journal is produced. After Close, Err reports CLOSED and every mutating
// operation is refused.
package journal
