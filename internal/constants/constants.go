// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Face matching constants
const (
	// DefaultMatchThreshold is the maximum Euclidean distance (exclusive) for a probe
	// to be accepted as an enrolled identity. Lower values = stricter matching
	DefaultMatchThreshold = 0.6

	// DefaultDuplicateCandidates is how many nearest references enrollment inspects
	// when looking for possible duplicate identities
	DefaultDuplicateCandidates = 5
)

// HNSW graph parameters for the duplicate-enrollment index
const (
	// HNSWMaxNeighbors is the M parameter (max connections per node)
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate list size
	HNSWEfSearch = 100
)

// Capture session constants
const (
	// DefaultSessionInterval is the default capture cadence
	DefaultSessionInterval = time.Second

	// MinSessionInterval guards against busy-looping capture sessions
	MinSessionInterval = 100 * time.Millisecond

	// DefaultRefreshInterval is how often the gallery reloads from the identity directory
	DefaultRefreshInterval = 5 * time.Minute

	// SessionStopTimeout bounds how long stopping a session waits for an in-flight write
	SessionStopTimeout = 30 * time.Second
)

// Extraction constants
const (
	// MaxFrameSize is the maximum dimension (width or height) of frames sent to the extractor
	MaxFrameSize = 1280

	// MaxFrameBytes limits uploaded frame size
	MaxFrameBytes = 10 << 20
)

// Handler constants
const (
	// DefaultConcurrency is the default number of parallel workers for bulk imports
	DefaultConcurrency = 5

	// MaxDescriptorsPerIdentity caps reference descriptors accepted in one enrollment
	MaxDescriptorsPerIdentity = 32
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)
