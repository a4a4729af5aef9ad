package engine

import "errors"

// Common errors returned by the engine.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, engine.ErrNoCachedData) {
//	    // Offline with nothing cached for this read
//	}
var (
	// ErrNoCachedData is returned by a read while offline when no
	// snapshot exists for the query signature.
	ErrNoCachedData = errors.New("no cached data available offline")

	// ErrClosed is returned by operations on an engine whose store has
	// been released with Close.
	ErrClosed = errors.New("engine is closed")

	// ErrAlreadyRunning is returned by Start on an engine whose run
	// loop is already active.
	ErrAlreadyRunning = errors.New("engine already running")
)

// IsOfflineMiss returns true if the error indicates a read that could
// not be served from cache while offline.
func IsOfflineMiss(err error) bool {
	return errors.Is(err, ErrNoCachedData)
}
