package db

import "sync"

// SQLiteWriteMutex is a global mutex for serializing SQLite write operations.
//
// SQLite only allows 1 writer at a time, even with WAL mode enabled.
// All code that performs multi-statement write transactions (claim,
// pipeline advancement, reaper passes) MUST acquire this lock to prevent
// SQLITE_BUSY errors under concurrent pollers.
//
// Usage:
//
//	db.SQLiteWriteMutex.Lock()
//	defer db.SQLiteWriteMutex.Unlock()
//	// ... perform database write operation ...
var SQLiteWriteMutex sync.Mutex
