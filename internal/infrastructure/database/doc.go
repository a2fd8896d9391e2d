// Package database provides SQLite storage for the sniffer bridge.
//
// The bridge keeps a small local history: one row per capture session,
// the last decoded value of every mapped register, and sightings of
// registers that appear on the bus but are not in the map. The status
// server reads it; nothing in the capture path depends on it.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Forward-only schema migrations embedded in the binary
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/sniffer.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
