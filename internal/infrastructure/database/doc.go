// Package database provides the SQLite connection used for the unit's
// local history: job transitions, control outputs, filtered states and
// job events.
//
// Open configures WAL mode, a busy timeout and a single-writer pool.
// Migrate applies embedded, versioned migrations in order:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own transaction.
package database
