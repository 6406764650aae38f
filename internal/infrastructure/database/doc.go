// Package database provides SQLite connectivity for the mesh gateway.
//
// The database holds node snapshots (mesh_nodes, mesh_models) so that a
// restarted gateway still knows which addresses it handed out and how far
// each node's auto-configuration got.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations read from an fs.FS (see package migrations)
//   - Connection lifecycle and health checks
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive-only: new columns must be nullable or carry a
// default, and each .up.sql ships with a matching .down.sql.
package database
