// Package database provides SQLite connectivity for BotCareU Core.
//
// It opens the store with WAL mode and a busy timeout, and applies the
// embedded schema migrations shipped in the top-level migrations package:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive-only. New columns must be nullable or carry a
// default, and every .up.sql has a matching .down.sql.
package database
