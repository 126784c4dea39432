package journal

import (
	"database/sql"

	"github.com/BurntSushi/migration"
)

// The MySQL journal records each schema migration applied as a row in
// journal_version. The highest row is the current version.

const createVersionTable = `CREATE TABLE IF NOT EXISTS journal_version (
	version INTEGER,
	applied datetime)`

// mysqlVersion returns the schema version of the journal, creating the
// version table on first use. A database with no rows is at version 0.
func mysqlVersion(tx migration.LimitedTx) (int, error) {
	if _, err := tx.Exec(createVersionTable); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	err := tx.QueryRow(`SELECT max(version) FROM journal_version`).Scan(&version)
	return int(version.Int64), err
}

func setMysqlVersion(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(`INSERT INTO journal_version (version, applied) VALUES (?, now())`, version)
	return err
}
