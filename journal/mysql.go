package journal

import (
	"database/sql"
	"log"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

// msqlJournal keeps the journal in a MySQL database. It is meant for sites
// where several machines report to one archive and the operators want their
// delivery history in one place.
type msqlJournal struct {
	db *sql.DB
}

var _ Journal = &msqlJournal{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

// NewMysqlJournal connects to a MySQL database, bringing its schema up to
// date.
func NewMysqlJournal(dial string) (*msqlJournal, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersion,
		setMysqlVersion)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &msqlJournal{db: db}, nil
}

func (mj *msqlJournal) Acknowledge(key, dest string, when time.Time) error {
	const query = `INSERT INTO deliveries (artifact, destination, acked, status) VALUES (?,?,?,?)`

	_, err := mj.db.Exec(query, key, dest, when, StatusAcked)
	return err
}

func (mj *msqlJournal) Clear(key string) error {
	const query = `UPDATE deliveries SET status = ? WHERE artifact = ? AND status = ?`

	_, err := mj.db.Exec(query, StatusCleared, key, StatusAcked)
	return err
}

func (mj *msqlJournal) Outstanding() ([]string, error) {
	const query = `
		SELECT DISTINCT artifact
		FROM deliveries
		WHERE status = ?
		ORDER BY artifact`

	rows, err := mj.db.Query(query, StatusAcked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	return result, rows.Err()
}

func (mj *msqlJournal) History(n int) ([]Entry, error) {
	const query = `
		SELECT artifact, destination, acked, status
		FROM deliveries
		ORDER BY acked DESC, id DESC
		LIMIT ?`

	rows, err := mj.db.Query(query, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Entry
	for rows.Next() {
		var e Entry
		var when mysql.NullTime
		if err := rows.Scan(&e.Key, &e.Destination, &when, &e.Status); err != nil {
			return nil, err
		}
		if when.Valid {
			e.Acked = when.Time
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (mj *msqlJournal) Prune(before time.Time) (int64, error) {
	const query = `DELETE FROM deliveries WHERE status = ? AND acked < ?`

	result, err := mj.db.Exec(query, StatusCleared, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (mj *msqlJournal) Close() error {
	return mj.db.Close()
}

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
		id int PRIMARY KEY AUTO_INCREMENT,
		artifact varchar(255),
		destination varchar(1024),
		acked datetime,
		status varchar(16),
		INDEX deliveries_artifact (artifact),
		INDEX deliveries_status (status))`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
