package journal

import (
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/cznic/ql/driver"
)

// qlJournal keeps the journal in the embedded QL database.
type qlJournal struct {
	db *sql.DB
}

var _ Journal = &qlJournal{}

const qlInit = `
	CREATE TABLE IF NOT EXISTS deliveries (
		artifact string,
		destination string,
		acked time,
		status string
	);
	CREATE INDEX IF NOT EXISTS deliveryartifact ON deliveries (artifact);
	CREATE INDEX IF NOT EXISTS deliverystatus ON deliveries (status);
`

// every in-memory journal gets its own database
var memCount int64

// NewQlJournal opens a QL journal. filename is the name of the file to save
// the database to. The filename "memory" means to keep everything in memory.
func NewQlJournal(filename string) (*qlJournal, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		name := fmt.Sprintf("journal%d.db", atomic.AddInt64(&memCount, 1))
		db, err = sql.Open("ql-mem", name)
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		_, err = performExec(db, qlInit)
	}
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &qlJournal{db: db}, nil
}

func (qj *qlJournal) Acknowledge(key, dest string, when time.Time) error {
	const query = `INSERT INTO deliveries VALUES (?1, ?2, ?3, ?4)`

	_, err := performExec(qj.db, query, key, dest, when, StatusAcked)
	return err
}

func (qj *qlJournal) Clear(key string) error {
	const query = `
		UPDATE deliveries
		SET status = ?2
		WHERE artifact == ?1 AND status == ?3`

	_, err := performExec(qj.db, query, key, StatusCleared, StatusAcked)
	return err
}

func (qj *qlJournal) Outstanding() ([]string, error) {
	const query = `
		SELECT DISTINCT artifact
		FROM deliveries
		WHERE status == ?1
		ORDER BY artifact`

	rows, err := qj.db.Query(query, StatusAcked)
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

func (qj *qlJournal) History(n int) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT artifact, destination, acked, status
		FROM deliveries
		ORDER BY acked DESC
		LIMIT %d`, n)

	rows, err := qj.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Destination, &e.Acked, &e.Status); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (qj *qlJournal) Prune(before time.Time) (int64, error) {
	const query = `DELETE FROM deliveries WHERE status == ?1 AND acked < ?2`

	result, err := performExec(qj.db, query, StatusCleared, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (qj *qlJournal) Close() error {
	return qj.db.Close()
}

func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}
