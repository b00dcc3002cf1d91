package journal

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/danmuck/tlvrelay/internal/protocol/frame"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const (
	sqliteSchema = `
	CREATE TABLE IF NOT EXISTS frames (
		source   INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		raw      BLOB    NOT NULL,
		PRIMARY KEY (source, sequence)
	) WITHOUT ROWID;`

	pruneEvery = 1024
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA busy_timeout = 5000",
}

// SQLite persists frames so retransmits survive a relay restart. Each source
// keeps roughly its newest retention sequences.
type SQLite struct {
	db        *sql.DB
	retention uint64

	insert *sql.Stmt
	query  *sql.Stmt
	prune  *sql.Stmt

	mu      sync.Mutex
	appends map[frame.Source]int
}

func OpenSQLite(path string, retention int) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: sqlite path required")
	}
	if retention <= 0 {
		retention = DefaultCapacity
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}

	j := &SQLite{db: db, retention: uint64(retention), appends: make(map[frame.Source]int)}
	if j.insert, err = db.Prepare(`INSERT OR REPLACE INTO frames (source, sequence, raw) VALUES (?, ?, ?)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: prepare insert: %w", err)
	}
	if j.query, err = db.Prepare(`SELECT sequence, raw FROM frames WHERE source = ? AND sequence BETWEEN ? AND ? ORDER BY sequence`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: prepare query: %w", err)
	}
	if j.prune, err = db.Prepare(`DELETE FROM frames WHERE source = ? AND sequence < ?`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: prepare prune: %w", err)
	}
	return j, nil
}

func (j *SQLite) Append(src frame.Source, seq uint64, raw []byte) error {
	if _, err := j.insert.Exec(int64(src), int64(seq), raw); err != nil {
		return fmt.Errorf("journal: append source=%d seq=%d: %w", src, seq, err)
	}
	j.mu.Lock()
	j.appends[src]++
	due := j.appends[src] >= pruneEvery
	if due {
		j.appends[src] = 0
	}
	j.mu.Unlock()
	if due && seq > j.retention {
		if _, err := j.prune.Exec(int64(src), int64(seq-j.retention)); err != nil {
			log.Warn().Err(err).Uint8("source", uint8(src)).Msg("journal.sqlite prune failed")
		}
	}
	return nil
}

func (j *SQLite) Range(src frame.Source, start, end uint64) ([][]byte, bool) {
	if start > end || end-start >= j.retention {
		return nil, false
	}
	rows, err := j.query.Query(int64(src), int64(start), int64(end))
	if err != nil {
		log.Warn().Err(err).Uint8("source", uint8(src)).Msg("journal.sqlite range query failed")
		return nil, false
	}
	defer rows.Close()

	out := make([][]byte, 0, end-start+1)
	next := start
	for rows.Next() {
		var seq int64
		var raw []byte
		if err := rows.Scan(&seq, &raw); err != nil {
			log.Warn().Err(err).Msg("journal.sqlite range scan failed")
			return nil, false
		}
		if uint64(seq) != next {
			return nil, false
		}
		out = append(out, raw)
		next++
	}
	if err := rows.Err(); err != nil {
		log.Warn().Err(err).Msg("journal.sqlite range rows failed")
		return nil, false
	}
	if next != end+1 {
		return nil, false
	}
	return out, true
}

// Count returns the number of stored frames for src.
func (j *SQLite) Count(src frame.Source) (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM frames WHERE source = ?`, int64(src)).Scan(&n)
	return n, err
}

func (j *SQLite) Close() error {
	for _, st := range []*sql.Stmt{j.insert, j.query, j.prune} {
		if st != nil {
			st.Close()
		}
	}
	return j.db.Close()
}
