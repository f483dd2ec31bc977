// Package store inspects the managed app's SQLite data store without writing to it.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/rollout/internal/target"
)

// sqliteMagic opens every SQLite 3 database file.
var sqliteMagic = []byte("SQLite format 3\x00")

// ErrNotSQLite is returned when a file does not carry the SQLite header.
var ErrNotSQLite = errors.New("not an SQLite 3 database")

// Info summarizes an inspected data store.
type Info struct {
	Tables []string
}

func (i Info) String() string {
	if len(i.Tables) == 0 {
		return "no tables"
	}
	return fmt.Sprintf("%d tables: %s", len(i.Tables), strings.Join(i.Tables, ", "))
}

// SQLiteInspector opens a local database read-only and runs PRAGMA quick_check.
type SQLiteInspector struct{}

func (SQLiteInspector) Inspect(ctx context.Context, path string) (Info, error) {
	dsn := "file:" + (&url.URL{Path: path}).EscapedPath() + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return Info{}, fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return Info{}, fmt.Errorf("ping sqlite: %w", err)
	}
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return Info{}, fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return Info{}, fmt.Errorf("quick_check: %s", result)
	}
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return Info{}, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var info Info
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Info{}, err
		}
		info.Tables = append(info.Tables, name)
	}
	return info, rows.Err()
}

// HeaderInspector checks the file header through a target filesystem. It is
// used for remote targets where the database cannot be opened in-process.
type HeaderInspector struct {
	FS target.FS
}

func (h HeaderInspector) Inspect(ctx context.Context, path string) (Info, error) {
	f, err := h.FS.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	if err := CheckHeader(f); err != nil {
		return Info{}, err
	}
	return Info{}, nil
}

// CheckHeader reports ErrNotSQLite unless r starts with the SQLite magic string.
// An empty file is accepted: SQLite treats it as an empty database.
func CheckHeader(r io.Reader) error {
	buf := make([]byte, len(sqliteMagic))
	n, err := io.ReadFull(r, buf)
	if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
		return nil
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read header: %w", err)
	}
	if !bytes.Equal(buf[:n], sqliteMagic) {
		return ErrNotSQLite
	}
	return nil
}
