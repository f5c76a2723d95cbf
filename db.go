package main

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

func initDB() {
	os.MkdirAll(filepath.Dir(Config.DBPath), 0755)

	var err error
	db, err = sql.Open("sqlite3", Config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		panic(err)
	}

	// Force WAL even on pre-existing files
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := migrate(db); err != nil {
		panic(err)
	}
}
