package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	peer := fs.String("peer", "", "peer filter (updates)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,entities,digest FROM snapshots ORDER BY tick DESC LIMIT ?`, *limit)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick     int64  `json:"tick"`
				Path     string `json:"path"`
				Entities int    `json:"entities"`
				Digest   string `json:"digest"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.Entities, &r.Digest); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "links":
		rows, err := db.Query(`SELECT session_id,peer_id,role,joined_at,left_at FROM links ORDER BY joined_at DESC LIMIT ?`, *limit)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				SessionID string         `json:"session_id"`
				PeerID    string         `json:"peer_id"`
				Role      string         `json:"role"`
				JoinedAt  string         `json:"joined_at"`
				LeftAt    sql.NullString `json:"-"`
				Left      string         `json:"left_at,omitempty"`
			}
			if err := rows.Scan(&r.SessionID, &r.PeerID, &r.Role, &r.JoinedAt, &r.LeftAt); err != nil {
				fatal("scan", err)
			}
			r.Left = r.LeftAt.String
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "updates":
		query := `SELECT tick,direction,peer,entities,short_entities,world_events,pins,unpins FROM updates`
		var qargs []any
		if p := strings.TrimSpace(*peer); p != "" {
			query += ` WHERE peer=?`
			qargs = append(qargs, p)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fatal("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick          uint64 `json:"tick"`
				Direction     string `json:"direction"`
				Peer          string `json:"peer"`
				Entities      int    `json:"entities"`
				ShortEntities int    `json:"short_entities"`
				WorldEvents   int    `json:"world_events"`
				Pins          int    `json:"pins"`
				Unpins        int    `json:"unpins"`
			}
			if err := rows.Scan(&r.Tick, &r.Direction, &r.Peer, &r.Entities, &r.ShortEntities, &r.WorldEvents, &r.Pins, &r.Unpins); err != nil {
				fatal("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fatal("rows", err)
		}

	case "config":
		var name, digest, raw, updatedAt string
		row := db.QueryRow(`SELECT name,digest,json,updated_at FROM config WHERE name='tuning'`)
		if err := row.Scan(&name, &digest, &raw, &updatedAt); err != nil {
			fatal("scan", err)
		}
		fmt.Printf("%s digest=%s updated_at=%s\n%s\n", name, digest, updatedAt, raw)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want snapshots, links, updates or config)")
		os.Exit(2)
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
