// Package store records transfer events in SQLite.
//
// The event log is an audit trail of what happened to pairing keys: keys
// generated, files uploaded or converted, downloads, denials and removals.
// It never holds session state; keys are not restored from it after a
// restart.
//
// # Schema
//
//	transfer_events(id, session_key, action, device, detail_json, ts)
//
// Timestamps are stored as fixed-width UTC text so they sort correctly.
// Detail is free-form JSON capped at 64KB.
//
// # Usage
//
//	events, err := store.NewSQLiteStore(cfg.Database.Path)
//	if err != nil { ... }
//	defer events.Close()
//
//	events.AppendEvent(ctx, &store.Event{
//	    SessionKey: "K7QX",
//	    Action:     store.ActionUploaded,
//	    Detail:     map[string]any{"file": "book.epub"},
//	})
//
// The path ":memory:" keeps the log in memory for the life of the process.
package store
