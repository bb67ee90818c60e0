// Package session persists conversation state between turns.
//
// A session is one row holding the serialized agent state plus an
// append-only message log and a versioned draft table. The sqlite
// implementation runs in WAL mode and collapses concurrent loads of the same
// session into a single query.
//
// Usage:
//
//	store, _ := session.NewSQLiteStore(session.SQLiteConfig{Path: "/tmp/tata/sessions.db"})
//	defer store.Close()
//	_ = store.Save(ctx, id, session.Snapshot{State: state})
//	snap, _ := store.Load(ctx, id)
package session
