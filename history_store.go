package main

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	context_id TEXT    NOT NULL DEFAULT '',
	printer    TEXT    NOT NULL DEFAULT '',
	detail     TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
CREATE INDEX IF NOT EXISTS idx_events_printer ON events(printer, at);
`

// HistoryEvent is one persisted row from the event log.
type HistoryEvent struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	ContextID string    `json:"context_id,omitempty"`
	Printer   string    `json:"printer,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// historyStore persists context lifecycle and notification events so the
// web UI can show what happened while nobody was watching. Writes go
// through a queue; a full queue drops the event rather than stalling the
// caller.
type historyStore struct {
	db       *sql.DB
	queue    chan HistoryEvent
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newHistoryStore(db *sql.DB) (*historyStore, error) {
	if _, err := db.Exec(historySchema); err != nil {
		return nil, fmt.Errorf("history schema: %w", err)
	}
	s := &historyStore{
		db:    db,
		queue: make(chan HistoryEvent, 256),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *historyStore) run() {
	defer s.wg.Done()
	for {
		select {
		case evt := <-s.queue:
			s.insert(evt)
		case <-s.done:
			for {
				select {
				case evt := <-s.queue:
					s.insert(evt)
				default:
					return
				}
			}
		}
	}
}

func (s *historyStore) insert(evt HistoryEvent) {
	_, err := s.db.Exec(
		`INSERT INTO events (at, kind, context_id, printer, detail) VALUES (?, ?, ?, ?, ?)`,
		evt.At.UnixMilli(), evt.Kind, evt.ContextID, evt.Printer, evt.Detail,
	)
	if err != nil {
		logger.Warn("history insert failed", "kind", evt.Kind, "error", err)
	}
}

// record queues one event for persistence.
func (s *historyStore) record(kind, contextID, printer, detail string) {
	evt := HistoryEvent{
		At:        time.Now(),
		Kind:      kind,
		ContextID: contextID,
		Printer:   printer,
		Detail:    detail,
	}
	select {
	case s.queue <- evt:
	default:
		logger.Warn("history queue full; dropping event", "kind", kind)
	}
}

// attach subscribes the store to the event sources it persists.
func (s *historyStore) attach(registry *contextRegistry, notifs *notifyCoordinator) {
	registry.ContextCreated(func(evt ContextCreatedEvent) {
		s.record("context_created", evt.ContextID, evt.Info.Name, evt.Info.IP)
	})
	registry.ContextSwitched(func(evt ContextSwitchedEvent) {
		s.record("context_switched", evt.ContextID, evt.Info.Name, "")
	})
	registry.ContextRemoved(func(evt ContextRemovedEvent) {
		s.record("context_removed", evt.ContextID, evt.Name, "")
	})
	notifs.NotificationFired(func(evt NotificationEvent) {
		s.record(string(evt.Kind), evt.ContextID, evt.Printer, evt.JobName)
	})
}

// recent returns up to limit events, newest first, optionally filtered to
// one printer name.
func (s *historyStore) recent(printer string, limit int) ([]HistoryEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if printer != "" {
		rows, err = s.db.Query(
			`SELECT id, at, kind, context_id, printer, detail FROM events
			 WHERE printer = ? ORDER BY at DESC, id DESC LIMIT ?`, printer, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT id, at, kind, context_id, printer, detail FROM events
			 ORDER BY at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEvent, 0, limit)
	for rows.Next() {
		var (
			evt HistoryEvent
			at  int64
		)
		if err := rows.Scan(&evt.ID, &at, &evt.Kind, &evt.ContextID, &evt.Printer, &evt.Detail); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		evt.At = time.UnixMilli(at)
		out = append(out, evt)
	}
	return out, rows.Err()
}

// prune deletes events older than the retention window. Called once at
// startup; the table stays small enough that no periodic sweep is needed.
func (s *historyStore) prune(retain time.Duration) {
	cutoff := time.Now().Add(-retain).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM events WHERE at < ?`, cutoff)
	if err != nil {
		logger.Warn("history prune failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info("pruned old history events", "deleted", n)
	}
}

func (s *historyStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}
