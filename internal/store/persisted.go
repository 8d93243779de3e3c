package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/peterje/conductor/internal/models"
)

const (
	keyActiveSdk      = "active_sdk_session_id"
	keyActiveTerminal = "active_terminal_session_id"
	keySavedAt        = "persisted_saved_at"
)

// SavePersisted replaces the saved session list. Each list is trimmed to
// the maxSessions most recently created entries; maxSessions <= 0 keeps
// everything. SavedAt is stamped with the current time.
func (s *Store) SavePersisted(ctx context.Context, p models.PersistedSessions, maxSessions int) error {
	trimPersisted(&p, maxSessions)
	p.SavedAt = uint64(time.Now().UnixMilli())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := clearPersisted(ctx, tx); err != nil {
		return err
	}
	for _, sess := range p.SdkSessions {
		if err := insertBody(ctx, tx, "sdk_sessions", sess.ID, sess.CreatedAt, sess); err != nil {
			return err
		}
	}
	for _, sess := range p.TerminalSessions {
		if err := insertBody(ctx, tx, "terminal_sessions", sess.ID, sess.CreatedAt, sess); err != nil {
			return err
		}
	}
	if err := setOptional(ctx, tx, keyActiveSdk, p.ActiveSdkSessionID); err != nil {
		return err
	}
	if err := setOptional(ctx, tx, keyActiveTerminal, p.ActiveTerminalSessionID); err != nil {
		return err
	}
	savedAt := strconv.FormatUint(p.SavedAt, 10)
	if err := setOptional(ctx, tx, keySavedAt, &savedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persisted sessions: %w", err)
	}
	s.log.Debug("Saved persisted sessions", "sdk", len(p.SdkSessions), "terminal", len(p.TerminalSessions))
	return nil
}

// LoadPersisted returns the saved session list, newest first. An empty
// database yields an empty document.
func (s *Store) LoadPersisted(ctx context.Context) (models.PersistedSessions, error) {
	p := models.PersistedSessions{
		SdkSessions:      []models.PersistedSdkSession{},
		TerminalSessions: []models.PersistedTerminalSession{},
	}

	if err := loadBodies(ctx, s.db, "sdk_sessions", func(body []byte) error {
		var sess models.PersistedSdkSession
		if err := json.Unmarshal(body, &sess); err != nil {
			return err
		}
		p.SdkSessions = append(p.SdkSessions, sess)
		return nil
	}); err != nil {
		return p, err
	}
	if err := loadBodies(ctx, s.db, "terminal_sessions", func(body []byte) error {
		var sess models.PersistedTerminalSession
		if err := json.Unmarshal(body, &sess); err != nil {
			return err
		}
		p.TerminalSessions = append(p.TerminalSessions, sess)
		return nil
	}); err != nil {
		return p, err
	}

	var err error
	if p.ActiveSdkSessionID, err = s.setting(ctx, keyActiveSdk); err != nil {
		return p, err
	}
	if p.ActiveTerminalSessionID, err = s.setting(ctx, keyActiveTerminal); err != nil {
		return p, err
	}
	savedAt, err := s.setting(ctx, keySavedAt)
	if err != nil {
		return p, err
	}
	if savedAt != nil {
		p.SavedAt, _ = strconv.ParseUint(*savedAt, 10, 64)
	}
	return p, nil
}

// ClearPersisted removes every saved session, the active selections and the
// save stamp.
func (s *Store) ClearPersisted(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := clearPersisted(ctx, tx); err != nil {
		return err
	}
	for _, key := range []string{keyActiveSdk, keyActiveTerminal, keySavedAt} {
		if err := setOptional(ctx, tx, key, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func trimPersisted(p *models.PersistedSessions, maxSessions int) {
	sort.SliceStable(p.SdkSessions, func(i, j int) bool {
		return p.SdkSessions[i].CreatedAt > p.SdkSessions[j].CreatedAt
	})
	sort.SliceStable(p.TerminalSessions, func(i, j int) bool {
		return p.TerminalSessions[i].CreatedAt > p.TerminalSessions[j].CreatedAt
	})
	if maxSessions <= 0 {
		return
	}
	if len(p.SdkSessions) > maxSessions {
		p.SdkSessions = p.SdkSessions[:maxSessions]
	}
	if len(p.TerminalSessions) > maxSessions {
		p.TerminalSessions = p.TerminalSessions[:maxSessions]
	}
}

func clearPersisted(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"sdk_sessions", "terminal_sessions"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

func insertBody(ctx context.Context, tx *sql.Tx, table, id string, createdAt uint64, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", table, id, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+table+` (id, created_at, body) VALUES (?, ?, ?)`,
		id, int64(createdAt), string(body))
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", table, id, err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadBodies(ctx context.Context, q querier, table string, fn func([]byte) error) error {
	rows, err := q.QueryContext(ctx, `SELECT id, body FROM `+table+` ORDER BY created_at DESC, id`)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return fmt.Errorf("decode %s %s: %w", table, id, err)
		}
	}
	return rows.Err()
}

// setOptional upserts key, or deletes it when value is nil.
func setOptional(ctx context.Context, tx *sql.Tx, key string, value *string) error {
	var err error
	if value == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, *value)
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) setting(ctx context.Context, key string) (*string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &value, nil
}
