// Package store provides the persistent per-chat moderation settings and
// warning counters, plus the layout of per-identity credential
// directories. Chat settings are read fresh on every inbound message and
// mutated only through command handlers; warning counters are bumped with
// a single atomic upsert so concurrent sessions cannot lose updates.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Chat modes. Public chats accept commands from everyone; private chats
// only from the owner.
const (
	ModePublic  = "public"
	ModePrivate = "private"
)

// Anti-link enforcement modes.
const (
	AntilinkDelete = "delete"
	AntilinkWarn   = "warn"
	AntilinkKick   = "kick"
)

// Settings is the moderation configuration for one chat.
type Settings struct {
	Mode      string            `json:"mode,omitempty"`
	Antilink  *AntilinkSettings `json:"antilink,omitempty"`
	Antitag   *AntitagSettings  `json:"antitag,omitempty"`
	MenuImage string            `json:"menu_image,omitempty"`
}

// AntilinkSettings holds the anti-link policy when enabled.
type AntilinkSettings struct {
	Mode string `json:"mode"` // delete, warn or kick
}

// AntitagSettings holds the anti-mass-mention policy.
type AntitagSettings struct {
	Enabled bool `json:"enabled"`
}

// Store is the settings and warn-counter store backed by SQLite, plus the
// credential directory layout under the data dir.
type Store struct {
	db      *sql.DB
	dataDir string

	// settingsMu serializes read-modify-write cycles on chat settings.
	// Warn counters do not need it — they are single-statement upserts.
	settingsMu sync.Mutex
}

// NewStore opens (creating if needed) the store under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "tunzymd.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, dataDir: dataDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_settings (
		chat_id  TEXT NOT NULL PRIMARY KEY,
		settings TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS warn_counts (
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		count   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, user_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ChatSettings returns the settings for a chat. A chat with no stored
// settings gets the defaults (public mode, no moderation policy).
func (s *Store) ChatSettings(chatID string) (Settings, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT settings FROM chat_settings WHERE chat_id = ?`, chatID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return Settings{Mode: ModePublic}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", chatID, err)
	}

	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", chatID, err)
	}
	if settings.Mode == "" {
		settings.Mode = ModePublic
	}
	return settings, nil
}

// update applies fn to the chat's settings under the settings mutex and
// writes the result back, closing the lost-update window between
// concurrent handlers.
func (s *Store) update(chatID string, fn func(*Settings)) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	settings, err := s.ChatSettings(chatID)
	if err != nil {
		return err
	}
	fn(&settings)

	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings %s: %w", chatID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO chat_settings (chat_id, settings) VALUES (?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET settings = excluded.settings`,
		chatID, string(raw),
	)
	if err != nil {
		return fmt.Errorf("save settings %s: %w", chatID, err)
	}
	return nil
}

// SetMode sets the chat's command mode (public or private).
func (s *Store) SetMode(chatID, mode string) error {
	if mode != ModePublic && mode != ModePrivate {
		return fmt.Errorf("invalid chat mode %q", mode)
	}
	return s.update(chatID, func(st *Settings) { st.Mode = mode })
}

// SetAntilink enables anti-link enforcement with the given mode, or
// disables it when mode is empty.
func (s *Store) SetAntilink(chatID, mode string) error {
	if mode != "" && mode != AntilinkDelete && mode != AntilinkWarn && mode != AntilinkKick {
		return fmt.Errorf("invalid antilink mode %q", mode)
	}
	return s.update(chatID, func(st *Settings) {
		if mode == "" {
			st.Antilink = nil
			return
		}
		st.Antilink = &AntilinkSettings{Mode: mode}
	})
}

// SetAntitag toggles anti-mass-mention enforcement.
func (s *Store) SetAntitag(chatID string, enabled bool) error {
	return s.update(chatID, func(st *Settings) {
		st.Antitag = &AntitagSettings{Enabled: enabled}
	})
}

// SetMenuImage overrides the menu picture for a chat.
func (s *Store) SetMenuImage(chatID, path string) error {
	return s.update(chatID, func(st *Settings) { st.MenuImage = path })
}

// IncrementWarn bumps the warning counter for (chat, user) and returns
// the new count. The upsert is a single statement, so concurrent
// increments from different sessions never lose a count.
func (s *Store) IncrementWarn(chatID, userID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`INSERT INTO warn_counts (chat_id, user_id, count) VALUES (?, ?, 1)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET count = count + 1
		 RETURNING count`,
		chatID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment warn %s/%s: %w", chatID, userID, err)
	}
	return count, nil
}

// ResetWarn zeroes the warning counter for (chat, user).
func (s *Store) ResetWarn(chatID, userID string) error {
	_, err := s.db.Exec(
		`INSERT INTO warn_counts (chat_id, user_id, count) VALUES (?, ?, 0)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET count = 0`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("reset warn %s/%s: %w", chatID, userID, err)
	}
	return nil
}

// WarnCount returns the current warning counter for (chat, user).
func (s *Store) WarnCount(chatID, userID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT count FROM warn_counts WHERE chat_id = ? AND user_id = ?`,
		chatID, userID,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("warn count %s/%s: %w", chatID, userID, err)
	}
	return count, nil
}

// AuthDir returns the credential-material directory for an identity. Its
// contents are opaque — the gateway daemon reads and writes them.
func (s *Store) AuthDir(identity string) string {
	return filepath.Join(s.dataDir, "auth", identity)
}

// EnsureAuthDir creates the credential directory for an identity.
func (s *Store) EnsureAuthDir(identity string) (string, error) {
	dir := s.AuthDir(identity)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create auth dir for %s: %w", identity, err)
	}
	return dir, nil
}

// RemoveAuthDir deletes an identity's credential material. Used after a
// terminal logout so the next pairing starts clean.
func (s *Store) RemoveAuthDir(identity string) error {
	if err := os.RemoveAll(s.AuthDir(identity)); err != nil {
		return fmt.Errorf("remove auth dir for %s: %w", identity, err)
	}
	return nil
}

// HasCredentials reports whether an identity has a non-empty credential
// directory.
func (s *Store) HasCredentials(identity string) bool {
	entries, err := os.ReadDir(s.AuthDir(identity))
	return err == nil && len(entries) > 0
}

// Identities lists every identity with a credential directory, for
// session resume at process start.
func (s *Store) Identities() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "auth"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list auth dirs: %w", err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
