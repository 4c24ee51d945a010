package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"delta-hedger/pkg/utils"
)

const sessionFile = "session.json"

// sessionData is a persisted Kite Connect login.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SessionPath returns the path of the saved login session.
func SessionPath(configDir string) string {
	return filepath.Join(configDir, sessionFile)
}

// SaveSession persists an access token. Kite tokens expire at 06:00 IST on
// the day after login.
func SaveSession(configDir, accessToken string, now time.Time) (time.Time, error) {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return time.Time{}, fmt.Errorf("failed to create config directory: %w", err)
	}

	ist := now.In(utils.IndiaLocation)
	expiresAt := time.Date(ist.Year(), ist.Month(), ist.Day()+1, 6, 0, 0, 0, utils.IndiaLocation)

	data, err := json.Marshal(sessionData{
		AccessToken: accessToken,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return time.Time{}, err
	}

	// Write with restricted permissions
	if err := os.WriteFile(SessionPath(configDir), data, 0600); err != nil {
		return time.Time{}, fmt.Errorf("failed to write session: %w", err)
	}
	return expiresAt, nil
}

// ClearSession removes the saved login session.
func ClearSession(configDir string) error {
	if err := os.Remove(SessionPath(configDir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

func loadSessionToken(configDir string, now time.Time) (string, bool) {
	data, err := os.ReadFile(SessionPath(configDir))
	if err != nil {
		return "", false
	}

	var s sessionData
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	if s.AccessToken == "" || !now.Before(s.ExpiresAt) {
		return "", false
	}
	return s.AccessToken, true
}
