package nodeconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// State is the durable node identity, written to disk after pairing.
type State struct {
	NodeID      string `json:"nodeId"`
	Token       string `json:"token,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// LoadOrInitState reads the state file, deriving and persisting a
// fresh identity when none exists yet.
func LoadOrInitState(cfg Config) (*State, error) {
	path := cfg.StatePath
	if path == "" {
		path = defaultStatePath()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("parse state %s: %w", path, err)
		}
		if st.NodeID == "" {
			st.NodeID = deriveNodeID()
		}
		if st.DisplayName == "" {
			st.DisplayName = defaultDisplayName()
		}
		applyOverrides(&st, cfg)
		return &st, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	st := &State{
		NodeID:      deriveNodeID(),
		DisplayName: defaultDisplayName(),
	}
	applyOverrides(st, cfg)
	if err := SaveState(path, st); err != nil {
		return nil, err
	}
	return st, nil
}

func applyOverrides(st *State, cfg Config) {
	if cfg.NodeID != "" {
		st.NodeID = cfg.NodeID
	}
	if cfg.DisplayName != "" {
		st.DisplayName = cfg.DisplayName
	}
}

// SaveState writes the state file with owner-only permissions; the
// token inside is a credential.
func SaveState(path string, st *State) error {
	if path == "" {
		path = defaultStatePath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./clawnode.json"
	}
	return filepath.Join(home, ".clawdbot", "clawnode.json")
}

func deriveNodeID() string {
	base := sanitizeID(defaultDisplayName())
	if mid := machineID(); mid != "" {
		return fmt.Sprintf("%s-%s", base, mid[:8])
	}
	return fmt.Sprintf("%s-%s", base, randomID(6))
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "clawnode"
	}
	return host
}

func machineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return ""
	}
	id := strings.TrimSpace(string(data))
	id = strings.ReplaceAll(id, "-", "")
	if len(id) < 8 {
		return ""
	}
	return id
}

func sanitizeID(input string) string {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return "node"
	}
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "node"
	}
	return out
}

func randomID(n int) string {
	if n <= 0 {
		n = 6
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
