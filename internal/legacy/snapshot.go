package legacy

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBackupPrefix names the timestamped backup written before migration.
const DefaultBackupPrefix = "tally_backup"

// BackupKey builds the key a backup snapshot is stored under.
func BackupKey(prefix string, now time.Time) string {
	return prefix + "_" + now.UTC().Format(time.RFC3339)
}

// IsBackupKey reports whether key names a backup snapshot.
func IsBackupKey(prefix, key string) bool {
	return strings.HasPrefix(key, prefix+"_")
}

// WriteBackup stores a full JSON snapshot of the flat record under a
// timestamped key and returns that key. Existing backups are not included in
// the new snapshot.
func WriteBackup(s Store, prefix string, now time.Time) (string, error) {
	data, err := MarshalSnapshot(Export(s, prefix))
	if err != nil {
		return "", err
	}
	key := BackupKey(prefix, now)
	if err := s.Set(key, string(data)); err != nil {
		return "", fmt.Errorf("write backup %s: %w", key, err)
	}
	return key, nil
}

// Validate checks an imported snapshot before any mutation happens. Every
// field that parses correctly is counted; the snapshot is accepted only when
// the count equals the total number of keys and the required keys are
// present. Any unexpected or malformed key therefore fails closed.
func Validate(snap map[string]string) error {
	for _, required := range []string{VersionKey, "current_session", "session_names"} {
		if _, ok := snap[required]; !ok {
			return fmt.Errorf("snapshot missing required key %s", required)
		}
	}

	validated := 0
	for key, raw := range snap {
		if validField(key, raw) {
			validated++
		}
	}
	if validated != len(snap) {
		return fmt.Errorf("snapshot invalid: %d of %d fields validated", validated, len(snap))
	}
	return nil
}

func validField(key, raw string) bool {
	switch key {
	case VersionKey:
		_, err := parseNonNegative(raw)
		return err == nil
	case "current_session":
		_, err := parsePositiveInt(raw)
		return err == nil
	case "session_names":
		return validArray(raw)
	}

	if m := reSessionField.FindStringSubmatch(key); m != nil {
		switch m[2] {
		case "max_points_per_question":
			_, err := parseNonNegative(raw)
			return err == nil
		case "rounding":
			_, err := parseBool(raw)
			return err == nil
		case "current_question":
			_, err := parsePositiveInt(raw)
			return err == nil
		case "team_names", "block_names", "question_names":
			return validArray(raw)
		}
	}

	if m := reQuestionField.FindStringSubmatch(key); m != nil {
		switch m[3] {
		case "score", "block":
			_, err := parseNonNegative(raw)
			return err == nil
		case "ignore":
			_, err := parseBool(raw)
			return err == nil
		}
	}

	if m := reTeamField.FindStringSubmatch(key); m != nil {
		_, err := parseNonNegative(raw)
		return err == nil
	}

	return false
}

// validArray requires a JSON string array of length > 1: the index-0 slot
// plus at least one real entry.
func validArray(raw string) bool {
	arr, err := parseStringArray(raw)
	if err != nil {
		return false
	}
	return len(arr) > 1
}
