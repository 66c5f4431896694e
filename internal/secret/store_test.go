package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestEnsure_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meilisearch", "master_key.txt")
	store := NewStore(path, zerolog.Nop())

	key, err := store.Ensure("")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if key == "" {
		t.Fatal("expected a generated key")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	if want := `MEILI_MASTER_KEY="` + key + `"` + "\n"; string(content) != want {
		t.Fatalf("unexpected file content: %q", content)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("stat key directory: %v", err)
	}
	if dirInfo.Mode().Perm() != 0o700 {
		t.Fatalf("key directory mode = %v, want 0700", dirInfo.Mode().Perm())
	}
}

func TestEnsure_NeverRegeneratesPersistedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master_key.txt")
	store := NewStore(path, zerolog.Nop())

	first, err := store.Ensure("")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := store.Ensure("")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first != second {
		t.Fatalf("key drifted across runs: %q then %q", first, second)
	}
}

func TestEnsure_ReusesKeyFromEarlierDeployment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master_key.txt")
	if err := os.WriteFile(path, []byte("MEILI_MASTER_KEY=legacy-key\n"), 0o600); err != nil {
		t.Fatalf("seed key file: %v", err)
	}

	store := NewStore(path, zerolog.Nop())
	key, err := store.Ensure("")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if key != "legacy-key" {
		t.Fatalf("persisted key not reused: %q", key)
	}
}

func TestEnsure_OverrideWinsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master_key.txt")
	store := NewStore(path, zerolog.Nop())

	if _, err := store.Ensure(""); err != nil {
		t.Fatalf("seed ensure: %v", err)
	}

	key, err := store.Ensure("operator-key")
	if err != nil {
		t.Fatalf("override ensure: %v", err)
	}
	if key != "operator-key" {
		t.Fatalf("override not applied: %q", key)
	}

	followUp, err := store.Ensure("")
	if err != nil {
		t.Fatalf("follow-up ensure: %v", err)
	}
	if followUp != "operator-key" {
		t.Fatalf("override was not persisted: %q", followUp)
	}
}

func TestEnsure_PreservesDotenvSignificantKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "hash would start a comment", key: "abc #def"},
		{name: "embedded double quote", key: `pass"word`},
		{name: "dollar would expand", key: "pa$sword is $HOME made"},
		{name: "embedded backslash", key: `back\slash`},
		{name: "edge whitespace", key: "  padded  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "master_key.txt")
			if _, err := NewStore(path, zerolog.Nop()).Ensure(tt.key); err != nil {
				t.Fatalf("ensure with override: %v", err)
			}

			got, err := NewStore(path, zerolog.Nop()).Ensure("")
			if err != nil {
				t.Fatalf("ensure on a later run: %v", err)
			}
			if got != tt.key {
				t.Fatalf("key after reload = %q, want %q", got, tt.key)
			}
		})
	}
}

func TestEnsure_RestrictsPreexistingKeyDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "meilisearch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("seed directory: %v", err)
	}
	path := filepath.Join(dir, "master_key.txt")
	if err := os.WriteFile(path, []byte("MEILI_MASTER_KEY=legacy-key\n"), 0o600); err != nil {
		t.Fatalf("seed key file: %v", err)
	}

	key, err := NewStore(path, zerolog.Nop()).Ensure("")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if key != "legacy-key" {
		t.Fatalf("persisted key not reused: %q", key)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat key directory: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("key directory mode = %v, want 0700", info.Mode().Perm())
	}
}

func TestEnsure_RejectsFileWithoutKeyEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master_key.txt")
	if err := os.WriteFile(path, []byte("SOMETHING_ELSE=1\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	store := NewStore(path, zerolog.Nop())
	_, err := store.Ensure("")
	if err == nil {
		t.Fatal("expected error for key file without entry")
	}
	if !strings.Contains(err.Error(), "MEILI_MASTER_KEY") {
		t.Fatalf("unexpected error: %v", err)
	}
}
