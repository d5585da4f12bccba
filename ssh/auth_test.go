package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"
)

type fakeConn struct {
	gossh.ConnMetadata
	user string
}

func (c fakeConn) User() string { return c.user }

func newAuthorizedKey(t *testing.T) (gossh.PublicKey, string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	key, err := gossh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to create SSH public key: %v", err)
	}
	return key, string(gossh.MarshalAuthorizedKey(key))
}

func TestPasswordCallback(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("alice-pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users := func(name string) (string, bool) {
		if name == "alice" {
			return string(hash), true
		}
		return "", false
	}

	if passwordCallback("", nil) != nil {
		t.Fatal("expected nil callback without password or users")
	}

	tests := []struct {
		name     string
		password string
		lookup   UserLookup
		user     string
		pass     string
		wantOK   bool
	}{
		{"shared password", "secret123", nil, "anyone", "secret123", true},
		{"wrong shared password", "secret123", nil, "anyone", "wrong", false},
		{"admin account", "", users, "alice", "alice-pw", true},
		{"admin wrong password", "", users, "alice", "secret123", false},
		{"unknown account", "", users, "mallory", "alice-pw", false},
		{"shared password with users", "secret123", users, "bob", "secret123", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := passwordCallback(tt.password, tt.lookup)
			if cb == nil {
				t.Fatal("expected non-nil callback")
			}
			_, err := cb(fakeConn{user: tt.user}, []byte(tt.pass))
			if (err == nil) != tt.wantOK {
				t.Errorf("accepted = %v, want %v (err %v)", err == nil, tt.wantOK, err)
			}
		})
	}
}

func TestLoadAuthorizedKeysFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	_, authorizedKey := newAuthorizedKey(t)

	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"comments", "# Comment line\n" + authorizedKey + "\n# Another comment\n", 1},
		{"invalid lines", "invalid line\n" + authorizedKey + "\nanother invalid\n", 1},
		{"empty", "", 0},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, "authorized_keys"+string(rune('a'+i)))
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test file: %v", err)
			}
			keys, err := loadAuthorizedKeysFromFile(path)
			if err != nil {
				t.Fatalf("loadAuthorizedKeysFromFile failed: %v", err)
			}
			if len(keys) != tt.want {
				t.Errorf("got %d keys, want %d", len(keys), tt.want)
			}
		})
	}

	if _, err := loadAuthorizedKeysFromFile("/nonexistent/file"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadAuthorizedKeysFromDir(t *testing.T) {
	dir := t.TempDir()
	_, key1 := newAuthorizedKey(t)
	_, key2 := newAuthorizedKey(t)
	_, key3 := newAuthorizedKey(t)

	sub := filepath.Join(dir, "subdir")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "user1.pub"), []byte(key1), 0644)
	os.WriteFile(filepath.Join(dir, "user2.pub"), []byte(key2), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden"), []byte(key3), 0644)
	os.WriteFile(filepath.Join(sub, "nested.pub"), []byte(key3), 0644)

	keys, err := loadAuthorizedKeys(dir)
	if err != nil {
		t.Fatalf("loadAuthorizedKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 keys (no hidden files, no recursion), got %d", len(keys))
	}
}

func TestPublicKeyCallback(t *testing.T) {
	tmpDir := t.TempDir()
	key, authorizedKey := newAuthorizedKey(t)
	other, _ := newAuthorizedKey(t)

	empty := filepath.Join(tmpDir, "empty_keys")
	os.WriteFile(empty, []byte(""), 0644)
	valid := filepath.Join(tmpDir, "valid_keys")
	os.WriteFile(valid, []byte(authorizedKey), 0644)

	for _, path := range []string{"", "/nonexistent/path", empty} {
		if publicKeyCallback(path) != nil {
			t.Errorf("expected nil callback for %q", path)
		}
	}

	cb := publicKeyCallback(valid)
	if cb == nil {
		t.Fatal("expected non-nil callback")
	}
	perms, err := cb(fakeConn{user: "ops"}, key)
	if err != nil {
		t.Errorf("authorized key rejected: %v", err)
	} else if perms.Extensions["pubkey-fp"] != gossh.FingerprintSHA256(key) {
		t.Errorf("fingerprint = %q", perms.Extensions["pubkey-fp"])
	}
	if _, err := cb(fakeConn{user: "ops"}, other); err == nil {
		t.Error("unauthorized key accepted")
	}
}

func TestLoadOrCreateHostKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "nested", "host_key")

	first, err := LoadOrCreateHostKey(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateHostKey failed: %v", err)
	}
	if first.PublicKey().Type() != "ssh-ed25519" {
		t.Errorf("expected ssh-ed25519 key, got %s", first.PublicKey().Type())
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("host key file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %o", info.Mode().Perm())
	}

	second, err := LoadOrCreateHostKey(keyPath)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Error("reload should return the stored key")
	}

	invalid := filepath.Join(t.TempDir(), "invalid_key")
	os.WriteFile(invalid, []byte("not a valid key"), 0600)
	if _, err := LoadOrCreateHostKey(invalid); err == nil {
		t.Error("expected error for invalid key file")
	}
}
