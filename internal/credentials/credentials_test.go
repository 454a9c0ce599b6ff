package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNameFormat(t *testing.T) {
	c, err := NameFormat("").Credentials(7)
	require.NoError(t, err)
	assert.Equal(t, "Bot_7", c.Username)
	assert.Empty(t, c.Password)

	c, err = NameFormat("load%03d").Credentials(12)
	require.NoError(t, err)
	assert.Equal(t, "load012", c.Username)

	_, err = NameFormat("a-very-long-bot-name-%d").Credentials(1)
	assert.Error(t, err)
}

func TestParseLines(t *testing.T) {
	input := `
# comment
alice
bob:hunter2

carol:x:y
`
	accounts, err := ParseLines(strings.NewReader(input), NameFormat("Bot_%d"))
	require.NoError(t, err)
	assert.Equal(t, []Credentials{
		{Username: "alice"},
		{Username: "bob", Password: "hunter2"},
		{Username: "Bot_2"},
	}, accounts)
}

func TestParseYAML(t *testing.T) {
	accounts, err := ParseYAML([]byte(`
accounts:
  - username: alice
    password: secret
  - username: bob
`))
	require.NoError(t, err)
	assert.Equal(t, []Credentials{{Username: "alice", Password: "secret"}, {Username: "bob"}}, accounts)

	_, err = ParseYAML([]byte("accounts:\n  - password: x\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "accounts.txt")
	require.NoError(t, os.WriteFile(txt, []byte("alice\nbob:pw\n"), 0o600))
	yml := filepath.Join(dir, "accounts.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("accounts:\n  - username: carol\n"), 0o600))
	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o600))

	l, err := Load(txt, "")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	l, err = Load(yml, "")
	require.NoError(t, err)
	c, err := l.Credentials(0)
	require.NoError(t, err)
	assert.Equal(t, "carol", c.Username)

	_, err = Load(empty, "")
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.txt"), "")
	assert.Error(t, err)
}

func TestList_Exhausted(t *testing.T) {
	l := NewList([]Credentials{{Username: "a"}})
	_, err := l.Credentials(1)
	assert.ErrorIs(t, err, ErrExhausted)
	_, err = l.Credentials(-1)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestOfflineUUID_KnownValue(t *testing.T) {
	// value an offline-mode server assigns to "Notch"
	assert.Equal(t, uuid.MustParse("b50ad385-829d-3141-a216-7e7d7539ba7f"), OfflineUUID("Notch"))
}

func TestOfflineUUID_VersionAndVariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringN(1, 16, -1).Draw(t, "name")
		id := OfflineUUID(name)
		if id.Version() != 3 {
			t.Fatalf("version %d", id.Version())
		}
		if id.Variant() != uuid.RFC4122 {
			t.Fatalf("variant %v", id.Variant())
		}
		if id != (Credentials{Username: name}).OfflineUUID() {
			t.Fatal("method and function disagree")
		}
	})
}
