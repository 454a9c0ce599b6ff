// Package credentials supplies bot identities to swarm slots.
package credentials

import (
	"bufio"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultNameFormat names bots when no account list is configured.
const DefaultNameFormat = "Bot_%d"

// ErrExhausted is returned when a source has no identity for a slot.
var ErrExhausted = errors.New("no credentials left for slot")

// Credentials identify one bot.
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// OfflineUUID returns the UUID an offline-mode server assigns to Username.
func (c Credentials) OfflineUUID() uuid.UUID {
	return OfflineUUID(c.Username)
}

// Source yields the identity for a slot. Implementations must be safe for
// concurrent use.
type Source interface {
	Credentials(slot int) (Credentials, error)
}

// NameFormat generates passwordless identities from a printf pattern taking
// the slot number.
type NameFormat string

// Credentials formats the name for slot.
func (f NameFormat) Credentials(slot int) (Credentials, error) {
	format := string(f)
	if format == "" {
		format = DefaultNameFormat
	}
	name := fmt.Sprintf(format, slot)
	if name == "" || len(name) > 16 {
		return Credentials{}, fmt.Errorf("name %q for slot %d must be 1-16 characters", name, slot)
	}
	return Credentials{Username: name}, nil
}

// List serves a fixed set of accounts, one per slot. Slots past the end of
// the list get ErrExhausted.
type List struct {
	accounts []Credentials
}

// NewList returns a List over accounts.
func NewList(accounts []Credentials) *List {
	return &List{accounts: accounts}
}

// Len returns the number of accounts.
func (l *List) Len() int { return len(l.accounts) }

// Credentials returns the account at position slot.
func (l *List) Credentials(slot int) (Credentials, error) {
	if slot < 0 || slot >= len(l.accounts) {
		return Credentials{}, fmt.Errorf("slot %d of %d accounts: %w", slot, len(l.accounts), ErrExhausted)
	}
	return l.accounts[slot], nil
}

// ParseLines reads "user" or "user:password" lines. Blank lines and lines
// starting with '#' are skipped. Lines with more than one ':' fall back to a
// name generated by fallback for their position.
//
// Postcondition: Returns the accounts in file order, or the read error.
func ParseLines(r io.Reader, fallback NameFormat) ([]Credentials, error) {
	var out []Credentials
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		switch len(parts) {
		case 1:
			out = append(out, Credentials{Username: parts[0]})
		case 2:
			out = append(out, Credentials{Username: parts[0], Password: parts[1]})
		default:
			c, err := fallback.Credentials(len(out))
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading accounts: %w", err)
	}
	return out, nil
}

type accountFile struct {
	Accounts []Credentials `yaml:"accounts"`
}

// ParseYAML reads an `accounts: [{username, password}]` document.
func ParseYAML(data []byte) ([]Credentials, error) {
	var f accountFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing accounts yaml: %w", err)
	}
	for i, a := range f.Accounts {
		if a.Username == "" {
			return nil, fmt.Errorf("account %d: username is required", i)
		}
	}
	return f.Accounts, nil
}

// Load reads an account file. Files ending in .yaml or .yml are parsed as
// YAML; anything else as user[:password] lines.
//
// Precondition: path must name a readable file.
// Postcondition: Returns a List with at least one account, or an error.
func Load(path string, fallback NameFormat) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts %s: %w", path, err)
	}

	var accounts []Credentials
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		accounts, err = ParseYAML(data)
	default:
		accounts, err = ParseLines(strings.NewReader(string(data)), fallback)
	}
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("accounts %s: no accounts found", path)
	}
	return NewList(accounts), nil
}

// OfflineUUID derives the name-based UUID offline-mode servers use:
// MD5 of "OfflinePlayer:<name>" with version 3 and the RFC 4122 variant.
func OfflineUUID(name string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = sum[6]&0x0f | 0x30
	sum[8] = sum[8]&0x3f | 0x80
	id, _ := uuid.FromBytes(sum[:])
	return id
}
