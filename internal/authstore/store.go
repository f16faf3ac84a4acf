// Package authstore contains the auth code store.
package authstore

import (
	"bufio"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openvoicechat/ovc-server/internal/logger"
)

// CodeLength is the length of generated auth codes.
const CodeLength = 6

// alphabet without 0/O and 1/I. Its size divides 256, so sampling
// bytes modulo the size is unbiased.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateCode() (string, error) {
	buf := make([]byte, CodeLength)
	_, err := rand.Read(buf)
	if err != nil {
		return "", err
	}

	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	return string(buf), nil
}

type entry struct {
	code     string
	playerID uuid.UUID
}

// Store generates, persists and validates per-player auth codes.
// The in-memory map is authoritative; persist failures are soft errors.
type Store struct {
	FilePath string
	Parent   logger.Writer

	mutex   sync.RWMutex
	entries map[string]*entry
}

// Initialize initializes a Store, loading the auth file when it exists.
func (s *Store) Initialize() error {
	s.entries = make(map[string]*entry)

	if s.FilePath == "" {
		return nil
	}

	f, err := os.Open(s.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	lineNum := 0
	sc := bufio.NewScanner(f)

	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}

		i := strings.Index(line, "=")
		if i < 0 {
			s.Parent.Log(logger.Warn, "auth file: skipping malformed line %d", lineNum)
			continue
		}

		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])

		j := strings.LastIndex(key, ".")
		if j <= 0 {
			s.Parent.Log(logger.Warn, "auth file: skipping malformed line %d", lineNum)
			continue
		}

		username := strings.ToLower(key[:j])

		switch key[j+1:] {
		case "code":
			s.entryOf(username).code = strings.ToUpper(value)

		case "uuid":
			var id uuid.UUID
			id, err = uuid.Parse(value)
			if err != nil {
				s.Parent.Log(logger.Warn, "auth file: skipping invalid uuid at line %d", lineNum)
				continue
			}
			s.entryOf(username).playerID = id

		default:
			s.Parent.Log(logger.Warn, "auth file: skipping unknown key at line %d", lineNum)
		}
	}

	err = sc.Err()
	if err != nil {
		return err
	}

	for username, e := range s.entries {
		if e.code == "" {
			s.Parent.Log(logger.Warn, "auth file: user '%s' has no code, dropping", username)
			delete(s.entries, username)
		}
	}

	return nil
}

func (s *Store) entryOf(username string) *entry {
	e, ok := s.entries[username]
	if !ok {
		e = &entry{}
		s.entries[username] = e
	}
	return e
}

// GetOrCreate returns the code of a player, minting one when absent.
// The returned code is valid even when a persist error is returned.
func (s *Store) GetOrCreate(username string, playerID uuid.UUID) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := strings.ToLower(username)

	if e, ok := s.entries[key]; ok {
		if e.playerID != playerID {
			e.playerID = playerID
			return e.code, s.persist()
		}
		return e.code, nil
	}

	return s.mint(key, playerID)
}

// Reset replaces the code of a player with a fresh one.
// The returned code is valid even when a persist error is returned.
func (s *Store) Reset(username string, playerID uuid.UUID) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := strings.ToLower(username)
	delete(s.entries, key)

	return s.mint(key, playerID)
}

func (s *Store) mint(key string, playerID uuid.UUID) (string, error) {
	var code string

	for {
		var err error
		code, err = generateCode()
		if err != nil {
			return "", err
		}
		if !s.codeInUse(code) {
			break
		}
	}

	s.entries[key] = &entry{
		code:     code,
		playerID: playerID,
	}

	return code, s.persist()
}

func (s *Store) codeInUse(code string) bool {
	for _, e := range s.entries {
		if e.code == code {
			return true
		}
	}
	return false
}

// Validate checks a code against the stored one, case-insensitively.
func (s *Store) Validate(username string, code string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.entries[strings.ToLower(username)]
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(strings.ToUpper(code)), []byte(e.code)) == 1
}

// LookupPlayer returns the player ID registered for a username.
func (s *Store) LookupPlayer(username string) (uuid.UUID, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	e, ok := s.entries[strings.ToLower(username)]
	if !ok || e.playerID == uuid.Nil {
		return uuid.Nil, false
	}

	return e.playerID, true
}

// Remove forgets a username.
func (s *Store) Remove(username string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := strings.ToLower(username)
	if _, ok := s.entries[key]; !ok {
		return nil
	}

	delete(s.entries, key)

	return s.persist()
}

// persist writes the auth file atomically. Callers must hold the write lock.
func (s *Store) persist() error {
	if s.FilePath == "" {
		return nil
	}

	usernames := make([]string, 0, len(s.entries))
	for username := range s.entries {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	var b strings.Builder
	for _, username := range usernames {
		e := s.entries[username]
		fmt.Fprintf(&b, "%s.code = %s\n", username, e.code)
		fmt.Fprintf(&b, "%s.uuid = %s\n", username, e.playerID)
	}

	tmp := s.FilePath + ".tmp"

	err := os.WriteFile(tmp, []byte(b.String()), 0o644)
	if err != nil {
		s.Parent.Log(logger.Warn, "cannot persist auth file: %v", err)
		return err
	}

	err = os.Rename(tmp, s.FilePath)
	if err != nil {
		s.Parent.Log(logger.Warn, "cannot persist auth file: %v", err)
		return err
	}

	return nil
}
