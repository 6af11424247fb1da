// Package maildir implements a message store in maildir layout: messages
// are written under tmp/ and renamed into new/ only once fully on disk,
// so readers never observe a partial message and concurrent writers never
// collide.
package maildir

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Store struct {
	root string
	host string
}

// Open prepares the maildir rooted at path, creating the tmp, new and
// cur subdirectories as needed.
func Open(path string) (*Store, error) {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o700); err != nil {
			return nil, fmt.Errorf("failed to prepare maildir %s: %w", path, err)
		}
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	// slashes and colons are reserved by the maildir naming scheme
	host = strings.NewReplacer("/", "_", ":", "_").Replace(host)
	return &Store{root: path, host: host}, nil
}

func (s *Store) Path() string {
	return s.root
}

// Add stores one message and returns the key it can be retrieved under.
// The message is durable when Add returns.
func (s *Store) Add(r io.Reader) (string, error) {
	key := fmt.Sprintf("%d.%s.%s", time.Now().Unix(), uuid.NewString(), s.host)
	tmp := filepath.Join(s.root, "tmp", key)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.root, "new", key)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to deliver %s: %w", key, err)
	}
	return key, nil
}

// Keys lists the keys of every stored message, unread and read alike.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(s.root, sub))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			// messages in cur/ carry a ":2,<flags>" suffix
			if i := strings.IndexByte(name, ':'); i >= 0 {
				name = name[:i]
			}
			keys = append(keys, name)
		}
	}
	return keys, nil
}

// Open returns the content of the message stored under key.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, "new", key))
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "cur"))
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if name == key || strings.HasPrefix(name, key+":") {
			return os.Open(filepath.Join(s.root, "cur", name))
		}
	}
	return nil, fmt.Errorf("no message %q in %s: %w", key, s.root, fs.ErrNotExist)
}

// Clear removes every message, aborted tmp leftovers included.
func (s *Store) Clear() error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		dir := filepath.Join(s.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
