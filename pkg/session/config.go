package session

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the session Store based on flags.
func Configured() *Store {
	backend := lflag.String("session-backend", "file", "Session storage backend (available: file, firestore, postgres)")
	dir := lflag.String("session-dir", "./data", "Directory for the file session backend")
	maxAge := lflag.Duration("session-max-age", DefaultMaxAge, "Maximum age of a stored session before a fresh login is forced")
	key := lflag.String("session-encryption-key", "", "32 byte key used to encrypt stored sessions (optional)")
	postgresURL := lflag.String("postgres-url", "", "PostgreSQL connection URL for the postgres session backend")

	fs := configuredFirestore()

	s := &Store{}

	lflag.Do(func() {
		var b Backend
		switch *backend {
		case "file":
			fb, err := NewFileBackend(*dir)
			if err != nil {
				panic(fmt.Sprintf("file session backend init failed: %v", err))
			}
			b = fb
		case "firestore":
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			b = fs
		case "postgres":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			pb, err := NewPostgresBackend(ctx, *postgresURL)
			cancel()
			if err != nil {
				panic(fmt.Sprintf("postgres session backend init failed: %v", err))
			}
			b = pb
		default:
			panic(fmt.Sprintf("unknown session backend: %s", *backend))
		}

		opts := []Option{WithMaxAge(*maxAge)}
		if *key != "" {
			opts = append(opts, WithEncryptionKey([]byte(*key)))
		}
		if err := s.init(b, opts...); err != nil {
			panic(fmt.Sprintf("session store init failed: %v", err))
		}
	})

	return s
}
