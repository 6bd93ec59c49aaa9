package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend stores sessions in meters/{mprn}/state/session.
type FirestoreBackend struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore backend.
// It registers flags for configuration.
func configuredFirestore() *FirestoreBackend {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreBackend{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init creates the Firestore client.
func (f *FirestoreBackend) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

func (f *FirestoreBackend) doc(mprn string) *firestore.DocumentRef {
	return f.client.Collection("meters").Doc(mprn).Collection("state").Doc("session")
}

// Read implements Backend.
func (f *FirestoreBackend) Read(ctx context.Context, mprn string) ([]byte, error) {
	snap, err := f.doc(mprn).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch session doc: %w", err)
	}
	val, err := snap.DataAt("data")
	if err != nil {
		return nil, fmt.Errorf("session document missing 'data' field: %w", err)
	}
	data, ok := val.([]byte)
	if !ok {
		return nil, fmt.Errorf("session 'data' field is not bytes")
	}
	return data, nil
}

// Write implements Backend. A single document Set replaces the record.
func (f *FirestoreBackend) Write(ctx context.Context, mprn string, data []byte) error {
	_, err := f.doc(mprn).Set(ctx, map[string]any{
		"data":    data,
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save session doc: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (f *FirestoreBackend) Delete(ctx context.Context, mprn string) error {
	_, err := f.doc(mprn).Delete(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete session doc: %w", err)
	}
	return nil
}

// Close implements Backend.
func (f *FirestoreBackend) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}
