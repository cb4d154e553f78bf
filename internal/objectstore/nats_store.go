package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/voice-reply-service/internal/core"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsObjectStore implements core.AudioStore using a NATS JetStream object store bucket.
type NatsObjectStore struct {
	bucket string
	store  jetstream.ObjectStore
}

// NewNatsObjectStore creates the bucket if it does not exist and binds to it.
func NewNatsObjectStore(ctx context.Context, js jetstream.JetStream, bucketName string) (*NatsObjectStore, error) {
	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Audio for the %s bucket.", bucketName),
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Download retrieves an object from the bucket.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	keyErr := ValidateKey(key)
	if keyErr != nil {
		return nil, keyErr
	}

	data, err := n.store.GetBytes(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("object '%s' in bucket '%s': %w", key, n.bucket, core.ErrNotFound)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	return data, nil
}

// Upload saves an object to the bucket, replacing any previous version.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	keyErr := ValidateKey(key)
	if keyErr != nil {
		return keyErr
	}

	_, err := n.store.PutBytes(ctx, key, data)
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}
