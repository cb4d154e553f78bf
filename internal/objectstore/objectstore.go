// Package objectstore provides the audio blob backends: a local static directory
// and a NATS JetStream object store bucket.
package objectstore

import (
	"errors"
	"fmt"
	"strings"
)

const errFmtInvalidKey = "%w: %q"

// ErrInvalidKey is returned for keys that are empty or could escape the store root.
var ErrInvalidKey = errors.New("invalid object key")

// ValidateKey rejects keys that are not a single flat file name.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf(errFmtInvalidKey, ErrInvalidKey, key)
	}

	return nil
}

// PublicURL joins the public audio prefix and a key into the URL stored on messages.
func PublicURL(prefix, key string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + key
}
