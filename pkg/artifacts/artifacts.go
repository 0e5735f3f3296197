// Package artifacts persists trained models, fitted scalers and training
// metadata as opaque blobs keyed by zone and artifact name.
//
// Every backend writes a blob in a single step (rename, SET or PutObject), so
// readers observe either the previous or the new artifact, never a partial one.
package artifacts

import (
	"context"
	"fmt"
	"path"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// Key addresses one artifact.
type Key struct {
	Zone airquality.Zone
	Name string
}

// ModelKey is the key of the serialized model of the given family.
func ModelKey(zone airquality.Zone, kind string) Key {
	return Key{Zone: zone, Name: kind + ".model"}
}

// MetaKey is the key of the training metadata of the given family.
func MetaKey(zone airquality.Zone, kind string) Key {
	return Key{Zone: zone, Name: kind + ".meta.json"}
}

// ScalerKey is the key of the zone scaler.
func ScalerKey(zone airquality.Zone) Key {
	return Key{Zone: zone, Name: "scaler.json"}
}

// ActiveKey is the key naming the model family the zone currently serves.
func ActiveKey(zone airquality.Zone) Key {
	return Key{Zone: zone, Name: "active"}
}

// Path renders the key as a slash separated relative path.
func (k Key) Path() string {
	return path.Join(fmt.Sprintf("zone_%d", int(k.Zone)), k.Name)
}

func (k Key) String() string { return k.Path() }

// Store loads and saves artifact blobs.
type Store interface {
	// Load returns the blob for key. found is false when nothing was saved
	// under key; that is not an error.
	Load(ctx context.Context, key Key) (blob []byte, found bool, err error)
	Save(ctx context.Context, key Key, blob []byte) error
}

// MustLoad is Load that turns a missing artifact into
// airquality.ErrArtifactNotFound.
func MustLoad(ctx context.Context, s Store, key Key) ([]byte, error) {
	b, ok, err := s.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("load %s: %w", key, airquality.ErrArtifactNotFound)
	}
	return b, nil
}
