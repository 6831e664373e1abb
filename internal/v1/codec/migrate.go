package codec

import (
	"reflect"
	"sync"
)

// Migrator converts the raw payload of an older encoding into a fresh state
// value. It receives only the state bytes, without the header.
type Migrator[T any] func(raw []byte) (T, error)

type migrationKey struct {
	typ     reflect.Type
	version byte
	size    int
}

var (
	migrationsMu sync.RWMutex
	migrations   = make(map[migrationKey]any)
)

// RegisterMigration installs a migrator for states stored with the given
// (fromVersion, fromSize) triple of type T. Modules register their migrations
// at process init, before any room is loaded.
func RegisterMigration[T any](fromVersion byte, fromSize int, fn Migrator[T]) {
	var zero T
	key := migrationKey{typ: reflect.TypeOf(zero), version: fromVersion, size: fromSize}

	migrationsMu.Lock()
	defer migrationsMu.Unlock()
	migrations[key] = fn
}

func migrate[T any](fromVersion byte, fromSize int, raw []byte) (T, bool, error) {
	var zero T
	key := migrationKey{typ: reflect.TypeOf(zero), version: fromVersion, size: fromSize}

	migrationsMu.RLock()
	fn, ok := migrations[key]
	migrationsMu.RUnlock()

	if !ok {
		return zero, false, nil
	}

	out, err := fn.(Migrator[T])(raw)
	if err != nil {
		return zero, true, err
	}
	return out, true, nil
}

// resetMigrations clears the registry. Tests only.
func resetMigrations() {
	migrationsMu.Lock()
	defer migrationsMu.Unlock()
	migrations = make(map[migrationKey]any)
}
