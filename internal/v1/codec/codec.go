// Package codec implements the versioned binary encoding for game state.
//
// Wire layout: 1 byte version, 4 bytes little-endian declared size, then the
// raw state bytes. The declared size is pinned to the in-memory size of the
// state type, so a deployment that changes a state struct is detected at load
// time and routed through the migration registry instead of silently
// reinterpreting bytes.
package codec

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"
	"unsafe"
)

// CurrentVersion is the codec version written by Encode.
const CurrentVersion byte = 1

// MaxStateSize bounds the size of any encodable state.
const MaxStateSize = 1024

// headerSize is 1 version byte plus 4 size bytes.
const headerSize = 5

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, headerSize+MaxStateSize)
		return &b
	},
}

// pointerFreeCache caches the reference check per state type.
var pointerFreeCache sync.Map // reflect.Type -> bool

// Release returns an encoded buffer to the pool. Callers that hold on to the
// blob (tests, fan-out) may simply not call it.
func Release(blob []byte) {
	if cap(blob) >= headerSize {
		b := blob[:0]
		bufPool.Put(&b)
	}
}

// Encode serializes a fixed-size, reference-free state value. It fails only
// when the type contains pointers, slices, maps, strings or other managed
// references, or when the state exceeds MaxStateSize.
func Encode[T any](state *T, version byte) ([]byte, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if !isPointerFree(t) {
		return nil, fmt.Errorf("codec: type %s contains managed references and cannot be encoded", t)
	}

	size := int(unsafe.Sizeof(zero))
	if size > MaxStateSize {
		return nil, fmt.Errorf("codec: type %s is %d bytes, exceeds limit of %d", t, size, MaxStateSize)
	}

	bp := bufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	buf = append(buf, version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	raw := unsafe.Slice((*byte)(unsafe.Pointer(state)), size)
	buf = append(buf, raw...)
	return buf, nil
}

// Decode deserializes a blob produced by Encode. When the stored version and
// size match the current type the bytes are copied straight into a fresh T.
// Otherwise the migration registry is consulted; with no registered migrator
// the load fails with ErrStateCorrupted naming the stored triple.
func Decode[T any](blob []byte) (T, error) {
	var out T

	if len(blob) < headerSize {
		return out, &ErrStateCorrupted{Reason: fmt.Sprintf("blob too short (%d bytes)", len(blob))}
	}

	t := reflect.TypeOf(out)
	if !isPointerFree(t) {
		return out, fmt.Errorf("codec: type %s contains managed references and cannot be decoded", t)
	}

	storedVersion := blob[0]
	declaredSize := int(binary.LittleEndian.Uint32(blob[1:5]))
	if len(blob)-headerSize != declaredSize {
		return out, &ErrStateCorrupted{
			Type:    t.String(),
			Version: storedVersion,
			Size:    declaredSize,
			Reason:  fmt.Sprintf("declared size %d does not match payload of %d bytes", declaredSize, len(blob)-headerSize),
		}
	}

	wantSize := int(unsafe.Sizeof(out))
	if storedVersion == CurrentVersion && declaredSize == wantSize {
		raw := unsafe.Slice((*byte)(unsafe.Pointer(&out)), wantSize)
		copy(raw, blob[headerSize:])
		return out, nil
	}

	migrated, ok, err := migrate[T](storedVersion, declaredSize, blob[headerSize:])
	if err != nil {
		return out, err
	}
	if !ok {
		return out, &ErrStateCorrupted{
			Type:    t.String(),
			Version: storedVersion,
			Size:    declaredSize,
			Reason:  "no migrator registered",
		}
	}
	return migrated, nil
}

// ErrStateCorrupted reports a blob whose (type, version, size) triple cannot
// be loaded, either because the header is damaged or no migration exists.
type ErrStateCorrupted struct {
	Type    string
	Version byte
	Size    int
	Reason  string
}

func (e *ErrStateCorrupted) Error() string {
	return fmt.Sprintf("codec: state corrupted or incompatible (type=%s version=%d size=%d): %s",
		e.Type, e.Version, e.Size, e.Reason)
}

func isPointerFree(t reflect.Type) bool {
	if cached, ok := pointerFreeCache.Load(t); ok {
		return cached.(bool)
	}
	free := checkPointerFree(t)
	pointerFreeCache.Store(t, free)
	return free
}

func checkPointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return checkPointerFree(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !checkPointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		// Pointers, slices, maps, strings, chans, funcs, interfaces.
		return false
	}
}
