package recordcache

import (
	"context"
	"reflect"
	"strconv"
	"time"
)

// Identifier is the set of types a record identity may have.
type Identifier interface {
	~string |
		~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Key formats an identifier the way logs, events, errors and kv keys show it.
// It formats the underlying value; String methods on ID are ignored.
func Key[ID Identifier](id ID) string {
	v := reflect.ValueOf(id)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10)
	default:
		return v.String()
	}
}

// Backend is the system of record the cache is a time-bounded view over.
// T is the caller's record type, ID its identity type.
type Backend[T any, ID Identifier] interface {
	FetchAll(ctx context.Context) ([]T, error)
	// FetchOne returns ok=false (and a nil error) when the record does not exist.
	FetchOne(ctx context.Context, id ID) (rec T, ok bool, err error)
	// Update applies a full or partial record and returns the stored form.
	// It fails (preferably with ErrNotFound) if id does not exist.
	Update(ctx context.Context, id ID, patch T) (T, error)
	// Create stores rec and returns its authoritative stored form.
	Create(ctx context.Context, rec T) (T, error)
}

// BackendFuncs adapts four plain functions to Backend.
// All four must be set.
type BackendFuncs[T any, ID Identifier] struct {
	FetchAllFunc func(ctx context.Context) ([]T, error)
	FetchOneFunc func(ctx context.Context, id ID) (T, bool, error)
	UpdateFunc   func(ctx context.Context, id ID, patch T) (T, error)
	CreateFunc   func(ctx context.Context, rec T) (T, error)
}

var _ Backend[struct{}, int] = BackendFuncs[struct{}, int]{}

func (b BackendFuncs[T, ID]) FetchAll(ctx context.Context) ([]T, error) {
	return b.FetchAllFunc(ctx)
}

func (b BackendFuncs[T, ID]) FetchOne(ctx context.Context, id ID) (T, bool, error) {
	return b.FetchOneFunc(ctx, id)
}

func (b BackendFuncs[T, ID]) Update(ctx context.Context, id ID, patch T) (T, error) {
	return b.UpdateFunc(ctx, id, patch)
}

func (b BackendFuncs[T, ID]) Create(ctx context.Context, rec T) (T, error) {
	return b.CreateFunc(ctx, rec)
}

// Store is the record cache. Reads are TTL-gated; writes go through the Backend
// and the returned record is upserted by UID.
type Store[T any, ID Identifier] interface {
	Namespace() string

	FetchAll(ctx context.Context) ([]T, error)
	FetchOne(ctx context.Context, id ID) (T, error)
	Update(ctx context.Context, id ID, patch T) (T, error)
	Create(ctx context.Context, rec T) (T, error)

	// Invalidate marks one entry stale; the next FetchOne goes to the Backend.
	Invalidate(id ID)
	// InvalidateAll forgets the collection timestamp; the next FetchAll goes to the Backend.
	InvalidateAll()

	// Read-only views (copies).
	Entries() []Entry[T]
	Items() []T
	Len() int
	FetchingAll() bool
	CollectionFetchedAt() (time.Time, bool)

	// Bind returns a per-identifier Load/Save façade over this store.
	Bind(id ID) *Binding[T, ID]
}

// Entry wraps one cached record with the moment it was last confirmed fresh.
type Entry[T any] struct {
	Item        T
	LastFetched time.Time
}

// Options configure a Store. Backend and UID are required; others have sensible defaults.
// Options must not be changed after New.
type Options[T any, ID Identifier] struct {
	// Required
	Backend Backend[T, ID]
	UID     func(T) ID // identity of a record

	Namespace     string        // label for logs and events; "" => "records"
	AllItemsTTL   time.Duration // collection freshness window; must be >= 0
	SingleItemTTL time.Duration // per-entry freshness window; must be >= 0

	Logger       Logger           // if nil, NopLogger is used
	Observer     Observer         // if nil, NopObserver is used
	Clock        func() time.Time // nil => time.Now
	Clone        func(T) T        // applied to records handed out of the cache; nil => as is
	SingleFlight bool             // share concurrent identical fetches; default false
}

func New[T any, ID Identifier](opts Options[T, ID]) (Store[T, ID], error) {
	return newStore[T, ID](opts)
}
