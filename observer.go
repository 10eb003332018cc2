package recordcache

// Observer receives state-change notifications from a Store and its Bindings.
// Implementations MUST be cheap and non-blocking; they are called on the
// operation path, after the store lock is released.
// Wrap slow observers with observers/async.
type Observer interface {
	// A read was served from cache without a Backend call.
	// op ∈ {"fetch_all", "fetch_one"}; key is empty for fetch_all.
	CacheHit(namespace, op, key string)

	// FetchAll replaced the whole entry sequence with count records.
	EntriesReplaced(namespace string, count int)

	// A single entry was upserted; inserted=false means replaced in place.
	EntryUpserted(namespace, key string, inserted bool)

	// A progress flag flipped.
	// op ∈ {"fetch_all", "load", "save"}; key is empty for fetch_all.
	Progress(namespace, op, key string, active bool)

	// A Backend call failed or returned not-found. Cache state is unchanged.
	BackendFailed(namespace, op, key string, err error)
}

// NopObserver is the default no-op
type NopObserver struct{}

func (NopObserver) CacheHit(string, string, string)            {}
func (NopObserver) EntriesReplaced(string, int)                {}
func (NopObserver) EntryUpserted(string, string, bool)         {}
func (NopObserver) Progress(string, string, string, bool)      {}
func (NopObserver) BackendFailed(string, string, string, error) {}

// Observers fans every callback out to each member in order.
type Observers []Observer

var _ Observer = Observers(nil)

func (os Observers) CacheHit(ns, op, key string) {
	for _, o := range os {
		o.CacheHit(ns, op, key)
	}
}

func (os Observers) EntriesReplaced(ns string, count int) {
	for _, o := range os {
		o.EntriesReplaced(ns, count)
	}
}

func (os Observers) EntryUpserted(ns, key string, inserted bool) {
	for _, o := range os {
		o.EntryUpserted(ns, key, inserted)
	}
}

func (os Observers) Progress(ns, op, key string, active bool) {
	for _, o := range os {
		o.Progress(ns, op, key, active)
	}
}

func (os Observers) BackendFailed(ns, op, key string, err error) {
	for _, o := range os {
		o.BackendFailed(ns, op, key, err)
	}
}
