// Package recordcache implements a client-side cache over a collection of
// uniquely-identified records held by a remote Backend. Collection and single
// record reads are reused for a configurable TTL; writes go to the Backend and the
// authoritative response is reconciled back into the cache by identity.
//
// Components:
//   - Backend[T, ID]: the system of record (fetch-all, fetch-one, update, create).
//   - Store[T, ID]: cached entries + collection timestamp, TTL-gated reads, upsert on write.
//   - Binding[T, ID]: per-identifier Load/Save with loading/saving progress flags.
//   - Observer: change notifications (entries, progress flags, failures).
//
// Reconciliation:
//
//	FetchAll           - replaces the whole entry sequence (backend order wins)
//	FetchOne/Update/Create - upsert by UID(returned record): replace in place or append
//
// Failures are logged and returned as *OpError; they never panic across the store
// boundary and never modify cached state.
//
//	orgs, _ := recordcache.New(recordcache.Options[Org, int]{
//	    Backend:       backend,
//	    UID:           func(o Org) int { return o.ID },
//	    AllItemsTTL:   time.Minute,
//	    SingleItemTTL: time.Minute,
//	})
//	org, err := orgs.FetchOne(ctx, 1)
package recordcache
