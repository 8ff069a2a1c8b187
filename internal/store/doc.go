// Package store persists analytics events received over the mesh in SQLite.
//
// Routing state is never stored; only the tracked events that analytics
// resolvers hand to a StoreSink end up here. Saving is idempotent on the
// event id, so a redelivered event is recorded once.
//
//	s, err := store.NewSQLiteStore(path)
//	err = s.SaveTrackedEvent(ctx, &store.TrackedEvent{EventID: id, Name: "page_view"})
package store
