// Package window implements windowed buffers and coherent signals over a
// shared store.Backend.
//
// A Buffer is an append-only, deduplicating log of timestamped Entries of a
// topic. Appends are optimistic transactions which drop entries at or below
// the greatest timestamp already stored (the server high-water mark), making
// replays idempotent. Each Buffer instance tracks its own high-water mark of
// entries observed, and on every notification of its topic reads only
// entries above it, emitting them to its listeners.
//
// A Signal is a single value of a topic. Writes unconditionally overwrite the
// value and notify; each Signal instance emits only values which differ from
// the one it last observed.
//
// A Facade holds the two connections to the store (one for data, one for
// subscriptions) and relays store notifications to per-channel listeners.
// A Context owns a Facade and lazily creates one Buffer and one Signal per
// topic, wiring each to the notifications of its topic:
//
//	var facade = window.Connect(ctx, backend)
//	var wc = window.NewContext(facade, window.Options{})
//
//	var buf, _ = wc.Buffer(ctx, "events")
//	_, _ = buf.Append(ctx, []window.Entry{{ID: "a", Timestamp: 1}})
//
//	var cancel, _ = buf.Since(ctx, window.SinceBeginning, func(entries []window.Entry, err error) {
//		// Called with entries known now, and then with each later delta.
//	})
//	defer cancel()
//
// Listeners are invoked while the emitting instance's lock is held, and must
// not synchronously call back into that instance. They may cancel themselves.
package window
