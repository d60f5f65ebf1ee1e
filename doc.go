// Package passd coordinates exclusive, time-limited use of a small fixed
// pool of parking passes shared by identified users whose devices never talk
// to each other directly. Every device converges on a single remote lease
// store by polling its CRUD surface; the package contributes the engine that
// makes that safe and livable: snapshot reconciliation with transition
// events, a pure claim/release policy, TTL-based reclamation, deduplicated
// notifications, and a local usage tally.
//
// A Session wires the engines together:
//
//	cfg := passd.Config{
//	    StoreURL:    "https://store.example.com",
//	    StoreAPIKey: apiKey,
//	    LocalStore:  "sqlite:///home/me/.passd/local.db",
//	}
//	sess, err := passd.NewSession(cfg, passd.WithNotifier(myNotifier))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//	if err := sess.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The remote store offers no transactions and no compare-and-swap rows;
// claims commit through filter-predicated conditional updates and the whole
// decide-then-write cycle retries when a concurrent writer wins. Expiry is
// enforced twice over, by a foreground pass across each reconciled snapshot
// and a slower background sweep over freshly fetched rows, both recomputing
// deadlines from the authoritative claim time.
package passd
