package stores_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/openfroyo/kindle/pkg/stores"
)

// ExampleOpenSQLiteStore demonstrates opening a store and saving a session record.
func ExampleOpenSQLiteStore() {
	ctx := context.Background()

	store, err := stores.OpenSQLiteStore(ctx, stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// A ttl of zero applies the namespace default (24h for sessions)
	payload := json.RawMessage(`{"task":"process important document PDF"}`)
	if err := store.Put(ctx, stores.NamespaceSessions, "session_42", payload, 0); err != nil {
		log.Fatal(err)
	}

	rec, err := store.Get(ctx, stores.NamespaceSessions, "session_42")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(rec.TTL)
	// Output: 24h0m0s
}
