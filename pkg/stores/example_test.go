package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/bubbleform/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_RecordStep demonstrates journaling a run.
func ExampleSQLiteStore_RecordStep() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	run := &stores.Run{
		ID:        "run-001",
		Scenario:  "baseline",
		Status:    stores.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	err := store.RecordStep(ctx,
		&stores.Step{RunID: run.ID, Step: 31, Phase: "VERIFICATION", Pressure: 318.4, Level: 93.1},
		&stores.Transition{RunID: run.ID, Step: 31, FromPhase: "DETECTION", ToPhase: "VERIFICATION", Reason: "DETECTION_COMPLETE"},
		nil,
	)
	if err != nil {
		log.Fatal(err)
	}

	if err := store.FinishRun(ctx, run.ID, stores.RunStatusIncomplete, "VERIFICATION", 0.086, 31, nil); err != nil {
		log.Fatal(err)
	}

	finished, _ := store.GetRun(ctx, run.ID)
	transitions, _ := store.ListTransitions(ctx, run.ID)
	fmt.Printf("%s %s %d\n", finished.Status, finished.FinalPhase, len(transitions))
	// Output: incomplete VERIFICATION 1
}

// ExampleSQLiteStore_GetEvents demonstrates filtering journaled events.
func ExampleSQLiteStore_GetEvents() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	_ = store.CreateRun(ctx, &stores.Run{ID: "run-001", Scenario: "baseline", Status: stores.RunStatusRunning, StartedAt: time.Now()})

	for _, sev := range []string{"INFO", "WARNING", "INFO"} {
		_ = store.AppendEvent(ctx, &stores.Event{
			RunID:    "run-001",
			Kind:     "ledger.drift",
			Severity: sev,
			Message:  "drift " + sev,
		})
	}

	warnings, err := store.GetEvents(ctx, stores.EventFilter{RunID: "run-001", Severity: "WARNING"}, 10, 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(warnings), warnings[0].Message)
	// Output: 1 drift WARNING
}
