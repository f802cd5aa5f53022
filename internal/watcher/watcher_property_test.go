//go:build property

package watcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestDebouncerProperties validates batching and deduplication of rapid
// change events.
func TestDebouncerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(9876)
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("a burst yields one batch with one event per path", prop.ForAll(
		func(pathCount int, repeats int) bool {
			d := &Debouncer{
				delay:   20 * time.Millisecond,
				events:  make(chan ChangeEvent, 512),
				output:  make(chan []ChangeEvent, 4),
				pending: make([]ChangeEvent, 0),
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go d.start(ctx)

			for r := 0; r < repeats; r++ {
				for p := 0; p < pathCount; p++ {
					d.events <- ChangeEvent{Path: fmt.Sprintf("n%d.properties", p)}
				}
			}

			select {
			case batch := <-d.output:
				if len(batch) != pathCount {
					return false
				}
				for i, e := range batch {
					if e.Path != fmt.Sprintf("n%d.properties", i) {
						return false
					}
				}
			case <-time.After(time.Second):
				return false
			}

			select {
			case <-d.output:
				return false
			case <-time.After(60 * time.Millisecond):
				return true
			}
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
