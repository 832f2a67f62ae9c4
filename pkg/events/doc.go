/*
Package events provides the in-memory event bus of a broker.

Components publish lifecycle events (plans saved or toggled, plan and job
instances moving between states, tasks dispatched or failed, workers
joining and leaving) without knowing who listens. Publish never blocks:
events go into a buffered channel and a single goroutine fans them out to
every subscriber. A subscriber whose buffer is full misses the event
rather than stalling the broker.

	b := events.NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Type, ev.Metadata["plan_id"])
	}

Events are not persisted. Consumers that need history read the store.
*/
package events
