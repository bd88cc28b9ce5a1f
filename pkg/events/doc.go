/*
Package events provides the in-memory broker that streams sandbox progress.

Every long-running workspace operation reports what it is doing as events:
boots, cache hits and misses, installs, process lifecycle and dev server
readiness. The CLI subscribes and prints them so a user never sees a silent
stall.

	Publisher ──► event queue (100) ──► broadcast loop ──► subscriber (50 each)

Publish never blocks. When the queue or a subscriber buffer is full the event
is dropped for that receiver. Ordering is preserved per subscriber.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Message)
		}
	}()
*/
package events
