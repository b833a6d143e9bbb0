// Package bus provides an in-process publish/subscribe bus for task run
// lifecycle notifications.
//
// # Overview
//
// Publishers send opaque payloads to dot-separated subjects. Subscribers
// receive every message whose subject matches their pattern on a buffered
// channel. Delivery never blocks the publisher: a full subscriber buffer
// drops the message and counts it.
//
// # Subjects
//
// Patterns follow the familiar token wildcards:
//
//	tasks.run.operator:scan[1]:1   exact subject
//	tasks.run.*                    any single token
//	tasks.>                        one or more trailing tokens
//
// # Usage
//
//	b := bus.NewMemoryBus(bus.DefaultConfig())
//	sub, _ := b.Subscribe("tasks.lifecycle")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Channels are closed by Unsubscribe and by Close.
package bus
