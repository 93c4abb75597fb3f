/*
Package events publishes and subscribes to the cluster-lifecycle
events Sokovan emits, over NATS.

Two delivery modes answer the two semantics the scheduler and
reconciler need:

  - Broadcast (PublishBroadcast / SubscribeBroadcast): a core NATS
    publish on a subject every subscriber receives. SessionScheduledEvent
    and SessionTerminatedEvent use this mode, since every API-layer
    subscriber watching a session needs to observe its transitions.

  - Anycast (PublishAnycast / SubscribeAnycast): a NATS queue-group
    subscribe, so exactly one member of the group handles each message.
    RouteCreatedEvent uses this mode: only the one manager replica whose
    session-creation worker is listening should act on it.

# Usage

	bus := events.NewBus(natsConn)

	bus.PublishBroadcast("sokovan.events", events.Event{
		Kind:      events.SessionScheduledEvent,
		SessionID: session.ID,
	})

	bus.PublishAnycast("sokovan.routes", "session-creators", events.Event{
		Kind:       events.RouteCreatedEvent,
		EndpointID: endpoint.ID,
	})

	bus.SubscribeBroadcast("sokovan.events", func(e events.Event) {
		switch e.Kind {
		case events.SessionScheduledEvent:
			// ...
		case events.SessionTerminatedEvent:
			// ...
		}
	})

Kind is a closed string enum; a consumer should switch exhaustively
over it rather than branch on the raw string, so a new Kind added here
is a compile-time-visible decision at every call site that matters.
*/
package events
