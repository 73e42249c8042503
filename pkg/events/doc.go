/*
Package events provides an in-memory event broker for harvest's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
collection-run events to interested observers. It decouples the workers
driving per-host state machines from everything that wants to watch
them: CLI progress output, log streaming, and test assertions all
subscribe without the workers knowing.

# Architecture

The broker provides non-blocking pub/sub messaging with buffered
channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │              Event Broker                  │           │
	│  │  - In-memory message bus                   │           │
	│  │  - Topic-agnostic (all events broadcast)   │           │
	│  │  - Non-blocking publish                    │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Event Distribution                │           │
	│  │                                            │           │
	│  │  Publisher → Event Channel (buffer: 100)   │           │
	│  │       ↓                                    │           │
	│  │  Broadcast Loop                            │           │
	│  │       ↓                                    │           │
	│  │  Subscriber Channels (buffer: 50 each)     │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Event Types                      │           │
	│  │                                            │           │
	│  │  Job Events:                               │           │
	│  │    - job.queued                            │           │
	│  │    - job.phase                             │           │
	│  │    - job.done                              │           │
	│  │    - job.failed                            │           │
	│  │                                            │           │
	│  │  Session Events:                           │           │
	│  │    - session.expiring                      │           │
	│  │                                            │           │
	│  │  Run Events:                               │           │
	│  │    - run.summary                           │           │
	│  └────────────────────────────────────────────┘           │
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Subscribers                     │           │
	│  │                                            │           │
	│  │  CLI: live per-host progress lines         │           │
	│  │  Batch executor: summary aggregation       │           │
	│  │  Tests: phase-transition assertions        │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Delivery Semantics

Publish never blocks a collection worker. Events flow through a
buffered publish channel (100 events) into a broadcast loop, which
offers each event to every subscriber channel (50 events each) with a
non-blocking send. A subscriber that stops reading loses events; a
counter records every drop so an operator can tell telemetry was
incomplete. There is no replay and no persistence: events narrate a
live run, they are not the system of record. The per-job Outcome is.

# Usage

Create and start a broker, then hand it to the executor:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Printf("%s %s %s\n", ev.Hostname, ev.Type, ev.Phase)
		}
	}()

Publishers fill in the domain fields; the broker stamps the time:

	broker.Publish(&events.Event{
		Type:     events.EventJobPhase,
		JobID:    job.ID,
		Hostname: job.Hostname,
		Tool:     job.Tool,
		Phase:    types.PhaseFetch,
	})

# Design Notes

Events carry typed fields (job ID, hostname, tool, phase) rather than a
generic metadata map, because every publisher in this codebase has the
same shape of thing to say and subscribers switch on those fields
directly.

Unsubscribe closes the subscriber channel, so range loops over a
subscription terminate cleanly when the observer detaches.
*/
package events
