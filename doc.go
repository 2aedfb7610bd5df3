// Package outbox holds back the outgoing effects of a message consumer until
// the consumer has finished successfully.
//
// While a handler runs, every publish, send, or response it requests is
// buffered in a ConsumeContext instead of reaching the broker. When the
// handler succeeds the buffer is committed; when it fails the buffer is
// discarded, so a failed consumer never leaks half of its side effects.
// Messages scheduled for later delivery are stored at once and confirmed on
// commit or cancelled on rollback.
//
// Architecture:
//   - ConsumeContext: per-delivery outbox (buffer, clear-to-send gate, commit, rollback)
//   - SchedulerContext: tracks scheduled messages for confirm/cancel
//   - Filter: runs a handler inside an outbox and settles it
//   - Consumer: subscribes to a transport and drives the Filter per message
//   - Transports: channel (in-memory), Redis Streams, NATS, Kafka, AMQP
//   - Schedulers: memory, Redis, SQL, MongoDB
//
// Basic example:
//
//	t := channel.New()
//	t.RegisterEvent(ctx, "orders.created")
//	t.RegisterEvent(ctx, "orders.accepted")
//
//	sched := scheduler.NewMemoryScheduler(t)
//	go sched.Start(ctx)
//
//	c := outbox.NewConsumer(t, "orders.created",
//	    func(ctx context.Context, oc *outbox.ConsumeContext) error {
//	        if err := saveOrder(ctx, oc.Payload()); err != nil {
//	            return err // nothing below is sent
//	        }
//	        if _, err := oc.ScheduleAfter(ctx, "orders.reminder", oc.Payload(), 24*time.Hour, nil); err != nil {
//	            return err
//	        }
//	        return oc.Publish(ctx, "orders.accepted", oc.Payload(), nil)
//	    },
//	    outbox.WithConsumerScheduler(sched),
//	)
//	go c.Start(ctx)
//
// Filter Options:
//   - WithConcurrentDelivery: dispatch buffered actions concurrently. Default is false (in order).
//   - WithConsumerType: name reported on consumed/faulted notifications.
//   - WithSource: source recorded on outgoing messages.
//   - WithLogger, WithMeterProvider, WithTracerProvider.
//
// Consumer Options:
//   - WithConsumerScheduler: enable scheduling on the consume context.
//   - WithIdempotency: skip messages that were already processed.
//   - WithPoisonDetector: quarantine messages that keep failing.
//   - WithRateLimiter: bound the message rate.
//   - WithSubscribeOptions: pass delivery mode or worker group to the transport.
//
// Lifecycle:
//
//	open --ExecutePendingActions--> committing --> committed
//	                                          \--> faulted --DiscardPendingActions--> discarded
//	open --DiscardPendingActions--> discarded
//
// Once commit or rollback has begun, further effects are rejected with
// ErrOutboxClosed.
package outbox
