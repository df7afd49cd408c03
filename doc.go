// Package mqstore implements the per-client message queue persistence of an
// MQTT broker.
//
// For every client session and every shared subscription group, the store
// keeps an ordered queue of outbound application messages and their
// delivery-state markers across the three MQTT quality-of-service levels:
//
//   - QoS 0 messages are held in process memory only, under a global byte
//     budget, and are lost on restart.
//   - QoS 1 and 2 messages are written to a durable ordered key-value store
//     and survive broker restart.
//   - A QoS 2 publish is replaced in place by a release marker once the
//     client acknowledges receipt, preserving its position in the queue.
//
// Message bodies are not stored in the queues. They live in an external
// reference-counted payload store (see PayloadStore) and are addressed
// through opaque handles; the queue holds exactly one reference per
// resident publish and releases it when the publish leaves.
//
// # Sharding
//
// Queues are partitioned into a fixed number of buckets by a hash of the
// queue key, each backed by its own store file. Every operation takes a
// pre-computed bucket index and must be dispatched to that bucket's single
// writer goroutine; within a bucket, operations are serial and the
// in-memory state needs no locking. Use BucketIndex to route calls.
//
// # Quick Start
//
//	payloads := mqstore.NewMemoryPayloads()
//	store, err := mqstore.Open("/var/lib/broker/queues", payloads,
//	    mqstore.WithBucketCount(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	bucket := mqstore.BucketIndex("client-1", false, store.BucketCount())
//	err = store.Add("client-1", false, pub, 1000, mqstore.DiscardOldest, bucket)
//
// # Delivery flow
//
// A message moves through three states: queued (no packet identifier),
// in-flight (packet identifier assigned by ReadNew), and acknowledged
// (removed by Remove, or - for QoS 2 - first replaced by a release marker
// via Replace and then removed). After a reconnect, ReadInflight returns
// the in-flight prefix of the queue so unacknowledged messages can be
// re-sent with the duplicate flag set.
package mqstore
