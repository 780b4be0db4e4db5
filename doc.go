// Package partmesh is a distributed graph-partition store and sampling
// service for graph-learning workloads whose graphs do not fit one machine.
//
// A graph is split by an external partitioner into size-balanced partitions;
// each partition, with its node and edge features, is hosted by a Server.
// Clients issue feature pulls and pushes and neighbor or random-walk
// sampling against the global id space; the partition book translates every
// id to its owning (partition, local id) pair and the request is routed to
// the right server transparently.
//
// The pieces, bottom up:
//
//   - a fixed little-endian wire codec framing typed-buffer messages;
//   - a QUIC-backed transport keeping one persistent stream per
//     (client, server) pair, with bounded outbound queues and bounded
//     reconnect;
//   - a dispatcher correlating requests and responses by sequence number,
//     expiring them by deadline, and running service handlers on a bounded
//     worker pool;
//   - the feature store and sampling services, answering against the
//     partition's read-only local graph and its striped-lock feature
//     tables;
//   - a barrier for whole-group rendezvous at startup and shutdown.
//
// The server set is fixed and known at startup. Transient connection
// failures are retried with backoff; permanent server loss is out of scope.
package partmesh
