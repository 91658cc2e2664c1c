/*
Package agentrpc carries Hive's RPC traffic over grpc with a JSON
codec.

The wire types are plain Go structs marshalled by a codec registered
under the "json" content subtype; service shapes are declared with
grpc.ServiceDesc values instead of generated stubs. Both the
southbound agent service (manager -> agent) and the northbound manager
service share the codec.

Create requests carry the kernel's attempt sequence and the caller's
fencing token; agents use the pair to deduplicate retransmissions and
to reject dispatchers working from a stale lease.
*/
package agentrpc
