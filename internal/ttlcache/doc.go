// Package ttlcache provides a thread-safe, size-bounded cache whose entries
// expire after a fixed TTL. It backs inbound event deduplication in the tenant
// runtime and memoizes VPN lookups in the throttle engine.
package ttlcache
