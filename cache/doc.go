// Package cache provides the in-memory read-through cache used by the cached
// CRUD service, backed by sturdyc.
package cache
