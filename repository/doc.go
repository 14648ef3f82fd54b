// Package repository provides the generic, connection-agnostic store
// primitives over Bun used by the CRUD services: insert, update, upsert,
// delete, lookup by identifier, filtered listing, pagination and raw
// statements.
package repository
