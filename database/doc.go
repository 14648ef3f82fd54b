
// Package database provides repository configuration, bounded connection
// pools over Bun and database/sql, pooled connections with their underlying
// transactions, entity registration, seeding, query hooks, logging and the
// error types shared by the transaction manager and the CRUD services.
package database
