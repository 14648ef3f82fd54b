// Package transaction binds database transactions to caller contexts. A
// Manager serves one repository; its Begin returns a context that carries the
// transaction, and every operation given that context runs on the
// transaction's connection until Close.
package transaction
