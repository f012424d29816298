// Package storage provides the document store contract and its three
// implementations: a bounded in-memory cache, a durable SQLite store, and a
// tiered composition of the two (read-through, write-through).
package storage
