/*
Package storage provides Postgres-backed persistence for the catalog
coordinator's three logical stores: the games table (present on master and
both slaves), and the pending queues, node-status table, and transaction
log (master only).

Schema is applied by the embedded migrations in migrations.go, grouped into
a master migration set and a slave migration set. Every Store method takes
its target *sql.DB as a parameter; there is no package-level or
struct-level binding to a particular node's database.
*/
package storage
