// Package database opens the relational store behind the engine and
// manages its connection pool: driver selection, pool tuning, health
// checks, and transaction retry for deadlock-prone workloads like the
// ledger's row-locked reserve/settle path.
package database
