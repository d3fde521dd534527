// Package budget implements the append-only credit ledger with its
// reserve/settle protocol, cost estimation for provider calls, and the
// auto-pause reaction to exhausted budgets.
package budget
