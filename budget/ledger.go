package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentfleet/fleetcore/experiment"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryPurchase    EntryType = "purchase"
	EntryReservation EntryType = "reservation"
	EntryRelease     EntryType = "release"
	EntryDeduction   EntryType = "deduction"
)

// LedgerEntry is one immutable row of a team's credit ledger. The chain
// invariant is balance_after[n] = balance_after[n-1] + amount[n] for
// entries of the same team ordered by ID.
type LedgerEntry struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	TeamID        string    `gorm:"size:36;index;not null"`
	UserID        string    `gorm:"size:36"`
	ExperimentID  *string   `gorm:"size:36;index"`
	Type          EntryType `gorm:"size:16;not null"`
	Amount        int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	Description   string    `gorm:"size:512"`
	ReservationID *uint     `gorm:"index"`
	RunRecordID   *string   `gorm:"size:36"`
	CreatedAt     time.Time
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// ReservedAmount returns the positive number of credits a reservation holds.
func (e *LedgerEntry) ReservedAmount() int64 {
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}

// ErrInsufficientBudget is the sentinel for rejected reservations, both
// for experiment caps and team balances.
var ErrInsufficientBudget = errors.New("insufficient budget")

// InsufficientBudgetError carries the amounts behind a rejection.
type InsufficientBudgetError struct {
	TeamID       string
	ExperimentID string
	Requested    int64
	Available    int64
	Scope        string // "experiment_cap" or "team_balance"
}

func (e *InsufficientBudgetError) Error() string {
	if e.Scope == "experiment_cap" {
		return fmt.Sprintf("experiment budget exceeded: remaining %d credits, requested %d", e.Available, e.Requested)
	}
	return fmt.Sprintf("insufficient credits: balance %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBudgetError) Is(target error) bool {
	return target == ErrInsufficientBudget
}

// LedgerMetrics counts appended entries and settled spend. Optional;
// the engine wires its prometheus collector here.
type LedgerMetrics interface {
	RecordLedgerEntry(entryType string)
	RecordCreditsSpent(teamID string, credits int64)
}

// TxRunner runs a function as one retried transaction. The engine wires
// the database pool here so the ledger's contended row-locked writes
// survive deadlocks and dropped connections.
type TxRunner interface {
	WithTransactionRetry(ctx context.Context, maxRetries int, fn func(tx *gorm.DB) error) error
}

// ledgerTxRetries bounds retry of the ledger's short transactions.
const ledgerTxRetries = 3

// Ledger is the append-only reserve/settle protocol over per-team
// running balances. Entries are created inside short transactions and
// never mutated afterwards; the most recent entry row is locked as the
// per-team serialization point.
type Ledger struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics LedgerMetrics
	runner  TxRunner
}

// NewLedger creates a ledger bound to a database.
func NewLedger(db *gorm.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: db, logger: logger.With(zap.String("component", "credit_ledger"))}
}

// SetMetrics attaches an entry/spend recorder.
func (l *Ledger) SetMetrics(m LedgerMetrics) { l.metrics = m }

// SetTxRunner routes ledger transactions through a retrying runner.
// Without one, writes run in plain transactions.
func (l *Ledger) SetTxRunner(r TxRunner) { l.runner = r }

func (l *Ledger) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if l.runner != nil {
		return l.runner.WithTransactionRetry(ctx, ledgerTxRetries, fn)
	}
	return l.db.WithContext(ctx).Transaction(fn)
}

func (l *Ledger) recordEntry(entryType EntryType) {
	if l.metrics != nil {
		l.metrics.RecordLedgerEntry(string(entryType))
	}
}

// Purchase credits a team's balance. Teams with no prior entries start
// from zero.
func (l *Ledger) Purchase(ctx context.Context, teamID, userID string, amount int64, description string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("purchase amount must be positive, got %d", amount)
	}

	var entry LedgerEntry
	err := l.inTx(ctx, func(tx *gorm.DB) error {
		balance, err := l.lockedBalance(tx, teamID)
		if err != nil {
			return err
		}
		entry = LedgerEntry{
			TeamID:       teamID,
			UserID:       userID,
			Type:         EntryPurchase,
			Amount:       amount,
			BalanceAfter: balance + amount,
			Description:  description,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	l.recordEntry(EntryPurchase)
	return &entry, nil
}

// Reserve holds amount credits for an upcoming call. When experimentID
// is non-nil the experiment row is locked and its remaining cap checked
// first; then the team balance is checked under the same transaction.
// A cap of 0 means unlimited.
func (l *Ledger) Reserve(ctx context.Context, teamID string, amount int64, experimentID *string) (*LedgerEntry, error) {
	if amount < 0 {
		return nil, fmt.Errorf("reserve amount must not be negative, got %d", amount)
	}

	var entry LedgerEntry
	err := l.inTx(ctx, func(tx *gorm.DB) error {
		if experimentID != nil && *experimentID != "" {
			var exp experiment.Experiment
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&exp, "id = ?", *experimentID).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				// Reservation against a vanished experiment falls back
				// to the team-balance check alone.
			case err != nil:
				return fmt.Errorf("lock experiment %s: %w", *experimentID, err)
			default:
				if exp.BudgetCapCredits > 0 {
					remaining := exp.BudgetCapCredits - exp.BudgetSpentCredits
					if amount > remaining {
						return &InsufficientBudgetError{
							TeamID: teamID, ExperimentID: *experimentID,
							Requested: amount, Available: remaining,
							Scope: "experiment_cap",
						}
					}
				}
			}
		}

		balance, err := l.lockedBalance(tx, teamID)
		if err != nil {
			return err
		}
		if amount > balance {
			return &InsufficientBudgetError{
				TeamID: teamID, Requested: amount, Available: balance,
				Scope: "team_balance",
			}
		}

		entry = LedgerEntry{
			TeamID:       teamID,
			ExperimentID: experimentID,
			Type:         EntryReservation,
			Amount:       -amount,
			BalanceAfter: balance - amount,
			Description:  "budget reservation",
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	l.recordEntry(EntryReservation)

	l.logger.Debug("credits reserved",
		zap.String("team_id", teamID),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", entry.BalanceAfter))
	return &entry, nil
}

// Settle reconciles a reservation against the actual cost. A cheaper
// call appends one Release entry for the difference, a costlier call one
// Deduction entry, an exact match appends nothing. Settle(reservation, 0)
// is the designated full release on downstream failure. The owning
// experiment's spent counter advances by actualCost.
func (l *Ledger) Settle(ctx context.Context, reservation *LedgerEntry, actualCost int64) error {
	if reservation == nil {
		return errors.New("settle: nil reservation")
	}
	if actualCost < 0 {
		return fmt.Errorf("settle: actual cost must not be negative, got %d", actualCost)
	}

	difference := reservation.ReservedAmount() - actualCost
	err := l.inTx(ctx, func(tx *gorm.DB) error {
		balance, err := l.lockedBalance(tx, reservation.TeamID)
		if err != nil {
			return err
		}

		switch {
		case difference > 0:
			entry := LedgerEntry{
				TeamID:        reservation.TeamID,
				UserID:        reservation.UserID,
				ExperimentID:  reservation.ExperimentID,
				Type:          EntryRelease,
				Amount:        difference,
				BalanceAfter:  balance + difference,
				Description:   fmt.Sprintf("released excess reservation (%d credits)", difference),
				ReservationID: &reservation.ID,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		case difference < 0:
			extra := -difference
			entry := LedgerEntry{
				TeamID:        reservation.TeamID,
				UserID:        reservation.UserID,
				ExperimentID:  reservation.ExperimentID,
				Type:          EntryDeduction,
				Amount:        -extra,
				BalanceAfter:  balance - extra,
				Description:   fmt.Sprintf("additional cost beyond reservation (%d credits)", extra),
				ReservationID: &reservation.ID,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}

		if reservation.ExperimentID != nil && *reservation.ExperimentID != "" && actualCost > 0 {
			err := tx.Model(&experiment.Experiment{}).
				Where("id = ?", *reservation.ExperimentID).
				UpdateColumn("budget_spent_credits", gorm.Expr("budget_spent_credits + ?", actualCost)).Error
			if err != nil {
				return fmt.Errorf("increment experiment spend: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if difference > 0 {
		l.recordEntry(EntryRelease)
	} else if difference < 0 {
		l.recordEntry(EntryDeduction)
	}
	if l.metrics != nil {
		l.metrics.RecordCreditsSpent(reservation.TeamID, actualCost)
	}

	l.logger.Debug("reservation settled",
		zap.String("team_id", reservation.TeamID),
		zap.Int64("reserved", reservation.ReservedAmount()),
		zap.Int64("actual_cost", actualCost))
	return nil
}

// Balance returns the team's current balance, zero for unknown teams.
func (l *Ledger) Balance(ctx context.Context, teamID string) (int64, error) {
	var last LedgerEntry
	err := l.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return last.BalanceAfter, nil
}

// lockedBalance locks the team's most recent entry and returns its
// balance. The row lock serializes concurrent reserve/settle for the
// team; a team with no entries has balance zero (and nothing to lock,
// which is safe because there is no balance to race over either).
func (l *Ledger) lockedBalance(tx *gorm.DB, teamID string) (int64, error) {
	var last LedgerEntry
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("team_id = ?", teamID).
		Order("id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock ledger head for team %s: %w", teamID, err)
	}
	return last.BalanceAfter, nil
}

// Models lists the gorm models this package owns, for migration.
func Models() []any {
	return []any{&LedgerEntry{}}
}
