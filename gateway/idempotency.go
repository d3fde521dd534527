package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Request record statuses.
const (
	RecordPending   = "pending"
	RecordCompleted = "completed"
	RecordFailed    = "failed"
)

// maxStoredErrorLen truncates provider errors before persisting them.
const maxStoredErrorLen = 1024

// RequestRecord tracks one logical call by its idempotency key. A
// Completed record replays its snapshot; Pending and Failed records are
// reset to Pending and retried.
type RequestRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string `gorm:"size:64;uniqueIndex;not null"`

	TeamID       string `gorm:"size:64;index"`
	AgentID      string `gorm:"size:64"`
	ExperimentID string `gorm:"size:36;index"`
	Stage        string `gorm:"size:32"`
	Provider     string `gorm:"size:64"`
	Model        string `gorm:"size:128"`

	Status           string `gorm:"size:16;index;not null;default:pending"`
	ResponseSnapshot []byte `gorm:"type:json"`
	InputTokens      int    `gorm:"not null;default:0"`
	OutputTokens     int    `gorm:"not null;default:0"`
	CostCredits      int64  `gorm:"not null;default:0"`
	ErrorMessage     string `gorm:"size:1024"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RequestRecord) TableName() string { return "request_records" }

// RecordStore persists request records in the relational store so the
// Pending row doubles as a first-writer marker across workers.
type RecordStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRecordStore(db *gorm.DB, logger *zap.Logger) *RecordStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{
		db:     db,
		logger: logger.With(zap.String("component", "gateway_idempotency")),
	}
}

// Begin claims the key for this call. It returns the cached response
// when a Completed record exists, otherwise the Pending record to
// settle later. An existing Pending or Failed record is reset and
// retried rather than blocked on.
func (s *RecordStore) Begin(ctx context.Context, req *Request) (*RequestRecord, *Response, error) {
	key := req.IdempotencyKey()

	var rec RequestRecord
	var cached *Response

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("idempotency_key = ?", key).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = RequestRecord{
				IdempotencyKey: key,
				TeamID:         req.TeamID,
				AgentID:        req.AgentID,
				ExperimentID:   req.ExperimentID,
				Stage:          req.Stage,
				Provider:       req.Provider,
				Model:          req.Model,
				Status:         RecordPending,
			}
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}

		if rec.Status == RecordCompleted {
			var resp Response
			if err := json.Unmarshal(rec.ResponseSnapshot, &resp); err != nil {
				return fmt.Errorf("decode cached response: %w", err)
			}
			resp.Cached = true
			resp.CostCredits = 0
			cached = &resp
			return nil
		}

		// Pending or Failed: reset and let this caller retry.
		rec.Status = RecordPending
		rec.ErrorMessage = ""
		return tx.Model(&rec).Updates(map[string]any{
			"status":        RecordPending,
			"error_message": "",
		}).Error
	})
	if err != nil {
		return nil, nil, fmt.Errorf("begin request record: %w", err)
	}

	if cached != nil {
		s.logger.Debug("idempotent replay", zap.String("key", key))
		return nil, cached, nil
	}
	return &rec, nil, nil
}

// Complete snapshots the response on the record.
func (s *RecordStore) Complete(ctx context.Context, rec *RequestRecord, resp *Response) error {
	snapshot, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response snapshot: %w", err)
	}
	return s.db.WithContext(ctx).Model(rec).Updates(map[string]any{
		"status":            RecordCompleted,
		"response_snapshot": snapshot,
		"input_tokens":      resp.Usage.InputTokens,
		"output_tokens":     resp.Usage.OutputTokens,
		"cost_credits":      resp.CostCredits,
		"provider":          resp.Provider,
		"model":             resp.Model,
	}).Error
}

// Fail marks the record failed with a truncated error message.
func (s *RecordStore) Fail(ctx context.Context, rec *RequestRecord, callErr error) error {
	msg := callErr.Error()
	if len(msg) > maxStoredErrorLen {
		msg = msg[:maxStoredErrorLen]
	}
	return s.db.WithContext(ctx).Model(rec).Updates(map[string]any{
		"status":        RecordFailed,
		"error_message": msg,
	}).Error
}

// HasCompleted reports whether a Completed record exists for the key.
// Budget enforcement uses it to skip reserving for a replay.
func (s *RecordStore) HasCompleted(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&RequestRecord{}).
		Where("idempotency_key = ? AND status = ?", key, RecordCompleted).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check completed record: %w", err)
	}
	return count > 0, nil
}

// IdempotencyMiddleware replays completed calls and records the outcome
// of fresh ones. Record bookkeeping failures after a successful call
// are logged, not surfaced; the caller already has its response.
func IdempotencyMiddleware(store *RecordStore) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			rec, cached, err := store.Begin(ctx, req)
			if err != nil {
				return nil, err
			}
			if cached != nil {
				return cached, nil
			}

			resp, err := next(ctx, req)
			if err != nil {
				if failErr := store.Fail(ctx, rec, err); failErr != nil {
					store.logger.Error("mark record failed",
						zap.String("key", rec.IdempotencyKey), zap.Error(failErr))
				}
				return nil, err
			}

			if err := store.Complete(ctx, rec, resp); err != nil {
				store.logger.Error("mark record completed",
					zap.String("key", rec.IdempotencyKey), zap.Error(err))
			}
			return resp, nil
		}
	}
}
