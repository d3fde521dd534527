package gateway

import (
	"bytes"
	"context"

	"go.uber.org/zap"
)

// SchemaMiddleware flags responses whose declared structured output
// came back empty. A mismatch is logged and marked, never raised: the
// caller decides whether an unparseable response fails the stage.
func SchemaMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "gateway_schema"))

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			resp, err := next(ctx, req)
			if err != nil {
				return nil, err
			}

			resp.SchemaValid = true
			if len(req.OutputSchema) > 0 && parsedIsNull(resp.Parsed) {
				resp.SchemaValid = false
				logger.Warn("structured output missing",
					zap.String("experiment_id", req.ExperimentID),
					zap.String("stage", req.Stage),
					zap.String("model", resp.Model))
			}
			return resp, nil
		}
	}
}

func parsedIsNull(parsed []byte) bool {
	trimmed := bytes.TrimSpace(parsed)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
