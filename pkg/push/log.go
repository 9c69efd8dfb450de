package push

import (
	"context"
	"log/slog"
)

// LogService only logs pushes. It stands in for a gateway in development.
type LogService struct {
	log *slog.Logger
}

func NewLogService(log *slog.Logger) *LogService {
	return &LogService{log: log}
}

func (s *LogService) Send(_ context.Context, req *Request) error {
	s.log.Info("push notification",
		"type", string(req.Type),
		"provider", req.Provider,
		"prid", req.PRID,
		"call_id", req.CallID,
		"branch_id", req.BranchID,
		"attempt", req.Attempt,
	)
	return nil
}
