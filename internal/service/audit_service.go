package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fedverse/session-api/internal/models"
	"github.com/fedverse/session-api/pkg/config"
	"github.com/fedverse/session-api/pkg/jobs"
)

type auditStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AuditService records session lifecycle events. Writes go through an
// in-memory queue so a slow audit table never blocks token issuance.
type AuditService struct {
	repo    auditStore
	queue   *jobs.Queue
	logger  *zap.Logger
	enabled bool
}

// NewAuditService constructs an AuditService with its worker queue.
func NewAuditService(repo auditStore, cfg config.AuditConfig, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AuditService{repo: repo, logger: logger, enabled: cfg.Enabled && repo != nil}
	svc.queue = jobs.NewQueue("audit", svc.handle, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return svc
}

// Start begins background consumption of audit writes.
func (s *AuditService) Start(ctx context.Context) {
	if s.enabled {
		s.queue.Start(ctx)
	}
}

// Stop drains the queue workers.
func (s *AuditService) Stop() {
	if s.enabled {
		s.queue.Stop()
	}
}

// Record enqueues an audit entry. Failures are logged and dropped so the
// request path never blocks on the audit store.
func (s *AuditService) Record(entry *models.AuditLog) {
	if s == nil || !s.enabled {
		return
	}
	job := jobs.Job{ID: uuid.NewString(), Type: entry.Action, Payload: entry}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLog)
	if !ok {
		return fmt.Errorf("unexpected audit payload type %T", job.Payload)
	}
	return s.repo.Create(ctx, entry)
}
