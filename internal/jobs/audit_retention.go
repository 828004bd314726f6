package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// Pruner deletes audit events older than a cutoff.
type Pruner interface {
	Enabled() bool
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionJob periodically removes session audit events past the
// retention period.
type AuditRetentionJob struct {
	pruner    Pruner
	retention time.Duration
	interval  time.Duration
	logger    *log.Logger
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewAuditRetentionJob creates a new retention job.
func NewAuditRetentionJob(p Pruner, retention, interval time.Duration, logger *log.Logger) *AuditRetentionJob {
	if interval == 0 {
		interval = 1 * time.Hour
	}
	return &AuditRetentionJob{
		pruner:    p,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background job. It does nothing when the audit log is
// disabled or retention is unlimited.
func (j *AuditRetentionJob) Start() {
	if !j.pruner.Enabled() || j.retention <= 0 {
		return
	}
	j.wg.Add(1)
	go j.run()
	j.logger.Printf("AuditRetentionJob: started (retention=%v, interval=%v)", j.retention, j.interval)
}

// Stop gracefully stops the background job.
func (j *AuditRetentionJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
}

func (j *AuditRetentionJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.prune()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.prune()
		case <-j.stopCh:
			j.logger.Println("AuditRetentionJob: stopped")
			return
		}
	}
}

func (j *AuditRetentionJob) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	n, err := j.pruner.Prune(ctx, cutoff)
	if err != nil {
		j.logger.Printf("AuditRetentionJob: prune failed: %v", err)
		return
	}
	if n > 0 {
		j.logger.Printf("AuditRetentionJob: removed %d events older than %s", n, cutoff.Format(time.RFC3339))
	}
}
