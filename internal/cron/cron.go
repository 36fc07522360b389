package cron

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	cron_config "github.com/mailbridge/mailbridge/internal/cron/config"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/services/pool"
)

// CONSTANTS
const (
	// GroupMailbridge is the group for mailbridge related jobs
	GroupMailbridge = "mailbridge"

	// LeaseDuration is how long a lease lasts before needing renewal
	LeaseDuration = 15 * time.Second
	// RenewDeadline is how long a leader has to renew its lease
	RenewDeadline = 10 * time.Second
	// RetryPeriod is how long to wait between leadership attempts
	RetryPeriod = 2 * time.Second
)

// LOCK MANAGEMENT
var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupMailbridge: new(sync.Mutex),
	},
}

type CronManager struct {
	log          logger.Logger
	cron         *cronv3.Cron
	k8s          kubernetes.Interface
	stopCh       chan struct{}
	jobIDs       map[string]cronv3.EntryID
	pool         *pool.ConnectionPool
	repositories *repository.Repositories
}

func NewCronManager(log logger.Logger, k8s kubernetes.Interface, connectionPool *pool.ConnectionPool, repositories *repository.Repositories) *CronManager {
	return &CronManager{
		log:          log,
		k8s:          k8s,
		stopCh:       make(chan struct{}),
		jobIDs:       make(map[string]cronv3.EntryID),
		pool:         connectionPool,
		repositories: repositories,
	}
}

// Start initializes and starts the cron manager with leader election
// If k8s is nil, it will start in local mode without leader election
func (cm *CronManager) Start(podName, namespace string) error {
	if cm.k8s == nil || os.Getenv("LOCAL_DEV") == "true" {
		cm.log.Info("Starting cron manager in local mode")
		cm.StartCron()
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      "mailbridge-cron-leader",
			Namespace: namespace,
		},
		Client: cm.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: podName,
		},
	}

	// Channel to track leader election errors
	errCh := make(chan error, 1)

	go func() {
		le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   LeaseDuration,
			RenewDeadline:   RenewDeadline,
			RetryPeriod:     RetryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					cm.StartCron()
				},
				OnStoppedLeading: func() {
					cm.log.Info("Leader lost - stopping crons")
					cm.Stop()
				},
				OnNewLeader: func(identity string) {
					cm.log.Infof("New leader elected: %s", identity)
				},
			},
		})
		if err != nil {
			errCh <- err
			return
		}

		ctx := context.Background()
		le.Run(ctx)
	}()

	// Wait briefly to see if leader election fails immediately
	select {
	case err := <-errCh:
		cm.log.Warnf("Leader election failed, falling back to local mode: %v", err)
		cm.StartCron()
	case <-time.After(5 * time.Second):
	}

	return nil
}

// Stop gracefully stops the cron manager
func (cm *CronManager) Stop() {
	if cm.cron != nil {
		cm.log.Info("Stopping cron manager")
		ctx := cm.cron.Stop()
		// Wait for jobs to finish
		<-ctx.Done()
	}
	close(cm.stopCh)
}

// registerJobs adds all cron jobs to the scheduler
func (cm *CronManager) registerJobs(c *cronv3.Cron) {
	var cronConfig cron_config.Config
	if err := env.Parse(&cronConfig); err != nil {
		cm.log.Fatalf("Failed to parse cron config from environment: %v", err)
	}

	if cronConfig.CronScheduleHeartbeat != "" {
		podName := os.Getenv("POD_NAME")
		if podName == "" {
			podName = "local"
		}
		id, err := c.AddFunc(cronConfig.CronScheduleHeartbeat, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			cm.log.Infof("Cron heartbeat from pod: %s", podName)
		})
		if err != nil {
			cm.log.Fatalf("Could not add heartbeat cron job: %v", err)
		}
		cm.jobIDs["heartbeat"] = id
		cm.log.Infof("Registered heartbeat job with schedule: %s", cronConfig.CronScheduleHeartbeat)
	}

	if cronConfig.CronSchedulePoolReaper != "" {
		id, err := c.AddFunc(cronConfig.CronSchedulePoolReaper, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			jobLocks.locks[GroupMailbridge].Lock()
			defer jobLocks.locks[GroupMailbridge].Unlock()
			cm.reapStaleConnections()
		})
		if err != nil {
			cm.log.Fatalf("Could not add pool reaper cron job: %v", err)
		}
		cm.jobIDs["pool_reaper"] = id
		cm.log.Infof("Registered pool reaper job with schedule: %s", cronConfig.CronSchedulePoolReaper)
	}

	if cronConfig.CronScheduleQueueReport != "" {
		id, err := c.AddFunc(cronConfig.CronScheduleQueueReport, func() {
			defer tracing.RecoverAndLogToJaeger(cm.log)
			cm.reportQueueDepth()
		})
		if err != nil {
			cm.log.Fatalf("Could not add queue report cron job: %v", err)
		}
		cm.jobIDs["queue_report"] = id
		cm.log.Infof("Registered queue report job with schedule: %s", cronConfig.CronScheduleQueueReport)
	}
}

// StartCron initializes and starts the cron scheduler
func (cm *CronManager) StartCron() {
	cm.log.Info("Starting cron manager")
	cronOptions := []cronv3.Option{
		cronv3.WithSeconds(),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger), // Skip if still running
			cronv3.Recover(cronv3.DefaultLogger),            // Default recovery as backup
		),
	}
	c := cronv3.New(cronOptions...)
	cm.registerJobs(c)
	c.Start()
	cm.cron = c
}

func (cm *CronManager) reapStaleConnections() {
	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.reapStaleConnections")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	evicted := cm.pool.EvictStale(ctx)
	if evicted > 0 {
		cm.log.Infof("Pool reaper evicted %d stale connections", evicted)
	}
}

func (cm *CronManager) reportQueueDepth() {
	ctx := context.Background()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager.reportQueueDepth")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	counts, err := cm.repositories.DeliveryRepository.CountByStatus(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Failed to count deliveries by status: %v", err)
		return
	}
	tracing.LogObjectAsJson(span, "counts", counts)
	cm.log.Infof("Delivery queue depth: %v", counts)
}
