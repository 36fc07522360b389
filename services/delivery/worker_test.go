package delivery

import (
	"context"
	"fmt"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/internal/enum"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/internal/utils"
	"github.com/mailbridge/mailbridge/services/pool"
)

type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

func newFakeAccountRepo(accounts ...*models.Account) *fakeAccountRepo {
	repo := &fakeAccountRepo{accounts: make(map[string]*models.Account)}
	for _, account := range accounts {
		repo.accounts[account.ID] = account
	}
	return repo
}

func (r *fakeAccountRepo) Create(ctx context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account.ID == "" {
		account.ID = fmt.Sprintf("acct_%d", len(r.accounts)+1)
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *fakeAccountRepo) Update(ctx context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[account.ID] = account
	return nil
}

func (r *fakeAccountRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id], nil
}

func (r *fakeAccountRepo) GetByEmailAddress(ctx context.Context, address string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, account := range r.accounts {
		if account.EmailAddress == address {
			return account, nil
		}
	}
	return nil, nil
}

func (r *fakeAccountRepo) BumpCredentialVersion(ctx context.Context, id string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return 0, er.ErrAccountNotFound
	}
	account.CredentialVersion++
	return account.CredentialVersion, nil
}

type fakeDeliveryRepo struct {
	mu          sync.Mutex
	records     map[string]*models.Delivery
	nextID      int
	claimDenied map[string]bool
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{
		records:     make(map[string]*models.Delivery),
		claimDenied: make(map[string]bool),
	}
}

func (r *fakeDeliveryRepo) Create(ctx context.Context, delivery *models.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if delivery.ID == "" {
		r.nextID++
		delivery.ID = fmt.Sprintf("dlv_%d", r.nextID)
	}
	if delivery.Status == "" {
		delivery.Status = enum.DeliveryStatusQueued
	}
	delivery.CreatedAt = utils.Now()
	r.records[delivery.ID] = delivery
	return nil
}

func (r *fakeDeliveryRepo) GetByID(ctx context.Context, id string) (*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivery, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	return delivery, nil
}

func (r *fakeDeliveryRepo) GetDue(ctx context.Context, limit int) ([]*models.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*models.Delivery
	for _, delivery := range r.records {
		if len(due) >= limit {
			break
		}
		if delivery.Status == enum.DeliveryStatusQueued {
			due = append(due, delivery)
		}
		if delivery.Status == enum.DeliveryStatusRetry &&
			delivery.NextRetryAt != nil && !delivery.NextRetryAt.After(utils.Now()) {
			due = append(due, delivery)
		}
	}
	return due, nil
}

func (r *fakeDeliveryRepo) Claim(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimDenied[id] {
		return false, nil
	}
	delivery, ok := r.records[id]
	if !ok {
		return false, nil
	}
	if delivery.Status != enum.DeliveryStatusQueued && delivery.Status != enum.DeliveryStatusRetry {
		return false, nil
	}
	delivery.Status = enum.DeliveryStatusSending
	delivery.ClaimedAt = utils.NowPtr()
	return true, nil
}

func (r *fakeDeliveryRepo) MarkSent(ctx context.Context, id string, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivery := r.records[id]
	delivery.Status = enum.DeliveryStatusSent
	delivery.MessageID = messageID
	delivery.SentAt = utils.NowPtr()
	return nil
}

func (r *fakeDeliveryRepo) MarkFailed(ctx context.Context, id string, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivery := r.records[id]
	delivery.Status = enum.DeliveryStatusFailed
	delivery.LastError = lastError
	return nil
}

func (r *fakeDeliveryRepo) MarkRetry(ctx context.Context, id string, lastError string, retryCount int, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivery := r.records[id]
	delivery.Status = enum.DeliveryStatusRetry
	delivery.LastError = lastError
	delivery.RetryCount = retryCount
	delivery.NextRetryAt = utils.TimePtr(nextRetryAt)
	return nil
}

func (r *fakeDeliveryRepo) Discard(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivery, ok := r.records[id]
	if !ok || delivery.Status != enum.DeliveryStatusQueued {
		return false, nil
	}
	delivery.Status = enum.DeliveryStatusDiscarded
	return true, nil
}

func (r *fakeDeliveryRepo) RequeueOrphans(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var requeued int64
	for _, delivery := range r.records {
		if delivery.Status == enum.DeliveryStatusSending {
			delivery.Status = enum.DeliveryStatusQueued
			delivery.ClaimedAt = nil
			requeued++
		}
	}
	return requeued, nil
}

func (r *fakeDeliveryRepo) CountByStatus(ctx context.Context) (map[enum.DeliveryStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[enum.DeliveryStatus]int64)
	for _, delivery := range r.records {
		counts[delivery.Status]++
	}
	return counts, nil
}

func (r *fakeDeliveryRepo) SetEnvelope(ctx context.Context, id string, envelope models.JSONMap) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id].Envelope = envelope
	return nil
}

func (r *fakeDeliveryRepo) status(id string) enum.DeliveryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id].Status
}

func (r *fakeDeliveryRepo) record(id string) models.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.records[id]
}

type fakeSession struct {
	mu      sync.Mutex
	sendErr error
	sends   int
}

func (s *fakeSession) Noop() error { return nil }

func (s *fakeSession) SendMail(ctx context.Context, from string, recipients []string, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return s.sendErr
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

type fakeDialer struct {
	session *fakeSession
	dialErr error
}

func (d *fakeDialer) Dial(ctx context.Context, account *models.Account) (pool.Session, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.session, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []models.Delivery
}

func (p *fakePublisher) PublishDeliveryEvent(ctx context.Context, delivery *models.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, *delivery)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

func testWorkerConfig() *config.WorkerConfig {
	return &config.WorkerConfig{
		PollInterval:   10 * time.Millisecond,
		BatchSize:      10,
		MaxRetries:     3,
		BaseRetryDelay: 30 * time.Second,
		MaxRetryDelay:  600 * time.Second,
		AcquireTimeout: time.Second,
		ShutdownGrace:  time.Second,
	}
}

func testPoolConfig() *config.PoolConfig {
	return &config.PoolConfig{
		MaxConnectionsPerAccount: 2,
		MaxIdle:                  270 * time.Second,
		MaxLifetime:              time.Hour,
		AcquireTimeout:           time.Second,
		DialTimeout:              time.Second,
		NoopCheckBeforeUse:       false,
	}
}

type fixture struct {
	accountRepo  *fakeAccountRepo
	deliveryRepo *fakeDeliveryRepo
	session      *fakeSession
	publisher    *fakePublisher
	pool         *pool.ConnectionPool
	service      *Service
	worker       *Worker
	account      *models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	account := &models.Account{
		ID:           "acct_worker",
		EmailAddress: "sender@example.com",
		SmtpHost:     "smtp.example.com",
		SmtpPort:     587,
	}
	session := &fakeSession{}
	accountRepo := newFakeAccountRepo(account)
	deliveryRepo := newFakeDeliveryRepo()
	publisher := &fakePublisher{}
	log := getLogger()

	repos := &repository.Repositories{
		AccountRepository:  accountRepo,
		DeliveryRepository: deliveryRepo,
	}
	connectionPool := pool.NewConnectionPool(testPoolConfig(), &fakeDialer{session: session}, log)
	t.Cleanup(connectionPool.Close)

	cfg := testWorkerConfig()
	service := NewDeliveryService(cfg, log, repos, connectionPool, publisher)
	worker := NewWorker(cfg, log, repos, service)

	return &fixture{
		accountRepo:  accountRepo,
		deliveryRepo: deliveryRepo,
		session:      session,
		publisher:    publisher,
		pool:         connectionPool,
		service:      service,
		worker:       worker,
		account:      account,
	}
}

func (f *fixture) queuedDelivery(t *testing.T) *models.Delivery {
	t.Helper()
	delivery := &models.Delivery{
		AccountID:   f.account.ID,
		FromAddress: f.account.EmailAddress,
		ToAddresses: []string{"rcpt@example.org"},
		Subject:     "Quarterly report",
		BodyText:    "Report attached below.",
	}
	require.NoError(t, f.deliveryRepo.Create(context.Background(), delivery))
	return delivery
}

func (f *fixture) runAttempt(record *models.Delivery) {
	f.worker.wg.Add(1)
	f.worker.track(record.ID)
	f.worker.attempt(record)
}

func TestWorker_AttemptSendsAndMarksSent(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)

	// Act
	f.runAttempt(record)

	// Assert
	stored := f.deliveryRepo.record(record.ID)
	assert.Equal(t, enum.DeliveryStatusSent, stored.Status)
	assert.NotEmpty(t, stored.MessageID)
	assert.NotNil(t, stored.SentAt)
	assert.Equal(t, 1, f.session.sendCount())
	assert.Equal(t, 1, f.publisher.count())
}

func TestWorker_TransientErrorSchedulesRetryWithBackoff(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.session.sendErr = errors.New("read tcp: connection reset by peer")
	record := f.queuedDelivery(t)
	before := utils.Now()

	// Act
	f.runAttempt(record)

	// Assert
	stored := f.deliveryRepo.record(record.ID)
	assert.Equal(t, enum.DeliveryStatusRetry, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Contains(t, stored.LastError, "connection reset")
	require.NotNil(t, stored.NextRetryAt)
	delay := stored.NextRetryAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 29*time.Second)
	assert.LessOrEqual(t, delay, 31*time.Second)
}

func TestWorker_AuthErrorFailsWithoutRetry(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.session.sendErr = &textproto.Error{Code: 535, Msg: "5.7.8 Authentication credentials invalid"}
	record := f.queuedDelivery(t)

	// Act
	f.runAttempt(record)

	// Assert
	stored := f.deliveryRepo.record(record.ID)
	assert.Equal(t, enum.DeliveryStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Contains(t, stored.LastError, "Authentication credentials invalid")
	assert.Equal(t, 1, f.publisher.count())
}

func TestWorker_RecipientRejectionFailsWithoutRetry(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.session.sendErr = &textproto.Error{Code: 550, Msg: "5.1.1 User unknown"}
	record := f.queuedDelivery(t)

	// Act
	f.runAttempt(record)

	// Assert
	stored := f.deliveryRepo.record(record.ID)
	assert.Equal(t, enum.DeliveryStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "User unknown")
}

func TestWorker_ExhaustedRetriesFailPermanently(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.session.sendErr = errors.New("dial tcp: i/o timeout")
	record := f.queuedDelivery(t)
	record.RetryCount = 3

	// Act
	f.runAttempt(record)

	// Assert
	stored := f.deliveryRepo.record(record.ID)
	assert.Equal(t, enum.DeliveryStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "Max retries exceeded")
	assert.Contains(t, stored.LastError, "i/o timeout")
}

func TestWorker_MissingAccountFailsDelivery(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)
	record.AccountID = "acct_gone"

	// Act
	f.runAttempt(record)

	// Assert
	stored := f.deliveryRepo.record(record.ID)
	assert.Equal(t, enum.DeliveryStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "account unavailable")
}

func TestWorker_Backoff(t *testing.T) {
	// Arrange
	f := newFixture(t)

	// Act / Assert
	assert.Equal(t, 30*time.Second, f.worker.backoff(0))
	assert.Equal(t, 60*time.Second, f.worker.backoff(1))
	assert.Equal(t, 120*time.Second, f.worker.backoff(2))
	assert.Equal(t, 600*time.Second, f.worker.backoff(5))
	// shifted past overflow still lands on the cap
	assert.Equal(t, 600*time.Second, f.worker.backoff(63))
}

func TestWorker_ProcessDueSkipsLostClaims(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)
	f.deliveryRepo.claimDenied[record.ID] = true

	// Act
	f.worker.processDue()
	f.worker.wg.Wait()

	// Assert
	assert.Equal(t, enum.DeliveryStatusQueued, f.deliveryRepo.status(record.ID))
	assert.Equal(t, 0, f.session.sendCount())
	assert.Equal(t, 0, f.worker.inFlightCount())
}

func TestWorker_ProcessDueSkipsRecordsAlreadyInFlight(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)
	require.True(t, f.worker.track(record.ID))

	// Act
	f.worker.processDue()
	f.worker.wg.Wait()

	// Assert
	assert.Equal(t, enum.DeliveryStatusQueued, f.deliveryRepo.status(record.ID))
	assert.Equal(t, 0, f.session.sendCount())
}

func TestWorker_StartRequeuesOrphansAndDrainsQueue(t *testing.T) {
	// Arrange
	f := newFixture(t)
	orphan := f.queuedDelivery(t)
	f.deliveryRepo.records[orphan.ID].Status = enum.DeliveryStatusSending

	// Act
	require.NoError(t, f.worker.Start(context.Background()))

	// Assert: the orphan goes back to queued and gets delivered by the loop
	assert.Eventually(t, func() bool {
		return f.deliveryRepo.status(orphan.ID) == enum.DeliveryStatusSent
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.worker.Stop(context.Background()))
}

func TestWorker_RetryNotDueYetIsNotPickedUp(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)
	f.deliveryRepo.records[record.ID].Status = enum.DeliveryStatusRetry
	f.deliveryRepo.records[record.ID].NextRetryAt = utils.TimePtr(utils.Now().Add(time.Hour))

	// Act
	f.worker.processDue()
	f.worker.wg.Wait()

	// Assert
	assert.Equal(t, enum.DeliveryStatusRetry, f.deliveryRepo.status(record.ID))
	assert.Equal(t, 0, f.session.sendCount())
}
