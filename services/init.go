package services

import (
	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/services/account"
	"github.com/mailbridge/mailbridge/services/delivery"
	"github.com/mailbridge/mailbridge/services/discovery"
	"github.com/mailbridge/mailbridge/services/events"
	"github.com/mailbridge/mailbridge/services/imap"
	"github.com/mailbridge/mailbridge/services/pool"
	"github.com/mailbridge/mailbridge/services/smtp"
)

type Services struct {
	ConnectionPool   *pool.ConnectionPool
	EventsPublisher  interfaces.EventsPublisher
	AccountService   interfaces.AccountService
	DeliveryService  interfaces.DeliveryService
	DeliveryWorker   *delivery.Worker
	DiscoveryService interfaces.DiscoveryService
}

func InitServices(cfg *config.Config, log logger.Logger, repos *repository.Repositories) (*Services, error) {
	var publisher interfaces.EventsPublisher
	if cfg.AppConfig.RabbitMQURL != "" {
		publisherConfig := &events.PublisherConfig{
			MessageTTL:          events.DefaultMessageTTL,
			MaxRetries:          events.DefaultMaxRetries,
			PublishTimeout:      events.DefaultPublishTimeout,
			ReconnectBackoff:    events.DefaultReconnectBackoff,
			MaxReconnectBackoff: events.DefaultMaxReconnectBackoff,
		}
		rabbitPublisher, err := events.NewRabbitMQPublisher(cfg.AppConfig.RabbitMQURL, log, publisherConfig)
		if err != nil {
			return nil, err
		}
		publisher = rabbitPublisher
	} else {
		log.Warn("RABBITMQ_URL not set, delivery events will not be published")
		publisher = events.NewNoopPublisher()
	}

	smtpDialer := smtp.NewDialer()
	imapVerifier := imap.NewVerifier()
	connectionPool := pool.NewConnectionPool(cfg.PoolConfig, smtpDialer, log)

	deliveryService := delivery.NewDeliveryService(cfg.WorkerConfig, log, repos, connectionPool, publisher)
	deliveryWorker := delivery.NewWorker(cfg.WorkerConfig, log, repos, deliveryService)

	services := Services{
		ConnectionPool:   connectionPool,
		EventsPublisher:  publisher,
		AccountService:   account.NewAccountService(log, repos, connectionPool, smtpDialer, imapVerifier),
		DeliveryService:  deliveryService,
		DeliveryWorker:   deliveryWorker,
		DiscoveryService: discovery.NewDiscoveryService(cfg.DiscoveryConfig, log, nil, nil, nil),
	}

	return &services, nil
}
