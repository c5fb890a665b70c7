package config

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/distrimall/mall-system/order-service/application"
	"github.com/distrimall/mall-system/order-service/handlers"
	"github.com/distrimall/mall-system/order-service/infrastructure"
	sharedinfra "github.com/distrimall/mall-system/shared/infrastructure"
	"github.com/distrimall/mall-system/shared/saga"
	"github.com/distrimall/mall-system/shared/telemetry"
)

type Dependencies struct {
	// Database
	DB *sqlx.DB

	// Repositories
	OrderRepository       *infrastructure.PostgresOrderRepository
	ProductRepository     *infrastructure.PostgresProductRepository
	ReservationRepository *infrastructure.PostgresReservationRepository
	PointsRepository      *infrastructure.PostgresPointsRepository
	PointsGrantRepository *infrastructure.PostgresPointsGrantRepository
	CommissionRepository  *infrastructure.PostgresCommissionRepository
	EventStore            *sharedinfra.PostgresEventStore

	// Workflow engine
	Engine *saga.Engine

	// Use Cases
	CreateOrder       *application.CreateOrder
	GetOrder          *application.GetOrder
	GetUserOrders     *application.GetUserOrders
	PayOrder          *application.PayOrder
	CancelOrder       *application.CancelOrder
	CompleteOrder     *application.CompleteOrder
	GetWorkflowStatus *application.GetWorkflowStatus
	RetryWorkflow     *application.RetryWorkflow

	// HTTP Handlers
	OrderHandlers *handlers.OrderHandlers

	// Event Handlers
	OrderEventHandlers *handlers.OrderEventHandlers

	// Infrastructure
	EventPublisher  *sharedinfra.SNSPublisherAdapter
	EventSubscriber *sharedinfra.SQSSubscriberAdapter

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.OrderServiceConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			log.Printf("Failed to initialize telemetry: %v", err)
			// Continue without telemetry rather than failing
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	// Initialize database
	db, err := sqlx.Connect("postgres", config.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	deps.DB = db

	// Initialize AWS infrastructure
	eventPublisher, err := sharedinfra.NewSNSPublisherAdapter(config.AWS.SNSTopicArn)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	deps.EventPublisher = eventPublisher

	eventSubscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
	}
	deps.EventSubscriber = eventSubscriber

	// Initialize repositories
	deps.OrderRepository = infrastructure.NewPostgresOrderRepository(db)
	deps.ProductRepository = infrastructure.NewPostgresProductRepository(db)
	deps.ReservationRepository = infrastructure.NewPostgresReservationRepository(db)
	deps.PointsRepository = infrastructure.NewPostgresPointsRepository(db)
	deps.PointsGrantRepository = infrastructure.NewPostgresPointsGrantRepository(db)
	deps.CommissionRepository = infrastructure.NewPostgresCommissionRepository(db)
	deps.EventStore = sharedinfra.NewPostgresEventStore(db)

	// Initialize the workflow engine
	var store saga.ExecutionStore
	switch config.Saga.Store {
	case "memory":
		store = saga.NewMemoryStore()
	default:
		store = sharedinfra.NewPostgresSagaStore(db)
	}
	deps.Engine = saga.NewEngine(store,
		saga.WithPublisher(eventPublisher),
		saga.WithDefaultTimeout(time.Duration(config.Saga.TimeoutSeconds)*time.Second),
	)

	// Initialize the payment gateway client
	gateway := infrastructure.NewHTTPPaymentGateway(
		config.Gateway.BaseURL,
		config.Gateway.APIKey,
		time.Duration(config.Gateway.TimeoutSeconds)*time.Second,
	)

	// Initialize use cases. Constructors register their workflow
	// definitions with the engine, so failures here are startup bugs.
	deps.CreateOrder, err = application.NewCreateOrder(
		deps.OrderRepository, deps.ProductRepository, deps.ReservationRepository, eventPublisher, deps.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to build create order use case: %w", err)
	}

	deps.PayOrder, err = application.NewPayOrder(
		deps.OrderRepository, deps.CommissionRepository, gateway, eventPublisher, deps.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to build pay order use case: %w", err)
	}

	deps.CancelOrder, err = application.NewCancelOrder(
		deps.OrderRepository, deps.ProductRepository, deps.ReservationRepository, gateway, eventPublisher, deps.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to build cancel order use case: %w", err)
	}

	deps.CompleteOrder, err = application.NewCompleteOrder(
		deps.OrderRepository, deps.PointsRepository, deps.PointsGrantRepository, deps.CommissionRepository, eventPublisher, deps.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to build complete order use case: %w", err)
	}

	deps.GetOrder = application.NewGetOrder(deps.OrderRepository)
	deps.GetUserOrders = application.NewGetUserOrders(deps.OrderRepository)
	deps.GetWorkflowStatus = application.NewGetWorkflowStatus(deps.Engine)
	deps.RetryWorkflow = application.NewRetryWorkflow(deps.Engine)

	// Initialize handlers
	deps.OrderHandlers = handlers.NewOrderHandlers(
		deps.CreateOrder,
		deps.GetOrder,
		deps.GetUserOrders,
		deps.PayOrder,
		deps.CancelOrder,
		deps.CompleteOrder,
		deps.GetWorkflowStatus,
		deps.RetryWorkflow,
	)
	deps.OrderEventHandlers = handlers.NewOrderEventHandlers(deps.CompleteOrder, deps.CancelOrder, deps.EventStore)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
