package app

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	eventHTTP "github.com/txnflow/sagaengine/internal/event/http"
	eventRepository "github.com/txnflow/sagaengine/internal/event/repository"
	eventUseCase "github.com/txnflow/sagaengine/internal/event/usecase"
	eventbusRepository "github.com/txnflow/sagaengine/internal/eventbus/repository"
	"github.com/txnflow/sagaengine/internal/saga/choreography"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
	sagaHTTP "github.com/txnflow/sagaengine/internal/saga/http"
	"github.com/txnflow/sagaengine/internal/saga/invoker"
	"github.com/txnflow/sagaengine/internal/saga/orchestrator"
	"github.com/txnflow/sagaengine/internal/saga/registry"
	sagaRepository "github.com/txnflow/sagaengine/internal/saga/repository"
	sagaUseCase "github.com/txnflow/sagaengine/internal/saga/usecase"
)

// StatusCacheAccess is the full cache surface the container wires: projection
// reads and writes for the use case plus the health probe.
type StatusCacheAccess interface {
	Set(ctx context.Context, instance *sagaDomain.SagaInstance)
	Get(ctx context.Context, id uuid.UUID) *sagaRepository.StatusProjection
	Invalidate(ctx context.Context, id uuid.UUID)
	Ping(ctx context.Context) error
}

// components holds lazily initialized domain components.
type components struct {
	redisClient *redis.Client

	eventRepo    *eventRepository.PostgreSQLEventRepository
	offsetRepo   *eventbusRepository.PostgreSQLOffsetRepository
	eventUseCase eventUseCase.UseCase
	eventHandler *eventHTTP.EventHandler

	sagaRepo           *sagaRepository.PostgreSQLSagaRepository
	statusCache        StatusCacheAccess
	invoker            invoker.Invoker
	engine             *orchestrator.Engine
	coordinator        *choreography.Coordinator
	sagaUseCase        sagaUseCase.UseCase
	transactionHandler *sagaHTTP.TransactionHandler

	eventRepoInit          sync.Once
	offsetRepoInit         sync.Once
	eventUseCaseInit       sync.Once
	eventHandlerInit       sync.Once
	sagaRepoInit           sync.Once
	statusCacheInit        sync.Once
	invokerInit            sync.Once
	engineInit             sync.Once
	coordinatorInit        sync.Once
	sagaUseCaseInit        sync.Once
	transactionHandlerInit sync.Once
}

// SagaRepository returns the PostgreSQL saga instance repository.
func (c *Container) SagaRepository() (*sagaRepository.PostgreSQLSagaRepository, error) {
	c.components.sagaRepoInit.Do(func() {
		db, err := c.DB()
		if err != nil {
			c.initErrors["sagaRepo"] = err
			return
		}
		c.components.sagaRepo = sagaRepository.NewPostgreSQLSagaRepository(db)
	})
	if storedErr, exists := c.initErrors["sagaRepo"]; exists {
		return nil, storedErr
	}
	return c.components.sagaRepo, nil
}

// StatusCache returns the instance status cache. Redis backs it when a URL is
// configured; otherwise a no-op cache keeps all reads on PostgreSQL.
func (c *Container) StatusCache() (StatusCacheAccess, error) {
	c.components.statusCacheInit.Do(func() {
		if c.config.RedisURL == "" {
			c.components.statusCache = sagaRepository.NewNoopStatusCache()
			return
		}

		opts, err := redis.ParseURL(c.config.RedisURL)
		if err != nil {
			c.initErrors["statusCache"] = err
			return
		}
		c.components.redisClient = redis.NewClient(opts)
		c.components.statusCache = sagaRepository.NewRedisStatusCache(
			c.components.redisClient,
			c.config.CacheTTL,
			c.Logger(),
		)
	})
	if storedErr, exists := c.initErrors["statusCache"]; exists {
		return nil, storedErr
	}
	return c.components.statusCache, nil
}

// Invoker returns the HTTP step invoker.
func (c *Container) Invoker() (invoker.Invoker, error) {
	c.components.invokerInit.Do(func() {
		reg, err := c.Registry()
		if err != nil {
			c.initErrors["invoker"] = err
			return
		}
		c.components.invoker = invoker.NewHTTPInvoker(
			reg,
			c.config.InvokerRequestsPerSec,
			c.config.InvokerBurst,
			c.Logger(),
		)
	})
	if storedErr, exists := c.initErrors["invoker"]; exists {
		return nil, storedErr
	}
	return c.components.invoker, nil
}

// Engine returns the orchestration engine.
func (c *Container) Engine() (*orchestrator.Engine, error) {
	c.components.engineInit.Do(func() {
		sagaRepo, err := c.SagaRepository()
		if err != nil {
			c.initErrors["engine"] = err
			return
		}
		eventRepo, err := c.EventRepository()
		if err != nil {
			c.initErrors["engine"] = err
			return
		}
		cache, err := c.StatusCache()
		if err != nil {
			c.initErrors["engine"] = err
			return
		}
		reg, err := c.Registry()
		if err != nil {
			c.initErrors["engine"] = err
			return
		}
		inv, err := c.Invoker()
		if err != nil {
			c.initErrors["engine"] = err
			return
		}
		txManager, err := c.TxManager()
		if err != nil {
			c.initErrors["engine"] = err
			return
		}

		c.components.engine = orchestrator.NewEngine(
			sagaRepo,
			eventRepo,
			cache,
			reg,
			inv,
			txManager,
			sagaDomain.RetryPolicy{
				MaxAttempts: c.config.CompensationMaxAttempts,
				Backoff:     registry.DefaultBackoff,
			},
			c.Logger(),
		)
	})
	if storedErr, exists := c.initErrors["engine"]; exists {
		return nil, storedErr
	}
	return c.components.engine, nil
}

// Coordinator returns the choreography coordinator.
func (c *Container) Coordinator() (*choreography.Coordinator, error) {
	c.components.coordinatorInit.Do(func() {
		sagaRepo, err := c.SagaRepository()
		if err != nil {
			c.initErrors["coordinator"] = err
			return
		}
		bus, err := c.EventBus()
		if err != nil {
			c.initErrors["coordinator"] = err
			return
		}
		cache, err := c.StatusCache()
		if err != nil {
			c.initErrors["coordinator"] = err
			return
		}
		reg, err := c.Registry()
		if err != nil {
			c.initErrors["coordinator"] = err
			return
		}
		c.components.coordinator = choreography.NewCoordinator(sagaRepo, bus, cache, reg, c.Logger())
	})
	if storedErr, exists := c.initErrors["coordinator"]; exists {
		return nil, storedErr
	}
	return c.components.coordinator, nil
}

// SagaUseCase returns the saga transaction use case, wrapped with metrics
// instrumentation when metrics are enabled.
func (c *Container) SagaUseCase() (sagaUseCase.UseCase, error) {
	c.components.sagaUseCaseInit.Do(func() {
		txManager, err := c.TxManager()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}
		sagaRepo, err := c.SagaRepository()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}
		eventRepo, err := c.EventRepository()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}
		cache, err := c.StatusCache()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}
		reg, err := c.Registry()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}
		engine, err := c.Engine()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}
		coordinator, err := c.Coordinator()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}

		useCase := sagaUseCase.NewSagaUseCase(
			txManager,
			sagaRepo,
			eventRepo,
			cache,
			reg,
			engine,
			coordinator,
			c.Logger(),
		)

		businessMetrics, err := c.BusinessMetrics()
		if err != nil {
			c.initErrors["sagaUseCase"] = err
			return
		}
		c.components.sagaUseCase = sagaUseCase.NewSagaUseCaseWithMetrics(useCase, businessMetrics)
	})
	if storedErr, exists := c.initErrors["sagaUseCase"]; exists {
		return nil, storedErr
	}
	return c.components.sagaUseCase, nil
}

// TransactionHandler returns the HTTP handler for saga transaction operations.
func (c *Container) TransactionHandler() (*sagaHTTP.TransactionHandler, error) {
	c.components.transactionHandlerInit.Do(func() {
		useCase, err := c.SagaUseCase()
		if err != nil {
			c.initErrors["transactionHandler"] = err
			return
		}
		c.components.transactionHandler = sagaHTTP.NewTransactionHandler(useCase, c.Logger())
	})
	if storedErr, exists := c.initErrors["transactionHandler"]; exists {
		return nil, storedErr
	}
	return c.components.transactionHandler, nil
}
