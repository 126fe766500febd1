package app

import (
	eventHTTP "github.com/txnflow/sagaengine/internal/event/http"
	eventRepository "github.com/txnflow/sagaengine/internal/event/repository"
	eventUseCase "github.com/txnflow/sagaengine/internal/event/usecase"
	eventbusRepository "github.com/txnflow/sagaengine/internal/eventbus/repository"
)

// EventRepository returns the PostgreSQL event store repository.
func (c *Container) EventRepository() (*eventRepository.PostgreSQLEventRepository, error) {
	c.components.eventRepoInit.Do(func() {
		db, err := c.DB()
		if err != nil {
			c.initErrors["eventRepo"] = err
			return
		}
		c.components.eventRepo = eventRepository.NewPostgreSQLEventRepository(db)
	})
	if storedErr, exists := c.initErrors["eventRepo"]; exists {
		return nil, storedErr
	}
	return c.components.eventRepo, nil
}

// OffsetRepository returns the consumer offset repository.
func (c *Container) OffsetRepository() (*eventbusRepository.PostgreSQLOffsetRepository, error) {
	c.components.offsetRepoInit.Do(func() {
		db, err := c.DB()
		if err != nil {
			c.initErrors["offsetRepo"] = err
			return
		}
		c.components.offsetRepo = eventbusRepository.NewPostgreSQLOffsetRepository(db)
	})
	if storedErr, exists := c.initErrors["offsetRepo"]; exists {
		return nil, storedErr
	}
	return c.components.offsetRepo, nil
}

// EventUseCase returns the event store use case.
func (c *Container) EventUseCase() (eventUseCase.UseCase, error) {
	c.components.eventUseCaseInit.Do(func() {
		repo, err := c.EventRepository()
		if err != nil {
			c.initErrors["eventUseCase"] = err
			return
		}
		c.components.eventUseCase = eventUseCase.NewEventUseCase(repo)
	})
	if storedErr, exists := c.initErrors["eventUseCase"]; exists {
		return nil, storedErr
	}
	return c.components.eventUseCase, nil
}

// EventHandler returns the HTTP handler for event store operations.
func (c *Container) EventHandler() (*eventHTTP.EventHandler, error) {
	c.components.eventHandlerInit.Do(func() {
		useCase, err := c.EventUseCase()
		if err != nil {
			c.initErrors["eventHandler"] = err
			return
		}
		c.components.eventHandler = eventHTTP.NewEventHandler(useCase, c.Logger())
	})
	if storedErr, exists := c.initErrors["eventHandler"]; exists {
		return nil, storedErr
	}
	return c.components.eventHandler, nil
}
