package ordersaga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// OrchestratorConfig carries the collaborators an Orchestrator needs. Bus,
// Store and Orders are required; the rest default sensibly.
type OrchestratorConfig struct {
	Bus    MessageBus
	Store  SagaStateStore
	Orders OrderRepository

	Policy  *Policy
	Logger  *slog.Logger
	Metrics *Metrics
	Clock   func() time.Time
}

// Orchestrator is the saga state machine. It advances an order-fulfillment
// transaction by publishing commands and reacting to events, persisting
// progress after every transition, and runs compensation when a step fails.
//
// All load-mutate-persist sequences against one saga are serialized by a
// per-correlation-id mutex; the lock is always released before a publish so
// no lock is held across a blocking bus call. The store's optimistic version
// check backs this up against out-of-band writers.
type Orchestrator struct {
	bus     MessageBus
	store   SagaStateStore
	orders  OrderRepository
	policy  *Policy
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	locks *xsync.MapOf[uuid.UUID, *sync.Mutex]
}

// NewOrchestrator validates the config and creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Bus == nil {
		return nil, errors.New("ordersaga: a MessageBus is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("ordersaga: a SagaStateStore is required")
	}
	if cfg.Orders == nil {
		return nil, errors.New("ordersaga: an OrderRepository is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = NewPolicy(PolicyConfig{Logger: cfg.Logger})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Orchestrator{
		bus:     cfg.Bus,
		store:   cfg.Store,
		orders:  cfg.Orders,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Clock,
		locks:   xsync.NewMapOf[uuid.UUID, *sync.Mutex](),
	}, nil
}

// RegisterHandlers subscribes the orchestrator's event handlers on the bus.
func (o *Orchestrator) RegisterHandlers() {
	o.bus.Subscribe(KindInventoryReserved, func(ctx context.Context, msg Message) error {
		event, ok := msg.(InventoryReservedEvent)
		if !ok {
			return fmt.Errorf("ordersaga: unexpected message type %T for %s", msg, msg.Kind())
		}
		return o.HandleInventoryReserved(ctx, event)
	})
	o.bus.Subscribe(KindPaymentProcessed, func(ctx context.Context, msg Message) error {
		event, ok := msg.(PaymentProcessedEvent)
		if !ok {
			return fmt.Errorf("ordersaga: unexpected message type %T for %s", msg, msg.Kind())
		}
		return o.HandlePaymentProcessed(ctx, event)
	})
	o.bus.Subscribe(KindInventoryReservationFailed, func(ctx context.Context, msg Message) error {
		event, ok := msg.(InventoryReservationFailedEvent)
		if !ok {
			return fmt.Errorf("ordersaga: unexpected message type %T for %s", msg, msg.Kind())
		}
		return o.HandleInventoryReservationFailed(ctx, event)
	})
	o.bus.Subscribe(KindPaymentFailed, func(ctx context.Context, msg Message) error {
		event, ok := msg.(PaymentFailedEvent)
		if !ok {
			return fmt.Errorf("ordersaga: unexpected message type %T for %s", msg, msg.Kind())
		}
		return o.HandlePaymentFailed(ctx, event)
	})
}

// StartSaga creates and persists a new saga for the order, dispatches the
// inventory-reservation step and returns the saga's correlation id. The call
// returns once the first command has been dispatched, not once the saga
// completes; a dispatch failure degrades into compensation rather than an
// error to the caller.
func (o *Orchestrator) StartSaga(ctx context.Context, order *Order) (uuid.UUID, error) {
	state := NewSagaState(order.ID, o.now())

	if err := o.store.Save(ctx, state); err != nil {
		return uuid.Nil, fmt.Errorf("ordersaga: persist initial state: %w", err)
	}

	o.metrics.SagasStarted.Inc()
	o.logger.Info("saga_started",
		"correlation_id", state.CorrelationID,
		"order_id", order.ID,
	)

	o.reserveInventory(ctx, state, order)
	return state.CorrelationID, nil
}

// HandleInventoryReserved advances a saga past the inventory-reservation
// step. Events for unknown or already-advanced sagas are dropped.
func (o *Orchestrator) HandleInventoryReserved(ctx context.Context, event InventoryReservedEvent) error {
	state, err := o.applyEvent(ctx, event.CorrelationID, StepInventoryReservation, func(s *SagaState) {
		s.InventoryReserved = true
	})
	if err != nil || state == nil {
		return err
	}

	o.processPayment(ctx, state)
	return nil
}

// HandlePaymentProcessed advances past the payment step on success, or routes
// into compensation when the payment was declined.
func (o *Orchestrator) HandlePaymentProcessed(ctx context.Context, event PaymentProcessedEvent) error {
	if !event.IsSuccessful {
		state, err := o.applyEvent(ctx, event.CorrelationID, StepPaymentProcessing, func(s *SagaState) {
			// The payment never went through, so its own recorded
			// compensation has nothing to undo. Stepping to Compensating in
			// the same locked write makes a contradictory failure event for
			// the same step fail the guard instead of sweeping twice.
			s.neutralizeCompensation(CompensationRefundPayment)
			s.CurrentStep = StepCompensating
		})
		if err != nil || state == nil {
			return err
		}
		o.logger.Warn("payment_declined",
			"correlation_id", event.CorrelationID,
			"order_id", event.OrderID,
		)
		o.compensateTransaction(ctx, state)
		return nil
	}

	state, err := o.applyEvent(ctx, event.CorrelationID, StepPaymentProcessing, func(s *SagaState) {
		s.PaymentProcessed = true
	})
	if err != nil || state == nil {
		return err
	}

	o.confirmOrder(ctx, state)
	return nil
}

// HandleInventoryReservationFailed routes a failed reservation straight into
// compensation.
func (o *Orchestrator) HandleInventoryReservationFailed(ctx context.Context, event InventoryReservationFailedEvent) error {
	state, err := o.applyEvent(ctx, event.CorrelationID, StepInventoryReservation, func(s *SagaState) {
		// Nothing was reserved; drop the release recorded for this step.
		s.neutralizeCompensation(CompensationReleaseInventory)
		s.CurrentStep = StepCompensating
	})
	if err != nil || state == nil {
		return err
	}

	o.logger.Warn("inventory_reservation_failed",
		"correlation_id", event.CorrelationID,
		"order_id", event.OrderID,
		"reason", event.Reason,
	)
	o.compensateTransaction(ctx, state)
	return nil
}

// HandlePaymentFailed routes a failed payment straight into compensation.
func (o *Orchestrator) HandlePaymentFailed(ctx context.Context, event PaymentFailedEvent) error {
	state, err := o.applyEvent(ctx, event.CorrelationID, StepPaymentProcessing, func(s *SagaState) {
		s.neutralizeCompensation(CompensationRefundPayment)
		s.CurrentStep = StepCompensating
	})
	if err != nil || state == nil {
		return err
	}

	o.logger.Warn("payment_failed",
		"correlation_id", event.CorrelationID,
		"order_id", event.OrderID,
		"reason", event.Reason,
	)
	o.compensateTransaction(ctx, state)
	return nil
}

// applyEvent performs the serialized load-mutate-persist for one inbound
// event. It returns (nil, nil) when the event must be dropped: the saga is
// unknown (already terminated or never existed) or is no longer at the step
// the event belongs to, which is how duplicate deliveries are absorbed.
func (o *Orchestrator) applyEvent(ctx context.Context, correlationID uuid.UUID, expectStep SagaStep, mutate func(*SagaState)) (*SagaState, error) {
	var state *SagaState
	err := o.withLock(correlationID, func() error {
		loaded, err := o.store.GetByCorrelationID(ctx, correlationID)
		if errors.Is(err, ErrSagaNotFound) {
			o.logger.Debug("event_dropped_unknown_saga", "correlation_id", correlationID)
			return nil
		}
		if err != nil {
			return err
		}
		if loaded.CurrentStep != expectStep {
			o.logger.Debug("event_dropped_step_mismatch",
				"correlation_id", correlationID,
				"current_step", loaded.CurrentStep,
				"expected_step", expectStep,
			)
			return nil
		}

		mutate(loaded)
		if err := o.store.Save(ctx, loaded); err != nil {
			return err
		}
		state = loaded
		return nil
	})
	return state, err
}

// reserveInventory executes the inventory-reservation step.
func (o *Orchestrator) reserveInventory(ctx context.Context, state *SagaState, order *Order) {
	items := order.InventoryItems()

	err := o.withLock(state.CorrelationID, func() error {
		state.CurrentStep = StepInventoryReservation
		if err := o.store.Save(ctx, state); err != nil {
			return err
		}
		// Recorded before the publish: if the publish fails the command may
		// still have partially landed upstream, and compensation must have
		// something to undo.
		state.AddCompensationAction(NewReleaseInventoryAction(order.ID, items, o.now()))
		return o.store.Save(ctx, state)
	})
	if err != nil {
		o.stepFailed(ctx, state, "reserve_inventory", err)
		return
	}

	cmd := ReserveInventoryCommand{
		MessageMeta: NewMessageMeta(state.CorrelationID),
		OrderID:     order.ID,
		Items:       items,
	}
	if err := o.publish(ctx, cmd); err != nil {
		o.stepFailed(ctx, state, "reserve_inventory", err)
		return
	}

	o.logger.Info("inventory_reservation_requested",
		"correlation_id", state.CorrelationID,
		"order_id", order.ID,
	)
}

// processPayment executes the payment step. The order is re-fetched so the
// charged amount reflects the current aggregate.
func (o *Orchestrator) processPayment(ctx context.Context, state *SagaState) {
	order, err := o.orders.GetByID(ctx, state.OrderID)
	if err != nil {
		o.stepFailed(ctx, state, "process_payment", err)
		return
	}
	amount := order.TotalAmount()

	err = o.withLock(state.CorrelationID, func() error {
		state.CurrentStep = StepPaymentProcessing
		if err := o.store.Save(ctx, state); err != nil {
			return err
		}
		state.AddCompensationAction(NewRefundPaymentAction(order.ID, amount, o.now()))
		return o.store.Save(ctx, state)
	})
	if err != nil {
		o.stepFailed(ctx, state, "process_payment", err)
		return
	}

	cmd := ProcessPaymentCommand{
		MessageMeta: NewMessageMeta(state.CorrelationID),
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		Amount:      amount,
	}
	if err := o.publish(ctx, cmd); err != nil {
		o.stepFailed(ctx, state, "process_payment", err)
		return
	}

	o.logger.Info("payment_processing_requested",
		"correlation_id", state.CorrelationID,
		"order_id", order.ID,
		"amount", amount,
	)
}

// confirmOrder executes the terminal confirmation step. It has no side effect
// to undo, so no compensation action is recorded; the saga transitions
// through OrderConfirmation directly to Completed before the completion event
// is announced.
func (o *Orchestrator) confirmOrder(ctx context.Context, state *SagaState) {
	completedAt := o.now()

	err := o.withLock(state.CorrelationID, func() error {
		state.CurrentStep = StepOrderConfirmation
		state.OrderConfirmed = true
		state.CurrentStep = StepCompleted
		state.CompletedAt = &completedAt
		return o.store.Save(ctx, state)
	})
	if err != nil {
		o.stepFailed(ctx, state, "confirm_order", err)
		return
	}

	o.metrics.observeTerminal(state, completedAt)
	o.forgetLock(state.CorrelationID)

	event := OrderCompletedEvent{
		MessageMeta: NewMessageMeta(state.CorrelationID),
		OrderID:     state.OrderID,
		CompletedAt: completedAt,
	}
	if err := o.publish(ctx, event); err != nil {
		// The saga is already terminal; the completion announcement is
		// best-effort and a lost one is recoverable from persisted state.
		o.logger.Error("order_completed_publish_failed",
			"correlation_id", state.CorrelationID,
			"order_id", state.OrderID,
			"error", err,
		)
		return
	}

	o.logger.Info("saga_completed",
		"correlation_id", state.CorrelationID,
		"order_id", state.OrderID,
	)
}

// stepFailed is the step boundary for unknown failures: log, then compensate.
func (o *Orchestrator) stepFailed(ctx context.Context, state *SagaState, step string, err error) {
	o.logger.Error("saga_step_failed",
		"correlation_id", state.CorrelationID,
		"order_id", state.OrderID,
		"step", step,
		"error", err,
	)
	o.compensateTransaction(ctx, state)
}

// compensateTransaction undoes prior effects: most recently recorded action
// first, one attempt per action. A failed dispatch is logged and the sweep
// continues; whatever the individual outcomes, the saga ends Failed.
func (o *Orchestrator) compensateTransaction(ctx context.Context, state *SagaState) {
	o.logger.Warn("saga_compensating",
		"correlation_id", state.CorrelationID,
		"order_id", state.OrderID,
		"pending_actions", len(state.pendingCompensations()),
	)

	// Event-driven failures step to Compensating inside their locked apply;
	// failures detected mid-step (publish or store errors) checkpoint here.
	if state.CurrentStep != StepCompensating {
		if err := o.persistStep(ctx, state, StepCompensating); err != nil {
			o.logger.Error("compensation_checkpoint_failed",
				"correlation_id", state.CorrelationID,
				"error", err,
			)
		}
	}

	for _, idx := range state.pendingCompensations() {
		action := state.CompensationLog[idx]
		dispatchErr := o.executeCompensationAction(ctx, state, action)

		if err := o.withLock(state.CorrelationID, func() error {
			state.RecordAttempt(action.Kind, o.now(), dispatchErr)
			if dispatchErr == nil {
				state.CompensationLog[idx].Executed = true
			}
			return o.store.Save(ctx, state)
		}); err != nil {
			o.logger.Error("compensation_record_failed",
				"correlation_id", state.CorrelationID,
				"action", action.Kind,
				"error", err,
			)
		}

		o.metrics.observeCompensation(action.Kind, dispatchErr)
		if dispatchErr != nil {
			o.logger.Error("compensation_action_failed",
				"correlation_id", state.CorrelationID,
				"action", action.Kind,
				"error", dispatchErr,
			)
		}
	}

	if err := o.persistStep(ctx, state, StepFailed); err != nil {
		o.logger.Error("compensation_finalize_failed",
			"correlation_id", state.CorrelationID,
			"error", err,
		)
	}

	o.metrics.observeTerminal(state, o.now())
	o.forgetLock(state.CorrelationID)
	o.logger.Warn("saga_failed",
		"correlation_id", state.CorrelationID,
		"order_id", state.OrderID,
	)
}

// executeCompensationAction dispatches the compensating command selected by
// the action's kind.
func (o *Orchestrator) executeCompensationAction(ctx context.Context, state *SagaState, action CompensationAction) error {
	switch action.Kind {
	case CompensationReleaseInventory:
		if action.Release == nil {
			return fmt.Errorf("ordersaga: %s action has no payload", action.Kind)
		}
		return o.publish(ctx, ReleaseInventoryCommand{
			MessageMeta: NewMessageMeta(state.CorrelationID),
			OrderID:     action.Release.OrderID,
			Items:       action.Release.Items,
		})
	case CompensationRefundPayment:
		if action.Refund == nil {
			return fmt.Errorf("ordersaga: %s action has no payload", action.Kind)
		}
		return o.publish(ctx, RefundPaymentCommand{
			MessageMeta: NewMessageMeta(state.CorrelationID),
			OrderID:     action.Refund.OrderID,
			Amount:      action.Refund.Amount,
		})
	default:
		return fmt.Errorf("ordersaga: unknown compensation kind %q", action.Kind)
	}
}

// publish sends a message through the resilience policy.
func (o *Orchestrator) publish(ctx context.Context, msg Message) error {
	err := o.policy.Execute(ctx, "publish "+string(msg.Kind()), func(ctx context.Context) error {
		return o.bus.Publish(ctx, msg)
	})
	if err == nil {
		o.metrics.observePublished(msg.Kind())
	}
	return err
}

// persistStep transitions the step and persists under the saga's lock.
func (o *Orchestrator) persistStep(ctx context.Context, state *SagaState, step SagaStep) error {
	return o.withLock(state.CorrelationID, func() error {
		state.CurrentStep = step
		return o.store.Save(ctx, state)
	})
}

// withLock serializes fn against other load-mutate-persist sequences for the
// same saga. fn must not publish; publishes happen outside the lock.
func (o *Orchestrator) withLock(correlationID uuid.UUID, fn func() error) error {
	mu, _ := o.locks.LoadOrStore(correlationID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// forgetLock drops the keyed mutex once a saga is terminal.
func (o *Orchestrator) forgetLock(correlationID uuid.UUID) {
	o.locks.Delete(correlationID)
}
