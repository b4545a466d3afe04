package estest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/cqrskit/pkg/app"
	"github.com/plaenen/cqrskit/pkg/estest"
	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/processing"
	"github.com/plaenen/cqrskit/pkg/saga"
	"github.com/plaenen/cqrskit/pkg/store"
)

type shipmentBooked struct {
	Destination string `json:"destination"`
}

type shipmentDispatched struct {
	Carrier string `json:"carrier"`
}

type shipment struct {
	eventsourcing.AggregateRoot
	booked     bool
	dispatched bool
	carrier    string
}

func newShipment(id string) *shipment {
	return &shipment{AggregateRoot: eventsourcing.NewAggregateRoot(id, "Shipment")}
}

func (s *shipment) ApplyEvent(evt *eventsourcing.Event) error {
	switch p := evt.Payload.(type) {
	case shipmentBooked:
		s.booked = true
	case shipmentDispatched:
		s.dispatched = true
		s.carrier = p.Carrier
	}
	return nil
}

type bookShipment struct {
	eventsourcing.CommandBase
	Destination string
}

func (bookShipment) CommandType() string { return "shipment.book" }

type dispatchShipment struct {
	eventsourcing.CommandBase
	Carrier string
}

func (dispatchShipment) CommandType() string { return "shipment.dispatch" }

type carrierLoadQuery struct {
	eventsourcing.QueryBase
	Carrier string
}

func (carrierLoadQuery) QueryType() string { return "shipment.carrier_load" }

func shipmentRegistry() *eventsourcing.Registry {
	registry := eventsourcing.NewRegistry()
	eventsourcing.RegisterPayload[shipmentBooked](registry, "shipment.booked.v1")
	eventsourcing.RegisterPayload[shipmentDispatched](registry, "shipment.dispatched.v1")
	return registry
}

func shipmentBinding() *app.AggregateDef[*shipment] {
	def := app.NewAggregate("Shipment", newShipment)
	app.HandleCommand(def, "shipment.book", func(ctx context.Context, s *shipment, cmd bookShipment) error {
		if s.booked {
			return eventsourcing.NewDomainError("already_booked", "shipment already booked")
		}
		return s.Emit(ctx, s, shipmentBooked{Destination: cmd.Destination})
	})
	app.HandleCommand(def, "shipment.dispatch", func(ctx context.Context, s *shipment, cmd dispatchShipment) error {
		if !s.booked {
			return eventsourcing.NewDomainError("not_booked", "shipment not booked")
		}
		if s.dispatched {
			return nil
		}
		return s.Emit(ctx, s, shipmentDispatched{Carrier: cmd.Carrier})
	})
	return def
}

// carrierLoadProjection counts dispatched shipments per carrier and
// serves the count as a query.
func carrierLoadProjection() *processing.HandlerSet {
	loads := make(map[string]int)
	hs := processing.NewHandlerSet("carrier-load")
	processing.OnPayload(hs, func(ctx context.Context, p shipmentDispatched, evt *eventsourcing.Event) error {
		loads[p.Carrier]++
		return nil
	})
	hs.ServeQuery("shipment.carrier_load", func(ctx context.Context, q eventsourcing.Query) (any, error) {
		cq, ok := q.(carrierLoadQuery)
		if !ok {
			return nil, eventsourcing.ErrInvalidQuery
		}
		return loads[cq.Carrier], nil
	})
	return hs
}

type noticeState struct {
	Destination string `json:"destination"`
}

type sendNotice struct {
	eventsourcing.CommandBase
	Destination string
}

func (sendNotice) CommandType() string { return "notice.send" }

// noticeSaga sends one notice per booked shipment and closes the
// instance once the shipment is dispatched.
func noticeSaga(states store.SagaStateStore) *saga.Saga[noticeState] {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	sg := saga.New[noticeState]("shipment-notices", states,
		saga.WithLogger[noticeState](quiet),
	)
	saga.Step(sg, saga.StepDef[noticeState, shipmentBooked]{
		Name:    "booked",
		Initial: true,
		ExtractID: func(p shipmentBooked, evt *eventsourcing.Event) (string, error) {
			return evt.AggregateID, nil
		},
		Handle: func(ctx context.Context, state *noticeState, p shipmentBooked, evt *eventsourcing.Event) (*noticeState, error) {
			if p.Destination == "" {
				return nil, errors.New("destination required")
			}
			notice := sendNotice{
				CommandBase: eventsourcing.NewCommandBase(evt.AggregateID),
				Destination: p.Destination,
			}
			if _, err := sg.Commands().Dispatch(ctx, notice); err != nil {
				return nil, err
			}
			return &noticeState{Destination: p.Destination}, nil
		},
	})
	saga.Step(sg, saga.StepDef[noticeState, shipmentDispatched]{
		Name: "dispatched",
		ExtractID: func(p shipmentDispatched, evt *eventsourcing.Event) (string, error) {
			return evt.AggregateID, nil
		},
		Handle: func(ctx context.Context, state *noticeState, p shipmentDispatched, evt *eventsourcing.Event) (*noticeState, error) {
			return nil, nil
		},
	})
	return sg
}

func TestAggregateScenario(t *testing.T) {
	t.Run("EmitsOnFreshStream", func(t *testing.T) {
		estest.ForAggregate(t, shipmentBinding(), shipmentRegistry(), "ship-1").
			When(bookShipment{CommandBase: eventsourcing.NewCommandBase("ship-1"), Destination: "Oslo"}).
			ShouldEmit(shipmentBooked{Destination: "Oslo"}).
			ShouldHaveState(func(s *shipment) bool { return s.booked })
	})

	t.Run("GivenSeedsHistory", func(t *testing.T) {
		estest.ForAggregate(t, shipmentBinding(), shipmentRegistry(), "ship-2").
			Given(shipmentBooked{Destination: "Lima"}).
			When(dispatchShipment{CommandBase: eventsourcing.NewCommandBase("ship-2"), Carrier: "DHL"}).
			ShouldEmit("shipment.dispatched.v1").
			ShouldHaveState(func(s *shipment) bool { return s.carrier == "DHL" })
	})

	t.Run("SucceedsWithoutEmitting", func(t *testing.T) {
		estest.ForAggregate(t, shipmentBinding(), shipmentRegistry(), "ship-3").
			Given(shipmentBooked{Destination: "Lima"}, shipmentDispatched{Carrier: "DHL"}).
			When(dispatchShipment{CommandBase: eventsourcing.NewCommandBase("ship-3"), Carrier: "UPS"}).
			ShouldEmitNothing().
			ShouldHaveState(func(s *shipment) bool { return s.carrier == "DHL" })
	})

	t.Run("SurfacesGuardFailure", func(t *testing.T) {
		estest.ForAggregate(t, shipmentBinding(), shipmentRegistry(), "ship-4").
			When(dispatchShipment{CommandBase: eventsourcing.NewCommandBase("ship-4"), Carrier: "DHL"}).
			ShouldFail("shipment not booked")
	})

	t.Run("ExposesEmittedEnvelopes", func(t *testing.T) {
		sc := estest.ForAggregate(t, shipmentBinding(), shipmentRegistry(), "ship-5").
			When(bookShipment{CommandBase: eventsourcing.NewCommandBase("ship-5"), Destination: "Oslo"})

		emitted := sc.Emitted()
		require.Len(t, emitted, 1)
		assert.Equal(t, "ship-5", emitted[0].AggregateID)
		assert.Equal(t, int64(1), emitted[0].Version)
		assert.NotEmpty(t, emitted[0].Metadata.CorrelationID)
	})
}

func TestProcessorScenario(t *testing.T) {
	t.Run("FoldsAndAnswers", func(t *testing.T) {
		estest.ForProcessor(t, shipmentRegistry(), carrierLoadProjection()).
			When("ship-1", shipmentBooked{Destination: "Oslo"}, shipmentDispatched{Carrier: "DHL"}).
			When("ship-2", shipmentBooked{Destination: "Lima"}, shipmentDispatched{Carrier: "DHL"}).
			When("ship-3", shipmentDispatched{Carrier: "UPS"}).
			ShouldAnswer(carrierLoadQuery{QueryBase: eventsourcing.NewQueryBase(), Carrier: "DHL"}, 2).
			ShouldAnswer(carrierLoadQuery{QueryBase: eventsourcing.NewQueryBase(), Carrier: "UPS"}, 1)
	})

	t.Run("SurfacesHandlerError", func(t *testing.T) {
		hs := processing.NewHandlerSet("failing")
		processing.OnPayload(hs, func(ctx context.Context, p shipmentBooked, evt *eventsourcing.Event) error {
			return errors.New("projection offline")
		})

		estest.ForProcessor(t, shipmentRegistry(), hs).
			When("ship-9", shipmentBooked{Destination: "Oslo"}).
			ShouldFail("projection offline")
	})
}

func TestSagaScenario(t *testing.T) {
	t.Run("StepDispatchesAndKeepsState", func(t *testing.T) {
		sc := estest.ForSaga(t, shipmentRegistry(), noticeSaga).
			When("ship-1", shipmentBooked{Destination: "Oslo"}).
			ShouldDispatch("notice.send").
			ShouldHaveState("ship-1", func(st *noticeState) bool { return st.Destination == "Oslo" })

		cmds := sc.Dispatched()
		require.Len(t, cmds, 1)
		notice, ok := cmds[0].(sendNotice)
		require.True(t, ok, "dispatched %T", cmds[0])
		assert.Equal(t, "Oslo", notice.Destination)
	})

	t.Run("RedeliveryIsNoOp", func(t *testing.T) {
		estest.ForSaga(t, shipmentRegistry(), noticeSaga).
			When("ship-1", shipmentBooked{Destination: "Oslo"}).
			Redeliver().
			ShouldDispatch("notice.send").
			ShouldHaveState("ship-1", func(st *noticeState) bool { return st.Destination == "Oslo" })
	})

	t.Run("TerminalStepDeletesState", func(t *testing.T) {
		estest.ForSaga(t, shipmentRegistry(), noticeSaga).
			When("ship-1", shipmentBooked{Destination: "Oslo"}, shipmentDispatched{Carrier: "DHL"}).
			ShouldDispatch("notice.send").
			ShouldHaveState("ship-1", nil)
	})

	t.Run("NonInitialEventStartsNothing", func(t *testing.T) {
		estest.ForSaga(t, shipmentRegistry(), noticeSaga).
			When("ship-1", shipmentDispatched{Carrier: "DHL"}).
			ShouldDispatch().
			ShouldHaveState("ship-1", nil)
	})

	t.Run("StepFailureSurfaces", func(t *testing.T) {
		estest.ForSaga(t, shipmentRegistry(), noticeSaga).
			When("ship-1", shipmentBooked{Destination: ""}).
			ShouldFail("destination required")
	})
}
