package eventsourcing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

type orderPlaced struct{ OrderID string }
type orderShipped struct{ OrderID string }

type auditable interface{ AuditTag() string }

type auditedEvent struct{ Tag string }

func (e auditedEvent) AuditTag() string { return e.Tag }

func TestRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("ExactTypeMatch", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		router.On(orderPlaced{}, func(ctx context.Context, msg any) (any, error) {
			return "placed:" + msg.(orderPlaced).OrderID, nil
		})
		router.On(orderShipped{}, func(ctx context.Context, msg any) (any, error) {
			return "shipped:" + msg.(orderShipped).OrderID, nil
		})

		result, handled, err := router.Route(ctx, orderPlaced{OrderID: "o-1"})
		if err != nil {
			t.Fatalf("route failed: %v", err)
		}
		if !handled {
			t.Fatal("expected message to be handled")
		}
		if result != "placed:o-1" {
			t.Errorf("wrong handler invoked: %v", result)
		}
	})

	t.Run("PermissiveIgnoresUnknown", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		router.On(orderPlaced{}, func(ctx context.Context, msg any) (any, error) {
			return nil, nil
		})

		_, handled, err := router.Route(ctx, orderShipped{})
		if err != nil {
			t.Fatalf("permissive router must not error on unknown types: %v", err)
		}
		if handled {
			t.Error("unknown type reported as handled")
		}
	})

	t.Run("StrictErrorsOnUnknown", func(t *testing.T) {
		router := eventsourcing.NewStrictRouter()
		router.On(orderPlaced{}, func(ctx context.Context, msg any) (any, error) {
			return nil, nil
		})

		_, _, err := router.Route(ctx, orderShipped{})
		if !errors.Is(err, eventsourcing.ErrNoHandler) {
			t.Errorf("expected ErrNoHandler, got %v", err)
		}
	})

	t.Run("InterfaceFallback", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		router.OnInterface((*auditable)(nil), func(ctx context.Context, msg any) (any, error) {
			return "audited:" + msg.(auditable).AuditTag(), nil
		})

		result, handled, err := router.Route(ctx, auditedEvent{Tag: "t-1"})
		if err != nil {
			t.Fatalf("route failed: %v", err)
		}
		if !handled || result != "audited:t-1" {
			t.Errorf("interface route not taken: handled=%v result=%v", handled, result)
		}
	})

	t.Run("ExactBeatsInterface", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		router.OnInterface((*auditable)(nil), func(ctx context.Context, msg any) (any, error) {
			return "interface", nil
		})
		router.On(auditedEvent{}, func(ctx context.Context, msg any) (any, error) {
			return "exact", nil
		})

		result, _, err := router.Route(ctx, auditedEvent{})
		if err != nil {
			t.Fatalf("route failed: %v", err)
		}
		if result != "exact" {
			t.Errorf("expected exact match to win, got %v", result)
		}
	})

	t.Run("CatchAll", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		router.OnAny(func(ctx context.Context, msg any) (any, error) {
			return "fallback", nil
		})

		result, handled, err := router.Route(ctx, orderShipped{})
		if err != nil {
			t.Fatalf("route failed: %v", err)
		}
		if !handled || result != "fallback" {
			t.Errorf("catch-all not invoked: handled=%v result=%v", handled, result)
		}
	})

	t.Run("DuplicatePanics", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		handler := func(ctx context.Context, msg any) (any, error) { return nil, nil }
		router.On(orderPlaced{}, handler)

		defer func() {
			if recover() == nil {
				t.Error("expected panic on duplicate route")
			}
		}()
		router.On(orderPlaced{}, handler)
	})

	t.Run("Handles", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		router.On(orderPlaced{}, func(ctx context.Context, msg any) (any, error) { return nil, nil })

		if !router.Handles(orderPlaced{}) {
			t.Error("expected registered type to be handled")
		}
		if router.Handles(orderShipped{}) {
			t.Error("unregistered type reported as handled")
		}
	})

	t.Run("TypedRegistration", func(t *testing.T) {
		router := eventsourcing.NewRouter()
		eventsourcing.RouteTo(router, func(ctx context.Context, msg orderPlaced) (any, error) {
			return msg.OrderID, nil
		})

		result, handled, err := router.Route(ctx, orderPlaced{OrderID: "o-7"})
		if err != nil || !handled {
			t.Fatalf("route failed: handled=%v err=%v", handled, err)
		}
		if result != "o-7" {
			t.Errorf("typed handler saw wrong message: %v", result)
		}
	})
}
