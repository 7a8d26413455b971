// Package recovery rebuilds a consistent trading state after a restart.
// Every step is ordered and blocking: the gateway is not marked ready until
// in-flight orders are resolved against the exchange, one reconciliation
// cycle has run, and orphaned reservations are released.
package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/gateway"
	"trading-core/internal/order"
	"trading-core/internal/orderstore"
	"trading-core/internal/reconcile"
)

// Deps carries everything recovery touches.
type Deps struct {
	Breaker    *breaker.Breaker
	Store      *orderstore.Store
	Venue      exchange.Exchange
	Gateway    *gateway.Gateway
	Balances   *balance.Manager
	Reconciler *reconcile.Service
	Bus        *events.Bus
}

// Run executes the ordered recovery sequence and marks the gateway ready on
// success. An error leaves the gateway refusing all submissions.
func Run(ctx context.Context, d Deps) error {
	// 1. Resume persisted breaker state. A prior OPEN or DRAINING stays
	// OPEN until an operator resets it; recovery still completes so the
	// operator console can inspect state.
	if err := d.Breaker.LoadPersisted(); err != nil {
		return fmt.Errorf("recovery: load breaker state: %w", err)
	}
	if st := d.Breaker.CurrentState(); st != breaker.StateClosed {
		log.Printf("🛠 recovery: breaker resumed %s; trading stays halted until operator reset", st)
	}

	// 2+3. Resolve every order the venue may still know about: non-terminal
	// records plus those parked PENDING_VERIFICATION by a submit timeout.
	unresolved, err := d.Store.ListInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovery: list in-flight orders: %w", err)
	}
	parked, err := d.Store.ListPendingVerification(ctx)
	if err != nil {
		return fmt.Errorf("recovery: list pending verification: %w", err)
	}
	unresolved = append(unresolved, parked...)

	for _, rec := range unresolved {
		if err := resolveOrder(ctx, d, rec); err != nil {
			return fmt.Errorf("recovery: resolve order %s: %w", rec.ClientOrderID, err)
		}
	}

	// 4. One reconciliation cycle; failure trips the breaker and aborts.
	if d.Reconciler != nil {
		if err := d.Reconciler.Cycle(ctx); err != nil {
			d.Breaker.Trip("startup reconciliation failed: " + err.Error())
			return fmt.Errorf("recovery: reconciliation: %w", err)
		}
	}

	// 5. Release reservations no live order references.
	if err := releaseOrphans(ctx, d); err != nil {
		return fmt.Errorf("recovery: release orphans: %w", err)
	}

	// 6. Open for business.
	d.Gateway.SetReady()
	log.Printf("🛠 recovery complete; gateway ready")
	return nil
}

// resolveOrder fetches the venue's truth for one unresolved order and settles
// it. An order the venue never saw is closed out locally with a full refund.
func resolveOrder(ctx context.Context, d Deps, rec order.Order) error {
	snap, err := d.Venue.Fetch(ctx, rec.VenueOrderID, rec.ClientOrderID)
	if err != nil {
		// The venue has no record: the crash happened before submission
		// landed. Release the reservation and close the order.
		if rec.ReservationID != "" {
			if rerr := d.Balances.Release(balance.Reservation{ID: rec.ReservationID}); rerr != nil && rerr != balance.ErrUnknownReservation {
				return rerr
			}
		}
		rec.Status = order.StatusRejected
		now := time.Now()
		rec.TerminalAt = &now
		if perr := d.Store.Put(ctx, rec, "recovery: never reached venue"); perr != nil {
			return perr
		}
		d.Breaker.Complete(rec.ClientOrderID, false)
		log.Printf("🛠 recovery: %s never reached venue; reservation released", rec.ClientOrderID)
		return nil
	}

	if snap.Status.IsTerminal() {
		if _, serr := d.Gateway.Settle(ctx, rec, snap); serr != nil {
			return serr
		}
		log.Printf("🛠 recovery: settled %s as %s", rec.ClientOrderID, snap.Status)
		return nil
	}

	// Still live at the venue: adopt its status and leave the reservation in
	// place; the reconciler and breaker keep it accounted for.
	rec.Status = snap.Status
	rec.VenueOrderID = snap.VenueID
	if perr := d.Store.Put(ctx, rec, "recovery: adopted live venue status"); perr != nil {
		return perr
	}
	d.Breaker.Register(rec.ClientOrderID)
	return nil
}

// releaseOrphans frees every reservation not referenced by a non-terminal
// order record.
func releaseOrphans(ctx context.Context, d Deps) error {
	live, err := d.Store.ListInFlight(ctx)
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(live))
	for _, o := range live {
		if o.ReservationID != "" {
			referenced[o.ReservationID] = true
		}
	}

	for _, res := range d.Balances.AllReservations() {
		if referenced[res.ID] {
			continue
		}
		if err := d.Balances.ReleaseByID(res.ID); err != nil {
			return err
		}
		log.Printf("🛠 recovery: released orphan reservation %s (%s %s)", res.ID, res.Amount, res.Currency)
		if d.Bus != nil {
			_ = d.Bus.Publish(events.TopicRiskAlert, events.RiskAlertPayload{
				Kind: "orphan_reservation_released", Detail: res.ID,
			})
		}
	}
	return nil
}
