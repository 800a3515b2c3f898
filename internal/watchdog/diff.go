package watchdog

import (
	"sort"
	"time"

	"grid-reconciler/internal/models"
)

// ActionKind names a corrective action.
type ActionKind string

const (
	// ActionQueryStatus: an OPEN order vanished from the book; ask the
	// exchange whether it filled or was cancelled.
	ActionQueryStatus ActionKind = "query_status"
	// ActionCancelZombie: the exchange holds an order the ledger does not.
	ActionCancelZombie ActionKind = "cancel_zombie"
	// ActionMarkMissing: a pending order never reached the exchange.
	ActionMarkMissing ActionKind = "mark_missing"
	// ActionRetryMissing: a missing slot is waiting to be placed again.
	ActionRetryMissing ActionKind = "retry_missing"
	// ActionAdoptOpen: a pending order is on the exchange; bind its id.
	ActionAdoptOpen ActionKind = "adopt_open"
)

// Action is one step of a reconciliation plan.
type Action struct {
	Kind     ActionKind
	Order    models.Order         // ledger side, zero for zombies
	Exchange models.ExchangeOrder // exchange side, zero when absent
}

// DiffConfig holds the time thresholds of a diff.
type DiffConfig struct {
	GraceWindow  time.Duration
	PendingStale time.Duration
}

// Diff compares a ledger snapshot with an exchange snapshot and returns the
// actions that would bring them back in line. It does not touch either side.
//
// The ledger snapshot holds the session's current orders; terminal orders
// other than MISSING are ignored. Orders are matched by exchange order id and,
// for pending orders whose placement response was lost, by client order id.
func Diff(ledger []models.Order, exchange []models.ExchangeOrder, now time.Time, cfg DiffConfig) []Action {
	byXID := make(map[string]models.Order)
	byClient := make(map[string]models.Order)
	for _, o := range ledger {
		if o.Status.Terminal() {
			continue
		}
		if o.ExchangeOrderID != "" {
			byXID[o.ExchangeOrderID] = o
		}
		if o.ClientOrderID != "" {
			byClient[o.ClientOrderID] = o
		}
	}

	var actions []Action
	seenXID := make(map[string]bool)
	seenClient := make(map[string]models.ExchangeOrder)
	for _, eo := range exchange {
		if _, ok := byXID[eo.ExchangeOrderID]; ok {
			seenXID[eo.ExchangeOrderID] = true
			continue
		}
		if lo, ok := byClient[eo.ClientOrderID]; ok && eo.ClientOrderID != "" && lo.Status == models.StatusPendingPlacement {
			seenClient[eo.ClientOrderID] = eo
			continue
		}
		actions = append(actions, Action{Kind: ActionCancelZombie, Exchange: eo})
	}

	for _, o := range ledger {
		switch o.Status {
		case models.StatusOpen:
			if o.ExchangeOrderID != "" && seenXID[o.ExchangeOrderID] {
				continue
			}
			if now.Sub(o.UpdatedAt) <= cfg.GraceWindow {
				continue
			}
			actions = append(actions, Action{Kind: ActionQueryStatus, Order: o})

		case models.StatusPendingPlacement:
			if now.Sub(o.UpdatedAt) <= cfg.PendingStale {
				continue
			}
			if eo, ok := seenClient[o.ClientOrderID]; ok {
				actions = append(actions, Action{Kind: ActionAdoptOpen, Order: o, Exchange: eo})
				continue
			}
			actions = append(actions, Action{Kind: ActionMarkMissing, Order: o})

		case models.StatusMissing:
			actions = append(actions, Action{Kind: ActionRetryMissing, Order: o})
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Kind != actions[j].Kind {
			return actions[i].Kind < actions[j].Kind
		}
		if actions[i].Order.SlotID != actions[j].Order.SlotID {
			return actions[i].Order.SlotID < actions[j].Order.SlotID
		}
		return actions[i].Exchange.ExchangeOrderID < actions[j].Exchange.ExchangeOrderID
	})
	return actions
}
