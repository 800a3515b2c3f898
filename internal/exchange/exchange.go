package exchange

import (
	"context"
	"fmt"

	"grid-reconciler/internal/models"
)

// DefaultMaxPages bounds a single open-order traversal.
const DefaultMaxPages = 100

// Gateway is the engine's view of an exchange. Every call may block on the
// network and honours ctx. Errors wrap the kinds declared in models.
type Gateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	// ListOpenOrders returns one page; an empty NextPageToken ends the listing.
	ListOpenOrders(ctx context.Context, pageToken string) (models.OpenOrdersPage, error)
	GetBalances(ctx context.Context) (map[string]float64, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (*models.ExchangeOrder, error)
	GetPrice(ctx context.Context) (float64, error)
}

// ListAllOpenOrders walks every page and returns one de-duplicated snapshot.
// A repeated token or more than maxPages pages is a PaginationExhaustionError.
func ListAllOpenOrders(ctx context.Context, gw Gateway, maxPages int) ([]models.ExchangeOrder, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var (
		all   []models.ExchangeOrder
		seen  = make(map[string]bool)
		token string
		used  = make(map[string]bool)
	)
	for pages := 1; ; pages++ {
		if pages > maxPages {
			return nil, &models.PaginationExhaustionError{Pages: pages - 1, Token: token}
		}
		page, err := gw.ListOpenOrders(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("list open orders page %d: %w", pages, err)
		}
		for _, o := range page.Orders {
			if o.ExchangeOrderID == "" {
				return nil, fmt.Errorf("open order without id on page %d: %w", pages, models.ErrMalformedResponse)
			}
			if seen[o.ExchangeOrderID] {
				continue
			}
			seen[o.ExchangeOrderID] = true
			all = append(all, o)
		}
		if page.NextPageToken == "" {
			return all, nil
		}
		if used[page.NextPageToken] {
			return nil, &models.PaginationExhaustionError{Pages: pages, Token: page.NextPageToken}
		}
		used[page.NextPageToken] = true
		token = page.NextPageToken
	}
}
