package catalog

import (
	"context"
	"fmt"

	"github.com/partsbay/harvester/internal/domain"
)

// DetailPageFetcher is the slice of Fetcher the resolver needs.
type DetailPageFetcher interface {
	FetchDetailPage(ctx context.Context, number string, proxy *domain.Proxy) (string, error)
}

// Resolver fetches and parses one listing's detail page.
type Resolver struct {
	fetcher       DetailPageFetcher
	parser        *Parser
	markupPercent float64
}

// NewResolver creates a detail resolver. markupPercent inflates the listing
// price (not the delivery) in the stored computed price, covering fees the
// page price omits.
func NewResolver(fetcher DetailPageFetcher, parser *Parser, markupPercent float64) *Resolver {
	return &Resolver{fetcher: fetcher, parser: parser, markupPercent: markupPercent}
}

// ResolveDetail fetches the listing page and parses it. Query and Cycle are
// left for the caller; Number is set to the requested number and Price is
// computed as delivery plus the marked-up listing price.
func (r *Resolver) ResolveDetail(ctx context.Context, number string, proxy *domain.Proxy) (*domain.ItemDetail, error) {
	html, err := r.fetcher.FetchDetailPage(ctx, number, proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch detail page for %s: %w", number, err)
	}

	detail, err := r.parser.ParseDetailPage(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse detail page for %s: %w", number, err)
	}

	detail.Item.Number = number
	detail.Item.Price = detail.Item.DeliveryPrice +
		detail.Item.PriceWithoutDelivery*(1+r.markupPercent/100)
	return detail, nil
}
