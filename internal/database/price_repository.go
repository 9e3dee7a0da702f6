package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// PriceRepository reads per-article price ceilings from the parts price
// catalog. The parts_prices view keys rows by the normalized article and
// carries the lowest observed price per pricing source.
type PriceRepository struct {
	db *sqlx.DB
}

// NewPriceRepository creates a new price repository.
func NewPriceRepository(db *sqlx.DB) *PriceRepository {
	return &PriceRepository{db: db}
}

// PriceCeiling returns the lowest known catalog price for a query's article,
// or nil when the catalog has no price for it. Queries are matched on the
// normalized article so "ab-123 c" and "AB123C" resolve to the same row.
func (r *PriceRepository) PriceCeiling(ctx context.Context, queryName string) (*float64, error) {
	article := NormalizeArticle(queryName)
	if article == "" {
		return nil, nil
	}

	var row struct {
		Market sql.NullFloat64 `db:"min_price_by_market"`
		User   sql.NullFloat64 `db:"min_price_by_user"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT min_price_by_market, min_price_by_user FROM parts_prices WHERE article = $1`,
		article)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read price ceiling: %w", err)
	}

	var ceiling *float64
	for _, v := range []sql.NullFloat64{row.Market, row.User} {
		if v.Valid && (ceiling == nil || v.Float64 < *ceiling) {
			price := v.Float64
			ceiling = &price
		}
	}
	return ceiling, nil
}

// NormalizeArticle uppercases an article and strips everything outside
// [A-Z0-9], the form the price catalog is keyed on.
func NormalizeArticle(article string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(article) {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
