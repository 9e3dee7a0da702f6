package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/partsbay/harvester/internal/domain"
)

// ErrDuplicateItem is returned when an insert collides with an item number
// that is already stored. Callers should check with errors.Is().
var ErrDuplicateItem = errors.New("item number already stored")

const (
	// pqUniqueViolation is the PostgreSQL error code for unique_violation.
	pqUniqueViolation = "23505"

	// itemInsertColumns lists the columns populated on item insert.
	itemInsertColumns = `query, number, price, price_without_delivery, location,
		condition, title, delivery_price, seller, cycle`

	itemInsertArgCount = 10
)

// IsUniqueViolation reports whether err is (or wraps) a PostgreSQL
// unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	return errors.Is(err, ErrDuplicateItem)
}

// ItemRepository handles database operations for harvested items and their
// key/value specifics.
type ItemRepository struct {
	db *sqlx.DB
}

// NewItemRepository creates a new item repository.
func NewItemRepository(db *sqlx.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// InsertDetails stores a batch of item details in a single transaction:
// one multi-row insert for the items, then one for their specifics. The
// whole batch fails atomically; a number collision is reported as
// ErrDuplicateItem so the caller can fall back to per-item inserts.
func (r *ItemRepository) InsertDetails(ctx context.Context, details []domain.ItemDetail) error {
	if len(details) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	ids, insertErr := insertItems(ctx, tx, details)
	if insertErr != nil {
		return insertErr
	}

	if specErr := insertSpecifics(ctx, tx, ids, details); specErr != nil {
		return specErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("failed to commit item batch: %w", commitErr)
	}

	return nil
}

// InsertDetail stores a single item detail with its specifics.
func (r *ItemRepository) InsertDetail(ctx context.Context, detail domain.ItemDetail) error {
	return r.InsertDetails(ctx, []domain.ItemDetail{detail})
}

// insertItems performs the multi-row item insert and returns the generated
// ids in input order.
func insertItems(ctx context.Context, tx *sqlx.Tx, details []domain.ItemDetail) ([]int64, error) {
	placeholders := make([]string, 0, len(details))
	args := make([]any, 0, len(details)*itemInsertArgCount)

	for i, d := range details {
		base := i * itemInsertArgCount
		group := make([]string, itemInsertArgCount)
		for j := range group {
			group[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(group, ", ")+")")
		args = append(args,
			d.Item.Query, d.Item.Number, d.Item.Price, d.Item.PriceWithoutDelivery,
			d.Item.Location, d.Item.Condition, d.Item.Title, d.Item.DeliveryPrice,
			d.Item.Seller, d.Item.Cycle,
		)
	}

	query := fmt.Sprintf(
		"INSERT INTO items (%s) VALUES %s RETURNING id",
		itemInsertColumns, strings.Join(placeholders, ", "),
	)

	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrapItemInsertErr(err)
	}
	defer rows.Close()

	ids := make([]int64, 0, len(details))
	for rows.Next() {
		var id int64
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("failed to scan inserted item id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, wrapItemInsertErr(rowsErr)
	}
	if len(ids) != len(details) {
		return nil, fmt.Errorf("item insert returned %d ids for %d rows", len(ids), len(details))
	}

	return ids, nil
}

// insertSpecifics performs the multi-row specifics insert for a batch of
// freshly inserted items. Items without specifics contribute no rows.
func insertSpecifics(ctx context.Context, tx *sqlx.Tx, ids []int64, details []domain.ItemDetail) error {
	var placeholders []string
	var args []any

	argIndex := 1
	for i, d := range details {
		for _, s := range d.Specifics {
			placeholders = append(placeholders,
				fmt.Sprintf("($%d, $%d, $%d)", argIndex, argIndex+1, argIndex+2))
			args = append(args, s.Key, s.Value, ids[i])
			argIndex += 3
		}
	}

	if len(placeholders) == 0 {
		return nil
	}

	query := "INSERT INTO item_specifics (key, value, item_id) VALUES " +
		strings.Join(placeholders, ", ")

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert item specifics: %w", err)
	}

	return nil
}

// wrapItemInsertErr maps a unique-constraint violation onto ErrDuplicateItem.
func wrapItemInsertErr(err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("failed to insert items: %w", ErrDuplicateItem)
	}
	return fmt.Errorf("failed to insert items: %w", err)
}

// AllNumbers returns every stored item number across all queries. Used to
// rebuild the durable duplicate cache.
func (r *ItemRepository) AllNumbers(ctx context.Context) ([]string, error) {
	var numbers []string
	err := r.db.SelectContext(ctx, &numbers, `SELECT number FROM items`)
	if err != nil {
		return nil, fmt.Errorf("failed to select item numbers: %w", err)
	}
	return numbers, nil
}

// TitlesByNumbers returns the stored title for each of the given numbers
// that exists and has a non-null title.
func (r *ItemRepository) TitlesByNumbers(ctx context.Context, numbers []string) (map[string]string, error) {
	if len(numbers) == 0 {
		return map[string]string{}, nil
	}

	query := `SELECT number, title FROM items WHERE title IS NOT NULL AND number = ANY($1)`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(numbers))
	if err != nil {
		return nil, fmt.Errorf("failed to select item titles: %w", err)
	}
	defer rows.Close()

	titles := make(map[string]string, len(numbers))
	for rows.Next() {
		var number, title string
		if scanErr := rows.Scan(&number, &title); scanErr != nil {
			return nil, fmt.Errorf("failed to scan item title row: %w", scanErr)
		}
		titles[number] = title
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate item titles: %w", rowsErr)
	}

	return titles, nil
}

// DeleteByNumbers removes items (and, via cascade, their specifics) whose
// numbers are in the given set. Returns the number of deleted rows.
func (r *ItemRepository) DeleteByNumbers(ctx context.Context, numbers []string) (int64, error) {
	if len(numbers) == 0 {
		return 0, nil
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM items WHERE number = ANY($1)`, pq.Array(numbers))
	if err != nil {
		return 0, fmt.Errorf("failed to delete items by number: %w", err)
	}

	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return 0, affectedErr
	}
	return n, nil
}

// ReconcileResult reports the outcome of reconciling a catalog scan against
// stored items for one query.
type ReconcileResult struct {
	// Candidates are scanned numbers with no stored item yet.
	Candidates []string
	// Refreshed is the count of stored items bumped to the current cycle.
	Refreshed int64
	// Archived is the count of stored items flagged as gone from the catalog.
	Archived int64
}

// ReconcileNumbers compares the numbers seen during one full catalog scan of
// a query against the stored items for that query. Stored items that were
// seen again are bumped to the current cycle; stored items unseen for more
// than archiveDistance cycles are archived. Rows are locked with SKIP LOCKED
// so concurrent workers reconciling the same query never deadlock; a row
// claimed by a peer is simply left for the peer's outcome. Numbers with no
// stored item come back as candidates for harvesting.
func (r *ItemRepository) ReconcileNumbers(
	ctx context.Context,
	queryName string,
	cycle int64,
	archiveDistance int64,
	numbers []string,
) (*ReconcileResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if tempErr := fillScanTable(ctx, tx, numbers); tempErr != nil {
		return nil, tempErr
	}

	result := &ReconcileResult{}

	refreshed, refreshErr := refreshSeenItems(ctx, tx, queryName, cycle)
	if refreshErr != nil {
		return nil, refreshErr
	}
	result.Refreshed = refreshed

	archived, archiveErr := archiveUnseenItems(ctx, tx, queryName, cycle, archiveDistance)
	if archiveErr != nil {
		return nil, archiveErr
	}
	result.Archived = archived

	candidates, candErr := selectCandidates(ctx, tx)
	if candErr != nil {
		return nil, candErr
	}
	result.Candidates = candidates

	if commitErr := tx.Commit(); commitErr != nil {
		return nil, fmt.Errorf("failed to commit reconcile transaction: %w", commitErr)
	}

	return result, nil
}

// fillScanTable creates the per-transaction scan table and loads the
// observed numbers into it.
func fillScanTable(ctx context.Context, tx *sqlx.Tx, numbers []string) error {
	_, err := tx.ExecContext(ctx,
		`CREATE TEMPORARY TABLE scanned_numbers (number VARCHAR(120) PRIMARY KEY) ON COMMIT DROP`)
	if err != nil {
		return fmt.Errorf("failed to create scan table: %w", err)
	}

	if len(numbers) == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scanned_numbers (number)
		 SELECT DISTINCT unnest($1::varchar[])`, pq.Array(numbers))
	if err != nil {
		return fmt.Errorf("failed to load scan table: %w", err)
	}

	return nil
}

// refreshSeenItems bumps items observed in the scan to the current cycle.
func refreshSeenItems(ctx context.Context, tx *sqlx.Tx, queryName string, cycle int64) (int64, error) {
	query := `
		UPDATE items
		SET cycle = $1, archive = FALSE, not_actual = FALSE
		FROM scanned_numbers s
		WHERE items.number = s.number
		  AND items.query = $2
		  AND items.id IN (
			SELECT i.id FROM items i
			JOIN scanned_numbers sn ON sn.number = i.number
			WHERE i.query = $2
			FOR UPDATE OF i SKIP LOCKED
		  )
	`

	result, err := tx.ExecContext(ctx, query, cycle, queryName)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh seen items: %w", err)
	}

	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return 0, affectedErr
	}
	return n, nil
}

// archiveUnseenItems archives items for the query whose last-seen cycle has
// fallen behind by more than the archive distance.
func archiveUnseenItems(
	ctx context.Context,
	tx *sqlx.Tx,
	queryName string,
	cycle, archiveDistance int64,
) (int64, error) {
	query := `
		UPDATE items
		SET archive = TRUE
		WHERE id IN (
			SELECT id FROM items
			WHERE query = $1
			  AND archive = FALSE
			  AND cycle <= $2 - $3
			FOR UPDATE SKIP LOCKED
		)
	`

	result, err := tx.ExecContext(ctx, query, queryName, cycle, archiveDistance)
	if err != nil {
		return 0, fmt.Errorf("failed to archive unseen items: %w", err)
	}

	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return 0, affectedErr
	}
	return n, nil
}

// selectCandidates returns scanned numbers with no stored item.
func selectCandidates(ctx context.Context, tx *sqlx.Tx) ([]string, error) {
	query := `
		SELECT s.number
		FROM scanned_numbers s
		LEFT JOIN items i ON i.number = s.number
		WHERE i.id IS NULL
		ORDER BY s.number
	`

	var candidates []string
	if err := tx.SelectContext(ctx, &candidates, query); err != nil {
		return nil, fmt.Errorf("failed to select harvest candidates: %w", err)
	}

	if candidates == nil {
		candidates = []string{}
	}
	return candidates, nil
}
