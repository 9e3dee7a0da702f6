package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/partsbay/harvester/internal/database"
	"github.com/partsbay/harvester/internal/domain"
)

func newItemRepo(t *testing.T) (*database.ItemRepository, sqlmock.Sqlmock, func()) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	db := sqlx.NewDb(mockDB, "postgres")
	repo := database.NewItemRepository(db)

	return repo, mock, func() { mockDB.Close() }
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func sampleDetail(number string, specifics int) domain.ItemDetail {
	title := "Front brake caliper " + number
	d := domain.ItemDetail{
		Item: domain.Item{
			Query:                "brake caliper",
			Number:               number,
			Price:                129.99,
			PriceWithoutDelivery: 119.99,
			Condition:            "Used",
			Title:                &title,
			DeliveryPrice:        10.00,
			Seller:               "partsdepot",
			Cycle:                7,
		},
	}
	for i := 0; i < specifics; i++ {
		d.Specifics = append(d.Specifics, domain.SpecificPair{Key: "Brand", Value: "ACDelco"})
	}
	return d
}

func TestItemRepository_InsertDetails_BatchWithSpecifics(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)).AddRow(int64(102)))
	mock.ExpectExec("INSERT INTO item_specifics").
		WithArgs("Brand", "ACDelco", int64(101), "Brand", "ACDelco", int64(102)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := repo.InsertDetails(ctx, []domain.ItemDetail{
		sampleDetail("256111111111", 1),
		sampleDetail("256222222222", 1),
	})
	if err != nil {
		t.Fatalf("InsertDetails() error = %v", err)
	}

	expectationsMet(t, mock)
}

func TestItemRepository_InsertDetails_NoSpecificsSkipsSecondInsert(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO items").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(55)))
	mock.ExpectCommit()

	if err := repo.InsertDetail(ctx, sampleDetail("256333333333", 0)); err != nil {
		t.Fatalf("InsertDetail() error = %v", err)
	}

	expectationsMet(t, mock)
}

func TestItemRepository_InsertDetails_UniqueViolation(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO items").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "items_number_key"})
	mock.ExpectRollback()

	err := repo.InsertDetails(ctx, []domain.ItemDetail{sampleDetail("256444444444", 0)})
	if !errors.Is(err, database.ErrDuplicateItem) {
		t.Fatalf("InsertDetails() error = %v, want ErrDuplicateItem", err)
	}
	if !database.IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation() = false for %v", err)
	}

	expectationsMet(t, mock)
}

func TestItemRepository_InsertDetails_EmptyBatchIsNoop(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	if err := repo.InsertDetails(context.Background(), nil); err != nil {
		t.Fatalf("InsertDetails() error = %v", err)
	}

	expectationsMet(t, mock)
}

func TestItemRepository_ReconcileNumbers(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMPORARY TABLE scanned_numbers").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO scanned_numbers").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE items").
		WithArgs(int64(9), "brake caliper").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE items").
		WithArgs("brake caliper", int64(9), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT s.number").
		WillReturnRows(sqlmock.NewRows([]string{"number"}).AddRow("256999999999"))
	mock.ExpectCommit()

	result, err := repo.ReconcileNumbers(ctx, "brake caliper", 9, 3,
		[]string{"256111111111", "256222222222", "256999999999"})
	if err != nil {
		t.Fatalf("ReconcileNumbers() error = %v", err)
	}

	if result.Refreshed != 2 {
		t.Errorf("Refreshed = %d, want 2", result.Refreshed)
	}
	if result.Archived != 1 {
		t.Errorf("Archived = %d, want 1", result.Archived)
	}
	if len(result.Candidates) != 1 || result.Candidates[0] != "256999999999" {
		t.Errorf("Candidates = %v, want [256999999999]", result.Candidates)
	}

	expectationsMet(t, mock)
}

func TestItemRepository_ReconcileNumbers_EmptyScanStillArchives(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMPORARY TABLE scanned_numbers").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE items").
		WithArgs(int64(4), "water pump").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE items").
		WithArgs("water pump", int64(4), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectQuery("SELECT s.number").
		WillReturnRows(sqlmock.NewRows([]string{"number"}))
	mock.ExpectCommit()

	result, err := repo.ReconcileNumbers(ctx, "water pump", 4, 3, nil)
	if err != nil {
		t.Fatalf("ReconcileNumbers() error = %v", err)
	}

	if result.Archived != 5 {
		t.Errorf("Archived = %d, want 5", result.Archived)
	}
	if len(result.Candidates) != 0 {
		t.Errorf("Candidates = %v, want empty", result.Candidates)
	}

	expectationsMet(t, mock)
}

func TestItemRepository_TitlesByNumbers(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectQuery("SELECT number, title FROM items").
		WillReturnRows(sqlmock.NewRows([]string{"number", "title"}).
			AddRow("256111111111", "Front brake caliper"))

	titles, err := repo.TitlesByNumbers(ctx, []string{"256111111111", "256000000000"})
	if err != nil {
		t.Fatalf("TitlesByNumbers() error = %v", err)
	}

	if got := titles["256111111111"]; got != "Front brake caliper" {
		t.Errorf("title = %q, want %q", got, "Front brake caliper")
	}
	if _, ok := titles["256000000000"]; ok {
		t.Errorf("unexpected title for missing number")
	}

	expectationsMet(t, mock)
}

func TestItemRepository_DeleteByNumbers(t *testing.T) {
	repo, mock, cleanup := newItemRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectExec("DELETE FROM items").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteByNumbers(ctx, []string{"256111111111", "256222222222"})
	if err != nil {
		t.Fatalf("DeleteByNumbers() error = %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	expectationsMet(t, mock)
}
