package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCloseNil(t *testing.T) {
	var d *DB
	if err := d.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestNewDBOpenError(t *testing.T) {
	old := openDB
	openDB = func(driverName, dataSourceName string) (*sql.DB, error) {
		return nil, errors.New("open error")
	}
	defer func() { openDB = old }()

	if _, err := NewDB("dsn"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	if cfg.MaxOpenConns != 25 {
		t.Fatalf("MaxOpenConns: got %d, want 25", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 5 {
		t.Fatalf("MaxIdleConns: got %d, want 5", cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != 5*time.Minute {
		t.Fatalf("ConnMaxLifetime: got %v, want 5m", cfg.ConnMaxLifetime)
	}
}

func TestNewDBWithPool(t *testing.T) {
	raw, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	old := openDB
	var gotDriver string
	openDB = func(driverName, dataSourceName string) (*sql.DB, error) {
		gotDriver = driverName
		return raw, nil
	}
	defer func() { openDB = old }()

	d, err := NewDBWithPool("dsn", PoolConfig{MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if gotDriver != "postgres" {
		t.Fatalf("driver: %s", gotDriver)
	}
	if d.Conn() != raw {
		t.Fatalf("expected wrapped conn")
	}
	if got := raw.Stats().MaxOpenConnections; got != 50 {
		t.Fatalf("max open: %d", got)
	}
	_ = d.Close()
}

func TestPing(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	if err := Wrap(raw).Ping(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	var d *DB
	if err := d.Ping(context.Background()); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	d := Wrap(raw)
	want := errors.New("boom")
	if err := d.withTx(context.Background(), func(dbConn) error { return want }); !errors.Is(err, want) {
		t.Fatalf("err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxCommits(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	if err := Wrap(raw).withTx(context.Background(), func(dbConn) error { return nil }); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxBeginError(t *testing.T) {
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer raw.Close()
	mock.ExpectBegin().WillReturnError(errors.New("no tx"))

	if err := Wrap(raw).withTx(context.Background(), func(dbConn) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 100, -3: 100, 5: 5, 1000: 1000, 5000: 1000}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Fatalf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
