package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStorageWithDB(db, validConfig()), mock
}

func TestIsDeadlock(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "deadlock code", err: &pq.Error{Code: "40P01"}, want: true},
		{name: "wrapped deadlock", err: fmt.Errorf("save block: %w", &pq.Error{Code: "40P01"}), want: true},
		{name: "other pq code", err: &pq.Error{Code: "23505"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDeadlock(tt.err); got != tt.want {
				t.Errorf("IsDeadlock() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHighestFinalized(t *testing.T) {
	t.Run("empty store returns zero", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery("SELECT MAX\\(height\\) FROM blocks").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

		h, err := s.HighestFinalized(context.Background())
		if err != nil {
			t.Fatalf("HighestFinalized() error = %v", err)
		}
		if h != 0 {
			t.Errorf("HighestFinalized() = %d, want 0", h)
		}
	})

	t.Run("returns stored height", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery("SELECT MAX\\(height\\) FROM blocks").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(12345))

		h, err := s.HighestFinalized(context.Background())
		if err != nil {
			t.Fatalf("HighestFinalized() error = %v", err)
		}
		if h != 12345 {
			t.Errorf("HighestFinalized() = %d, want 12345", h)
		}
	})
}

func TestSaveBlockTx(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO blocks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.DB().Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	block := &RawBlock{
		Height:         42,
		Hash:           "0xaaa",
		ParentHash:     "0xbbb",
		StateRoot:      "0xccc",
		ExtrinsicsRoot: "0xddd",
		SpecVersion:    100,
		DigestLogs:     []string{"0x06"},
	}
	if err := s.SaveBlockTx(context.Background(), tx, block, StatusBest); err != nil {
		t.Fatalf("SaveBlockTx() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestFinalizeRange(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec("UPDATE blocks SET status = 'finalized'").
		WithArgs(int64(100), int64(110)).
		WillReturnResult(sqlmock.NewResult(0, 10))

	n, err := s.FinalizeRange(context.Background(), 100, 110)
	if err != nil {
		t.Fatalf("FinalizeRange() error = %v", err)
	}
	if n != 10 {
		t.Errorf("FinalizeRange() = %d rows, want 10", n)
	}
}

func TestBlockHashAt(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery("SELECT hash, status FROM blocks").
			WithArgs(int64(50)).
			WillReturnRows(sqlmock.NewRows([]string{"hash", "status"}).AddRow("0xabc", "best"))

		hash, status, found, err := s.BlockHashAt(context.Background(), 50)
		if err != nil {
			t.Fatalf("BlockHashAt() error = %v", err)
		}
		if !found || hash != "0xabc" || status != StatusBest {
			t.Errorf("BlockHashAt() = %s, %s, %v", hash, status, found)
		}
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery("SELECT hash, status FROM blocks").
			WithArgs(int64(51)).
			WillReturnRows(sqlmock.NewRows([]string{"hash", "status"}))

		_, _, found, err := s.BlockHashAt(context.Background(), 51)
		if err != nil {
			t.Fatalf("BlockHashAt() error = %v", err)
		}
		if found {
			t.Error("BlockHashAt() found = true, want false")
		}
	})
}

func TestConsistencyScan(t *testing.T) {
	s, mock := newMockStorage(t)

	// Heights 1..5 with 3 missing and 5's parent not matching 4's hash.
	rows := sqlmock.NewRows([]string{"height", "hash", "parent_hash", "status"}).
		AddRow(1, "0xh1", "0xh0", "finalized").
		AddRow(2, "0xh2", "0xh1", "finalized").
		AddRow(4, "0xh4", "0xh3", "finalized").
		AddRow(5, "0xh5", "0xWRONG", "finalized")
	mock.ExpectQuery("SELECT height, hash, parent_hash, status FROM blocks").
		WillReturnRows(rows)

	bad, err := s.ConsistencyScan(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("ConsistencyScan() error = %v", err)
	}
	want := []uint32{3, 5}
	if len(bad) != len(want) {
		t.Fatalf("ConsistencyScan() = %v, want %v", bad, want)
	}
	for i := range want {
		if bad[i] != want[i] {
			t.Errorf("ConsistencyScan()[%d] = %d, want %d", i, bad[i], want[i])
		}
	}
}

func TestPruneForkedBest(t *testing.T) {
	s, mock := newMockStorage(t)

	// Stored: best chain A at 50..52, where 50 diverges from the finalized
	// hash B. Everything descending from A must go, children first.
	rows := sqlmock.NewRows([]string{"height", "hash", "parent_hash", "status"}).
		AddRow(50, "0xA50", "0xh49", "best").
		AddRow(51, "0xA51", "0xA50", "best").
		AddRow(52, "0xA52", "0xA51", "best")
	mock.ExpectQuery("SELECT height, hash, parent_hash, status FROM blocks").
		WillReturnRows(rows)

	// Deletes in descending height order: 52, 51, 50.
	for _, h := range []int64{52, 51, 50} {
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM events").WithArgs(h).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM extrinsics").WithArgs(h).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM blocks").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	pruned, err := s.PruneForkedBest(context.Background(), 50, "0xB50")
	if err != nil {
		t.Fatalf("PruneForkedBest() error = %v", err)
	}
	if pruned != 3 {
		t.Errorf("PruneForkedBest() = %d, want 3", pruned)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPruneForkedBestKeepsCanonicalDescendants(t *testing.T) {
	s, mock := newMockStorage(t)

	// Best blocks above 50 that descend from the new finalized hash survive.
	rows := sqlmock.NewRows([]string{"height", "hash", "parent_hash", "status"}).
		AddRow(50, "0xB50", "0xh49", "finalized").
		AddRow(51, "0xB51", "0xB50", "best").
		AddRow(52, "0xA52", "0xA51", "best") // orphan from the pruned fork
	mock.ExpectQuery("SELECT height, hash, parent_hash, status FROM blocks").
		WillReturnRows(rows)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM events").WithArgs(int64(52)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM extrinsics").WithArgs(int64(52)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM blocks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pruned, err := s.PruneForkedBest(context.Background(), 50, "0xB50")
	if err != nil {
		t.Fatalf("PruneForkedBest() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("PruneForkedBest() = %d, want 1 (only the orphan)", pruned)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestUpsertAccountTx(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, _ := s.DB().Begin()
	if err := s.UpsertAccountTx(context.Background(), tx, "0xabc", 7); err != nil {
		t.Fatalf("UpsertAccountTx() error = %v", err)
	}
	tx.Commit()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestStorageCloseIdempotent(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectClose()

	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	// Second close on a closed pool is still nil.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
