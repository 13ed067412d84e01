package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

// setupTestDB opens a migrated SQLite database in a temp dir.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenDB(filepath.Join(t.TempDir(), "features.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return d
}

func insertNode(t *testing.T, d *DB, id string, protocolID, patientID int64, index int, class, name string) {
	t.Helper()
	err := d.InsertNode(context.Background(), Node{
		ID: id, ProtocolID: protocolID, PatientID: patientID, Index: index, Class: class, Name: name,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func insertEdge(t *testing.T, d *DB, id, child, parent string, protocolID, patientID int64, chain, value string) {
	t.Helper()
	err := d.InsertEdge(context.Background(), Edge{
		ID: id, ChildID: child, ParentID: parent, ProtocolID: protocolID, PatientID: patientID,
		Chain: chain, Value: value, UpdatedAt: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func insertLoadedProtocol(t *testing.T, d *DB, id, patientID, userID, loadedAt int64) {
	t.Helper()
	ctx := context.Background()
	if err := d.InsertProtocol(ctx, id, patientID, userID); err != nil {
		t.Fatal(err)
	}
	if err := d.MarkLoaded(ctx, id, loadedAt); err != nil {
		t.Fatal(err)
	}
}

// seedHeadache builds protocol 1 of patient 7:
// root -> Complaint "head" -> Detail "ache"="strong".
func seedHeadache(t *testing.T, d *DB) {
	t.Helper()
	insertLoadedProtocol(t, d, 1, 7, 0, 100)
	insertNode(t, d, "root", 1, 7, -1, "Protocol", "1")
	insertNode(t, d, "n0", 1, 7, 0, "Complaint", "head")
	insertNode(t, d, "n1", 1, 7, 1, "Detail", "ache")
	insertEdge(t, d, "e0", "n0", "root", 1, 7, "head", "")
	insertEdge(t, d, "e1", "n1", "n0", 1, 7, "head$iamb$ache", "strong")
}

func TestClaimProtocol_OnlyOnce(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	insertLoadedProtocol(t, d, 1, 7, 0, 100)

	ok, err := d.ClaimProtocol(ctx, 1, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.ClaimProtocol(ctx, 1, 300)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	p, err := d.GetProtocol(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p.ClassifiedAt)
	assert.Equal(t, int64(200), *p.ClassifiedAt)
	assert.Equal(t, feature.RequiredNoneFirst, p.AttentionRequired)

	require.NoError(t, d.ResetClaim(ctx, 1))
	ok, err = d.ClaimProtocol(ctx, 1, 400)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimProtocol_NotLoaded(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.InsertProtocol(ctx, 5, 7, 0))

	ok, err := d.ClaimProtocol(ctx, 5, 200)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetProtocol_NotFound(t *testing.T) {
	d := setupTestDB(t)
	_, err := d.GetProtocol(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextProtocol_PriorityAndExclude(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	insertLoadedProtocol(t, d, 1, 7, 10, 100)
	insertLoadedProtocol(t, d, 2, 7, 20, 200)
	insertLoadedProtocol(t, d, 3, 8, 20, 300)
	require.NoError(t, d.InsertProtocol(ctx, 4, 8, 20))

	id, err := d.NextProtocol(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id, "oldest load first")

	id, err = d.NextProtocol(ctx, []int64{20}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id, "priority user first")

	id, err = d.NextProtocol(ctx, []int64{20}, []int64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id, "falls back when priority set is exhausted")

	_, err = d.NextProtocol(ctx, nil, []int64{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotFound, "unloaded protocols are never selected")
}

func TestResetStaleClaims(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	insertLoadedProtocol(t, d, 1, 7, 0, 100)
	insertLoadedProtocol(t, d, 2, 7, 0, 100)
	insertLoadedProtocol(t, d, 3, 7, 0, 100)

	for _, id := range []int64{1, 2, 3} {
		_, err := d.ClaimProtocol(ctx, id, 1000)
		require.NoError(t, err)
	}
	require.NoError(t, d.SaveProtocolMarking(ctx, 2, ProtocolMarking{Required: feature.RequiredFalse}))
	_, err := d.ClaimProtocol(ctx, 3, 5000)
	require.NoError(t, err)
	require.NoError(t, d.ResetClaim(ctx, 3))
	_, err = d.ClaimProtocol(ctx, 3, 5000)
	require.NoError(t, err)

	n, err := d.ResetStaleClaims(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the stale claim without rollup is released")

	p, err := d.GetProtocol(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, p.ClassifiedAt)
}

func TestProtocolFeatures(t *testing.T) {
	d := setupTestDB(t)
	seedHeadache(t, d)

	rows, err := d.ProtocolFeatures(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "head", rows[0].Chain)
	assert.Equal(t, "Complaint", rows[0].Class)
	assert.Equal(t, "Protocol", rows[0].ParentClass)
	assert.Nil(t, rows[0].Attention)

	assert.Equal(t, "head$iamb$ache", rows[1].Chain)
	assert.Equal(t, "ache", rows[1].Name)
	assert.Equal(t, "head", rows[1].ParentName)
	assert.Equal(t, "strong", rows[1].Value)
	assert.Equal(t, 1, rows[1].Index)
}

func TestSetEdgeAttention(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	seedHeadache(t, d)

	rows, err := d.ProtocolFeatures(ctx, 1)
	require.NoError(t, err)

	score := 0.42
	n, err := d.SetEdgeAttention(ctx, rows[1].Key(), feature.True, &score, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = d.SetEdgeAttentionKeepScore(ctx, rows[1].Key(), feature.None, 3000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err = d.ProtocolFeatures(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rows[1].Attention)
	assert.Equal(t, feature.None, *rows[1].Attention)
	require.NotNil(t, rows[1].Score)
	assert.InDelta(t, 0.42, *rows[1].Score, 1e-9)

	n, err = d.SetEdgeAttention(ctx, rows[0].Key(), feature.False, nil, 4000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, d.SaveProtocolMarking(ctx, 1, ProtocolMarking{Required: feature.RequiredNone}))

	marked, err := d.PatientFeatures(ctx, 7, feature.False)
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Nil(t, marked[0].Score)

	sets, err := d.ProtocolAttentions(ctx, 7)
	require.NoError(t, err)
	assert.True(t, sets[1].Has(feature.False))
	assert.True(t, sets[1].Has(feature.None))
	assert.False(t, sets[1].Has(feature.True))
}

func TestPatientQueries_SkipProtocolsBeingMarked(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	seedHeadache(t, d)

	ok, err := d.ClaimProtocol(ctx, 1, 2000)
	require.NoError(t, err)
	require.True(t, ok)
	rows, err := d.ProtocolFeatures(ctx, 1)
	require.NoError(t, err)
	_, err = d.SetEdgeAttention(ctx, rows[0].Key(), feature.False, nil, 2100)
	require.NoError(t, err)

	features, err := d.PatientFeatures(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, features, "claimed protocol without rollup")
	sets, err := d.ProtocolAttentions(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, sets)

	require.NoError(t, d.SaveProtocolMarking(ctx, 1, ProtocolMarking{Required: feature.RequiredFalse}))
	features, err = d.PatientFeatures(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, features, 2)
	sets, err = d.ProtocolAttentions(ctx, 7)
	require.NoError(t, err)
	assert.True(t, sets[1].Has(feature.False))
}

func TestSetEdgeAttention_QuoteConflict(t *testing.T) {
	d := setupTestDB(t)
	key := feature.EdgeKey{ChildClass: "Detail", ChildName: "ache", Chain: "x", Value: `it's "bad"`, ProtocolID: 1, PatientID: 7}

	n, err := d.SetEdgeAttention(context.Background(), key, feature.True, nil, 1)
	assert.ErrorIs(t, err, ErrQuoteConflict)
	assert.Zero(t, n)
}

func TestHasChildEdge(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	seedHeadache(t, d)

	ok, err := d.HasChildEdge(ctx, 1,
		feature.NodeRef{Class: "Detail", Name: "ache"}, feature.NodeRef{Class: "Complaint", Name: "head"}, "head$iamb$ache")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.HasChildEdge(ctx, 1,
		feature.NodeRef{Class: "Detail", Name: "ache"}, feature.NodeRef{Class: "Complaint", Name: "head"}, "ache")
	require.NoError(t, err)
	assert.False(t, ok, "chain must match")

	ok, err = d.HasChildEdge(ctx, 2,
		feature.NodeRef{Class: "Detail", Name: "ache"}, feature.NodeRef{Class: "Complaint", Name: "head"}, "head$iamb$ache")
	require.NoError(t, err)
	assert.False(t, ok, "other protocol")
}

func TestPatientsToReprocess(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	insertLoadedProtocol(t, d, 1, 7, 0, 100)
	insertLoadedProtocol(t, d, 2, 8, 0, 100)
	insertLoadedProtocol(t, d, 3, 9, 0, 100)

	for _, id := range []int64{1, 2, 3} {
		_, err := d.ClaimProtocol(ctx, id, 1000)
		require.NoError(t, err)
	}
	require.NoError(t, d.SaveProtocolMarking(ctx, 1, ProtocolMarking{Required: feature.RequiredTrue}))
	require.NoError(t, d.SaveProtocolMarking(ctx, 2, ProtocolMarking{Required: feature.RequiredFalse}))
	require.NoError(t, d.SavePatientMarking(ctx, 8, false, "", 2000))

	ids, err := d.PatientsToReprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids, "8 is up to date and 9 has no rollup yet")

	require.NoError(t, d.SaveProtocolRollup(ctx, 2, feature.RequiredNone, true, false, 3000))
	ids, err = d.PatientsToReprocess(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, ids, "unmarked features left")

	maxAt, err := d.MaxClassifiedAt(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), maxAt)
	maxAt, err = d.MaxClassifiedAt(ctx, 9)
	require.NoError(t, err)
	assert.Zero(t, maxAt, "claim without rollup is ignored")

	s, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Claimed)
	assert.Equal(t, 2, s.PatientsToRedo)
}

func TestPatientDiagnoses(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, d.AddDiagnosis(ctx, 1, 7, "migraine"))
	require.NoError(t, d.AddDiagnosis(ctx, 1, 7, "anemia"))
	require.NoError(t, d.AddDiagnosis(ctx, 2, 7, "migraine"))
	require.NoError(t, d.AddDiagnosis(ctx, 3, 8, "flu"))

	got, err := d.PatientDiagnoses(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, map[int64][]string{1: {"anemia", "migraine"}, 2: {"migraine"}}, got)
}

func TestPatient_EnsureAndSave(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	_, err := d.GetPatient(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.EnsurePatient(ctx, 7))
	require.NoError(t, d.EnsurePatient(ctx, 7))
	require.NoError(t, d.SavePatientMarking(ctx, 7, true, "boom", 5000))

	p, err := d.GetPatient(ctx, 7)
	require.NoError(t, err)
	assert.True(t, p.AdditionalMarkedWithErrors)
	assert.Equal(t, "boom", p.MarkingLog)
	require.NotNil(t, p.ReprocessedAt)
	assert.Equal(t, int64(5000), *p.ReprocessedAt)
}

func TestTryLock(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	ok, err := d.TryLock(ctx, "marking", "a", 100, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.TryLock(ctx, "marking", "b", 150, 250)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	ok, err = d.TryLock(ctx, "marking", "b", 300, 400)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is taken over")

	require.NoError(t, d.Unlock(ctx, "marking", "a"))
	ok, err = d.TryLock(ctx, "marking", "c", 310, 410)
	require.NoError(t, err)
	assert.False(t, ok, "stale owner cannot release")

	require.NoError(t, d.Unlock(ctx, "marking", "b"))
	ok, err = d.TryLock(ctx, "marking", "c", 320, 420)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`UPDATE t SET a = ? WHERE id IN (?, ?)`)
	assert.Equal(t, `UPDATE t SET a = $1 WHERE id IN ($2, $3)`, got)
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestClaimProtocol_Postgres(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	d := NewFromConn(conn, DriverPostgres)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE protocols SET classified_at = $1 WHERE id = $2 AND classified_at IS NULL")).
		WithArgs(int64(500), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE protocols SET classified_at = $1 WHERE id = $2 AND classified_at IS NULL")).
		WithArgs(int64(600), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := d.ClaimProtocol(ctx, 3, 500)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.ClaimProtocol(ctx, 3, 600)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextProtocol_PostgresExclude(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	d := NewFromConn(conn, DriverPostgres)

	mock.ExpectQuery(regexp.QuoteMeta("AND id NOT IN ($1, $2) ORDER BY loaded_at, id LIMIT 1")).
		WithArgs(int64(4), int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	id, err := d.NextProtocol(context.Background(), nil, []int64{4, 5})
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsConnectionError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"pq connection class", &pq.Error{Code: "08006"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"closed", errors.New("sql: database is closed"), true},
		{"cancelled", context.Canceled, false},
		{"syntax", errors.New("near \"SELEC\": syntax error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectionError(tc.err))
		})
	}
}
