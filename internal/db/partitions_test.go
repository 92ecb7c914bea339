package db

import (
	"context"
	"testing"
	"time"

	"edgeproxy/internal/db/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionName(t *testing.T) {
	ts := time.Date(2025, time.March, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "request_event_202503", PartitionName(ts))

	// Month is taken in UTC
	local := time.Date(2025, time.April, 1, 0, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "request_event_202503", PartitionName(local))
}

func TestParsePartitionMonth(t *testing.T) {
	month, ok := ParsePartitionMonth("request_event_202412")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC), month)

	for _, name := range []string{"request_event_default", "request_event_2024", "request_event_202413", "request_event_2024120", "ip_blacklist"} {
		_, ok := ParsePartitionMonth(name)
		assert.False(t, ok, name)
	}
}

func TestEnsureMonthlyPartition_Idempotent(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()
	month := time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)

	created, err := db.EnsureMonthlyPartition(ctx, month)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = db.EnsureMonthlyPartition(ctx, month)
	require.NoError(t, err)
	assert.False(t, created)

	names, err := db.ListMonthlyPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"request_event_202506"}, names)
}

func TestEnsureMonthlyPartition_AdoptsDefaultRows(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()
	ts := time.Date(2025, time.July, 3, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.InsertRequestEvent(ctx, &RequestEvent{TS: ts, IP: "1.2.3.4", Host: "h", Method: "GET", Path: "/"}))

	created, err := db.EnsureMonthlyPartition(ctx, ts)
	require.NoError(t, err)
	assert.True(t, created)

	var inDefault, inMonthly int
	require.NoError(t, testDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM request_event_default`).Scan(&inDefault))
	require.NoError(t, testDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM request_event_202507`).Scan(&inMonthly))
	assert.Equal(t, 0, inDefault)
	assert.Equal(t, 1, inMonthly)
}

func TestDropMonthlyPartition(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()

	_, err := db.EnsureMonthlyPartition(ctx, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.NoError(t, db.DropMonthlyPartition(ctx, "request_event_202401"))
	names, err := db.ListMonthlyPartitions(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.Error(t, db.DropMonthlyPartition(ctx, "request_event_default"))
	assert.Error(t, db.DropMonthlyPartition(ctx, "ip_blacklist; --"))
}

func TestPruneDefaultPartition(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	defer testDB.Close(t)

	db := &DB{pool: testDB.Pool}
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.InsertRequestEvent(ctx, &RequestEvent{TS: now.AddDate(0, -5, 0), IP: "1.1.1.1", Host: "h", Method: "GET", Path: "/old"}))
	require.NoError(t, db.InsertRequestEvent(ctx, &RequestEvent{TS: now, IP: "1.1.1.1", Host: "h", Method: "GET", Path: "/new"}))

	deleted, err := db.PruneDefaultPartition(ctx, now.AddDate(0, -3, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	events, err := db.RecentRequestEvents(ctx, "1.1.1.1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "/new", events[0].Path)
}
