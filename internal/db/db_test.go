package db

import (
	"context"
	"testing"

	"edgeproxy/internal/db/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromPool_PanicsOnNil(t *testing.T) {
	assert.Panics(t, func() {
		NewFromPool(nil)
	})
}

func TestNew_InvalidConnString(t *testing.T) {
	_, err := New(context.Background(), Config{ConnString: "://bad"})
	assert.Error(t, err)
}

func TestNew_ConnectsAndPings(t *testing.T) {
	testDB := testutil.NewTestDB(t)
	defer testDB.Close(t)

	database, err := New(context.Background(), Config{ConnString: testDB.ConnectionString(), MaxConns: 2})
	require.NoError(t, err)
	defer database.Close()

	assert.NoError(t, database.Ping(context.Background()))
	assert.Equal(t, int32(2), database.Pool().Config().MaxConns)
}
