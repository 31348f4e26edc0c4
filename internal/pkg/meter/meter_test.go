package meter

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAllocatesSequentialIDs(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(datastore.NewMapDatastore())

	a, err := r.Create(ctx, 100, 10)
	require.NoError(t, err)
	b, err := r.Create(ctx, 200, 10)
	require.NoError(t, err)
	assert.Equal(t, ID("m1"), a)
	assert.Equal(t, ID("m2"), b)
}

func TestChargeMonotonicity(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(datastore.NewMapDatastore())
	id, err := r.Create(ctx, 100, 0)
	require.NoError(t, err)

	require.NoError(t, r.Charge(ctx, id, 40))
	st, found, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(60), st.Remaining)
	assert.False(t, st.Exhausted)

	// an over-charge leaves the balance untouched and marks exhaustion
	var exhausted *MeterExhaustedError
	err = r.Charge(ctx, id, 61)
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, uint64(61), exhausted.Needed)
	assert.Equal(t, uint64(60), exhausted.Remaining)

	st, _, err = r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), st.Remaining)
	assert.True(t, st.Exhausted)

	// exhausted meters refuse all further charges
	err = r.Charge(ctx, id, 1)
	assert.ErrorAs(t, err, &exhausted)
}

func TestTopUpClearsExhaustion(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(datastore.NewMapDatastore())
	id, err := r.Create(ctx, 10, 0)
	require.NoError(t, err)

	var exhausted *MeterExhaustedError
	require.ErrorAs(t, r.Charge(ctx, id, 11), &exhausted)

	remaining, err := r.TopUp(ctx, id, 90)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), remaining)

	require.NoError(t, r.Charge(ctx, id, 100))
	st, _, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Remaining)
	assert.False(t, st.Exhausted)
}

func TestUnknownMeter(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(datastore.NewMapDatastore())
	assert.Error(t, r.Charge(ctx, ID("m99"), 1))
	_, err := r.TopUp(ctx, ID("m99"), 1)
	assert.Error(t, err)
}

func TestIDValidate(t *testing.T) {
	assert.NoError(t, ID("m1").Validate())
	assert.Error(t, NoMeter.Validate())
	assert.Error(t, ID("x1").Validate())
	assert.Error(t, ID("mx").Validate())
}
