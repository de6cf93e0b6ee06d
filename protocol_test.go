package main

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shieldpool/internal/pool"
	"shieldpool/internal/shielded"
)

var acceptAll = pool.VerifierFunc(func([]byte, *shielded.PublicInputs) error { return nil })

func checkOutcome(t *testing.T, out *outcome) {
	t.Helper()
	assert.Equal(t, 3, out.Transactions)
	assert.EqualValues(t, 6, out.Stats.Leaves)
	assert.Equal(t, 6, out.Stats.Nullifiers)

	assert.Equal(t, uint256.NewInt(400), out.AliceWallet)
	assert.Equal(t, uint256.NewInt(400), out.AliceL1)
	assert.Equal(t, uint256.NewInt(40), out.BobWallet)
	assert.Equal(t, uint256.NewInt(145), out.BobL1)
	assert.Equal(t, uint256.NewInt(5), out.ExecutorL1)
	assert.Equal(t, uint256.NewInt(10), out.RelayerL2)

	// Custody matches the pool's own accounting and the notes it backs.
	assert.Equal(t, uint256.NewInt(440), out.PoolCustody)
	assert.Equal(t, out.PoolCustody, out.Stats.Held)
	assert.Equal(t, uint256.NewInt(600), out.Stats.Deposited)
	assert.Equal(t, uint256.NewInt(160), out.Stats.Released)
	assert.Equal(t, new(uint256.Int).Add(out.AliceWallet, out.BobWallet), out.Stats.Held)
}

func TestWalkthrough(t *testing.T) {
	d, err := newDemo(&shielded.KeySet{Depth: 8}, acceptAll, false, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	out, err := d.run(context.Background())
	require.NoError(t, err)
	checkOutcome(t, out)
	assert.NotEmpty(t, out.BobLookedUp)
}

func TestWalkthroughRevertsRejectedDeposit(t *testing.T) {
	ctx := context.Background()
	d, err := newDemo(&shielded.KeySet{Depth: 8}, pool.VerifierFunc(func([]byte, *shielded.PublicInputs) error {
		return shielded.ErrProofRejected
	}), false, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	_, err = d.run(ctx)
	assert.ErrorIs(t, err, pool.ErrInvalidProof)
	assert.EqualValues(t, 0, d.pool.Stats().Leaves)
	assert.True(t, d.l2.BalanceOf(poolAddr).IsZero())
	assert.Equal(t, bridgeLiquidity, d.l2.BalanceOf(bridgeAddr))
	assert.True(t, d.l1.BalanceOf(bridgeAddr).IsZero())
}

func TestWalkthroughGroth16(t *testing.T) {
	if testing.Short() {
		t.Skip("Groth16 setup and proving in -short mode")
	}
	keys, err := shielded.Setup("", 4, shielded.SmallInputs)
	require.NoError(t, err)
	d, err := newDemo(keys, keys.Verifier(), true, zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	out, err := d.run(context.Background())
	require.NoError(t, err)
	checkOutcome(t, out)
}
