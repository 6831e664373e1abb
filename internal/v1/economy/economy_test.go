package economy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/types"
)

func amounts(awards []award) map[types.UserID]int64 {
	out := make(map[types.UserID]int64, len(awards))
	for _, a := range awards {
		out[a.userID] = a.amount
	}
	return out
}

func total(awards []award) int64 {
	var sum int64
	for _, a := range awards {
		sum += a.amount
	}
	return sum
}

func TestSplitPot_WinnerTakeAll(t *testing.T) {
	awards := splitPot(97, PayoutRequest{
		TotalPot:     100,
		WinnerUserID: "alice",
	})
	require.Len(t, awards, 1)
	assert.Equal(t, types.UserID("alice"), awards[0].userID)
	assert.Equal(t, int64(97), awards[0].amount)
}

func TestSplitPot_RankedTables(t *testing.T) {
	cases := []struct {
		ranking []types.UserID
		want    map[types.UserID]int64
	}{
		{
			ranking: []types.UserID{"a", "b"},
			want:    map[types.UserID]int64{"a": 700, "b": 300},
		},
		{
			ranking: []types.UserID{"a", "b", "c"},
			want:    map[types.UserID]int64{"a": 500, "b": 300, "c": 200},
		},
		{
			ranking: []types.UserID{"a", "b", "c", "d"},
			want:    map[types.UserID]int64{"a": 400, "b": 300, "c": 200, "d": 100},
		},
	}

	for _, tc := range cases {
		awards := splitPot(1000, PayoutRequest{TotalPot: 1031, Ranking: tc.ranking})
		assert.Equal(t, tc.want, amounts(awards))
		assert.Equal(t, int64(1000), total(awards), "entire distributable pot must be paid")
	}
}

func TestSplitPot_RoundingDustGoesToFirstPlace(t *testing.T) {
	// 97 * 700/1000 = 67, 97 * 300/1000 = 29; 1 coin of dust remains.
	awards := splitPot(97, PayoutRequest{
		TotalPot: 100,
		Ranking:  []types.UserID{"a", "b"},
	})
	got := amounts(awards)
	assert.Equal(t, int64(68), got["a"])
	assert.Equal(t, int64(29), got["b"])
	assert.Equal(t, int64(97), total(awards))
}

func TestSplitPot_NoWinnerSplitsEqually(t *testing.T) {
	awards := splitPot(90, PayoutRequest{
		TotalPot: 93,
		Seats:    map[types.UserID]int{"a": 0, "b": 1, "c": 2},
	})
	got := amounts(awards)
	require.Len(t, got, 3)
	for _, u := range []types.UserID{"a", "b", "c"} {
		assert.Equal(t, int64(30), got[u])
	}
}

func TestSplitPot_FiveRankedPaysTopHalfHarmonically(t *testing.T) {
	ranking := []types.UserID{"a", "b", "c", "d", "e"}
	awards := splitPot(500, PayoutRequest{TotalPot: 516, Ranking: ranking})
	got := amounts(awards)
	// Top half of 5 is 3 places, weighted 1 : 1/2 : 1/3; dust goes to first.
	require.Len(t, got, 3)
	assert.Equal(t, int64(274), got["a"])
	assert.Equal(t, int64(136), got["b"])
	assert.Equal(t, int64(90), got["c"])
	assert.Equal(t, int64(500), total(awards))
}

func TestHarmonicShares_SumToAtMostThousand(t *testing.T) {
	for ranked := 5; ranked <= 12; ranked++ {
		shares := harmonicShares(ranked)
		require.Len(t, shares, (ranked+1)/2)
		var sum int64
		for i, s := range shares {
			assert.Positive(t, s)
			if i > 0 {
				assert.LessOrEqual(t, s, shares[i-1], "shares decrease with rank")
			}
			sum += s
		}
		assert.LessOrEqual(t, sum, int64(1000))
	}
}

func TestRakeMath(t *testing.T) {
	// 3% of 400 is 12, leaving 388 distributable.
	pot := int64(400)
	distributable := pot - pot*RakePercent/100
	assert.Equal(t, int64(388), distributable)
}

func TestPayoutsTx_CreditsEveryRankedPlayer(t *testing.T) {
	tx := newWalletTx(map[string]int64{"a": 0, "b": 0})
	svc := NewService(nil)

	err := svc.PayoutsTx(context.Background(), tx, PayoutRequest{
		RoomID:   "deadbeef01",
		TotalPot: 1000,
		Ranking:  []types.UserID{"a", "b"},
	})
	require.NoError(t, err)

	// 970 distributable after rake, split 700/300 per mille.
	assert.Equal(t, int64(679), tx.balances["a"])
	assert.Equal(t, int64(291), tx.balances["b"])
}

func TestPayoutsTx_ReplaySkipsAppliedAwardsAndKeepsTxUsable(t *testing.T) {
	// First place was credited before a crash; its idempotency key is taken.
	tx := newWalletTx(map[string]int64{"a": 679, "b": 0}, "win:deadbeef01:a")
	svc := NewService(nil)

	err := svc.PayoutsTx(context.Background(), tx, PayoutRequest{
		RoomID:   "deadbeef01",
		TotalPot: 1000,
		Ranking:  []types.UserID{"a", "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(679), tx.balances["a"], "replayed award must not double-credit")
	assert.Equal(t, int64(291), tx.balances["b"], "remaining award still lands")
	assert.False(t, tx.aborted, "outer transaction stays usable for the archive insert")
	require.NoError(t, tx.Commit(context.Background()))
}

func TestPayoutsTx_FullReplayIsNoop(t *testing.T) {
	tx := newWalletTx(map[string]int64{"a": 0, "b": 0})
	svc := NewService(nil)
	req := PayoutRequest{RoomID: "deadbeef01", TotalPot: 1000, Ranking: []types.UserID{"a", "b"}}

	require.NoError(t, svc.PayoutsTx(context.Background(), tx, req))
	require.NoError(t, svc.PayoutsTx(context.Background(), tx, req))

	assert.Equal(t, int64(679), tx.balances["a"])
	assert.Equal(t, int64(291), tx.balances["b"])
	assert.False(t, tx.aborted)
}

func TestReserveEntryFee_RejectsBadFee(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()

	_, err := svc.ReserveEntryFee(ctx, "alice", -5, "deadbeef01")
	assert.Error(t, err)

	_, err = svc.ReserveEntryFee(ctx, "alice", 2_000_000_000_000, "deadbeef01")
	assert.Error(t, err)
}
