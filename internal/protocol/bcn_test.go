package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBCN(t *testing.T) {
	cases := []struct {
		action Action
		bcn    string
	}{
		{Action{Kind: KindMove, UCI: "e2e4"}, "m:e2e4"},
		{Action{Kind: KindBan, UCI: "e2e4"}, "b:e2e4"},
		{Action{Kind: KindMove, UCI: "a7a8q"}, "m:a7a8q"},
		{Action{Kind: KindMove, UCI: "h2h1n"}, "m:h2h1n"},
	}
	for _, tc := range cases {
		encoded, err := EncodeBCN(tc.action)
		require.NoError(t, err)
		assert.Equal(t, tc.bcn, encoded)

		decoded, err := DecodeBCN(tc.bcn)
		require.NoError(t, err)
		assert.Equal(t, tc.action, decoded)
	}
}

func TestDecodeBCNRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"e2e4",      // no prefix
		"x:e2e4",    // unknown prefix
		"m:e2",      // too short
		"m:e2e4qq",  // too long
		"m:e2e9",    // off-board rank
		"m:i2e4",    // off-board file
		"m:e2e4z",   // bad promotion piece
		"b:a7a8q",   // bans never carry promotion
		"m:E2E4",    // uppercase squares
	}
	for _, s := range bad {
		_, err := DecodeBCN(s)
		assert.ErrorIs(t, err, ErrBadBCN, "input %q", s)
	}
}

func TestBanCoversSquaresOnly(t *testing.T) {
	// A ban names from+to; encoding one with a promotion suffix must fail.
	_, err := EncodeBCN(Action{Kind: KindBan, UCI: "a7a8q"})
	assert.ErrorIs(t, err, ErrBadBCN)
}

func TestDecodeHistoryReportsIndex(t *testing.T) {
	actions, err := DecodeHistory([]string{"b:e2e4", "m:d2d4"})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, KindBan, actions[0].Kind)
	assert.Equal(t, KindMove, actions[1].Kind)

	_, err = DecodeHistory([]string{"b:e2e4", "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 1")
}
