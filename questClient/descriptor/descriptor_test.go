package descriptor

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txerrors "github.com/questline/questline-client/questClient/errors"
)

const badgeContract = "0x00000000000000000000000000000000000000b1"

var player = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestParseMethod(t *testing.T) {
	t.Run("two arguments", func(t *testing.T) {
		m, err := ParseMethod("mintBadge(address,uint256)")
		require.NoError(t, err)
		assert.Equal(t, "mintBadge", m.Name)
		assert.Equal(t, 2, m.Arity())
		assert.Equal(t, "mintBadge(address,uint256)", m.String())
	})

	t.Run("no arguments", func(t *testing.T) {
		m, err := ParseMethod("pause()")
		require.NoError(t, err)
		assert.Equal(t, 0, m.Arity())
		assert.Equal(t, "pause()", m.String())
	})

	t.Run("whitespace is tolerated", func(t *testing.T) {
		m, err := ParseMethod(" castVote( uint256 , uint8 ) ")
		require.NoError(t, err)
		assert.Equal(t, "castVote(uint256,uint8)", m.String())
	})

	t.Run("selector matches erc20 transfer", func(t *testing.T) {
		m := MustParseMethod("transfer(address,uint256)")
		assert.Equal(t, "a9059cbb", hex.EncodeToString(m.Selector()))
	})

	for _, bad := range []string{"", "mint", "(address)", "9mint(address)", "mint(address", "mint(notatype)", "mint((address,uint256))"} {
		t.Run("rejects "+bad, func(t *testing.T) {
			_, err := ParseMethod(bad)
			assert.Error(t, err)
		})
	}
}

func TestParseTypes(t *testing.T) {
	args, err := ParseTypes("bool, uint256")
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, "bool", args[0].Type.String())

	args, err = ParseTypes("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = ParseTypes("uint256,,bool")
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)

	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "unknown", Priority(9).String())
}

func TestValidate(t *testing.T) {
	mint := MustParseMethod("mintBadge(address,uint256)")

	tests := []struct {
		name    string
		desc    CallDescriptor
		wantErr string
	}{
		{
			name: "well formed",
			desc: New(badgeContract, mint, player, big.NewInt(7)),
		},
		{
			name:    "missing target",
			desc:    New("", mint, player, big.NewInt(7)),
			wantErr: "target is required",
		},
		{
			name:    "target not an address",
			desc:    New("badges.eth", mint, player, big.NewInt(7)),
			wantErr: "target is not a valid address",
		},
		{
			name:    "missing method",
			desc:    CallDescriptor{Target: badgeContract},
			wantErr: "method is required",
		},
		{
			name:    "arity mismatch",
			desc:    New(badgeContract, mint, player),
			wantErr: "expects 2 arguments, got 1",
		},
		{
			name:    "type mismatch",
			desc:    New(badgeContract, mint, "not-an-address", big.NewInt(7)),
			wantErr: "arguments do not match",
		},
		{
			name:    "negative value",
			desc:    New(badgeContract, mint, player, big.NewInt(7)).WithValue(big.NewInt(-1)),
			wantErr: "value must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, txerrors.IsTxError(err, txerrors.ErrCodeInvalidDescriptor))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := New(badgeContract, MustParseMethod("stake(uint256)"), big.NewInt(5)).WithValue(big.NewInt(1))
	clone := orig.Clone()

	clone.Args[0] = big.NewInt(99)
	clone.Value.SetInt64(42)

	assert.Equal(t, big.NewInt(5), orig.Args[0])
	assert.Equal(t, big.NewInt(1), orig.Value)
}

func TestCalldata(t *testing.T) {
	d := New(badgeContract, MustParseMethod("stake(uint256)"), big.NewInt(1))
	data, err := d.Calldata()
	require.NoError(t, err)
	require.Len(t, data, 4+32)
	assert.Equal(t, d.Method.Selector(), data[:4])
	assert.Equal(t, byte(1), data[35])
}

func TestAssignIDAndLabel(t *testing.T) {
	d := New(badgeContract, MustParseMethod("pause()"))
	a, b := d.AssignID(), d.AssignID()

	assert.Empty(t, d.ID)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "pause()", d.Label())
	assert.Equal(t, "Pause quests", d.WithDescription("Pause quests").Label())
	assert.Equal(t, common.HexToAddress(badgeContract), d.TargetAddress())
}
