package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledWithoutConfig(t *testing.T) {
	c, err := New("", "", "", 137)
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	// Disabled client swallows every instruction
	ctx := context.Background()
	assert.NoError(t, c.InitializePlatform(ctx, 1500))
	assert.NoError(t, c.CreateRun(ctx, 1, 10_000_000, 100_000_000, 50))
	assert.NoError(t, c.StartRun(ctx, 1))
	assert.NoError(t, c.RecordTrade(ctx, 1, 1, 0, 26, 50, 5_000_000_000_000, 5_100_000_000_000, 3_000_000))
	assert.NoError(t, c.SettleRun(ctx, 1, 60_000_000, nil))

	exists, err := c.RunExists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New("http://localhost:8545", "not-an-address", "aa", 137)
	assert.Error(t, err)

	_, err = New("http://localhost:8545", "0x000000000000000000000000000000000000dEaD", "zz", 137)
	assert.Error(t, err)
}

func TestAccountDerivation(t *testing.T) {
	c, err := New("", "", "", 137)
	require.NoError(t, err)

	run := c.RunAccount(7)
	vault := c.VaultAccount(7)
	trade := c.TradeAccount(7, 3)
	platform := c.PlatformAccount()

	// Deterministic and distinct per seed
	assert.Equal(t, run, c.RunAccount(7))
	assert.NotEqual(t, run, c.RunAccount(8))
	assert.NotEqual(t, run, vault)
	assert.NotEqual(t, trade, c.TradeAccount(7, 4))
	assert.NotEqual(t, common.Hash{}, platform)

	// Derivation is ["run", run_id_le_u64]
	want := crypto.Keccak256Hash([]byte("run"), []byte{7, 0, 0, 0, 0, 0, 0, 0})
	assert.Equal(t, want, run)
}

func TestLeU64(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, leU64(0))
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, leU64(1))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, leU64(^uint64(0)))
}

func TestWordEncoding(t *testing.T) {
	assert.Len(t, wordUint(42), 32)
	assert.Equal(t, byte(42), wordUint(42)[31])

	// Negative pnl is 256-bit two's complement
	neg := wordInt(-1)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 32), neg)

	pos := wordInt(5)
	assert.Equal(t, wordUint(5), pos)

	addr := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	w := wordAddress(addr)
	assert.Equal(t, bytes.Repeat([]byte{0}, 12), w[:12])
	assert.Equal(t, addr.Bytes(), w[12:])
}

func TestPack_SelectorAndWords(t *testing.T) {
	data := pack(sigStartRun, wordUint(9))
	require.Len(t, data, 4+32)
	assert.Equal(t, crypto.Keccak256([]byte(sigStartRun))[:4], data[:4])
	assert.Equal(t, byte(9), data[35])
}

func TestPackWithArrays_SettleLayout(t *testing.T) {
	wallets := []common.Address{
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	amounts := []uint64{33_000_000, 11_000_000}

	data := packWithArrays(sigSettleRun, wordUint(7), wordUint(44_000_000), wallets, amounts)

	// selector + 2 static words + 2 offsets + (len + 2 wallets) + (len + 2 amounts)
	require.Len(t, data, 4+2*32+2*32+3*32+3*32)

	body := data[4:]
	word := func(i int) []byte { return body[i*32 : (i+1)*32] }

	assert.Equal(t, wordUint(7), word(0))
	assert.Equal(t, wordUint(44_000_000), word(1))
	// wallets offset points just past the four head words
	assert.Equal(t, wordUint(4*32), word(2))
	// amounts offset: head + len word + two address words
	assert.Equal(t, wordUint(4*32+3*32), word(3))
	assert.Equal(t, wordUint(2), word(4))
	assert.Equal(t, wordAddress(wallets[0]), word(5))
	assert.Equal(t, wordAddress(wallets[1]), word(6))
	assert.Equal(t, wordUint(2), word(7))
	assert.Equal(t, wordUint(33_000_000), word(8))

	// Sanity on the selector
	assert.Equal(t, hex.EncodeToString(crypto.Keccak256([]byte(sigSettleRun))[:4]), hex.EncodeToString(data[:4]))
}

func TestWordInt_RoundTripsThroughBigInt(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 123456789, -987654321} {
		w := wordInt(v)
		x := new(big.Int).SetBytes(w)
		if v < 0 {
			mod := new(big.Int).Lsh(big.NewInt(1), 256)
			x.Sub(x, mod)
		}
		assert.Equal(t, v, x.Int64())
	}
}
