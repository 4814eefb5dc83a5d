package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestMinorWeiConversion(t *testing.T) {
	// 1.5000 units = 15000 minor = 1.5e18 wei.
	wei := MinorToWei(big.NewInt(15000))
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if wei.Cmp(want) != 0 {
		t.Errorf("MinorToWei(15000) = %s, want %s", wei, want)
	}
	if got := WeiToMinor(wei); got.Int64() != 15000 {
		t.Errorf("WeiToMinor round trip = %s, want 15000", got)
	}

	// Sub-minor dust truncates.
	dust := new(big.Int).Add(want, big.NewInt(999))
	if got := WeiToMinor(dust); got.Int64() != 15000 {
		t.Errorf("WeiToMinor with dust = %s, want 15000", got)
	}
}

func TestDecodeMemo(t *testing.T) {
	cases := []struct {
		data []byte
		want string
	}{
		{nil, ""},
		{[]byte("tx_a1b2c3d4"), "tx_a1b2c3d4"},
		{[]byte("dep_X7K2P9"), "dep_X7K2P9"},
		{[]byte{0x00, 0x01, 0x02}, ""},            // binary calldata
		{[]byte("line\nbreak"), ""},               // control characters
		{[]byte{0xff, 0xfe}, ""},                  // invalid UTF-8
		{make([]byte, 300), ""},                   // oversized
	}
	for _, tc := range cases {
		if got := DecodeMemo(tc.data); got != tc.want {
			t.Errorf("DecodeMemo(%q) = %q, want %q", tc.data, got, tc.want)
		}
	}
}

func TestDecodeTransfer(t *testing.T) {
	key, _ := crypto.GenerateKey()
	watch := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	c, err := New(Config{ChainID: 8453}, WithEthClient(&nullClient{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sign := func(to common.Address, value *big.Int, data []byte) *types.Transaction {
		tx := types.NewTransaction(1, to, value, 21000, big.NewInt(1), data)
		signed, err := types.SignTx(tx, c.signer, key)
		if err != nil {
			t.Fatalf("SignTx: %v", err)
		}
		return signed
	}

	// Payment to the watch address with a memo.
	paid := sign(watch, MinorToWei(big.NewInt(50000)), []byte("tx_deadbeef"))
	tr, ok := c.decodeTransfer(paid, watch, 42)
	if !ok {
		t.Fatal("transfer to watch address not decoded")
	}
	if tr.Amount.Int64() != 50000 {
		t.Errorf("amount = %s minor, want 50000", tr.Amount)
	}
	if tr.Memo != "tx_deadbeef" {
		t.Errorf("memo = %q", tr.Memo)
	}
	if tr.From != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("from = %s, want signer address", tr.From)
	}
	if tr.Block != 42 {
		t.Errorf("block = %d, want 42", tr.Block)
	}

	// Payment to someone else is ignored.
	if _, ok := c.decodeTransfer(sign(other, big.NewInt(1), nil), watch, 42); ok {
		t.Error("decoded a transfer to a different address")
	}

	// Zero-value calls are ignored.
	if _, ok := c.decodeTransfer(sign(watch, big.NewInt(0), []byte("ping")), watch, 42); ok {
		t.Error("decoded a zero-value transaction")
	}
}

// nullClient satisfies EthClient for tests that never hit the network.
type nullClient struct{}

func (n *nullClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (n *nullClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return nil, nil
}
func (n *nullClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (n *nullClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (n *nullClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}
func (n *nullClient) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (n *nullClient) Close()                                                           {}
