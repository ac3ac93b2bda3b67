package classify

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/model"
)

var (
	stakingAddr = common.HexToAddress("0x5748ae796AE46A4F1348a1693de4b50560485562")
	lendingAddr = common.HexToAddress("0x00A89d7a5A02160f20150EbEA7a2b5E4879A1A8b")
	otherAddr   = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

func newTestClassifier() *Classifier {
	return New(map[Role]common.Address{
		RoleStaking: stakingAddr,
		RoleLending: lendingAddr,
	}, DefaultRules)
}

// call builds call data from a selector and uint256 words.
func call(sel string, words ...int64) []byte {
	s := mustSelector(sel)
	data := append([]byte{}, s[:]...)
	for _, w := range words {
		data = append(data, common.LeftPadBytes(big.NewInt(w).Bytes(), 32)...)
	}
	return data
}

func TestSelectorsMatchSignatures(t *testing.T) {
	tests := []struct {
		signature string
		selector  string
	}{
		{"stake(uint256)", "0xa694fc3a"},
		{"withdraw(uint256)", "0x2e1a7d4d"},
		{"deposit(address,uint256,address,uint16)", "0xe8eda9df"},
		{"repay(address,uint256,uint256,address)", "0x573ade81"},
	}
	for _, tt := range tests {
		var want Selector
		copy(want[:], crypto.Keccak256([]byte(tt.signature))[:4])
		if got := mustSelector(tt.selector); got != want {
			t.Errorf("%s: table has %s, keccak gives %s", tt.signature, got, want)
		}
	}
}

func TestClassify_Table(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name     string
		targets  []common.Address
		callData [][]byte
		want     model.ExecutionType
	}{
		{"stake", []common.Address{stakingAddr}, [][]byte{call("0xa694fc3a", 100)}, model.IncreaseLeverage},
		{"unstake", []common.Address{stakingAddr}, [][]byte{call("0x2e1a7d4d", 100)}, model.DecreaseLeverage},
		{"supply", []common.Address{lendingAddr}, [][]byte{call("0xe8eda9df", 0, 100, 0, 0)}, model.IncreaseLeverage},
		{"borrow", []common.Address{lendingAddr}, [][]byte{call("0x69328dec", 0, 100, 0)}, model.IncreaseLeverage},
		{"repay", []common.Address{lendingAddr}, [][]byte{call("0x573ade81", 0, 100, 2, 0)}, model.DecreaseLeverage},
		{"empty batch", nil, nil, model.Rebalance},
		{"unknown target", []common.Address{otherAddr}, [][]byte{call("0xa694fc3a", 1)}, model.Rebalance},
		{"selector on wrong role", []common.Address{lendingAddr}, [][]byte{call("0xa694fc3a", 1)}, model.Rebalance},
		{"short call data", []common.Address{stakingAddr}, [][]byte{{0xa6, 0x94}}, model.Rebalance},
		{"nil call data", []common.Address{stakingAddr}, [][]byte{nil}, model.Rebalance},
		{"first match wins", []common.Address{otherAddr, lendingAddr, stakingAddr},
			[][]byte{call("0x12345678"), call("0x573ade81", 0, 5, 2, 0), call("0xa694fc3a", 5)}, model.DecreaseLeverage},
		{"mismatched lengths", []common.Address{otherAddr, stakingAddr},
			[][]byte{call("0xa694fc3a", 5)}, model.Rebalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.targets, tt.callData); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_Totality(t *testing.T) {
	c := newTestClassifier()
	valid := map[model.ExecutionType]bool{
		model.IncreaseLeverage: true,
		model.DecreaseLeverage: true,
		model.Rebalance:        true,
	}

	inputs := [][]byte{nil, {}, {0x00}, {0xa6, 0x94, 0xfc}, {0xa6, 0x94, 0xfc, 0x3a}, make([]byte, 200)}
	addrs := []common.Address{{}, stakingAddr, lendingAddr, otherAddr}
	for _, a := range addrs {
		for _, in := range inputs {
			got := c.Classify([]common.Address{a}, [][]byte{in})
			if !valid[got] {
				t.Fatalf("Classify(%s, %x) returned undefined type %q", a.Hex(), in, got)
			}
		}
	}
}

func TestClassify_AddressCaseInsensitive(t *testing.T) {
	c := New(map[Role]common.Address{
		RoleStaking: common.HexToAddress("0x5748ae796ae46a4f1348a1693de4b50560485562"),
	}, DefaultRules)

	target := common.HexToAddress("0x5748AE796AE46A4F1348A1693DE4B50560485562")
	if got := c.Classify([]common.Address{target}, [][]byte{call("0xa694fc3a", 1)}); got != model.IncreaseLeverage {
		t.Errorf("expected increase_leverage, got %s", got)
	}
}

func TestInspect_Amounts(t *testing.T) {
	c := newTestClassifier()

	b := c.Inspect(
		[]common.Address{stakingAddr, lendingAddr, lendingAddr, otherAddr},
		[][]byte{
			call("0xa694fc3a", 1000),
			call("0xe8eda9df", 0, 950, 0, 0),
			call("0x69328dec", 0, 700, 0),
			call("0xdeadbeef", 1),
		},
	)
	if b.Type != model.IncreaseLeverage {
		t.Errorf("expected increase_leverage, got %s", b.Type)
	}
	if len(b.Matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(b.Matches))
	}
	if !b.StakingAmount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("staking amount = %s, want 1000", b.StakingAmount)
	}
	if !b.DerivativeAmount.Equal(decimal.NewFromInt(950)) {
		t.Errorf("derivative amount = %s, want 950", b.DerivativeAmount)
	}
	if !b.BorrowDelta.Equal(decimal.NewFromInt(700)) {
		t.Errorf("borrow delta = %s, want 700", b.BorrowDelta)
	}
}

func TestInspect_RepayAndUnstakeAreNegative(t *testing.T) {
	c := newTestClassifier()

	b := c.Inspect(
		[]common.Address{lendingAddr, stakingAddr},
		[][]byte{call("0x573ade81", 0, 300, 2, 0), call("0x2e1a7d4d", 250)},
	)
	if b.Type != model.DecreaseLeverage {
		t.Errorf("expected decrease_leverage, got %s", b.Type)
	}
	if !b.BorrowDelta.Equal(decimal.NewFromInt(-300)) {
		t.Errorf("borrow delta = %s, want -300", b.BorrowDelta)
	}
	if !b.StakingAmount.Equal(decimal.NewFromInt(-250)) {
		t.Errorf("staking amount = %s, want -250", b.StakingAmount)
	}
}

func TestAmountWord_ShortData(t *testing.T) {
	data := call("0xe8eda9df", 7) // only one word; amount is word 1
	if got := AmountWord(data, 1); !got.IsZero() {
		t.Errorf("expected zero for short data, got %s", got)
	}
	if got := AmountWord(data, 0); !got.Equal(decimal.NewFromInt(7)) {
		t.Errorf("expected 7, got %s", got)
	}
	if got := AmountWord(data, -1); !got.IsZero() {
		t.Errorf("expected zero for negative index, got %s", got)
	}
}

func TestParseSelector_Invalid(t *testing.T) {
	for _, s := range []string{"", "0x12", "0xzzzzzzzz", "0x1234567890"} {
		if _, err := ParseSelector(s); err == nil {
			t.Errorf("ParseSelector(%q) expected error", s)
		}
	}
}
