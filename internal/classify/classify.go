// Package classify infers the strategy intent of a batch execution from its
// (target, call data) pairs using a declarative selector table.
package classify

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/model"
)

// Role names a protocol contract the vault talks to.
type Role string

const (
	RoleStaking Role = "staking"
	RoleLending Role = "lending"
)

// Action is the position effect of one matched call.
type Action string

const (
	ActionStake   Action = "stake"
	ActionUnstake Action = "unstake"
	ActionSupply  Action = "supply"
	ActionBorrow  Action = "borrow"
	ActionRepay   Action = "repay"
)

// Selector is the 4-byte function selector prefix of call data.
type Selector [4]byte

// ParseSelector parses "0xa694fc3a".
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return sel, fmt.Errorf("classify: invalid selector %q: %w", s, err)
	}
	if len(raw) != 4 {
		return sel, fmt.Errorf("classify: selector %q must be 4 bytes", s)
	}
	copy(sel[:], raw)
	return sel, nil
}

func mustSelector(s string) Selector {
	sel, err := ParseSelector(s)
	if err != nil {
		panic(err)
	}
	return sel
}

func (s Selector) String() string { return "0x" + hex.EncodeToString(s[:]) }

// Rule is one row of the classification table.
type Rule struct {
	Role     Role
	Selector Selector
	Action   Action
	Type     model.ExecutionType
	// AmountArg is the index of the 32-byte ABI word holding the amount.
	AmountArg int
}

// DefaultRules is the selector table for the staking contract and the
// lending pool the vault loops through.
var DefaultRules = []Rule{
	{Role: RoleStaking, Selector: mustSelector("0xa694fc3a"), Action: ActionStake, Type: model.IncreaseLeverage, AmountArg: 0},   // stake(uint256)
	{Role: RoleStaking, Selector: mustSelector("0x2e1a7d4d"), Action: ActionUnstake, Type: model.DecreaseLeverage, AmountArg: 0}, // withdraw(uint256)
	{Role: RoleLending, Selector: mustSelector("0xe8eda9df"), Action: ActionSupply, Type: model.IncreaseLeverage, AmountArg: 1},  // deposit(address,uint256,address,uint16)
	{Role: RoleLending, Selector: mustSelector("0x69328dec"), Action: ActionBorrow, Type: model.IncreaseLeverage, AmountArg: 1},
	{Role: RoleLending, Selector: mustSelector("0x573ade81"), Action: ActionRepay, Type: model.DecreaseLeverage, AmountArg: 1}, // repay(address,uint256,uint256,address)
}

// Match is one call that matched a rule.
type Match struct {
	Index  int
	Target common.Address
	Rule   Rule
	Amount decimal.Decimal
}

// Breakdown is the full inspection of a batch.
type Breakdown struct {
	Type    model.ExecutionType
	Matches []Match

	StakingAmount    decimal.Decimal
	DerivativeAmount decimal.Decimal
	BorrowDelta      decimal.Decimal
}

// Classifier maps (target, selector) pairs to execution types.
type Classifier struct {
	roles map[common.Address]Role
	rules map[Role]map[Selector]Rule
}

// New creates a classifier from role bindings and a rule table. Addresses
// compare by value, so checksum casing in configuration does not matter.
func New(bindings map[Role]common.Address, rules []Rule) *Classifier {
	c := &Classifier{
		roles: make(map[common.Address]Role, len(bindings)),
		rules: make(map[Role]map[Selector]Rule),
	}
	for role, addr := range bindings {
		if addr == (common.Address{}) {
			continue
		}
		c.roles[addr] = role
	}
	for _, r := range rules {
		if c.rules[r.Role] == nil {
			c.rules[r.Role] = make(map[Selector]Rule)
		}
		if _, dup := c.rules[r.Role][r.Selector]; dup {
			continue // first row wins
		}
		c.rules[r.Role][r.Selector] = r
	}
	return c
}

func (c *Classifier) lookup(target common.Address, data []byte) (Rule, bool) {
	role, ok := c.roles[target]
	if !ok || len(data) < 4 {
		return Rule{}, false
	}
	var sel Selector
	copy(sel[:], data[:4])
	r, ok := c.rules[role][sel]
	return r, ok
}

// Classify returns the type of the first matching call, or Rebalance when
// nothing matches. Extra entries in the longer slice are ignored.
func (c *Classifier) Classify(targets []common.Address, callData [][]byte) model.ExecutionType {
	n := min(len(targets), len(callData))
	for i := 0; i < n; i++ {
		if r, ok := c.lookup(targets[i], callData[i]); ok {
			return r.Type
		}
	}
	return model.Rebalance
}

// Inspect classifies the batch like Classify and also decodes the amount of
// every matched call into signed per-leg totals.
func (c *Classifier) Inspect(targets []common.Address, callData [][]byte) Breakdown {
	b := Breakdown{Type: model.Rebalance}
	n := min(len(targets), len(callData))
	for i := 0; i < n; i++ {
		r, ok := c.lookup(targets[i], callData[i])
		if !ok {
			continue
		}
		if len(b.Matches) == 0 {
			b.Type = r.Type
		}
		amount := AmountWord(callData[i], r.AmountArg)
		b.Matches = append(b.Matches, Match{Index: i, Target: targets[i], Rule: r, Amount: amount})

		switch r.Action {
		case ActionStake:
			b.StakingAmount = b.StakingAmount.Add(amount)
		case ActionUnstake:
			b.StakingAmount = b.StakingAmount.Sub(amount)
		case ActionSupply:
			b.DerivativeAmount = b.DerivativeAmount.Add(amount)
		case ActionBorrow:
			b.BorrowDelta = b.BorrowDelta.Add(amount)
		case ActionRepay:
			b.BorrowDelta = b.BorrowDelta.Sub(amount)
		}
	}
	return b
}

// AmountWord decodes the uint256 ABI word at index arg after the selector.
// Short or missing data decodes as zero.
func AmountWord(data []byte, arg int) decimal.Decimal {
	if arg < 0 {
		return decimal.Zero
	}
	start := 4 + arg*32
	end := start + 32
	if len(data) < end {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(data[start:end]), 0)
}
