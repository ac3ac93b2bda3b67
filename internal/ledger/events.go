package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/loopvault/risk-engine/internal/model"
)

// Kind tags an inbound event.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdrawal    Kind = "withdrawal"
	KindTransfer      Kind = "transfer"
	KindLoopExecution Kind = "loop_execution"
	KindTrove         Kind = "trove"
	KindTeller        Kind = "teller"
	KindHLPTransfer   Kind = "hlp_transfer"
	KindBlock         Kind = "block"
)

// DepositEvent is a decoded vault Deposit(sender, owner, assets, shares) log.
type DepositEvent struct {
	Ref    model.EventRef  `json:"ref"`
	Sender string          `json:"sender"`
	Owner  string          `json:"owner"`
	Assets decimal.Decimal `json:"assets"`
	Shares decimal.Decimal `json:"shares"`
}

// WithdrawalEvent is a decoded vault Withdraw(sender, receiver, owner,
// assets, shares) log. Shares are burned from Owner.
type WithdrawalEvent struct {
	Ref      model.EventRef  `json:"ref"`
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Owner    string          `json:"owner"`
	Assets   decimal.Decimal `json:"assets"`
	Shares   decimal.Decimal `json:"shares"`
}

// TransferEvent is a decoded share-token Transfer(from, to, value) log.
type TransferEvent struct {
	Ref   model.EventRef  `json:"ref"`
	From  string          `json:"from"`
	To    string          `json:"to"`
	Value decimal.Decimal `json:"value"`
}

// LoopExecutionEvent is a strategy batch executed by the vault manager.
type LoopExecutionEvent struct {
	Ref          model.EventRef   `json:"ref"`
	Targets      []common.Address `json:"targets"`
	CallData     []hexutil.Bytes  `json:"call_data"`
	Success      bool             `json:"success"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

func (e *LoopExecutionEvent) calls() [][]byte {
	out := make([][]byte, len(e.CallData))
	for i, c := range e.CallData {
		out[i] = c
	}
	return out
}

// TroveEvent is a lending-market trove update. Debt, Collateral and Stake
// are the absolute values after the operation, as TroveUpdated reports them.
type TroveEvent struct {
	Ref          model.EventRef       `json:"ref"`
	TroveID      string               `json:"trove_id"`
	Owner        string               `json:"owner"`
	Operation    model.TroveOperation `json:"operation"`
	Debt         decimal.Decimal      `json:"debt"`
	Collateral   decimal.Decimal      `json:"collateral"`
	Stake        decimal.Decimal      `json:"stake"`
	InterestRate float64              `json:"interest_rate"`
	Fee          decimal.Decimal      `json:"fee"`
}

// TellerEvent is a teller Deposit, BulkDeposit or BulkWithdraw log. Amount
// is the collateral moved for Receiver.
type TellerEvent struct {
	Ref       model.EventRef      `json:"ref"`
	Teller    string              `json:"teller"`
	Receiver  string              `json:"receiver"`
	Operation model.LoanOperation `json:"operation"`
	Asset     string              `json:"asset"`
	Amount    decimal.Decimal     `json:"amount"`
}

// HLPTransferEvent is an L1 write (vault transfer, spot send or class
// transfer) touching the vault's L1 account. Amount is in raw L1 units.
type HLPTransferEvent struct {
	Ref    model.EventRef    `json:"ref"`
	Type   model.HLPFlowType `json:"flow_type"`
	User   string            `json:"user"`
	Target string            `json:"target"`
	Amount decimal.Decimal   `json:"amount"`
}

// BlockEvent is a synthetic tick carrying the chain head and its header
// time.
type BlockEvent struct {
	Number    uint64    `json:"number"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the tagged union delivered by the indexer. Exactly one payload
// field matching Kind is set.
type Event struct {
	Kind       Kind                `json:"kind"`
	Deposit    *DepositEvent       `json:"deposit,omitempty"`
	Withdrawal *WithdrawalEvent    `json:"withdrawal,omitempty"`
	Transfer   *TransferEvent      `json:"transfer,omitempty"`
	Loop       *LoopExecutionEvent `json:"loop_execution,omitempty"`
	Trove      *TroveEvent         `json:"trove,omitempty"`
	Teller     *TellerEvent        `json:"teller,omitempty"`
	HLP        *HLPTransferEvent   `json:"hlp_transfer,omitempty"`
	Block      *BlockEvent         `json:"block,omitempty"`
}

// Validate checks that the payload matches the kind.
func (e Event) Validate() error {
	var ok bool
	switch e.Kind {
	case KindDeposit:
		ok = e.Deposit != nil
	case KindWithdrawal:
		ok = e.Withdrawal != nil
	case KindTransfer:
		ok = e.Transfer != nil
	case KindLoopExecution:
		ok = e.Loop != nil
	case KindTrove:
		ok = e.Trove != nil
	case KindTeller:
		ok = e.Teller != nil
	case KindHLPTransfer:
		ok = e.HLP != nil
	case KindBlock:
		ok = e.Block != nil
	default:
		return ErrUnknownKind
	}
	if !ok {
		return ErrMissingPayload
	}
	if e.Kind == KindBlock {
		if e.Block.Timestamp.IsZero() {
			return ErrMissingTimestamp
		}
		return nil
	}
	if e.ref().Vault == "" {
		return ErrMissingVault
	}
	switch e.Kind {
	case KindTrove:
		if e.Trove.TroveID == "" || !e.Trove.Operation.Valid() {
			return ErrInvalidPayload
		}
	case KindTeller:
		if e.Teller.Receiver == "" || !e.Teller.Operation.Valid() {
			return ErrInvalidPayload
		}
	case KindHLPTransfer:
		if !e.HLP.Type.Valid() {
			return ErrInvalidPayload
		}
	}
	return nil
}

func (e Event) ref() model.EventRef {
	switch e.Kind {
	case KindDeposit:
		return e.Deposit.Ref
	case KindWithdrawal:
		return e.Withdrawal.Ref
	case KindTransfer:
		return e.Transfer.Ref
	case KindLoopExecution:
		return e.Loop.Ref
	case KindTrove:
		return e.Trove.Ref
	case KindTeller:
		return e.Teller.Ref
	case KindHLPTransfer:
		return e.HLP.Ref
	}
	return model.EventRef{}
}
