package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// settlementABI is the subset of the settlement contract this service calls
// and listens to. createJob is sent by the client; msg.sender is recorded
// as the job's client.
const settlementABI = `[
	{"type":"function","name":"createJob","stateMutability":"nonpayable","inputs":[{"name":"freelancer","type":"address"},{"name":"amount","type":"uint256"},{"name":"key","type":"bytes32"}],"outputs":[{"name":"jobId","type":"uint256"}]},
	{"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"castVote","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"},{"name":"percent","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"acceptVerdict","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"rejectVerdict","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"escalateToDAO","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"},{"name":"duration","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"checkAIDeadline","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"finalizeVoting","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"JobCreated","anonymous":false,"inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"client","type":"address","indexed":true},{"name":"freelancer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"key","type":"bytes32","indexed":false}]},
	{"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"raisedBy","type":"address","indexed":true}]},
	{"type":"event","name":"FundsReleased","anonymous":false,"inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"VotingFinalized","anonymous":false,"inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"consensusPercent","type":"uint8","indexed":false}]},
	{"type":"event","name":"VerdictAccepted","anonymous":false,"inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"by","type":"address","indexed":true}]},
	{"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"clientPercent","type":"uint8","indexed":false},{"name":"freelancerPercent","type":"uint8","indexed":false}]},
	{"type":"event","name":"EscalatedToDAO","anonymous":false,"inputs":[{"name":"jobId","type":"uint256","indexed":true},{"name":"votingEndsAt","type":"uint256","indexed":false}]}
]`

// ERC20 minimal ABI for approve, balanceOf and Transfer
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	settlement = mustABI(settlementABI)
	erc20      = mustABI(erc20ABI)

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = erc20.Events["Transfer"].ID
)

var eventTypes = map[string]EventType{
	"JobCreated":      EventJobCreated,
	"DisputeRaised":   EventDisputeRaised,
	"FundsReleased":   EventFundsReleased,
	"VotingFinalized": EventVotingFinalized,
	"VerdictAccepted": EventVerdictAccepted,
	"DisputeResolved": EventDisputeResolved,
	"EscalatedToDAO":  EventEscalatedToVoting,
}

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("ledger: parse abi: " + err.Error())
	}
	return parsed
}

// SettlementTopics returns the topic0 hashes of every settlement event,
// for use as a FilterLogs topic filter.
func SettlementTopics() []common.Hash {
	topics := make([]common.Hash, 0, len(eventTypes))
	for name := range eventTypes {
		topics = append(topics, settlement.Events[name].ID)
	}
	return topics
}

// DecodeLog converts a settlement contract log into an Event. ok is false
// for logs that are not settlement events.
func DecodeLog(lg types.Log) (ev Event, ok bool, err error) {
	if len(lg.Topics) < 2 {
		return Event{}, false, nil
	}
	abiEvent, err := settlement.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, false, nil
	}
	typ, known := eventTypes[abiEvent.Name]
	if !known {
		return Event{}, false, nil
	}

	values, err := abiEvent.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return Event{}, false, fmt.Errorf("ledger: decode %s: %w", abiEvent.Name, err)
	}

	ev = Event{
		Type:        typ,
		JobID:       new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
		TxRef:       lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
	}
	topicAddr := func(i int) string {
		if len(lg.Topics) <= i {
			return ""
		}
		return strings.ToLower(common.BytesToAddress(lg.Topics[i].Bytes()).Hex())
	}

	switch typ {
	case EventJobCreated:
		if len(values) != 2 {
			return Event{}, false, fmt.Errorf("ledger: JobCreated: expected 2 values, got %d", len(values))
		}
		ev.Address = topicAddr(2)
		ev.Counterparty = topicAddr(3)
		ev.Amount, _ = values[0].(*big.Int)
		if key, isKey := values[1].([32]byte); isKey {
			ev.IdempotencyKey = keyFromBytes32(key)
		}
	case EventDisputeRaised, EventVerdictAccepted:
		ev.Address = topicAddr(2)
	case EventFundsReleased:
		ev.Address = topicAddr(2)
		if len(values) == 1 {
			ev.Amount, _ = values[0].(*big.Int)
		}
	case EventVotingFinalized:
		if len(values) == 1 {
			p, _ := values[0].(uint8)
			ev.Percent = int(p)
		}
	case EventDisputeResolved:
		if len(values) == 2 {
			c, _ := values[0].(uint8)
			f, _ := values[1].(uint8)
			ev.ClientPct, ev.FreelancerPct = int(c), int(f)
		}
	case EventEscalatedToVoting:
		if len(values) == 1 {
			if ends, isInt := values[0].(*big.Int); isInt {
				ev.VotingEndsAt = unixTime(ends.Int64())
			}
		}
	}
	return ev, true, nil
}

// keyToBytes32 packs a uuid idempotency key into the first 16 bytes. Keys
// that are not uuids are hashed, which makes them one-way.
func keyToBytes32(key string) [32]byte {
	var out [32]byte
	if id, err := uuid.Parse(key); err == nil {
		copy(out[:16], id[:])
		return out
	}
	copy(out[:], crypto.Keccak256([]byte(key)))
	return out
}

func keyFromBytes32(b [32]byte) string {
	var zero [16]byte
	if [16]byte(b[16:]) == zero && [16]byte(b[:16]) != zero {
		id, err := uuid.FromBytes(b[:16])
		if err == nil {
			return id.String()
		}
	}
	if b == [32]byte{} {
		return ""
	}
	return common.Hash(b).Hex()
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
