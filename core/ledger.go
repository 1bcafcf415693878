package core

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/openlend/core/utils"
)

// TokenLedger moves funds between holders. It is the external custody
// collaborator: the engine never holds funds itself, it only instructs the
// ledger and commits its own books when the ledger succeeds.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to uuid.UUID, amount uint64, auth Authorization) error
	Balance(ctx context.Context, holder uuid.UUID) (uint64, error)
}

type AuthorizationKind uint8

const (
	AuthorizationUser AuthorizationKind = iota
	AuthorizationCustody
)

func (k AuthorizationKind) String() string {
	switch k {
	case AuthorizationUser:
		return "User"
	case AuthorizationCustody:
		return "Custody"
	default:
		return "Unknown"
	}
}

// Authorization is the credential accompanying a transfer: either the
// sending user's own identity, or a pool custody capability for transfers
// the pool initiates out of its treasury.
type Authorization struct {
	Kind   AuthorizationKind `json:"kind"`
	Signer uuid.UUID         `json:"signer"`
}

func UserAuth(user uuid.UUID) Authorization {
	return Authorization{Kind: AuthorizationUser, Signer: user}
}

// CustodySigner is derived deterministically from the pool identity, so the
// capability can be reconstructed anywhere without storing a key.
func CustodySigner(poolId uuid.UUID) uuid.UUID {
	return utils.DeriveUuid("custody", poolId.String())
}

// CustodyAuth returns the capability the pool uses to sign outbound
// treasury transfers. The recipient's signature is never required.
func (p *Pool) CustodyAuth() Authorization {
	return Authorization{Kind: AuthorizationCustody, Signer: CustodySigner(p.Id)}
}

// MemoryLedger is a mutex-guarded in-process TokenLedger. It backs the
// engine tests and small single-process deployments; anything real sits
// behind the same interface.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[uuid.UUID]uint64
	custodians map[uuid.UUID]uuid.UUID // holder -> custody signer
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[uuid.UUID]uint64),
		custodians: make(map[uuid.UUID]uuid.UUID),
	}
}

// Mint credits a holder out of thin air. Test and bootstrap helper.
func (l *MemoryLedger) Mint(holder uuid.UUID, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[holder] += amount
}

// BindCustody records which custody signer may move funds out of holder.
// The engine derives the signer from the pool id; the ledger only needs the
// binding for treasury holders.
func (l *MemoryLedger) BindCustody(holder, signer uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custodians[holder] = signer
}

func (l *MemoryLedger) Transfer(ctx context.Context, from, to uuid.UUID, amount uint64, auth Authorization) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch auth.Kind {
	case AuthorizationUser:
		if auth.Signer != from {
			return ErrLedgerUnauthorized
		}
	case AuthorizationCustody:
		if signer, ok := l.custodians[from]; !ok || signer != auth.Signer {
			return ErrLedgerUnauthorized
		}
	default:
		return ErrLedgerUnauthorized
	}

	if l.balances[from] < amount {
		return ErrLedgerInsufficient
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, holder uuid.UUID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[holder], nil
}
