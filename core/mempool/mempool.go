// Package mempool holds admitted UserOperations until they are bundled. One
// Mempool serves one EntryPoint; every read-modify-write on it runs under a
// single lock.
package mempool

import (
	"math/big"
	"slices"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/rpcerr"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const (
	DefaultMaxOpsPerSender             = 4
	DefaultThrottledEntityMempoolCount = 4
	DefaultBatchLimit                  = 100
)

// minFeeBump is the factor both fee caps of a replacement must reach.
var minFeeBump = decimal.RequireFromString("1.1")

type Status int

const (
	Pending Status = iota
	Bundling
)

func (s Status) String() string {
	if s == Bundling {
		return "bundling"
	}
	return "pending"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is one admitted operation.
type Entry struct {
	Op                  *userop.UserOperation            `json:"userOp"`
	Hash                common.Hash                      `json:"userOpHash"`
	Prefund             *big.Int                         `json:"prefund"`
	ReferencedContracts *validation.ReferencedCodeHashes `json:"referencedContracts,omitempty"`
	Status              Status                           `json:"status"`
	Aggregator          common.Address                   `json:"aggregator"`
}

// EntityStakes is the stake information validation reported for the entities
// an operation references. Nil pointers mean the entity is not used.
type EntityStakes struct {
	Sender     reputation.StakeInfo
	Paymaster  *reputation.StakeInfo
	Factory    *reputation.StakeInfo
	Aggregator *reputation.StakeInfo
}

type Config struct {
	// MaxOpsPerSender caps the pool entries of one sender before a stake is required.
	MaxOpsPerSender uint64
	// ThrottledEntityMempoolCount is how many entries an entity may hold before
	// its THROTTLED status starts rejecting new ones.
	ThrottledEntityMempoolCount uint64
	// BatchLimit is the size of a regular batch and the overload threshold.
	BatchLimit int
}

type senderNonce struct {
	sender common.Address
	nonce  string
}

type Mempool struct {
	mu sync.Mutex

	config     Config
	reputation *reputation.Tracker
	logger     sdklogging.Logger

	order         []*Entry
	byHash        map[common.Hash]*Entry
	bySenderNonce map[senderNonce]*Entry
	// entryCount counts entries per sender, paymaster and factory address.
	entryCount map[common.Address]uint64
}

func New(c Config, rep *reputation.Tracker, log sdklogging.Logger) *Mempool {
	if c.MaxOpsPerSender == 0 {
		c.MaxOpsPerSender = DefaultMaxOpsPerSender
	}
	if c.ThrottledEntityMempoolCount == 0 {
		c.ThrottledEntityMempoolCount = DefaultThrottledEntityMempoolCount
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}

	return &Mempool{
		config:        c,
		reputation:    rep,
		logger:        logger.EnsureLogger(log),
		byHash:        make(map[common.Hash]*Entry),
		bySenderNonce: make(map[senderNonce]*Entry),
		entryCount:    make(map[common.Address]uint64),
	}
}

func keyOf(op *userop.UserOperation) senderNonce {
	nonce := "0"
	if op.Nonce != nil {
		nonce = op.Nonce.String()
	}
	return senderNonce{sender: op.Sender, nonce: nonce}
}

// Admit inserts op, or replaces the pending op with the same sender and nonce
// when both fee caps are bumped by at least 10%. A rejected admit leaves the
// pool untouched.
func (m *Mempool) Admit(op *userop.UserOperation, hash common.Hash, prefund *big.Int, referenced *validation.ReferencedCodeHashes, stakes EntityStakes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &Entry{
		Op:                  op.Copy(),
		Hash:                hash,
		Prefund:             new(big.Int),
		ReferencedContracts: referenced,
		Status:              Pending,
	}
	if prefund != nil {
		entry.Prefund.Set(prefund)
	}
	if stakes.Aggregator != nil {
		entry.Aggregator = stakes.Aggregator.Addr
	}

	key := keyOf(op)
	if old, ok := m.bySenderNonce[key]; ok {
		if err := checkReplacement(old.Op, op); err != nil {
			return err
		}
		m.replaceLocked(old, entry)
		m.logger.Debug("replaced userop", "sender", op.Sender.Hex(), "nonce", key.nonce, "old", old.Hash.Hex(), "new", hash.Hex())
	} else {
		if err := m.checkReputationLocked(stakes); err != nil {
			return err
		}
		if err := m.checkMultipleRolesLocked(op); err != nil {
			return err
		}
		m.insertLocked(entry)
		m.logger.Debug("admitted userop", "sender", op.Sender.Hex(), "nonce", key.nonce, "hash", hash.Hex())
	}

	m.reputation.RecordSeen(op.Sender)
	if stakes.Aggregator != nil {
		m.reputation.RecordSeen(stakes.Aggregator.Addr)
	}
	m.reputation.RecordSeen(op.Paymaster)
	m.reputation.RecordSeen(op.Factory)
	return nil
}

func checkReplacement(old, incoming *userop.UserOperation) error {
	if !bumped(old.MaxPriorityFeePerGas, incoming.MaxPriorityFeePerGas) || !bumped(old.MaxFeePerGas, incoming.MaxFeePerGas) {
		return rpcerr.Newf(rpcerr.InvalidFields,
			"replacement UserOperation must have higher gas: maxPriorityFeePerGas and maxFeePerGas must both increase by at least 10%% (old=%s/%s new=%s/%s)",
			old.MaxPriorityFeePerGas, old.MaxFeePerGas, incoming.MaxPriorityFeePerGas, incoming.MaxFeePerGas)
	}
	return nil
}

func bumped(old, incoming *big.Int) bool {
	if old == nil {
		return true
	}
	if incoming == nil {
		return false
	}
	required := decimal.NewFromBigInt(old, 0).Mul(minFeeBump)
	return decimal.NewFromBigInt(incoming, 0).GreaterThanOrEqual(required)
}

func (m *Mempool) checkReputationLocked(stakes EntityStakes) error {
	if err := m.checkEntityLocked("account", stakes.Sender, m.config.MaxOpsPerSender); err != nil {
		return err
	}
	for _, e := range []struct {
		role string
		info *reputation.StakeInfo
	}{
		{"paymaster", stakes.Paymaster},
		{"factory", stakes.Factory},
		{"aggregator", stakes.Aggregator},
	} {
		if e.info == nil {
			continue
		}
		if err := m.checkEntityLocked(e.role, *e.info, m.reputation.MaxUnstakedMempoolCount(e.info.Addr)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mempool) checkEntityLocked(role string, info reputation.StakeInfo, maxAllowed uint64) error {
	if err := m.reputation.RequireNotBanned(role, info.Addr); err != nil {
		return err
	}

	count := m.entryCount[info.Addr]
	if count > m.config.ThrottledEntityMempoolCount {
		if err := m.reputation.RequireNotThrottled(role, info.Addr); err != nil {
			return err
		}
	}
	if count > maxAllowed {
		if err := m.reputation.RequireStaked(role, info); err != nil {
			return err
		}
	}
	return nil
}

// checkMultipleRolesLocked rejects an address that acts as a sender in one
// entry and as a paymaster or factory in another.
func (m *Mempool) checkMultipleRolesLocked(op *userop.UserOperation) error {
	if m.knownEntitiesLocked().Contains(op.Sender) {
		return rpcerr.Newf(rpcerr.OpcodeValidation,
			"the sender address %s is used as a different entity in another UserOperation currently in mempool", op.Sender.Hex())
	}

	senders := m.knownSendersLocked()
	if op.HasPaymaster() && senders.Contains(op.Paymaster) {
		return rpcerr.Newf(rpcerr.OpcodeValidation,
			"paymaster %s is used as a sender entity in another UserOperation currently in mempool", op.Paymaster.Hex())
	}
	if op.HasFactory() && senders.Contains(op.Factory) {
		return rpcerr.Newf(rpcerr.OpcodeValidation,
			"factory %s is used as a sender entity in another UserOperation currently in mempool", op.Factory.Hex())
	}
	return nil
}

func entities(op *userop.UserOperation) []common.Address {
	out := []common.Address{op.Sender}
	if op.HasPaymaster() {
		out = append(out, op.Paymaster)
	}
	if op.HasFactory() {
		out = append(out, op.Factory)
	}
	return out
}

func (m *Mempool) incrementLocked(op *userop.UserOperation) {
	for _, addr := range entities(op) {
		m.entryCount[addr]++
	}
}

func (m *Mempool) decrementLocked(op *userop.UserOperation) {
	for _, addr := range entities(op) {
		if c := m.entryCount[addr]; c <= 1 {
			delete(m.entryCount, addr)
		} else {
			m.entryCount[addr] = c - 1
		}
	}
}

func (m *Mempool) insertLocked(e *Entry) {
	m.order = append(m.order, e)
	m.byHash[e.Hash] = e
	m.bySenderNonce[keyOf(e.Op)] = e
	m.incrementLocked(e.Op)
}

// replaceLocked swaps old for e at old's position in the pool.
func (m *Mempool) replaceLocked(old, e *Entry) {
	idx := slices.Index(m.order, old)
	m.order[idx] = e
	delete(m.byHash, old.Hash)
	m.byHash[e.Hash] = e
	m.bySenderNonce[keyOf(e.Op)] = e
	m.decrementLocked(old.Op)
	m.incrementLocked(e.Op)
}

func (m *Mempool) removeLocked(e *Entry) {
	m.order = slices.DeleteFunc(m.order, func(x *Entry) bool { return x == e })
	delete(m.byHash, e.Hash)
	delete(m.bySenderNonce, keyOf(e.Op))
	m.decrementLocked(e.Op)
}

// Remove deletes the entry with the given hash and reports whether it existed.
func (m *Mempool) Remove(hash common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byHash[hash]
	if !ok {
		return false
	}
	m.removeLocked(e)
	return true
}

// RemoveOp deletes the entry holding op's sender and nonce.
func (m *Mempool) RemoveOp(op *userop.UserOperation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.bySenderNonce[keyOf(op)]
	if !ok {
		return false
	}
	m.removeLocked(e)
	return true
}

// Find returns a copy of the entry with the given hash.
func (m *Mempool) Find(hash common.Hash) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byHash[hash]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// TakeNextBatch claims up to limit pending entries in pool order by flipping
// them to bundling.
func (m *Mempool) TakeNextBatch(limit int) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.takeLocked(limit)
}

// TakeAllPending claims every pending entry.
func (m *Mempool) TakeAllPending() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.takeLocked(len(m.order))
}

func (m *Mempool) takeLocked(limit int) []*Entry {
	out := make([]*Entry, 0, min(limit, len(m.order)))
	for _, e := range m.order {
		if len(out) >= limit {
			break
		}
		if e.Status != Pending {
			continue
		}
		e.Status = Bundling
		out = append(out, e)
	}
	return out
}

// RevertToPending releases the claim on an entry. Unknown hashes are ignored.
func (m *Mempool) RevertToPending(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byHash[hash]; ok {
		e.Status = Pending
	}
}

func (m *Mempool) knownSendersLocked() mapset.Set[common.Address] {
	return mapset.NewThreadUnsafeSet(lo.Map(m.order, func(e *Entry, _ int) common.Address {
		return e.Op.Sender
	})...)
}

func (m *Mempool) knownEntitiesLocked() mapset.Set[common.Address] {
	s := mapset.NewThreadUnsafeSet[common.Address]()
	for _, e := range m.order {
		if e.Op.HasPaymaster() {
			s.Add(e.Op.Paymaster)
		}
		if e.Op.HasFactory() {
			s.Add(e.Op.Factory)
		}
	}
	return s
}

// KnownSenders is the set of senders with an entry in the pool.
func (m *Mempool) KnownSenders() mapset.Set[common.Address] {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.knownSendersLocked()
}

// KnownEntities is the set of paymasters and factories referenced by entries in the pool.
func (m *Mempool) KnownEntities() mapset.Set[common.Address] {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.knownEntitiesLocked()
}

// EntryCount is the number of entries referencing addr as sender, paymaster or factory.
func (m *Mempool) EntryCount(addr common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.entryCount[addr]
}

func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.order)
}

func (m *Mempool) BatchLimit() int {
	return m.config.BatchLimit
}

// IsOverloaded reports whether a full batch is waiting.
func (m *Mempool) IsOverloaded() bool {
	return m.Size() >= m.config.BatchLimit
}

func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.order = nil
	m.byHash = make(map[common.Hash]*Entry)
	m.bySenderNonce = make(map[senderNonce]*Entry)
	m.entryCount = make(map[common.Address]uint64)
}

// Dump returns copies of all entries in pool order.
func (m *Mempool) Dump() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lo.Map(m.order, func(e *Entry, _ int) Entry { return *e })
}
