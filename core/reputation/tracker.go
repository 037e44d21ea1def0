// Package reputation keeps per-entity behaviour counters for factories,
// paymasters, aggregators and senders, and classifies each entity as OK,
// THROTTLED or BANNED.
package reputation

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"sort"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/core/rpcerr"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

type Status int

const (
	OK Status = iota
	Throttled
	Banned
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Throttled:
		return "throttled"
	case Banned:
		return "banned"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Entry is the exported view of one address's counters.
type Entry struct {
	Address     common.Address `json:"address" mapstructure:"address"`
	OpsSeen     uint64         `json:"opsSeen" mapstructure:"opsSeen"`
	OpsIncluded uint64         `json:"opsIncluded" mapstructure:"opsIncluded"`
	Status      string         `json:"status,omitempty" mapstructure:"-"`
}

type counters struct {
	opsSeen     uint64
	opsIncluded uint64
}

// Tracker is safe for concurrent use. The hourly decay runs on a scheduler
// owned by the tracker, started with Start and stopped with Stop.
type Tracker struct {
	mu        sync.RWMutex
	params    Params
	minStake  *big.Int
	minDelay  uint64
	entries   map[common.Address]*counters
	whitelist map[common.Address]struct{}
	blacklist map[common.Address]struct{}

	logger sdklogging.Logger

	schedMu       sync.Mutex
	scheduler     gocron.Scheduler
	decayInterval time.Duration
}

func NewTracker(c Config, log sdklogging.Logger) *Tracker {
	minStake := c.MinStake
	if minStake == nil {
		minStake = new(big.Int)
	}

	t := &Tracker{
		params:        c.Params,
		minStake:      new(big.Int).Set(minStake),
		minDelay:      c.MinUnstakeDelay,
		entries:       make(map[common.Address]*counters),
		whitelist:     make(map[common.Address]struct{}),
		blacklist:     make(map[common.Address]struct{}),
		logger:        logger.EnsureLogger(log),
		decayInterval: time.Hour,
	}
	if t.params.MinInclusionDenominator == 0 {
		t.params = BundlerParams
	}
	for _, a := range c.Whitelist {
		t.whitelist[a] = struct{}{}
	}
	for _, a := range c.Blacklist {
		t.blacklist[a] = struct{}{}
	}

	return t
}

// Start schedules the hourly decay. Calling Start on a running tracker is a no-op.
func (t *Tracker) Start() error {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()

	if t.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("failed to create reputation scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(t.decayInterval),
		gocron.NewTask(t.DecayHourly),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule reputation decay: %w", err)
	}

	s.Start()
	t.scheduler = s
	t.logger.Info("reputation decay scheduled", "interval", t.decayInterval)
	return nil
}

// Stop shuts the decay scheduler down. Calling Stop on a stopped tracker is a no-op.
func (t *Tracker) Stop() error {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()

	if t.scheduler == nil {
		return nil
	}

	err := t.scheduler.Shutdown()
	t.scheduler = nil
	if err != nil {
		return fmt.Errorf("failed to stop reputation scheduler: %w", err)
	}
	return nil
}

func (t *Tracker) getOrCreate(addr common.Address) *counters {
	c, ok := t.entries[addr]
	if !ok {
		c = &counters{}
		t.entries[addr] = c
	}
	return c
}

func (t *Tracker) isWhitelisted(addr common.Address) bool {
	_, ok := t.whitelist[addr]
	return ok
}

// RecordSeen counts one more operation referencing addr. The zero address and
// whitelisted addresses are not tracked.
func (t *Tracker) RecordSeen(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isWhitelisted(addr) {
		return
	}
	t.getOrCreate(addr).opsSeen++
}

// RecordIncluded counts one operation referencing addr that made it on chain.
func (t *Tracker) RecordIncluded(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isWhitelisted(addr) {
		return
	}
	t.getOrCreate(addr).opsIncluded++
}

// RecordCrashed punishes an entity blamed for a handleOps revert.
func (t *Tracker) RecordCrashed(addr common.Address) {
	if addr == (common.Address{}) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.getOrCreate(addr)
	c.opsSeen = addSat(c.opsSeen, crashPenalty)
	c.opsIncluded = 0
	t.logger.Warn("entity crashed handleOps", "address", addr.Hex(), "opsSeen", c.opsSeen)
}

func (t *Tracker) Status(addr common.Address) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.statusLocked(addr)
}

func (t *Tracker) statusLocked(addr common.Address) Status {
	if addr == (common.Address{}) || t.isWhitelisted(addr) {
		return OK
	}
	if _, ok := t.blacklist[addr]; ok {
		return Banned
	}

	c, ok := t.entries[addr]
	if !ok {
		return OK
	}

	minExpectedIncluded := c.opsSeen / t.params.MinInclusionDenominator
	switch {
	case minExpectedIncluded <= addSat(c.opsIncluded, t.params.ThrottlingSlack):
		return OK
	case minExpectedIncluded <= addSat(c.opsIncluded, t.params.BanSlack):
		return Throttled
	default:
		return Banned
	}
}

// MaxUnstakedMempoolCount is how many pool entries an unstaked entity may hold at once.
func (t *Tracker) MaxUnstakedMempoolCount(addr common.Address) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.entries[addr]
	if !ok {
		return sameUnstakedEntityMempoolCount
	}

	var rateBonus uint64
	if c.opsSeen > 0 {
		rateBonus = scaledRatio(c.opsIncluded, c.opsSeen, inclusionRateFactor)
	}

	return addSat(sameUnstakedEntityMempoolCount+min(c.opsIncluded, maxIncludedBonus), rateBonus)
}

// scaledRatio is floor(num*factor/den), saturating at MaxUint64.
func scaledRatio(num, den, factor uint64) uint64 {
	hi, lo := bits.Mul64(num/den, factor)
	if hi != 0 {
		return math.MaxUint64
	}
	// (num%den)*factor/den < factor, and hi < den always holds here.
	rhi, rlo := bits.Mul64(num%den, factor)
	frac, _ := bits.Div64(rhi, rlo, den)
	return addSat(lo, frac)
}

func addSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func (t *Tracker) RequireNotBanned(role string, addr common.Address) error {
	if t.Status(addr) == Banned {
		return rpcerr.Newf(rpcerr.Reputation, "%s %s is banned", role, addr.Hex()).WithData(role, addr.Hex())
	}
	return nil
}

func (t *Tracker) RequireNotThrottled(role string, addr common.Address) error {
	if t.Status(addr) == Throttled {
		return rpcerr.Newf(rpcerr.Reputation, "%s %s is throttled", role, addr.Hex()).WithData(role, addr.Hex())
	}
	return nil
}

// RequireStaked checks that info is not banned and holds the configured
// minimum stake and unstake delay. Whitelisted entities always pass.
func (t *Tracker) RequireStaked(role string, info StakeInfo) error {
	if info.Addr == (common.Address{}) {
		return nil
	}

	t.mu.RLock()
	whitelisted := t.isWhitelisted(info.Addr)
	t.mu.RUnlock()
	if whitelisted {
		return nil
	}

	if err := t.RequireNotBanned(role, info.Addr); err != nil {
		return err
	}

	stake := info.Stake
	if stake == nil {
		stake = new(big.Int)
	}
	if stake.Cmp(t.minStake) < 0 {
		msg := fmt.Sprintf("%s %s stake %s is too low (min=%s)", role, info.Addr.Hex(), stake, t.minStake)
		if stake.Sign() == 0 {
			msg = fmt.Sprintf("%s %s is unstaked", role, info.Addr.Hex())
		}
		return rpcerr.New(rpcerr.InsufficientStake, msg).WithData(role, info.Addr.Hex())
	}
	if info.UnstakeDelaySec < t.minDelay {
		return rpcerr.Newf(rpcerr.InsufficientStake, "%s %s unstake delay %d is too low (min=%d)",
			role, info.Addr.Hex(), info.UnstakeDelaySec, t.minDelay).WithData(role, info.Addr.Hex())
	}
	return nil
}

// DecayHourly scales every counter by 23/24 and drops entries that reach zero.
func (t *Tracker) DecayHourly() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for addr, c := range t.entries {
		c.opsSeen = scaledRatio(c.opsSeen, decayDenominator, decayNumerator)
		c.opsIncluded = scaledRatio(c.opsIncluded, decayDenominator, decayNumerator)
		if c.opsSeen == 0 && c.opsIncluded == 0 {
			delete(t.entries, addr)
		}
	}
}

// Dump returns every tracked entry with its current status, ordered by address.
func (t *Tracker) Dump() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, len(t.entries))
	for addr, c := range t.entries {
		out = append(out, Entry{
			Address:     addr,
			OpsSeen:     c.opsSeen,
			OpsIncluded: c.opsIncluded,
			Status:      t.statusLocked(addr).String(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

// SetReputation overwrites the counters of the given addresses.
func (t *Tracker) SetReputation(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range entries {
		t.entries[e.Address] = &counters{opsSeen: e.OpsSeen, opsIncluded: e.OpsIncluded}
	}
}

// Clear drops all counters. White- and blacklists are configuration and stay.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[common.Address]*counters)
}
