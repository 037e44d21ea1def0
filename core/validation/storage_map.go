package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountStorage is either a whole-account storage root or a set of slot values.
type AccountStorage struct {
	Root  *common.Hash
	Slots map[common.Hash]common.Hash
}

// RootStorage returns an AccountStorage pinned to a storage root.
func RootStorage(root common.Hash) AccountStorage {
	return AccountStorage{Root: &root}
}

// SlotStorage returns an AccountStorage pinned to individual slots.
func SlotStorage(slots map[common.Hash]common.Hash) AccountStorage {
	return AccountStorage{Slots: slots}
}

// MarshalJSON renders the knownAccounts form: a root hash string or a slot->value object.
func (a AccountStorage) MarshalJSON() ([]byte, error) {
	if a.Root != nil {
		return json.Marshal(a.Root.Hex())
	}
	slots := make(map[string]string, len(a.Slots))
	for k, v := range a.Slots {
		slots[k.Hex()] = v.Hex()
	}
	return json.Marshal(slots)
}

func (a *AccountStorage) UnmarshalJSON(data []byte) error {
	var root string
	if err := json.Unmarshal(data, &root); err == nil {
		if !strings.HasPrefix(root, "0x") {
			return fmt.Errorf("invalid storage root %q", root)
		}
		h := common.HexToHash(root)
		a.Root, a.Slots = &h, nil
		return nil
	}

	var slots map[string]string
	if err := json.Unmarshal(data, &slots); err != nil {
		return fmt.Errorf("storage entry must be a root hash or slot map: %w", err)
	}
	a.Root = nil
	a.Slots = make(map[common.Hash]common.Hash, len(slots))
	for k, v := range slots {
		a.Slots[common.HexToHash(k)] = common.HexToHash(v)
	}
	return nil
}

// StorageMap is keyed by contract address. It is both the storage footprint a
// validation reports and the knownAccounts precondition of a conditional
// submission.
type StorageMap map[common.Address]AccountStorage

// Merge folds src into m. A root in src replaces whatever m holds for the
// address; slot values are ignored for an address already pinned to a root;
// otherwise slot sets are unioned with src winning on conflicts.
func (m StorageMap) Merge(src StorageMap) {
	for addr, entry := range src {
		if entry.Root != nil {
			root := *entry.Root
			m[addr] = RootStorage(root)
			continue
		}

		existing, ok := m[addr]
		if ok && existing.Root != nil {
			continue
		}

		merged := make(map[common.Hash]common.Hash, len(existing.Slots)+len(entry.Slots))
		for k, v := range existing.Slots {
			merged[k] = v
		}
		for k, v := range entry.Slots {
			merged[k] = v
		}
		m[addr] = SlotStorage(merged)
	}
}
