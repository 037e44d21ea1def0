package bundler

import (
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/rpcerr"
)

func (b *Bundler) DumpMempool() []mempool.Entry {
	return b.pool.Dump()
}

func (b *Bundler) ClearMempool() {
	b.pool.Clear()
	b.logger.Info("mempool cleared")
}

func (b *Bundler) DumpReputation() []reputation.Entry {
	return b.reputation.Dump()
}

func (b *Bundler) ClearReputation() {
	b.reputation.Clear()
	b.logger.Info("reputation cleared")
}

func (b *Bundler) IsOverloaded() bool {
	return b.pool.IsOverloaded()
}

// SetReputation overwrites reputation counters from loosely typed input, as
// it arrives from JSON: [{"address": "0x..", "opsSeen": 10, "opsIncluded": 1}].
func (b *Bundler) SetReputation(raw []map[string]interface{}) error {
	entries, err := decodeReputationEntries(raw)
	if err != nil {
		return err
	}
	b.reputation.SetReputation(entries)
	b.logger.Info("reputation overwritten", "entries", len(entries))
	return nil
}

func decodeReputationEntries(raw []map[string]interface{}) ([]reputation.Entry, error) {
	entries := make([]reputation.Entry, 0, len(raw))
	for i, item := range raw {
		var e reputation.Entry
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       stringToAddressHook,
			WeaklyTypedInput: true,
			Result:           &e,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(item); err != nil {
			return nil, rpcerr.Newf(rpcerr.InvalidFields, "reputation entry %d: %v", i, err)
		}
		if e.Address == (common.Address{}) {
			return nil, rpcerr.Newf(rpcerr.InvalidFields, "reputation entry %d: address is required", i)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var addressType = reflect.TypeOf(common.Address{})

func stringToAddressHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != addressType || from.Kind() != reflect.String {
		return data, nil
	}
	s := data.(string)
	if !common.IsHexAddress(s) {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
