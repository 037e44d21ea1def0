package bundle

import (
	"bytes"
	"errors"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
)

// Failure is a handleOps revert that names the operation it blames.
type Failure struct {
	OpIndex int
	Reason  string
	Inner   []byte
}

// Role is the entity an AA error code points at, or "" for other reasons.
func (f *Failure) Role() string {
	switch {
	case strings.HasPrefix(f.Reason, "AA1"):
		return "factory"
	case strings.HasPrefix(f.Reason, "AA2"):
		return "sender"
	case strings.HasPrefix(f.Reason, "AA3"):
		return "paymaster"
	}
	return ""
}

var failedOpText = regexp.MustCompile(`FailedOp(?:WithRevert)?\((\d+),\s*"([^"]*)"`)

// ParseAttributableFailure extracts (opIndex, reason) from a submission error.
// It understands FailedOp and FailedOpWithRevert revert data, Error(string)
// payloads wrapping a FailedOp message, and nodes that only echo the decoded
// FailedOp in the error text.
func ParseAttributableFailure(err error) (*Failure, bool) {
	if err == nil {
		return nil, false
	}

	if data, ok := revertData(err); ok {
		if f, ok := decodeRevert(data); ok {
			return f, true
		}
	}

	return parseFailedOpText(err.Error())
}

func revertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}

	var raw string
	switch v := de.ErrorData().(type) {
	case string:
		raw = v
	case map[string]interface{}:
		if s, ok := v["data"].(string); ok {
			raw = s
		}
	case []byte:
		return v, true
	}
	if raw == "" {
		return nil, false
	}

	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}

func decodeRevert(data []byte) (*Failure, bool) {
	if len(data) < 4 {
		return nil, false
	}
	selector := data[:4]

	for _, name := range []string{"FailedOp", "FailedOpWithRevert"} {
		abiErr, ok := chainio.EntryPointABI.Errors[name]
		if !ok || !bytes.Equal(abiErr.ID[:4], selector) {
			continue
		}

		args, err := abiErr.Inputs.Unpack(data[4:])
		if err != nil || len(args) < 2 {
			return nil, false
		}
		idx, ok := toIndex(args[0])
		if !ok {
			return nil, false
		}
		reason, _ := args[1].(string)
		f := &Failure{OpIndex: idx, Reason: reason}
		if len(args) > 2 {
			f.Inner, _ = args[2].([]byte)
		}
		return f, true
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		return parseFailedOpText(reason)
	}
	return nil, false
}

func toIndex(v interface{}) (int, bool) {
	b, ok := v.(*big.Int)
	if !ok || b.Sign() < 0 || !b.IsInt64() || b.Int64() > math.MaxInt32 {
		return 0, false
	}
	return int(b.Int64()), true
}

func parseFailedOpText(s string) (*Failure, bool) {
	m := failedOpText.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}
	return &Failure{OpIndex: idx, Reason: m[2]}, true
}

// isMethodNotFound reports a node that does not support the submission method.
func isMethodNotFound(err error) bool {
	var re rpc.Error
	return errors.As(err, &re) && re.ErrorCode() == -32601
}
