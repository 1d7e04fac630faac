package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// TransferTopic is topic0 of the ERC-20 Transfer(address,address,uint256) event.
var TransferTopic = EventTopic("Transfer(address,address,uint256)")

// EventTopic returns the keccak256 hash of a canonical event signature.
func EventTopic(signature string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(signature))
	return common.BytesToHash(h.Sum(nil))
}
