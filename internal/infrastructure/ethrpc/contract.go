package ethrpc

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// l2ContractABI covers the parts of the game contract the funnel reads.
const l2ContractABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "userAddress", "type": "address"},
			{"indexed": false, "internalType": "bytes", "name": "data", "type": "bytes"},
			{"indexed": false, "internalType": "uint256", "name": "value", "type": "uint256"}
		],
		"name": "PaimaGameInteraction",
		"type": "event"
	},
	{
		"inputs": [],
		"name": "fee",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "owner",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

func contractABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(l2ContractABI))
}
