package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const xcallABIJSON = `[
{"type":"event","name":"CallMessageSent","anonymous":false,"inputs":[
 {"name":"_from","type":"address","indexed":true},
 {"name":"_to","type":"string","indexed":true},
 {"name":"_sn","type":"uint256","indexed":true}]},
{"type":"event","name":"CallMessage","anonymous":false,"inputs":[
 {"name":"_from","type":"string","indexed":true},
 {"name":"_to","type":"string","indexed":true},
 {"name":"_sn","type":"uint256","indexed":true},
 {"name":"_reqId","type":"uint256","indexed":false},
 {"name":"_data","type":"bytes","indexed":false}]},
{"type":"event","name":"CallExecuted","anonymous":false,"inputs":[
 {"name":"_reqId","type":"uint256","indexed":true},
 {"name":"_code","type":"int256","indexed":false},
 {"name":"_msg","type":"string","indexed":false}]},
{"type":"function","name":"sendCallMessage","stateMutability":"payable","inputs":[
 {"name":"_to","type":"string"},
 {"name":"_data","type":"bytes"},
 {"name":"_rollback","type":"bytes"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getFee","stateMutability":"view","inputs":[
 {"name":"_net","type":"string"},
 {"name":"_rollback","type":"bool"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const assetManagerABIJSON = `[
{"type":"function","name":"deposit","stateMutability":"payable","inputs":[
 {"name":"token","type":"address"},
 {"name":"amount","type":"uint256"},
 {"name":"to","type":"string"},
 {"name":"data","type":"bytes"}],"outputs":[]},
{"type":"function","name":"depositNative","stateMutability":"payable","inputs":[
 {"name":"amount","type":"uint256"},
 {"name":"to","type":"string"},
 {"name":"data","type":"bytes"}],"outputs":[]}
]`

const (
	eventSent     = "CallMessageSent"
	eventMessage  = "CallMessage"
	eventExecuted = "CallExecuted"
)

var (
	xcallABI        = mustParse(xcallABIJSON)
	assetManagerABI = mustParse(assetManagerABIJSON)

	callMessageSentTopic = xcallABI.Events[eventSent].ID
	callMessageTopic     = xcallABI.Events[eventMessage].ID
	callExecutedTopic    = xcallABI.Events[eventExecuted].ID
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
