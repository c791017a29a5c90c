package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// contractABIJSON covers the BlockSnap contract events and mutating calls
// needed to classify a transaction, plus the verifyPhoto view.
const contractABIJSON = `[
  {"type":"event","name":"PhotoMinted","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"ipfsCID","type":"string","indexed":false},
    {"name":"metadataURI","type":"string","indexed":false}]},
  {"type":"event","name":"VideoSessionStarted","anonymous":false,"inputs":[
    {"name":"sessionId","type":"uint256","indexed":true},
    {"name":"owner","type":"address","indexed":true}]},
  {"type":"event","name":"VideoChunkAdded","anonymous":false,"inputs":[
    {"name":"sessionId","type":"uint256","indexed":true},
    {"name":"sequenceNumber","type":"uint256","indexed":false},
    {"name":"videoCID","type":"string","indexed":false},
    {"name":"metadataCID","type":"string","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"function","name":"mintPhoto","stateMutability":"nonpayable","inputs":[
    {"name":"to","type":"address"},
    {"name":"ipfsCID","type":"string"},
    {"name":"metadataURI","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"startVideoSession","stateMutability":"nonpayable","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"addVideoChunk","stateMutability":"nonpayable","inputs":[
    {"name":"sessionId","type":"uint256"},
    {"name":"sequenceNumber","type":"uint256"},
    {"name":"videoCID","type":"string"},
    {"name":"metadataCID","type":"string"},
    {"name":"timestamp","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"verifyPhoto","stateMutability":"view","inputs":[
    {"name":"ipfsCID","type":"string"}],
   "outputs":[{"name":"exists","type":"bool"},{"name":"owner","type":"address"}]},
  {"type":"function","name":"endVideoSession","stateMutability":"nonpayable","inputs":[
    {"name":"sessionId","type":"uint256"}],
   "outputs":[]}
]`

const (
	eventPhotoMinted         = "PhotoMinted"
	eventVideoSessionStarted = "VideoSessionStarted"
	eventVideoChunkAdded     = "VideoChunkAdded"

	methodVerifyPhoto = "verifyPhoto"
)

var contractABI = mustParseABI(contractABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("ledger: invalid contract ABI: " + err.Error())
	}
	return parsed
}
