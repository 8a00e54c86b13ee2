package contracts

// RewardTokenABI is the subset of the reward NFT contract the coordinator
// calls. mintTo reverts when ref has already been used, so a resubmitted mint
// with the same reference cannot issue a second token.
const RewardTokenABI = `[
  {
    "type": "function",
    "name": "mintTo",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "to", "type": "address"},
      {"name": "ref", "type": "bytes32"},
      {"name": "uri", "type": "string"}
    ],
    "outputs": [{"name": "tokenId", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "tokenIdByRef",
    "stateMutability": "view",
    "inputs": [{"name": "ref", "type": "bytes32"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "event",
    "name": "RewardMinted",
    "anonymous": false,
    "inputs": [
      {"name": "to", "type": "address", "indexed": true},
      {"name": "tokenId", "type": "uint256", "indexed": true},
      {"name": "ref", "type": "bytes32", "indexed": true}
    ]
  }
]`
