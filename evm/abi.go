package evm

const (
	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultGasLimit backstops gas estimation failures. Settlement calls
	// stay well under it.
	DefaultGasLimit = 300_000

	// MessageSentTopic is the topic0 of the transfer protocol's
	// MessageSent(bytes) event, emitted by the message transmitter during
	// a burn.
	MessageSentTopic = "0x8c5261668696ce22758910d05bab8f186d6eb247ceac2af2e82c7dc17669b036"
)

var (
	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20AllowanceABI for checking the token→vault approval
	ERC20AllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20ApproveABI for the admin's approval of the token messenger
	ERC20ApproveABI = []byte(`[
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "approve",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20NoncesABI reads the owner's EIP-2612 permit nonce
	ERC20NoncesABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"}
			],
			"name": "nonces",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20PermitABI submits an EIP-2612 permit with split signature
	ERC20PermitABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "deadline", "type": "uint256"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "permit",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// VaultAllowanceABI reads (amount, expiration, nonce) for an
	// (owner, token, spender) triple on the allowance vault
	VaultAllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "token", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [
				{"name": "amount", "type": "uint160"},
				{"name": "expiration", "type": "uint48"},
				{"name": "nonce", "type": "uint48"}
			],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// VaultPermitABI submits a signed PermitSingle to the allowance vault
	VaultPermitABI = []byte(`[
		{
			"type": "function",
			"name": "permit",
			"inputs": [
				{"name": "owner", "type": "address"},
				{
					"name": "permitSingle",
					"type": "tuple",
					"components": [
						{
							"name": "details",
							"type": "tuple",
							"components": [
								{"name": "token", "type": "address"},
								{"name": "amount", "type": "uint160"},
								{"name": "expiration", "type": "uint48"},
								{"name": "nonce", "type": "uint48"}
							]
						},
						{"name": "spender", "type": "address"},
						{"name": "sigDeadline", "type": "uint256"}
					]
				},
				{"name": "signature", "type": "bytes"}
			],
			"outputs": [],
			"stateMutability": "nonpayable"
		}
	]`)

	// VaultTransferFromABI pulls tokens through the allowance vault
	VaultTransferFromABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint160"},
				{"name": "token", "type": "address"}
			],
			"name": "transferFrom",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// DepositForBurnABI burns tokens on the source chain for mint on the
	// destination domain
	DepositForBurnABI = []byte(`[
		{
			"inputs": [
				{"name": "amount", "type": "uint256"},
				{"name": "destinationDomain", "type": "uint32"},
				{"name": "mintRecipient", "type": "bytes32"},
				{"name": "burnToken", "type": "address"},
				{"name": "hookData", "type": "bytes32"},
				{"name": "maxFee", "type": "uint256"},
				{"name": "minFinalityThreshold", "type": "uint32"}
			],
			"name": "depositForBurn",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ReceiveMessageABI redeems an attested message on the target chain
	ReceiveMessageABI = []byte(`[
		{
			"inputs": [
				{"name": "message", "type": "bytes"},
				{"name": "attestation", "type": "bytes"}
			],
			"name": "receiveMessage",
			"outputs": [{"name": "success", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)
