package registry

const (
	LiFiBaseURL           = "https://li.quest/v1"
	AcrossBaseURL         = "https://app.across.to/api"
	MorphoGraphQLEndpoint = "https://api.morpho.org/graphql"
	DefiLlamaCoinsURL     = "https://coins.llama.fi"
)

// Mainnet ENS registry, identical across deployments since the 2020 migration.
const ENSRegistryAddress = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"

// Text record keys the agent reads from and writes to recipient profiles.
const (
	TextKeyChain       = "com.payagent.chain"
	TextKeyToken       = "com.payagent.token"
	TextKeySlippage    = "com.payagent.slippage"
	TextKeyMaxFee      = "com.payagent.maxFee"
	TextKeyAvatar      = "avatar"
	TextKeyDescription = "description"
	TextKeyVault       = "yieldroute.vault"
	TextKeyStrategy    = "yieldroute.strategy"
)

// InvoiceRecordPrefix prefixes the text record an invoice is published under.
const InvoiceRecordPrefix = "flowfi.invoice."

// Receipt text record keys.
const (
	ReceiptKeyTx        = "com.payagent.tx"
	ReceiptKeyAmount    = "com.payagent.amount"
	ReceiptKeyToken     = "com.payagent.token"
	ReceiptKeyChain     = "com.payagent.chain"
	ReceiptKeyRecipient = "com.payagent.recipient"
	ReceiptKeyTimestamp = "com.payagent.timestamp"
)

// YieldRouterGasLimit bounds the destination contract call attached to a
// vault-composition quote.
const YieldRouterGasLimit = 300000

// Destination routers on Base used by split and protected vault deposits.
const (
	RestakingRouterAddress = "0x31549dB00B180d528f77083b130C0A045D0CF117"
	ProtectedRouterAddress = "0x0B880127FFb09727468159f3883c76Fd1B1c59A2"

	RestakingGasLimit = 350000
	TransferGasLimit  = 65000
)
