package rpc

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000

	// Wallet errors, one per error class.
	CodeValidation = -32010
	CodeConflict   = -32011
	CodeResource   = -32012
	CodeNetwork    = -32013

	// Failures the CLI reports specially.
	CodeInsufficientFunds = -32020
	CodeWrongPassphrase   = -32021
	CodeMissingPrivateKey = -32022
	CodeSyncStalled       = -32023
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object. Data carries the error class for
// wallet errors.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// SendParam is used by wallet_send. An empty Amount sweeps every
// spendable coin.
type SendParam struct {
	Passphrase string `json:"passphrase"`
	Address    string `json:"address"`
	Amount     string `json:"amount,omitempty"`   // BTC, decimal.
	FeeRate    int64  `json:"fee_rate,omitempty"` // sat/vbyte; 0 = configured default.
}

// ListCoinsParam is used by wallet_listCoins.
type ListCoinsParam struct {
	All bool `json:"all"` // Include spent coins.
}

// RescanParam is used by wallet_rescan.
type RescanParam struct {
	FromHeight int32 `json:"from_height"`
}

// ── Result types ────────────────────────────────────────────────────────

// BalanceResult is returned by wallet_getBalance. Amounts are BTC strings.
type BalanceResult struct {
	Total       string `json:"total"`
	Confirmed   string `json:"confirmed"`
	Immature    string `json:"immature"`
	Unconfirmed string `json:"unconfirmed"`
	Pending     string `json:"pending"`
}

// AddressResult is returned by wallet_getAddress.
type AddressResult struct {
	Address string `json:"address"`
}

// SendResult is returned by wallet_send.
type SendResult struct {
	TxID   string `json:"txid"`
	Fee    string `json:"fee"`
	Sent   string `json:"sent"`
	Change string `json:"change"`
	Inputs int    `json:"inputs"`
}

// CoinResult describes one owned output.
type CoinResult struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        string `json:"amount"`
	Address       string `json:"address"`
	Path          string `json:"path"`
	Height        int32  `json:"height"` // -1 while unconfirmed.
	Confirmations int32  `json:"confirmations"`
	SpentBy       string `json:"spent_by,omitempty"`
}

// TxResult describes one wallet transaction.
type TxResult struct {
	TxID          string `json:"txid"`
	Height        int32  `json:"height"`
	Confirmations int32  `json:"confirmations"`
	Active        bool   `json:"active"`
	Conflicted    bool   `json:"conflicted"`
	Received      string `json:"received"`
	Spent         string `json:"spent"`
}

// WalletInfoResult is returned by wallet_getInfo.
type WalletInfoResult struct {
	Network     string            `json:"network"`
	AccountXPub string            `json:"account_xpub"`
	WatchOnly   bool              `json:"watch_only"`
	Degraded    bool              `json:"degraded"`
	Coins       int               `json:"coins"`
	Txs         int               `json:"txs"`
	LogSeq      uint64            `json:"log_seq"`
	LogTail     int               `json:"log_tail"`
	Base        int32             `json:"base"`
	Watermarks  map[string]uint32 `json:"watermarks"`
}

// RescanResult is returned by wallet_rescan.
type RescanResult struct {
	FromHeight int32 `json:"from_height"`
}

// SyncStatusResult is returned by sync_getStatus.
type SyncStatusResult struct {
	State      string `json:"state"`
	TipHash    string `json:"tip_hash"`
	Height     int32  `json:"height"`
	ScanHeight int32  `json:"scan_height"`
	PeerHeight int32  `json:"peer_height"`
	Peers      int    `json:"peers"`
	LastSync   int64  `json:"last_sync,omitempty"` // Unix time.
	LastError  string `json:"last_error,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source,omitempty"`
	Ready       bool   `json:"ready"`
	ServesBlock bool   `json:"serves_blocks"`
	BestHeight  int32  `json:"best_height"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// BanEntry describes one banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}
