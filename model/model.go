package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ===============================================
// 物件（リスティング）関連のモデル
// ===============================================

// Trait は物件メタデータの属性名
type Trait string

const (
	TraitPurchasePrice Trait = "Purchase Price"
	TraitResidenceType Trait = "Type of Residence"
	TraitBedrooms      Trait = "Bed Rooms"
	TraitBathrooms     Trait = "Bathrooms"
	TraitSquareFeet    Trait = "Square Feet"
	TraitYearBuilt     Trait = "Year Built"
)

// AttributeValue は文字列または数値の属性値
type AttributeValue struct {
	raw     string
	numeric bool
}

// StringValue は文字列の属性値を作成
func StringValue(s string) AttributeValue { return AttributeValue{raw: s} }

// NumberValue は数値の属性値を作成
func NumberValue(n string) AttributeValue { return AttributeValue{raw: n, numeric: true} }

func (v AttributeValue) String() string { return v.raw }

// IsNumber は値がJSON数値だったかどうかを返す
func (v AttributeValue) IsNumber() bool { return v.numeric }

// Float は値を数値として解釈する（文字列の "20" も許容）
func (v AttributeValue) Float() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v.raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// MarshalJSON は数値ならそのまま、それ以外は文字列として書き出す
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	if v.numeric && v.raw != "" && json.Valid([]byte(v.raw)) {
		return []byte(v.raw), nil
	}
	return json.Marshal(v.raw)
}

// UnmarshalJSON は文字列と数値のみ受け付ける。null や真偽値・配列はエラー
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("attribute value: empty")
	}

	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = NumberValue(n.String())
		return nil
	default:
		return fmt.Errorf("attribute value must be a string or number, got %s", data)
	}
}

// Attribute はメタデータの1属性 (trait_type, value)
type Attribute struct {
	TraitType string         `json:"trait_type"`
	Value     AttributeValue `json:"value"`
}

// Listing はトークン化された物件の表示用レコード
type Listing struct {
	TokenID       uint64      `json:"token_id"`
	Name          string      `json:"name,omitempty"`
	Description   string      `json:"description,omitempty"`
	ImageURL      string      `json:"image"`
	Address       string      `json:"address"`
	Attributes    []Attribute `json:"attributes"` // 元の順序を保持
	Price         string      `json:"price"`
	Bedrooms      string      `json:"bedrooms"`
	Bathrooms     string      `json:"bathrooms"`
	SquareFeet    string      `json:"square_feet"`
	ResidenceType string      `json:"residence_type,omitempty"`
	YearBuilt     string      `json:"year_built,omitempty"`
	MetadataURI   string      `json:"metadata_uri"`
}

// ===============================================
// エスクロー関連のモデル
// ===============================================

// Role はエスクロー上のロール
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSeller    Role = "seller"
	RoleLender    Role = "lender"
	RoleInspector Role = "inspector"
)

// EscrowRoleSet は物件ごとのロールのアドレス
type EscrowRoleSet struct {
	Buyer     common.Address `json:"buyer"`
	Seller    common.Address `json:"seller"`
	Lender    common.Address `json:"lender"`
	Inspector common.Address `json:"inspector"`
}

// EscrowStatusFlags はエスクローから導出した状態フラグ
type EscrowStatusFlags struct {
	BoughtApproved   bool            `json:"bought_approved"`
	SoldApproved     bool            `json:"sold_approved"`
	LendApproved     bool            `json:"lend_approved"`
	InspectionPassed bool            `json:"inspection_passed"`
	IsListed         bool            `json:"is_listed"`
	OwnerIfSold      *common.Address `json:"owner_if_sold,omitempty"`
}

// EscrowStatus は1回の読み取りパスで得たロールとフラグのスナップショット
type EscrowStatus struct {
	ListingID     uint64            `json:"listing_id"`
	Roles         EscrowRoleSet     `json:"roles"`
	Flags         EscrowStatusFlags `json:"flags"`
	PurchasePrice *big.Int          `json:"purchase_price"`
	EscrowAmount  *big.Int          `json:"escrow_amount"`
	ResolvedAt    time.Time         `json:"resolved_at"`
}

// Action はロールごとの操作
type Action string

const (
	ActionNone    Action = ""
	ActionBuy     Action = "buy"
	ActionInspect Action = "inspect"
	ActionLend    Action = "lend"
	ActionSell    Action = "sell"
)

// Step はアクション内の1トランザクション
type Step string

const (
	StepReadEscrowAmount Step = "read_escrow_amount"
	StepDepositEarnest   Step = "deposit_earnest"
	StepApproveSale      Step = "approve_sale"
	StepUpdateInspection Step = "update_inspection_status"
	StepReadShortfall    Step = "read_shortfall"
	StepTransferLoan     Step = "transfer_loan"
	StepFinalizeSale     Step = "finalize_sale"
)

// StepReceipt は確定したステップの記録
type StepReceipt struct {
	Step        Step   `json:"step"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// ActionResult はアクションの実行結果
type ActionResult struct {
	ListingID uint64        `json:"listing_id"`
	Action    Action        `json:"action"`
	Confirmed []StepReceipt `json:"confirmed_steps"`
	Completed bool          `json:"completed"`
}

// TxVerification はトランザクション検証結果
type TxVerification struct {
	TxHash         string `json:"tx_hash"`
	Status         string `json:"status"` // "pending", "success", "failed"
	BlockNumber    uint64 `json:"block_number,omitempty"`
	GasUsed        uint64 `json:"gas_used,omitempty"`
	Success        bool   `json:"success"`
	IsContractCall bool   `json:"is_contract_call"`
}

// NetworkInfo は接続中のネットワークとコントラクトアドレス
type NetworkInfo struct {
	ChainID         *big.Int       `json:"chain_id"`
	RegistryAddress common.Address `json:"registry_address"`
	EscrowAddress   common.Address `json:"escrow_address"`
}

// ShortAddress は 0x1234...abcd 形式の表示用アドレス
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[38:42]
}

// NetworkContracts はチェーンIDごとのコントラクトアドレス設定
type NetworkContracts struct {
	Registry common.Address `json:"registry_address"`
	Escrow   common.Address `json:"escrow_address"`
}
