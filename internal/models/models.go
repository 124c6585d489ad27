package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending          OrderStatus = "pending"
	OrderProcessing       OrderStatus = "processing"
	OrderFiatTransferring OrderStatus = "fiat_transferring"
	OrderTransferring     OrderStatus = "transferring"
	OrderTransferred      OrderStatus = "transferred"
	OrderSuccess          OrderStatus = "success"
	OrderTransferFailed   OrderStatus = "transfer_failed"
	OrderCancelled        OrderStatus = "cancelled"
	OrderRejected         OrderStatus = "rejected"
	OrderExpired          OrderStatus = "expired"
)

type OrderType string

const (
	OrderTypeBank OrderType = "bank"
	OrderTypeCOD  OrderType = "cod"
)

type PaymentMethod string

const (
	PaymentMethodBank PaymentMethod = "bank"
	PaymentMethodTNG  PaymentMethod = "tng"
)

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

type MatchResult string

const (
	MatchMatched MatchResult = "matched"
	MatchUnder   MatchResult = "under"
	MatchOver    MatchResult = "over"
)

type AddressStatus string

const (
	AddressCreated    AddressStatus = "created"
	AddressHasOrder   AddressStatus = "has_order"
	AddressHasPayment AddressStatus = "has_payment"
	AddressCompleted  AddressStatus = "completed"
)

type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

type TxDirection string

const (
	TransferIn  TxDirection = "transfer_in"
	TransferOut TxDirection = "transfer_out"
)

type ReferralStatus string

const (
	ReferralPending  ReferralStatus = "pending"
	ReferralPaid     ReferralStatus = "paid"
	ReferralRejected ReferralStatus = "rejected"
)

// Quote is computed per request and either discarded or consumed by order
// creation. It is never persisted.
type Quote struct {
	Direction          Direction
	Currency           string
	Amount             decimal.Decimal
	FiatCurrency       string
	FiatLocalCurrency  string
	FiatAmount         decimal.Decimal
	FiatAmountCOD      decimal.Decimal
	FiatLocalAmount    decimal.Decimal
	FiatLocalAmountCOD decimal.Decimal
	Price              decimal.Decimal
}

type Order struct {
	ID                string
	UserID            string
	Direction         Direction
	Type              OrderType
	PaymentMethod     PaymentMethod
	Status            OrderStatus
	Amount            decimal.Decimal
	Currency          string
	FiatAmount        decimal.Decimal
	FiatCurrency      string
	FiatLocalAmount   decimal.Decimal
	FiatLocalCurrency string
	Price             decimal.Decimal
	Address           string
	TxHash            *string
	PaymentResult     *MatchResult
	UnderpaidAt       *time.Time
	CreatedAt         time.Time
	ExpiresAt         time.Time
	UpdatedAt         time.Time
}

type TrackingAddress struct {
	ID        string
	UserID    string
	Currency  string
	Address   string
	Status    AddressStatus
	OrderID   *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrackingTransaction struct {
	ID        string
	AddressID string
	Direction TxDirection
	Status    TxStatus
	Amount    decimal.Decimal
	Currency  string
	TxHash    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UserLimit struct {
	UserID    string
	Currency  string
	Limit     decimal.Decimal
	Usage     decimal.Decimal
	Level     int
	UpdatedAt time.Time
}

type ReferralOrder struct {
	ID         string
	ReferrerID string
	RefereeID  string
	OrderID    string
	Bonus      decimal.Decimal
	Currency   string
	Status     ReferralStatus
	TxHash     *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
