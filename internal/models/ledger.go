package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType represents the type of a broker transaction.
type TxType string

const (
	TxBuy      TxType = "BUY"
	TxSell     TxType = "SELL"
	TxDividend TxType = "DIVIDEND"
	TxFee      TxType = "FEE"
	TxTransfer TxType = "TRANSFER"
)

// Transaction is a broker transaction awaiting or carrying a resolved instrument.
type Transaction struct {
	ID          int64
	User        UserID
	AccountID   string
	Descriptor  Descriptor
	Instrument  InstrumentID // zero while unresolved
	Units       decimal.Decimal
	UnitPrice   decimal.NullDecimal
	Currency    string
	TradeDate   time.Time
	SettledDate *time.Time
	Type        TxType
	BatchID     int64
}

// Price is a point-in-time price of an instrument.
type Price struct {
	Instrument InstrumentID
	AsOf       time.Time
	Price      decimal.Decimal
}

// PutCall distinguishes option rights.
type PutCall string

const (
	Put  PutCall = "P"
	Call PutCall = "C"
)

// Derivative links an option or future to its underlying instrument.
type Derivative struct {
	Instrument InstrumentID
	Underlying InstrumentID
	Expiration time.Time
	PutCall    PutCall
	Strike     decimal.Decimal
	Multiplier decimal.Decimal
}

// BatchStatus is the lifecycle status of an ingest batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchResolving BatchStatus = "resolving"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Batch tracks one ingestion of descriptors and transactions.
type Batch struct {
	ID               int64
	User             UserID
	Broker           string
	Status           BatchStatus
	TotalRecords     int
	ProcessedRecords int
	ErrorCount       int
	CreatedAt        time.Time
	ProcessedAt      *time.Time
	ErrorMessage     string
}
