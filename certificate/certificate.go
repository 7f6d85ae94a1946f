/*
Package certificate projects a batch chain into a provenance certificate.

PURPOSE:
  Build turns a chain plus static batch metadata into a structured document
  (ownership history, current holders, totals) and its canonical bytes and
  sha256 digest. It performs no I/O. Pinner hands the bytes to a content
  store and is the ledger.Certifier used on the write path.

DETERMINISM:
  - Holders are sorted by owner
  - Decimals use their shortest string form, times are UTC RFC3339Nano
  - No wall-clock "issued at"; the document is dated by its last record
  - Content addresses and on-chain hashes are left out, so the certificate
    for a draft record equals the one rebuilt after it was stored

  Rebuilding the certificate for an unchanged chain always yields the same
  hash, and the digest of the latest certificate equals the
  CertificateDigest of the chain's last record.
*/
package certificate

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/harvest-ledger/ledger"
)

// FormatVersion is bumped whenever the document layout changes.
const FormatVersion = 1

type Document struct {
	Version int            `json:"version"`
	BatchID ledger.BatchID `json:"batch_id"`
	Farm    Farm           `json:"farm"`
	Product Product        `json:"product"`
	Totals  Totals         `json:"totals"`
	Holders []Holder       `json:"holders"`
	History []Entry        `json:"history"`
	AsOf    string         `json:"as_of"`
}

type Farm struct {
	FarmerID string `json:"farmer_id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

type Product struct {
	Crop           string   `json:"crop"`
	Variety        string   `json:"variety"`
	HarvestDate    string   `json:"harvest_date"`
	Grade          string   `json:"grade"`
	Certifications []string `json:"certifications"`
}

type Totals struct {
	Harvested   string `json:"harvested_kg"`
	Available   string `json:"available_kg"`
	Transferred string `json:"transferred_kg"`
	ChainLength int    `json:"chain_length"`
	TradedValue string `json:"traded_value"`
}

type Holder struct {
	Owner             string               `json:"owner"`
	Quantity          string               `json:"quantity_kg"`
	LastTransactionID ledger.TransactionID `json:"last_transaction_id"`
}

type Entry struct {
	Sequence     int                    `json:"sequence"`
	ID           ledger.TransactionID   `json:"id"`
	Type         ledger.TransactionType `json:"type"`
	From         string                 `json:"from"`
	To           string                 `json:"to"`
	Quantity     string                 `json:"quantity_kg"`
	Price        string                 `json:"price_per_kg"`
	Value        string                 `json:"value"`
	Timestamp    string                 `json:"timestamp"`
	PreviousHash string                 `json:"previous_hash"`
	Location     string                 `json:"location,omitempty"`
}

// Certificate is a built document with its canonical encoding.
type Certificate struct {
	Document Document
	Bytes    []byte
	Hash     string
}

// Build assembles the certificate for chain. The chain must replay cleanly.
func Build(meta ledger.BatchMetadata, chain []ledger.Transaction) (Certificate, error) {
	state, err := ledger.Replay(chain)
	if err != nil {
		return Certificate{}, fmt.Errorf("certificate for %s: %w", meta.BatchID, err)
	}

	doc := Document{
		Version: FormatVersion,
		BatchID: meta.BatchID,
		Farm: Farm{
			FarmerID: meta.FarmerID,
			Name:     meta.FarmName,
			Location: meta.FarmLocation,
		},
		Product: product(meta.Product),
		Holders: holders(state),
		History: make([]Entry, 0, len(chain)),
		AsOf:    ledger.CanonicalTime(chain[len(chain)-1].Timestamp),
	}

	transferred := decimal.Zero
	traded := decimal.Zero
	for _, tx := range chain {
		value := tx.Quantity.Mul(tx.Price)
		if !tx.IsHarvest() && tx.From != tx.To {
			transferred = transferred.Add(tx.Quantity)
			traded = traded.Add(value)
		}
		doc.History = append(doc.History, Entry{
			Sequence:     tx.Sequence,
			ID:           tx.ID,
			Type:         tx.Type,
			From:         tx.From,
			To:           tx.To,
			Quantity:     tx.Quantity.String(),
			Price:        tx.Price.String(),
			Value:        value.String(),
			Timestamp:    ledger.CanonicalTime(tx.Timestamp),
			PreviousHash: tx.PreviousTransactionHash,
			Location:     tx.Metadata.Location,
		})
	}

	doc.Totals = Totals{
		Harvested:   state.TotalQuantity.String(),
		Available:   state.AvailableQuantity.String(),
		Transferred: transferred.String(),
		ChainLength: state.ChainLength,
		TradedValue: traded.String(),
	}

	b, err := Encode(doc)
	if err != nil {
		return Certificate{}, err
	}
	return Certificate{Document: doc, Bytes: b, Hash: ledger.Digest(b)}, nil
}

// Encode is the canonical serialization the certificate hash covers.
func Encode(doc Document) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	return b, nil
}

// Decode parses certificate bytes fetched from a content store.
func Decode(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("decode certificate: %w", err)
	}
	return doc, nil
}

func product(p ledger.ProductDetails) Product {
	certs := append([]string{}, p.Certifications...)
	sort.Strings(certs)
	return Product{
		Crop:           p.Crop,
		Variety:        p.Variety,
		HarvestDate:    ledger.CanonicalTime(p.HarvestDate),
		Grade:          p.Grade,
		Certifications: certs,
	}
}

func holders(state ledger.State) []Holder {
	out := make([]Holder, 0, len(state.CurrentOwners))
	for owner, h := range state.CurrentOwners {
		out = append(out, Holder{
			Owner:             owner,
			Quantity:          h.Quantity.String(),
			LastTransactionID: h.LastTransactionID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}
