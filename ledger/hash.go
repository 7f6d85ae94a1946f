package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// =============================================================================
// CONTENT HASH - Deterministic digest of a transaction
// =============================================================================

// hashedTransaction fixes the field order and encoding of everything the
// content hash covers. BlockchainHash is deliberately absent: it is attached
// after the record is appended.
type hashedTransaction struct {
	ID                      TransactionID   `json:"id"`
	BatchID                 BatchID         `json:"batch_id"`
	Sequence                int             `json:"sequence"`
	Type                    TransactionType `json:"type"`
	From                    string          `json:"from"`
	To                      string          `json:"to"`
	Quantity                string          `json:"quantity"`
	Price                   string          `json:"price"`
	Timestamp               string          `json:"timestamp"`
	PreviousTransactionHash string          `json:"previous_transaction_hash"`
	ProductDetails          hashedProduct   `json:"product_details"`
	Metadata                Metadata        `json:"metadata"`
	IPFSHash                string          `json:"ipfs_hash"`
	CertificateDigest       string          `json:"certificate_digest"`
}

type hashedProduct struct {
	Crop           string   `json:"crop"`
	Variety        string   `json:"variety"`
	HarvestDate    string   `json:"harvest_date"`
	Grade          string   `json:"grade"`
	Certifications []string `json:"certifications"`
}

// CanonicalTime is the timestamp encoding used in hashes and storage.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NormalizeTime strips the monotonic reading and truncates to milliseconds
// so a timestamp survives a storage round trip unchanged.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// CanonicalBytes returns the serialization the content hash is computed over.
// encoding/json emits struct fields in declaration order and map keys sorted,
// so re-serialization of an unchanged record yields identical bytes.
func CanonicalBytes(tx Transaction) []byte {
	certs := tx.ProductDetails.Certifications
	if certs == nil {
		certs = []string{}
	}
	h := hashedTransaction{
		ID:                      tx.ID,
		BatchID:                 tx.BatchID,
		Sequence:                tx.Sequence,
		Type:                    tx.Type,
		From:                    tx.From,
		To:                      tx.To,
		Quantity:                tx.Quantity.String(),
		Price:                   tx.Price.String(),
		Timestamp:               CanonicalTime(tx.Timestamp),
		PreviousTransactionHash: tx.PreviousTransactionHash,
		ProductDetails: hashedProduct{
			Crop:           tx.ProductDetails.Crop,
			Variety:        tx.ProductDetails.Variety,
			HarvestDate:    CanonicalTime(tx.ProductDetails.HarvestDate),
			Grade:          tx.ProductDetails.Grade,
			Certifications: certs,
		},
		Metadata:          tx.Metadata,
		IPFSHash:          tx.IPFSHash,
		CertificateDigest: tx.CertificateDigest,
	}
	b, err := json.Marshal(h)
	if err != nil {
		// Only strings, ints and decimals are encoded; Marshal cannot fail.
		panic(err)
	}
	return b
}

// Hash returns the hex sha256 content hash of tx.
func Hash(tx Transaction) string {
	return Digest(CanonicalBytes(tx))
}

// Digest returns the hex sha256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
