package certificate

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/warp/harvest-ledger/ledger"
)

// Pinner builds the certificate for a chain and pins it to a content store.
// It implements ledger.Certifier.
type Pinner struct {
	Content ledger.ContentStore
}

var _ ledger.Certifier = (*Pinner)(nil)

func NewPinner(content ledger.ContentStore) *Pinner {
	return &Pinner{Content: content}
}

func (p *Pinner) Certify(ctx context.Context, meta ledger.BatchMetadata, chain []ledger.Transaction) (string, string, error) {
	l := log.WithFields(log.Fields{
		"package": "certificate",
		"func":    "Certify",
		"batch":   meta.BatchID,
		"length":  len(chain),
	})

	cert, err := Build(meta, chain)
	if err != nil {
		return "", "", err
	}
	address, err := p.Content.Put(ctx, cert.Bytes)
	if err != nil {
		l.WithError(err).Error("Failed to pin certificate")
		return "", "", fmt.Errorf("pin certificate for %s: %w", meta.BatchID, err)
	}
	l.WithField("address", address).Debug("Certificate pinned")
	return address, cert.Hash, nil
}
