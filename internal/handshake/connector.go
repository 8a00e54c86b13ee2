package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// Strategy selects how the signing app is reached.
type Strategy string

const (
	// StrategyDeepLinkQR hands the user a deep link, rendered as a QR code
	// for a second device.
	StrategyDeepLinkQR Strategy = "deeplink_qr"
	// StrategyManual lets the user paste an address from any wallet.
	StrategyManual Strategy = "manual"
	// StrategyExtension is answered by a browser extension; a challenge
	// signature is always required.
	StrategyExtension Strategy = "extension"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyDeepLinkQR, StrategyManual, StrategyExtension:
		return true
	}
	return false
}

// Connector links a principal to a ledger address through the signing app.
type Connector interface {
	Issue(ctx context.Context, principal string) (domain.WalletHandshake, error)
	AwaitResolution(ctx context.Context, id string, timeout time.Duration) (domain.WalletHandshake, error)
	Cancel(ctx context.Context, principal, id string) (domain.WalletHandshake, error)
}

type connector struct {
	broker   *Broker
	strategy Strategy
}

// Connector returns the connector for strategy.
func (b *Broker) Connector(strategy Strategy) (Connector, error) {
	if !strategy.Valid() {
		return nil, domain.Validationf("unknown handshake strategy %q", strategy)
	}
	return connector{broker: b, strategy: strategy}, nil
}

func (c connector) Issue(_ context.Context, principal string) (domain.WalletHandshake, error) {
	return c.broker.issue(principal, c.strategy)
}

// AwaitResolution blocks until the handshake is terminal, the caller's
// timeout passes (ErrHandshakePending), or the hard deadline expires it.
func (c connector) AwaitResolution(ctx context.Context, id string, timeout time.Duration) (domain.WalletHandshake, error) {
	e, err := c.broker.lookup(id)
	if err != nil {
		return domain.WalletHandshake{}, err
	}
	return c.broker.await(ctx, e, timeout)
}

func (c connector) Cancel(_ context.Context, principal, id string) (domain.WalletHandshake, error) {
	return c.broker.cancel(principal, id)
}

// Await waits on any handshake regardless of strategy.
func (b *Broker) Await(ctx context.Context, principal, id string, timeout time.Duration) (domain.WalletHandshake, error) {
	e, err := b.owned(principal, id)
	if err != nil {
		return domain.WalletHandshake{}, err
	}
	return b.await(ctx, e, timeout)
}

// Cancel expires an open handshake owned by principal.
func (b *Broker) Cancel(principal, id string) (domain.WalletHandshake, error) {
	return b.cancel(principal, id)
}

var ErrNoQRCode = errors.New("handshake has no deep link to encode")

// QRCode renders the handshake deep link as a PNG.
func (b *Broker) QRCode(principal, id string, size int) ([]byte, error) {
	hs, err := b.Get(principal, id)
	if err != nil {
		return nil, err
	}
	if hs.DeepLink == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, ErrNoQRCode)
	}
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(hs.DeepLink, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}
