// Package domain holds the payment, transaction and refund aggregates and the rules that keep them consistent.
package domain

import (
	"fmt"
	"strings"
)

// Provider identifies an external payment processor.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"
)

// ParseProvider normalizes a provider name.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	switch p {
	case ProviderStripe, ProviderPayPal:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// RequiresApproval reports whether the provider's flow waits on an external buyer action
// before a charge can resolve.
func (p Provider) RequiresApproval() bool {
	return p == ProviderPayPal
}

func (p Provider) valid() bool {
	return p == ProviderStripe || p == ProviderPayPal
}
