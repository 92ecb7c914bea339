package server

import (
	"context"

	"edgeproxy/internal/reputation"
)

// disabledReputation answers every admin call with reputation.ErrDisabled
type disabledReputation struct{}

func (disabledReputation) Blacklist(context.Context, string, string, string, reputation.Mode) error {
	return reputation.ErrDisabled
}

func (disabledReputation) Allowlist(context.Context, string, string, reputation.Mode) error {
	return reputation.ErrDisabled
}

func (disabledReputation) Lookup(context.Context, string) (*reputation.Status, error) {
	return nil, reputation.ErrDisabled
}
