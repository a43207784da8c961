package cache

import (
	"context"
	"fmt"
	"time"
)

// ClaimClient defines the subset of Redis commands the guard needs.
type ClaimClient interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// ReplayGuard implements dispatch.ReplayGuard with one SETNX per document.
// Claims expire after ttl. A claim is released early only when the
// delivery outcome could not be written back to the record.
type ReplayGuard struct {
	client ClaimClient
	ttl    time.Duration
	now    func() time.Time
}

func NewReplayGuard(client ClaimClient, ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		client: client,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Claim returns true for the first caller per document within the TTL.
func (g *ReplayGuard) Claim(ctx context.Context, documentID string) (bool, error) {
	claimed, err := g.client.SetNX(ctx, g.claimKey(documentID), g.now().UTC().Format(time.RFC3339Nano), g.ttl)
	if err != nil {
		return false, fmt.Errorf("replay guard claim failed for %s: %w", documentID, err)
	}
	return claimed, nil
}

// Release deletes the claim for documentID.
func (g *ReplayGuard) Release(ctx context.Context, documentID string) error {
	if err := g.client.Del(ctx, g.claimKey(documentID)); err != nil {
		return fmt.Errorf("replay guard release failed for %s: %w", documentID, err)
	}
	return nil
}

func (g *ReplayGuard) claimKey(documentID string) string {
	return fmt.Sprintf("push:claim:%s", documentID)
}
