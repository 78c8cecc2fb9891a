package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/tandem/internal/domain"
	"go.uber.org/zap"
)

// Refresh reloads conversations and matches over REST and merges them into
// the projection. Both requests run; their errors are joined.
func (e *Engine) Refresh(ctx context.Context) error {
	r, err := e.current()
	if err != nil {
		return err
	}
	convErr := e.refreshConversations(ctx, r.identity)
	matchErr := e.refreshMatches(ctx, r.identity)
	return e.checkAuth(r, errors.Join(convErr, matchErr))
}

func (e *Engine) refreshConversations(ctx context.Context, id domain.Identity) error {
	base := e.projection.Version()
	convs, err := e.gateway.FetchConversations(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	if e.projection.Stale(base) {
		e.logger.Debug("dropping conversations fetched for a previous session")
		return nil
	}
	online := make(map[int64]bool, len(convs))
	for _, c := range convs {
		online[c.Peer.ID] = c.Online
	}
	e.presence.Seed(online)

	out := e.projection.ReplaceSnapshot(convs, base)
	for _, peer := range out.Removed {
		e.presence.Forget(peer)
	}

	e.logger.Info("conversations loaded",
		zap.Int("added", len(out.Added)), zap.Int("replaced", len(out.Replaced)),
		zap.Int("kept", len(out.Kept)), zap.Int("removed", len(out.Removed)))
	return nil
}

func (e *Engine) refreshMatches(ctx context.Context, id domain.Identity) error {
	base := e.projection.Version()
	matches, err := e.gateway.FetchMatches(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch matches: %w", err)
	}
	e.projection.SetMatches(matches, base)
	return nil
}

// LoadHistory fetches the full history with peer, merges it into the
// recent window and returns it oldest-first.
func (e *Engine) LoadHistory(ctx context.Context, peer int64) ([]domain.Message, error) {
	r, err := e.current()
	if err != nil {
		return nil, err
	}
	base := e.projection.Version()
	msgs, err := e.gateway.FetchConversationHistory(ctx, r.identity, peer)
	if err != nil {
		return nil, e.checkAuth(r, err)
	}
	out := e.projection.ApplyHistory(peer, msgs, base)
	for _, r := range out.Reconciled {
		e.sender.Reconciled(r)
	}
	return msgs, nil
}
