package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/botcraft/botcraft/internal/codegen"
	"github.com/botcraft/botcraft/internal/domain"
)

func (o *Orchestrator) Get(ctx context.Context, ownerID, id string) (BotView, error) {
	rec, err := o.loadOwned(ctx, ownerID, id)
	if err != nil {
		return BotView{}, err
	}
	return o.view(*rec), nil
}

// List returns the owner's bots with their live process state.
func (o *Orchestrator) List(ctx context.Context, ownerID string) ([]BotView, error) {
	recs, err := o.store.ListBotsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	out := make([]BotView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, o.view(rec))
	}
	return out, nil
}

func (o *Orchestrator) Configuration(ctx context.Context, ownerID, id string) (domain.Configuration, error) {
	rec, err := o.loadOwned(ctx, ownerID, id)
	if err != nil {
		return domain.Configuration{}, err
	}
	return rec.Configuration, nil
}

func (o *Orchestrator) ConfigVersions(ctx context.Context, ownerID, id string, limit int) ([]domain.ConfigVersion, error) {
	if _, err := o.loadOwned(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return o.store.ListConfigVersions(ctx, id, limit)
}

func (o *Orchestrator) ProcessInfo(ctx context.Context, ownerID, id string) (domain.ProcessInfo, error) {
	if _, err := o.loadOwned(ctx, ownerID, id); err != nil {
		return domain.ProcessInfo{}, err
	}
	info, err := o.store.GetProcessInfo(ctx, id)
	if err != nil {
		return domain.ProcessInfo{}, fmt.Errorf("process info: %w", err)
	}
	if info == nil {
		return domain.ProcessInfo{BotID: id}, nil
	}
	return *info, nil
}

// LogPath returns the process log of an owned bot.
func (o *Orchestrator) LogPath(ctx context.Context, ownerID, id string) (string, error) {
	if _, err := o.loadOwned(ctx, ownerID, id); err != nil {
		return "", err
	}
	return o.LogPathFor(id), nil
}

// PublicBot loads a bot for the unauthenticated companion endpoints. Callers
// must only expose its configuration's public parts.
func (o *Orchestrator) PublicBot(ctx context.Context, id string) (*domain.BotRecord, error) {
	rec, err := o.store.GetBot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load bot: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// CompanionPage returns the generated companion page of a bot. Bots without
// the companion feature, or whose page was not generated, are ErrNotFound.
func (o *Orchestrator) CompanionPage(ctx context.Context, id string) (string, error) {
	rec, err := o.PublicBot(ctx, id)
	if err != nil {
		return "", err
	}
	if !rec.Configuration.Features.WebApp {
		return "", ErrNotFound
	}
	p := filepath.Join(o.ws.PathFor(id), filepath.FromSlash(codegen.CompanionFile))
	if _, err := os.Stat(p); err != nil {
		return "", ErrNotFound
	}
	return p, nil
}
