package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gatekeeper/pkg/model"
	"gatekeeper/pkg/store"
)

// LauncherRegistry lists the launchers that registered themselves.
type LauncherRegistry struct {
	c   *Coordinator
	log *zap.Logger
}

// List returns every registered launcher, sorted by id. Launchers that
// unregister while the list is read are skipped.
func (r *LauncherRegistry) List(ctx context.Context) ([]*model.Launcher, error) {
	tree, err := r.c.tree()
	if err != nil {
		return nil, err
	}
	ids, err := tree.Children(ctx, launcherRoot)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list launchers: %w", err)
	}
	sort.Strings(ids)

	launchers := make([]*model.Launcher, 0, len(ids))
	for _, id := range ids {
		p := store.Join(launcherRoot, id)
		data, _, err := tree.Get(ctx, p)
		if errors.Is(err, store.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read launcher %s: %w", id, err)
		}
		if len(data) == 0 {
			continue
		}
		l := &model.Launcher{}
		if err := decode(p, data, l); err != nil {
			return nil, err
		}
		if l.ID == "" {
			l.ID = id
		}
		launchers = append(launchers, l)
	}
	return launchers, nil
}

// Register announces a launcher. The registration is ephemeral and goes
// away with the session.
func (r *LauncherRegistry) Register(ctx context.Context, l *model.Launcher) error {
	tree, err := r.c.tree()
	if err != nil {
		return err
	}
	data, err := encode(l)
	if err != nil {
		return err
	}
	p := store.Join(launcherRoot, l.ID)
	_, err = tree.Create(ctx, p, data, store.ModeEphemeral)
	if errors.Is(err, store.ErrNodeExists) {
		_, err = tree.Set(ctx, p, data, store.AnyVersion)
	}
	if err != nil {
		return fmt.Errorf("register launcher %s: %w", l.ID, err)
	}
	r.log.Info("registered launcher", zap.String("id", l.ID), zap.Strings("labels", l.SupportedLabels))
	return nil
}

// Candidates returns the launchers able to serve every label of a
// request. Launchers supporting fewer labels come first, so generalist
// launchers stay free for requests only they can serve.
func (r *LauncherRegistry) Candidates(ctx context.Context, labels []string) ([]*model.Launcher, error) {
	launchers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]*model.Launcher, 0, len(launchers))
	for _, l := range launchers {
		if l.SupportsAll(labels) {
			candidates = append(candidates, l)
		} else {
			r.log.Debug("launcher filtered", zap.String("id", l.ID), zap.Strings("labels", labels))
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].SupportedLabels) < len(candidates[j].SupportedLabels)
	})
	return candidates, nil
}
