package registry

import (
	"context"

	"collaborative-workspace-sync/internal/membership"
)

// RunModeration broadcasts queued moderation actions to each workspace's
// peers until ctx ends. Actions for workspaces that are not connected are
// dropped.
func (r *Registry) RunModeration(ctx context.Context, svc membership.Service) error {
	for {
		for {
			action, ok := svc.PopAction()
			if !ok {
				break
			}
			r.deliver(ctx, action)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-svc.Notify():
		}
	}
}

func (r *Registry) deliver(ctx context.Context, action membership.Action) {
	logger := r.logger.With().
		Str("workspace", action.WorkspaceID).
		Str("action", string(action.Type)).
		Logger()

	e := r.lookup(action.WorkspaceID)
	if e == nil {
		logger.Info().Msg("Workspace closed, moderation action dropped")
		return
	}
	conn := e.connection()
	if conn == nil {
		logger.Info().Msg("Workspace offline, moderation action dropped")
		return
	}

	payload, err := action.Marshal()
	if err != nil {
		logger.Warn().Err(err).Msg("Moderation action not encodable")
		return
	}
	if err := conn.SendModeration(ctx, payload); err != nil {
		logger.Warn().Err(err).Msg("Moderation broadcast failed")
		return
	}
	logger.Debug().Str("target", action.TargetID).Msg("Moderation action sent")
}
