package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/storage"
)

// SubmitIdea adds an idea to a deliberation. In a continuous-flow
// deliberation that is already voting, the scheduler runs in the same
// transaction so a pool reaching cellSize forms a cell immediately.
func (e *Engine) SubmitIdea(ctx context.Context, deliberationID uuid.UUID, authorID, text string) (model.Idea, error) {
	if err := model.ValidateUserID(authorID); err != nil {
		return model.Idea{}, err
	}
	text, err := model.ValidateIdeaText(text)
	if err != nil {
		return model.Idea{}, err
	}

	var idea model.Idea
	var fx effects
	err = e.db.InTx(ctx, func(tx *storage.Tx) error {
		fx.reset()
		d, err := tx.LockDeliberation(ctx, deliberationID)
		if err != nil {
			return err
		}
		if !d.AcceptsIdeas() {
			return model.ErrSubmissionsClosed
		}
		idea, err = tx.InsertIdea(ctx, model.Idea{
			DeliberationID: d.ID,
			AuthorID:       authorID,
			Text:           text,
		})
		if err != nil {
			return err
		}
		fx.emit(model.Event{
			Type:           model.EventIdeaSubmitted,
			DeliberationID: d.ID,
			IdeaID:         uuidPtr(idea.ID),
			UserID:         authorID,
			Tier:           1,
		})
		if d.ContinuousFlow && d.Phase == model.PhaseVoting {
			return e.schedule(ctx, tx, &d, &fx)
		}
		return nil
	})
	if err != nil {
		return model.Idea{}, fmt.Errorf("engine: submit idea: %w", err)
	}
	e.apply(ctx, &fx)
	return idea, nil
}
