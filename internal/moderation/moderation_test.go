package moderation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/moderation"
)

func TestNoop(t *testing.T) {
	assert.NoError(t, moderation.Noop{}.Check(context.Background(), "anything at all"))
}

func TestBlocklist(t *testing.T) {
	b := moderation.NewBlocklist([]string{"Spam", " scam ", ""})
	ctx := context.Background()

	assert.Equal(t, 2, b.Len())
	assert.NoError(t, b.Check(ctx, "plant more trees"))
	assert.NoError(t, b.Check(ctx, "spammer is not a whole-word match"))

	err := b.Check(ctx, "Buy now, this is SPAM!")
	assert.ErrorIs(t, err, model.ErrModerationRejected)
	assert.Equal(t, model.ErrCodeModerationRejected, model.ErrorCode(err))

	assert.Error(t, b.Check(ctx, "a scam."))
}

func TestFromTerms(t *testing.T) {
	assert.IsType(t, moderation.Noop{}, moderation.FromTerms(nil))
	assert.IsType(t, moderation.Noop{}, moderation.FromTerms([]string{" ", ""}))
	assert.IsType(t, &moderation.Blocklist{}, moderation.FromTerms([]string{"spam", "scam"}))
}
