package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/service/engine"
	"github.com/unitychant/chant/internal/storage"
	"github.com/unitychant/chant/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func newEngine(t *testing.T, cfg engine.Config, hooks ...engine.EventHook) *engine.Engine {
	t.Helper()
	e := engine.New(testDB, cfg, testutil.TestLogger(), hooks...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func newDeliberation(t *testing.T, e *engine.Engine, cellSize int, continuous bool) model.Deliberation {
	t.Helper()
	d, err := e.CreateDeliberation(context.Background(), model.CreateDeliberationRequest{
		Question:       "What should we build next?",
		CellSize:       cellSize,
		ContinuousFlow: continuous,
	}, "facilitator")
	require.NoError(t, err)
	return d
}

func submitIdeas(t *testing.T, e *engine.Engine, d model.Deliberation, n int) []model.Idea {
	t.Helper()
	ideas := make([]model.Idea, n)
	for i := range n {
		idea, err := e.SubmitIdea(context.Background(), d.ID, fmt.Sprintf("author-%d", i), fmt.Sprintf("idea %d", i))
		require.NoError(t, err)
		ideas[i] = idea
	}
	return ideas
}

func allIn(ideaID uuid.UUID, budget int) []model.Allocation {
	return []model.Allocation{{IdeaID: ideaID, Points: budget}}
}

// joinAndVote seats a fresh user and gives the whole budget to pick(cell).
func joinAndVote(t *testing.T, e *engine.Engine, d model.Deliberation, userID string, pick func(model.JoinResponse) uuid.UUID) model.JoinResponse {
	t.Helper()
	ctx := context.Background()
	seat, err := e.Join(ctx, d.ID, userID)
	require.NoError(t, err)
	_, err = e.CastVote(ctx, seat.CellID, userID, allIn(pick(seat), d.VoteBudget))
	require.NoError(t, err)
	return seat
}

func firstIdea(seat model.JoinResponse) uuid.UUID { return seat.Ideas[0].ID }

func instant() engine.Config { return engine.Config{GracePeriod: 0} }

func TestBatchModeFifteenIdeas(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 5, false)
	ideas := submitIdeas(t, e, d, 15)

	started, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseVoting, started.Phase)
	require.Equal(t, 3, started.CellsCreated)
	for _, c := range started.Cells {
		assert.Equal(t, model.CellStandard, c.Kind)
		assert.Equal(t, 1, c.Tier)
		assert.Len(t, c.IdeaIDs, 5)
	}

	for i := range 15 {
		joinAndVote(t, e, d, fmt.Sprintf("t1-%d", i), firstIdea)
	}

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Deliberation.CurrentTier)
	assert.Equal(t, 3, st.IdeaCounts[model.IdeaInVoting])
	assert.Equal(t, 12, st.IdeaCounts[model.IdeaEliminated])
	require.Len(t, st.Cells, 1)
	assert.Equal(t, model.CellShowdown, st.Cells[0].Kind)
	assert.Equal(t, 3, st.Cells[0].Ideas)
	require.Len(t, st.Ideas, 15)
	for i, idea := range st.Ideas {
		assert.Equal(t, ideas[i].ID, idea.ID, "ideas are listed in submission order")
	}
	assert.Equal(t, model.IdeaInVoting, st.Ideas[0].Status)
	assert.Equal(t, 2, st.Ideas[0].Tier)
	assert.Equal(t, 50, st.Ideas[0].TotalXP)
	assert.Equal(t, model.IdeaEliminated, st.Ideas[1].Status)
	assert.Equal(t, 1, st.Ideas[1].Tier)
	assert.Zero(t, st.Ideas[1].TotalXP)

	// Tier-1 voters may sit again at tier 2.
	var showdownIdeas []model.Idea
	for i := range 5 {
		seat := joinAndVote(t, e, d, fmt.Sprintf("t1-%d", i), func(s model.JoinResponse) uuid.UUID { return s.Ideas[1].ID })
		showdownIdeas = seat.Ideas
	}

	st, err = e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, st.Deliberation.Phase)
	require.NotNil(t, st.Champion)
	assert.Equal(t, showdownIdeas[1].ID, st.Champion.ID)
	assert.Equal(t, model.IdeaWinner, st.Champion.Status)
	// Showdown ideas are the first idea of each tier-1 cell.
	assert.Equal(t, []uuid.UUID{ideas[0].ID, ideas[5].ID, ideas[10].ID},
		[]uuid.UUID{showdownIdeas[0].ID, showdownIdeas[1].ID, showdownIdeas[2].ID})

	res, err := e.Results(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, res.Tiers, 2)
	assert.Equal(t, 3, res.Tiers[0].Cells)
	assert.Equal(t, 15, res.Tiers[0].Voters)
	assert.Len(t, res.Tiers[0].Advancing, 3)
	assert.Equal(t, []uuid.UUID{ideas[5].ID}, res.Tiers[1].Advancing)
	require.NotNil(t, res.Proof)
	assert.Equal(t, 2, res.Proof.TotalTiers)
	assert.Equal(t, 15, res.Proof.TotalVoters)
	assert.NotEmpty(t, res.Proof.MerkleRoot)

	depth, err := testDB.TierQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestContinuousFlowTournament(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 5, true)
	ideas := submitIdeas(t, e, d, 125)

	started, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 25, started.CellsCreated)

	closed, err := e.CloseSubmissions(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseAccumulating, closed.Phase)

	_, err = e.SubmitIdea(ctx, d.ID, "late", "too late")
	assert.ErrorIs(t, err, model.ErrSubmissionsClosed)

	voters := 0
	for ; voters < 500; voters++ {
		st, err := e.GetStatus(ctx, d.ID)
		require.NoError(t, err)
		if st.Deliberation.Phase == model.PhaseCompleted {
			break
		}
		joinAndVote(t, e, d, fmt.Sprintf("p-%d", voters), firstIdea)
	}
	assert.Equal(t, 155, voters)

	res, err := e.Results(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, res.Tiers, 3)
	assert.Equal(t, 25, res.Tiers[0].Cells)
	assert.Equal(t, 5, res.Tiers[1].Cells)
	assert.Equal(t, 1, res.Tiers[2].Cells)
	require.NotNil(t, res.Champion)
	assert.Equal(t, ideas[0].ID, res.Champion.ID)
	assert.Equal(t, 155, res.Proof.TotalVoters)

	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	last := cells[len(cells)-1]
	assert.Equal(t, 3, last.Tier)
	assert.Equal(t, model.CellShowdown, last.Kind)
}

func TestContinuousFlowOutOfOrderCompletion(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 5, true)
	submitIdeas(t, e, d, 125)

	started, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 25, started.CellsCreated)
	_, err = e.CloseSubmissions(ctx, d.ID)
	require.NoError(t, err)

	// Seat everyone first so cells can be completed in any order.
	seats := make(map[uuid.UUID][]string)
	for i := range 125 {
		userID := fmt.Sprintf("o-%d", i)
		seat, err := e.Join(ctx, d.ID, userID)
		require.NoError(t, err)
		require.Equal(t, 1, seat.Tier)
		seats[seat.CellID] = append(seats[seat.CellID], userID)
	}
	require.Len(t, seats, 25)

	tier1, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, tier1, 25)

	// Last cell first; every other cell is force-completed after three of
	// its five voters.
	for i := len(tier1) - 1; i >= 0; i-- {
		c := tier1[i]
		voters := seats[c.ID]
		partial := i%2 == 1
		if partial {
			voters = voters[:3]
		}
		for _, userID := range voters {
			_, err := e.CastVote(ctx, c.ID, userID, allIn(c.IdeaIDs[0], d.VoteBudget))
			require.NoError(t, err)
		}
		if partial {
			done, err := e.CompleteCell(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, model.CellCompleted, done.Status)
		}
	}

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Deliberation.CurrentTier)

	for i := range 100 {
		st, err := e.GetStatus(ctx, d.ID)
		require.NoError(t, err)
		if st.Deliberation.Phase == model.PhaseCompleted {
			break
		}
		joinAndVote(t, e, d, fmt.Sprintf("o-late-%d", i), firstIdea)
	}

	res, err := e.Results(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, res.Tiers, 3)
	assert.Equal(t, 25, res.Tiers[0].Cells)
	assert.Equal(t, 5, res.Tiers[1].Cells)
	assert.Equal(t, 1, res.Tiers[2].Cells)
	require.NotNil(t, res.Champion)

	champion, err := testDB.GetIdea(ctx, res.Champion.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IdeaWinner, champion.Status)
}

func TestContinuousFlowByeStillFacesVote(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, true)
	ideas := submitIdeas(t, e, d, 4)

	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)
	lone, err := testDB.GetIdea(ctx, ideas[3].ID)
	require.NoError(t, err)
	assert.Equal(t, model.IdeaSubmitted, lone.Status, "no bye while submissions are open")

	_, err = e.CloseSubmissions(ctx, d.ID)
	require.NoError(t, err)
	lone, err = testDB.GetIdea(ctx, ideas[3].ID)
	require.NoError(t, err)
	assert.Equal(t, model.IdeaAdvancing, lone.Status)
	assert.Equal(t, 2, lone.Tier)

	var seat model.JoinResponse
	for i := range 3 {
		seat = joinAndVote(t, e, d, fmt.Sprintf("b-%d", i), firstIdea)
	}

	// The bye only skips a tier; the idea meets the tier-1 winner in the final.
	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	final := cells[1]
	assert.Equal(t, model.CellShowdown, final.Kind)
	assert.Equal(t, 2, final.Tier)
	assert.ElementsMatch(t, []uuid.UUID{firstIdea(seat), ideas[3].ID}, final.IdeaIDs)

	pickLone := func(model.JoinResponse) uuid.UUID { return ideas[3].ID }
	for i := range 3 {
		seat := joinAndVote(t, e, d, fmt.Sprintf("b-final-%d", i), pickLone)
		assert.Equal(t, final.ID, seat.CellID)
	}
	res, err := e.Results(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Champion)
	assert.Equal(t, ideas[3].ID, res.Champion.ID)
}

func TestContinuousFlowFormsCellsOnSubmission(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, true)
	submitIdeas(t, e, d, 2)

	started, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, started.CellsCreated)

	_, err = e.SubmitIdea(ctx, d.ID, "author-x", "third idea")
	require.NoError(t, err)

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, st.Cells, 1)
	assert.Equal(t, model.CellStandard, st.Cells[0].Kind)
	assert.Equal(t, 3, st.Cells[0].Ideas)

	// Two leftovers wait for more ideas until submissions close.
	submitIdeas(t, e, d, 2)
	st, err = e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Pools[1])

	_, err = e.CloseSubmissions(ctx, d.ID)
	require.NoError(t, err)
	st, err = e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Zero(t, st.Pools[1])
	kinds := map[model.CellKind]int{}
	for _, c := range st.Cells {
		kinds[c.Kind]++
	}
	assert.Equal(t, map[model.CellKind]int{model.CellStandard: 1, model.CellRemainder: 1}, kinds)
}

func TestConcurrentJoinRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 5, false)
	submitIdeas(t, e, d, 10)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	seated, full := 0, 0
	g, gctx := errgroup.WithContext(ctx)
	for i := range 25 {
		g.Go(func() error {
			_, err := e.Join(gctx, d.ID, fmt.Sprintf("racer-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				seated++
			case errors.Is(err, model.ErrRoundFull):
				full++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 10, seated)
	assert.Equal(t, 15, full)

	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	for _, c := range cells {
		assert.Equal(t, 5, c.SeatsFilled)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	first, err := e.Join(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.False(t, first.Resumed)

	again, err := e.Join(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, first.CellID, again.CellID)
	assert.Equal(t, 1, again.SeatsFilled)
}

func TestJoinFillsFullestCellFirst(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	a, err := e.Join(ctx, d.ID, "a")
	require.NoError(t, err)
	b, err := e.Join(ctx, d.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, a.CellID, b.CellID)
}

func TestRoundFullAndStaleSeatRelease(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, engine.Config{SeatTTL: 50 * time.Millisecond})
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	var voterCell uuid.UUID
	for i := range 6 {
		seat, err := e.Join(ctx, d.ID, fmt.Sprintf("s-%d", i))
		require.NoError(t, err)
		if i == 0 {
			voterCell = seat.CellID
			_, err = e.CastVote(ctx, seat.CellID, "s-0", allIn(seat.Ideas[0].ID, d.VoteBudget))
			require.NoError(t, err)
		}
	}

	_, err = e.Join(ctx, d.ID, "late")
	require.ErrorIs(t, err, model.ErrRoundFull)
	assert.True(t, model.Retryable(err))
	assert.Equal(t, model.ErrCodeRoundFull, model.ErrorCode(err))

	time.Sleep(100 * time.Millisecond)
	released, err := e.ReleaseStaleSeats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, released, int64(5))

	seat, err := e.Join(ctx, d.ID, "late")
	require.NoError(t, err)
	assert.Equal(t, voterCell, seat.CellID, "fullest open cell is the one whose voter kept the seat")
	assert.Equal(t, 2, seat.SeatsFilled)
}

func TestShowdownOverflow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 3)
	started, err := e.StartVoting(ctx, d.ID, []string{"r-0", "r-1", "r-2", "r-3", "r-4"})
	require.NoError(t, err)
	require.Equal(t, 1, started.CellsCreated)
	assert.Equal(t, model.CellShowdown, started.Cells[0].Kind)
	assert.Equal(t, 5, started.Seated)

	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.Equal(t, cells[0].Batch, cells[1].Batch)
	assert.ElementsMatch(t, cells[0].IdeaIDs, cells[1].IdeaIDs)
	assert.Equal(t, model.CellShowdown, cells[1].Kind)
}

func TestCastVoteRejections(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	seat, err := e.Join(ctx, d.ID, "voter")
	require.NoError(t, err)
	cellIdeas := seat.Ideas
	other, err := e.Join(ctx, d.ID, "other")
	require.NoError(t, err)
	require.Equal(t, seat.CellID, other.CellID)

	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	var foreign uuid.UUID
	for _, c := range cells {
		if c.ID != seat.CellID {
			foreign = c.IdeaIDs[0]
		}
	}

	tests := []struct {
		name   string
		user   string
		allocs []model.Allocation
		want   error
	}{
		{"not seated", "stranger", allIn(cellIdeas[0].ID, 10), model.ErrNotSeated},
		{"short sum", "voter", allIn(cellIdeas[0].ID, 9), model.ErrInvalidAllocationSum},
		{"negative", "voter", []model.Allocation{{IdeaID: cellIdeas[0].ID, Points: 12}, {IdeaID: cellIdeas[1].ID, Points: -2}}, model.ErrInvalidAllocationSum},
		{"empty", "voter", nil, model.ErrInvalidAllocationSum},
		{"wrapping sum", "voter", []model.Allocation{
			{IdeaID: cellIdeas[0].ID, Points: math.MaxInt},
			{IdeaID: cellIdeas[1].ID, Points: math.MaxInt},
			{IdeaID: cellIdeas[2].ID, Points: 12},
		}, model.ErrInvalidAllocationSum},
		{"foreign idea", "voter", allIn(foreign, 10), model.ErrIdeaNotInCell},
		{"duplicate", "voter", []model.Allocation{{IdeaID: cellIdeas[0].ID, Points: 5}, {IdeaID: cellIdeas[0].ID, Points: 5}}, model.ErrDuplicateIdea},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CastVote(ctx, seat.CellID, tt.user, tt.allocs)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	resp, err := e.CastVote(ctx, seat.CellID, "voter", []model.Allocation{
		{IdeaID: cellIdeas[0].ID, Points: 7},
		{IdeaID: cellIdeas[1].ID, Points: 3},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, resp.VoterCount)
	assert.False(t, resp.CellCompleted)

	_, err = e.CastVote(ctx, seat.CellID, "voter", allIn(cellIdeas[2].ID, 10))
	assert.ErrorIs(t, err, model.ErrAlreadyVoted)

	idea, err := testDB.GetIdea(ctx, cellIdeas[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 7, idea.TotalXP)
	assert.Equal(t, 1, idea.TotalVotes)
}

func TestRevote(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d, err := e.CreateDeliberation(ctx, model.CreateDeliberationRequest{
		Question:    "Revote allowed?",
		CellSize:    3,
		AllowRevote: true,
	}, "facilitator")
	require.NoError(t, err)
	submitIdeas(t, e, d, 3)
	_, err = e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	seat, err := e.Join(ctx, d.ID, "voter")
	require.NoError(t, err)
	_, err = e.CastVote(ctx, seat.CellID, "voter", allIn(seat.Ideas[0].ID, 10))
	require.NoError(t, err)
	resp, err := e.CastVote(ctx, seat.CellID, "voter", allIn(seat.Ideas[1].ID, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.VoterCount)

	first, err := testDB.GetIdea(ctx, seat.Ideas[0].ID)
	require.NoError(t, err)
	second, err := testDB.GetIdea(ctx, seat.Ideas[1].ID)
	require.NoError(t, err)
	assert.Zero(t, first.TotalXP)
	assert.Equal(t, 10, second.TotalXP)
}

func TestGracePeriodFinalizesAfterDelay(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, engine.Config{GracePeriod: 100 * time.Millisecond})
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 3)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	var last model.CastVoteResponse
	var cellID uuid.UUID
	for i := range 3 {
		user := fmt.Sprintf("g-%d", i)
		seat, err := e.Join(ctx, d.ID, user)
		require.NoError(t, err)
		cellID = seat.CellID
		last, err = e.CastVote(ctx, seat.CellID, user, allIn(seat.Ideas[2].ID, 10))
		require.NoError(t, err)
	}
	assert.False(t, last.CellCompleted)
	require.NotNil(t, last.FinalizesAt)

	c, err := testDB.GetCell(ctx, cellID)
	require.NoError(t, err)
	assert.Equal(t, model.CellVoting, c.Status)

	require.Eventually(t, func() bool {
		got, err := e.GetStatus(ctx, d.ID)
		return err == nil && got.Deliberation.Phase == model.PhaseCompleted
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	seat := joinAndVote(t, e, d, "only", firstIdea)

	first, err := e.CompleteCell(ctx, seat.CellID)
	require.NoError(t, err)
	assert.Equal(t, model.CellCompleted, first.Status)
	require.NotNil(t, first.WinnerIdeaID)

	second, err := e.CompleteCell(ctx, seat.CellID)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, first.WinnerIdeaID, second.WinnerIdeaID)

	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, cells, 2, "no replacement for a cell that had votes")

	_, err = e.CastVote(ctx, seat.CellID, "only", allIn(seat.Ideas[0].ID, 10))
	assert.ErrorIs(t, err, model.ErrCellNotVoting)
}

func TestEmptyCellGetsReplacement(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	started, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	empty := started.Cells[0]
	_, err = e.CompleteCell(ctx, empty.ID)
	require.NoError(t, err)

	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, cells, 3)
	var replacement model.Cell
	for _, c := range cells {
		if c.ID != empty.ID && c.Batch == empty.Batch {
			replacement = c
		}
	}
	require.NotEqual(t, uuid.Nil, replacement.ID)
	assert.ElementsMatch(t, empty.IdeaIDs, replacement.IdeaIDs)
	assert.True(t, replacement.Open())

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, st.IdeaCounts[model.IdeaInVoting], "ideas stay in voting until real votes decide them")
}

func TestSeatedUsersCanJoinReplacementCell(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	seated := map[string]uuid.UUID{}
	for _, u := range []string{"a", "b", "c", "d", "e", "f"} {
		seat, err := e.Join(ctx, d.ID, u)
		require.NoError(t, err)
		seated[u] = seat.CellID
	}
	idle := seated["a"]
	require.Equal(t, idle, seated["b"])
	require.Equal(t, idle, seated["c"])
	require.NotEqual(t, idle, seated["d"])

	_, err = e.CompleteCell(ctx, idle)
	require.NoError(t, err)

	var replacement uuid.UUID
	for _, u := range []string{"a", "b", "c"} {
		seat, err := e.Join(ctx, d.ID, u)
		require.NoError(t, err, "user %s keeps no seat in the completed cell", u)
		assert.NotEqual(t, idle, seat.CellID)
		assert.NotEqual(t, seated["d"], seat.CellID, "the other cell is already full")
		if replacement == uuid.Nil {
			replacement = seat.CellID
		}
		assert.Equal(t, replacement, seat.CellID)
	}

	for _, u := range []string{"a", "b", "c"} {
		_, err := e.CastVote(ctx, replacement, u, allIn(firstIdeaOf(t, replacement), 10))
		require.NoError(t, err)
	}
	got, err := testDB.GetCell(ctx, replacement)
	require.NoError(t, err)
	assert.Equal(t, model.CellCompleted, got.Status)
}

func firstIdeaOf(t *testing.T, cellID uuid.UUID) uuid.UUID {
	t.Helper()
	c, err := testDB.GetCell(context.Background(), cellID)
	require.NoError(t, err)
	require.NotEmpty(t, c.IdeaIDs)
	return c.IdeaIDs[0]
}

func TestForceAdvance(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 5, false)
	submitIdeas(t, e, d, 10)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	seat, err := e.Join(ctx, d.ID, "quiet")
	require.NoError(t, err)

	_, err = e.ForceAdvance(ctx, d.ID)
	require.ErrorIs(t, err, model.ErrNoVotes)

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseVoting, st.Deliberation.Phase)
	for _, c := range st.Cells {
		assert.Equal(t, model.CellVoting, c.Status, "NO_VOTES leaves every cell open")
	}

	_, err = e.CastVote(ctx, seat.CellID, "quiet", allIn(seat.Ideas[3].ID, 10))
	require.NoError(t, err)

	resp, err := e.ForceAdvance(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CellsClosed)
	assert.Equal(t, model.PhaseCompleted, resp.Phase)

	st, err = e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Champion)
	assert.Equal(t, seat.Ideas[3].ID, st.Champion.ID)
	assert.Equal(t, 9, st.IdeaCounts[model.IdeaEliminated])

	_, err = e.ForceAdvance(ctx, d.ID)
	assert.ErrorIs(t, err, model.ErrWrongPhase)
}

func TestForceAdvanceClosesIdleFlow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, true)
	submitIdeas(t, e, d, 2)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	// Nothing is running: the first advance closes submissions and forms the final showdown.
	resp, err := e.ForceAdvance(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseAccumulating, resp.Phase)
	assert.Equal(t, 1, resp.NewTier)

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, st.Cells, 1)
	assert.Equal(t, model.CellShowdown, st.Cells[0].Kind)

	_, err = e.ForceAdvance(ctx, d.ID)
	assert.ErrorIs(t, err, model.ErrNoVotes)

	batch := newDeliberation(t, e, 3, false)
	_, err = e.ForceAdvance(ctx, batch.ID)
	assert.ErrorIs(t, err, model.ErrWrongPhase)
}

func TestTimeoutSweep(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, engine.Config{CellTimeout: 2 * time.Second})
	d := newDeliberation(t, e, 5, false)
	submitIdeas(t, e, d, 10)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	for i := range 8 {
		joinAndVote(t, e, d, fmt.Sprintf("v-%d", i), firstIdea)
	}

	assert.Zero(t, e.Sweep(ctx).TimedOut, "deadline not reached yet")
	time.Sleep(2500 * time.Millisecond)
	report := e.Sweep(ctx)
	assert.Equal(t, 1, report.TimedOut)

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Deliberation.CurrentTier)
	require.Len(t, st.Cells, 1)
	assert.Equal(t, model.CellShowdown, st.Cells[0].Kind)
	assert.Equal(t, 2, st.Cells[0].Ideas)
}

func TestDiscussionWindow(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, engine.Config{DiscussionWindow: time.Hour})
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 3)
	started, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)
	cell := started.Cells[0]
	assert.Equal(t, model.CellDeliberating, cell.Status)

	seat, err := e.Join(ctx, d.ID, "early")
	require.NoError(t, err)
	_, err = e.CastVote(ctx, seat.CellID, "early", allIn(seat.Ideas[0].ID, 10))
	assert.ErrorIs(t, err, model.ErrCellNotVoting)

	opened, err := e.OpenVoting(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CellVoting, opened.Status)

	_, err = e.CastVote(ctx, seat.CellID, "early", allIn(seat.Ideas[0].ID, 10))
	assert.NoError(t, err)
}

func TestPhaseErrors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 1)

	_, err := e.StartVoting(ctx, d.ID, nil)
	assert.ErrorIs(t, err, model.ErrNotEnoughIdeas)

	_, err = e.Join(ctx, d.ID, "too-early")
	assert.ErrorIs(t, err, model.ErrWrongPhase)

	_, err = e.CloseSubmissions(ctx, d.ID)
	assert.ErrorIs(t, err, model.ErrWrongPhase)

	submitIdeas(t, e, d, 1)
	_, err = e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	_, err = e.SubmitIdea(ctx, d.ID, "late", "closed at start")
	assert.ErrorIs(t, err, model.ErrSubmissionsClosed)

	_, err = e.StartVoting(ctx, d.ID, nil)
	assert.ErrorIs(t, err, model.ErrWrongPhase)

	_, err = e.GetStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHooksReceiveEvents(t *testing.T) {
	ctx := context.Background()
	events := make(chan model.Event, 64)
	hook := engine.HookFunc(func(_ context.Context, ev model.Event) error {
		events <- ev
		return nil
	})
	e := newEngine(t, instant(), hook)
	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 3)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)
	for i := range 3 {
		joinAndVote(t, e, d, fmt.Sprintf("h-%d", i), firstIdea)
	}

	seen := map[model.EventType]int{}
	deadline := time.After(5 * time.Second)
	for seen[model.EventChampion] == 0 || seen[model.EventSeatTaken] < 3 || seen[model.EventVoteCast] < 3 {
		select {
		case ev := <-events:
			assert.Equal(t, d.ID, ev.DeliberationID)
			seen[ev.Type]++
		case <-deadline:
			t.Fatalf("champion event not delivered, saw %v", seen)
		}
	}
	assert.Equal(t, 3, seen[model.EventSeatTaken])
	assert.Equal(t, 3, seen[model.EventVoteCast])
}

func TestTierWorkerHandlesQueuedTasks(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, instant())
	w := engine.NewTierWorker(e)
	w.ProcessBatch(ctx) // leftovers from earlier tests

	d := newDeliberation(t, e, 3, false)
	submitIdeas(t, e, d, 6)
	_, err := e.StartVoting(ctx, d.ID, nil)
	require.NoError(t, err)

	// One cell completes through the engine and its batch resolves inline.
	var seat model.JoinResponse
	for i := range 3 {
		seat = joinAndVote(t, e, d, fmt.Sprintf("w-%d", i), firstIdea)
	}
	depth, err := testDB.TierQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "inline handling drains the outbox")

	cells, err := testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, cells, 2)
	other := cells[0]
	if other.ID == seat.CellID {
		other = cells[1]
	}
	require.True(t, other.Open())

	// The other cell completes as if the process died right after commit:
	// the task is queued but nothing handles it inline.
	winner := other.IdeaIDs[1]
	require.NoError(t, testDB.InTx(ctx, func(tx *storage.Tx) error {
		c, err := tx.LockCell(ctx, other.ID)
		if err != nil {
			return err
		}
		if _, err := tx.InsertParticipation(ctx, c, "w-late"); err != nil {
			return err
		}
		if err := tx.InsertVotes(ctx, c.ID, "w-late", allIn(winner, d.VoteBudget)); err != nil {
			return err
		}
		if err := tx.MarkVoted(ctx, c.ID, "w-late"); err != nil {
			return err
		}
		if err := tx.CompleteCell(ctx, c.ID, &winner); err != nil {
			return err
		}
		_, err = tx.EnqueueTierTask(ctx, d.ID, c.Tier, c.Batch)
		return err
	}))

	st, err := e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Deliberation.CurrentTier, "tier 2 waits for the queued batch")

	assert.Equal(t, 1, w.ProcessBatch(ctx))
	assert.Zero(t, w.ProcessBatch(ctx), "a handled task is gone")

	st, err = e.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Deliberation.CurrentTier)

	cells, err = testDB.ListCells(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, cells, 3)
	showdown := cells[2]
	assert.Equal(t, 2, showdown.Tier)
	assert.Equal(t, model.CellShowdown, showdown.Kind)
	assert.ElementsMatch(t, []uuid.UUID{firstIdea(seat), winner}, showdown.IdeaIDs)

	loser, err := testDB.GetIdea(ctx, other.IdeaIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.IdeaEliminated, loser.Status)
}
