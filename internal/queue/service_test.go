package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medrex/opd-queue/internal/history"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*types.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event *types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) eventTypes() []types.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type stubDirectory struct{}

func (stubDirectory) GetDoctor(ctx context.Context, id string) (*types.Doctor, error) {
	return &types.Doctor{ID: id, Name: "Dr. Rao"}, nil
}

func (stubDirectory) GetPatient(ctx context.Context, id string) (*types.Patient, error) {
	return &types.Patient{ID: id, Name: "Ana Silva"}, nil
}

var (
	day       = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	doctorOne = &types.Session{ID: "s-d1", UserID: "u-d1", Role: types.RoleDoctor, SubjectID: "d-1"}
)

func testConfig() *config.Config {
	return &config.Config{
		Queue:  config.QueueConfig{DailyTokenLimit: types.DefaultDailyTokenLimit, Timezone: "UTC"},
		Events: config.EventsConfig{PollIntervalSeconds: 2},
	}
}

type fixture struct {
	svc     *Service
	repo    *MemoryRepository
	history *history.MemoryRepository
	pub     *recordingPublisher
	clock   time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func setupTestService(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		history: history.NewMemoryRepository(),
		pub:     &recordingPublisher{},
		clock:   day,
	}
	f.repo = NewMemoryRepository(f.history)

	svc, err := NewService(testConfig(), logger.NewNop(), nil, f.repo, stubDirectory{}, f.pub)
	require.NoError(t, err)
	svc.now = func() time.Time { return f.clock }
	f.svc = svc
	return f
}

func issueN(t *testing.T, svc *Service, doctorID string, n int) []*types.Token {
	t.Helper()
	tokens := make([]*types.Token, 0, n)
	for i := 0; i < n; i++ {
		token, err := svc.IssueToken(context.Background(), doctorID, "p-1")
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	return tokens
}

func TestIssueToken_ContiguousUpToLimit(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()

	tokens := issueN(t, f.svc, "d-1", 49)
	for i, token := range tokens {
		assert.Equal(t, i+1, token.TokenNumber)
		assert.Equal(t, types.TokenStatusPending, token.Status)
		assert.Equal(t, "2026-03-09", token.Date)
	}

	fiftieth, err := f.svc.IssueToken(ctx, "d-1", "p-50")
	require.NoError(t, err)
	assert.Equal(t, 50, fiftieth.TokenNumber)

	_, err = f.svc.IssueToken(ctx, "d-1", "p-51")
	assert.ErrorIs(t, err, types.ErrLimitExceeded)

	all, err := f.svc.ListTokens(ctx, &types.TokenFilters{DoctorID: "d-1"})
	require.NoError(t, err)
	assert.Len(t, all, 50)

	// other doctors and other days have their own numbering
	other, err := f.svc.IssueToken(ctx, "d-2", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, other.TokenNumber)

	f.advance(24 * time.Hour)
	tomorrow, err := f.svc.IssueToken(ctx, "d-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tomorrow.TokenNumber)
}

func TestIssueToken_ConcurrentAtLimit(t *testing.T) {
	f := setupTestService(t)
	issueN(t, f.svc, "d-1", 49)

	var wg sync.WaitGroup
	results := make([]*types.Token, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.IssueToken(context.Background(), "d-1", "p-x")
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := range results {
		if errs[i] == nil {
			successes++
			assert.Equal(t, 50, results[i].TokenNumber)
		} else {
			assert.ErrorIs(t, errs[i], types.ErrLimitExceeded)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestIssueToken_ConcurrentNumbersAreUnique(t *testing.T) {
	f := setupTestService(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[int]bool{}
		limited int
	)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := f.svc.IssueToken(context.Background(), "d-1", "p-x")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				limited++
				return
			}
			numbers[token.TokenNumber] = true
		}()
	}
	wg.Wait()

	assert.Len(t, numbers, 50)
	assert.Equal(t, 30, limited)
	for n := 1; n <= 50; n++ {
		assert.True(t, numbers[n], "missing token number %d", n)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	f := setupTestService(t)

	_, err := f.svc.IssueToken(context.Background(), " ", "p-1")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.svc.IssueToken(context.Background(), "d-1", "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCallNext_SelectsFirstPending(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	tokens := issueN(t, f.svc, "d-1", 2)

	// queue [{1, Pending}, {2, Completed}]
	_, err := f.svc.StartVisit(ctx, doctorOne, tokens[1].ID)
	require.NoError(t, err)
	_, _, err = f.svc.CompleteVisit(ctx, doctorOne, tokens[1].ID, &types.Prescription{Medicines: []string{"Rest"}})
	require.NoError(t, err)

	next, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.TokenNumber)
	assert.Equal(t, types.TokenStatusInProgress, next.Status)
	assert.Equal(t, day, *next.StartedAt)
}

func TestCallNext_EmptyQueueIsNoop(t *testing.T) {
	f := setupTestService(t)

	next, err := f.svc.CallNext(context.Background(), doctorOne, "d-1")
	assert.NoError(t, err)
	assert.Nil(t, next)
}

func TestCallNext_RejectsWhileInProgress(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	issueN(t, f.svc, "d-1", 2)

	_, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)

	_, err = f.svc.CallNext(ctx, doctorOne, "d-1")
	require.ErrorIs(t, err, types.ErrConflict)
	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeVisitInProgress, appErr.Code)
}

func TestCallNext_ConcurrentYieldsOneInProgress(t *testing.T) {
	f := setupTestService(t)
	issueN(t, f.svc, "d-1", 10)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		claimed   int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := f.svc.CallNext(context.Background(), doctorOne, "d-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && token != nil:
				claimed++
			case errors.Is(err, types.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	assert.Equal(t, 7, conflicts)

	inProgress, err := f.svc.ListTokens(context.Background(), &types.TokenFilters{DoctorID: "d-1", Status: types.TokenStatusInProgress})
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)
}

func TestCallNext_RequiresOwningDoctor(t *testing.T) {
	f := setupTestService(t)
	issueN(t, f.svc, "d-2", 1)

	_, err := f.svc.CallNext(context.Background(), doctorOne, "d-2")
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = f.svc.CallNext(context.Background(), nil, "d-2")
	assert.ErrorIs(t, err, types.ErrForbidden)

	admin := &types.Session{ID: "s-admin", Role: types.RoleAdmin}
	next, err := f.svc.CallNext(context.Background(), admin, "d-2")
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestCompleteVisit_AppendsHistory(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	issueN(t, f.svc, "d-1", 1)

	current, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)
	f.advance(7 * time.Minute)

	token, record, err := f.svc.CompleteVisit(ctx, doctorOne, current.ID, &types.Prescription{
		Complaint: " headache ",
		Medicines: []string{"Paracetamol 500mg"},
		Notes:     "",
	})
	require.NoError(t, err)

	assert.Equal(t, types.TokenStatusCompleted, token.Status)
	assert.Equal(t, 7*time.Minute, token.HandlingTime())
	assert.Equal(t, []string{"Paracetamol 500mg"}, record.Prescription)
	assert.Equal(t, "headache", record.Complaint)
	assert.Equal(t, "Ana Silva", record.PatientName)
	assert.Equal(t, "Dr. Rao", record.DoctorName)
	assert.Equal(t, "2026-03-09", record.Date)
	assert.Equal(t, "09:07", record.Time)

	records, err := f.history.ListHistory(ctx, &types.HistoryFilters{PatientID: "p-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, current.ID, records[0].TokenID)

	assert.Equal(t, []types.EventType{
		types.EventTokenIssued,
		types.EventTokenStatusChanged,
		types.EventTokenStatusChanged,
		types.EventHistoryAdded,
	}, f.pub.eventTypes())
}

func TestCompleteVisit_NoteFollowsMedicines(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	issueN(t, f.svc, "d-1", 1)

	current, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)

	_, record, err := f.svc.CompleteVisit(ctx, doctorOne, current.ID, &types.Prescription{
		Medicines: []string{"Amoxicillin", "  ", "ORS"},
		Notes:     "  review in a week ",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Amoxicillin", "ORS", "review in a week"}, record.Prescription)
}

func TestCompleteVisit_EmptyPrescriptionRejected(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	issueN(t, f.svc, "d-1", 1)

	current, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)

	for _, rx := range []*types.Prescription{nil, {}, {Medicines: []string{" "}, Notes: "  "}} {
		_, _, err := f.svc.CompleteVisit(ctx, doctorOne, current.ID, rx)
		assert.ErrorIs(t, err, types.ErrValidation)
	}

	token, err := f.svc.GetToken(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TokenStatusInProgress, token.Status)

	records, err := f.history.ListHistory(ctx, &types.HistoryFilters{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestTransitions_TerminalStatesFrozen(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	tokens := issueN(t, f.svc, "d-1", 2)

	// Pending cannot jump to a terminal state
	_, err := f.svc.SkipVisit(ctx, doctorOne, tokens[0].ID)
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = f.svc.StartVisit(ctx, doctorOne, tokens[0].ID)
	require.NoError(t, err)
	skipped, err := f.svc.SkipVisit(ctx, doctorOne, tokens[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TokenStatusSkipped, skipped.Status)

	rx := &types.Prescription{Medicines: []string{"Rest"}}
	_, _, err = f.svc.CompleteVisit(ctx, doctorOne, tokens[0].ID, rx)
	assert.ErrorIs(t, err, types.ErrConflict)
	_, err = f.svc.StartVisit(ctx, doctorOne, tokens[0].ID)
	assert.ErrorIs(t, err, types.ErrConflict)

	pending := types.TokenStatusPending
	_, err = f.svc.Transition(ctx, doctorOne, tokens[0].ID, &types.TokenUpdates{Status: &pending})
	assert.ErrorIs(t, err, types.ErrConflict)

	// skipped tokens are not revisited by call next
	next, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)
	assert.Equal(t, tokens[1].ID, next.ID)
}

func TestTransition_Dispatch(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	tokens := issueN(t, f.svc, "d-1", 1)

	inProgress := types.TokenStatusInProgress
	token, err := f.svc.Transition(ctx, doctorOne, tokens[0].ID, &types.TokenUpdates{Status: &inProgress})
	require.NoError(t, err)
	assert.Equal(t, types.TokenStatusInProgress, token.Status)

	completed := types.TokenStatusCompleted
	_, err = f.svc.Transition(ctx, doctorOne, tokens[0].ID, &types.TokenUpdates{Status: &completed})
	assert.ErrorIs(t, err, types.ErrValidation)

	token, err = f.svc.Transition(ctx, doctorOne, tokens[0].ID, &types.TokenUpdates{
		Status:       &completed,
		Prescription: &types.Prescription{Notes: "fluids"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TokenStatusCompleted, token.Status)

	_, err = f.svc.Transition(ctx, doctorOne, tokens[0].ID, &types.TokenUpdates{})
	assert.ErrorIs(t, err, types.ErrValidation)

	bogus := types.TokenStatus("Cancelled")
	_, err = f.svc.Transition(ctx, doctorOne, tokens[0].ID, &types.TokenUpdates{Status: &bogus})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSessionStats_RunningMean(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	issueN(t, f.svc, "d-1", 4)

	rx := &types.Prescription{Medicines: []string{"Rest"}}
	for _, d := range []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second} {
		current, err := f.svc.CallNext(ctx, doctorOne, "d-1")
		require.NoError(t, err)
		f.advance(d)
		_, _, err = f.svc.CompleteVisit(ctx, doctorOne, current.ID, rx)
		require.NoError(t, err)
	}

	current, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)
	_, err = f.svc.SkipVisit(ctx, doctorOne, current.ID)
	require.NoError(t, err)

	stats := f.svc.SessionStats(doctorOne.ID)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, "d-1", stats.DoctorID)
	assert.InDelta(t, 160.0, stats.AverageHandlingSeconds, 1e-9)

	f.svc.ForgetSession(doctorOne.ID)
	cleared := f.svc.SessionStats(doctorOne.ID)
	assert.Zero(t, cleared.Completed)
	assert.Zero(t, cleared.AverageHandlingSeconds)
}

func TestGetQueue_View(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	tokens := issueN(t, f.svc, "d-1", 3)

	_, err := f.svc.StartVisit(ctx, doctorOne, tokens[0].ID)
	require.NoError(t, err)
	_, err = f.svc.SkipVisit(ctx, doctorOne, tokens[0].ID)
	require.NoError(t, err)
	_, err = f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)

	view, err := f.svc.GetQueue(ctx, "d-1", "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", view.Date)
	require.NotNil(t, view.Current)
	assert.Equal(t, 2, view.Current.TokenNumber)
	assert.Equal(t, 1, view.Waiting)
	assert.Equal(t, 1, view.Skipped)
	assert.Equal(t, 47, view.Remaining)
	require.Len(t, view.Tokens, 3)
	assert.Equal(t, 1, view.Tokens[0].TokenNumber)

	_, err = f.svc.GetQueue(ctx, "d-1", "yesterday")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestGetQueue_ReportsVisitLeftOpenOvernight(t *testing.T) {
	f := setupTestService(t)
	ctx := context.Background()
	issueN(t, f.svc, "d-1", 1)

	started, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)

	f.advance(24 * time.Hour)
	issueN(t, f.svc, "d-1", 1)

	view, err := f.svc.GetQueue(ctx, "d-1", "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", view.Date)
	require.NotNil(t, view.Current)
	assert.Equal(t, started.ID, view.Current.ID)
	assert.Equal(t, "2026-03-09", view.Current.Date)
	assert.Equal(t, 1, view.Waiting)

	_, err = f.svc.CallNext(ctx, doctorOne, "d-1")
	assert.ErrorIs(t, err, types.ErrConflict)

	// closing the old visit unblocks today's queue
	_, err = f.svc.SkipVisit(ctx, doctorOne, started.ID)
	require.NoError(t, err)
	next, err := f.svc.CallNext(ctx, doctorOne, "d-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "2026-03-10", next.Date)
}

func TestNewService_BadTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Timezone = "Mars/Olympus"

	_, err := NewService(cfg, logger.NewNop(), nil, NewMemoryRepository(nil), nil, nil)
	assert.Error(t, err)
}

func TestStatsTracker_IgnoresAnonymous(t *testing.T) {
	tracker := NewStatsTracker()
	tracker.RecordCompleted("", "d-1", time.Minute)
	tracker.RecordSkipped("", "d-1")

	assert.Empty(t, tracker.sessions)
}
