//go:build integration

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/database"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *database.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, db, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()

	db.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (testcontainers.Container, *database.DB, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "opd_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return container, nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return container, nil, err
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:testpass@%s:%s/opd_test?sslmode=disable", host, port.Port()),
		MaxOpenConns: 20,
		MaxIdleConns: 5,
	}
	db, err := database.NewConnection(ctx, cfg, logger.NewNop())
	if err != nil {
		return container, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		return container, nil, err
	}
	return container, db, nil
}

func newPendingToken(doctorID string) *types.Token {
	return &types.Token{
		ID:        uuid.New().String(),
		DoctorID:  doctorID,
		PatientID: "p-1",
		Date:      "2026-03-09",
		Status:    types.TokenStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgres_ConcurrentIssueRespectsLimit(t *testing.T) {
	repo := NewRepository(testDB, logger.NewNop())
	doctorID := "d-" + uuid.New().String()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[int]bool{}
		limited int
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := repo.IssueToken(context.Background(), newPendingToken(doctorID), types.DefaultDailyTokenLimit)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, types.ErrLimitExceeded) {
				limited++
				return
			}
			if assert.NoError(t, err) {
				numbers[token.TokenNumber] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, numbers, types.DefaultDailyTokenLimit)
	assert.Equal(t, 10, limited)
}

func TestPostgres_ConcurrentClaimNext(t *testing.T) {
	repo := NewRepository(testDB, logger.NewNop())
	doctorID := "d-" + uuid.New().String()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.IssueToken(ctx, newPendingToken(doctorID), types.DefaultDailyTokenLimit)
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := repo.ClaimNext(ctx, doctorID, "2026-03-09", time.Now().UTC())
			if err != nil {
				assert.ErrorIs(t, err, types.ErrConflict)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if token != nil {
				claimed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)
	tokens, err := repo.ListTokens(ctx, &types.TokenFilters{DoctorID: doctorID, Status: types.TokenStatusInProgress})
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	finished := time.Now().UTC()
	record := &types.HistoryRecord{
		ID: uuid.New().String(), PatientID: "p-1", DoctorID: doctorID, TokenID: tokens[0].ID,
		Date: "2026-03-09", Time: "09:30", Prescription: []string{"Rest"}, CreatedAt: finished,
	}
	done, err := repo.CompleteToken(ctx, tokens[0].ID, finished, record)
	require.NoError(t, err)
	assert.Equal(t, types.TokenStatusCompleted, done.Status)

	_, err = repo.SkipToken(ctx, tokens[0].ID, finished)
	assert.ErrorIs(t, err, types.ErrConflict)
}
