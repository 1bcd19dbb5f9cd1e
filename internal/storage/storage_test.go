package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitat-data/vintagesync/internal/model"
	"github.com/habitat-data/vintagesync/internal/storage"
	"github.com/habitat-data/vintagesync/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

var localSeq int

// newHousing returns a registry housing with a unique (geo_code, local_id).
func newHousing() model.Housing {
	localSeq++
	return model.Housing{
		ID:             uuid.New(),
		GeoCode:        "75056",
		LocalID:        fmt.Sprintf("75056%07d", localSeq),
		RawAddress:     []string{"12 rue de Rivoli", "75004 Paris"},
		DataYears:      []int{2023, 2022},
		Owner:          &model.Owner{ID: uuid.New(), FullName: "Jeanne Martin", Rank: 1},
		Coowners:       []model.Owner{{ID: uuid.New(), FullName: "Paul Martin", Rank: 2}},
		Status:         model.StatusInProgress,
		SubStatus:      ptr("En accompagnement"),
		Precisions:     []string{"Travaux"},
		VacancyReasons: []string{},
		Occupancy:      model.OccupancyVacant,
		LivingArea:     ptr(54.5),
		RoomsCount:     ptr(3),
		MutationDate:   ptr(time.Date(2019, 3, 14, 0, 0, 0, 0, time.UTC)),
	}
}

func newActor(t *testing.T) model.User {
	t.Helper()
	u, err := testutil.SeedActor(context.Background(), testDB)
	require.NoError(t, err)
	return u
}

func TestUpsertHousingsInsertsAndReadsBack(t *testing.T) {
	ctx := context.Background()
	h := newHousing()

	n, err := testDB.UpsertHousings(ctx, []model.Housing{h})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := testDB.GetHousing(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.GeoCode, got.GeoCode)
	assert.Equal(t, h.RawAddress, got.RawAddress)
	assert.Equal(t, []int{2023, 2022}, got.DataYears)
	assert.Equal(t, h.Owner.FullName, got.OwnerName())
	require.Len(t, got.Coowners, 1)
	assert.Equal(t, "Paul Martin", got.Coowners[0].FullName)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, "En accompagnement", *got.SubStatus)
	assert.Equal(t, []string{"Travaux"}, got.Precisions)
	assert.Equal(t, model.OccupancyVacant, got.Occupancy)
	assert.InDelta(t, 54.5, *got.LivingArea, 0.0001)
	assert.True(t, h.MutationDate.Equal(*got.MutationDate))
}

func TestUpsertHousingsReplacesWholeRow(t *testing.T) {
	ctx := context.Background()
	h := newHousing()
	_, err := testDB.UpsertHousings(ctx, []model.Housing{h})
	require.NoError(t, err)

	next := h.Clone()
	next.DataYears = []int{2024, 2023, 2022}
	next.Status = model.StatusExit
	next.SubStatus = ptr(model.SubStatusAbsent)
	next.LivingArea = nil
	next.MutationDate = nil
	next.Owner = nil
	_, err = testDB.UpsertHousings(ctx, []model.Housing{next})
	require.NoError(t, err)

	got, err := testDB.GetHousing(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{2024, 2023, 2022}, got.DataYears)
	assert.Equal(t, model.StatusExit, got.Status)
	assert.Equal(t, model.SubStatusAbsent, *got.SubStatus)
	assert.Nil(t, got.LivingArea, "NULL must overwrite the previous value")
	assert.Nil(t, got.MutationDate)
	assert.Nil(t, got.Owner)
}

func TestUpsertHousingsLastDuplicateWins(t *testing.T) {
	ctx := context.Background()
	first := newHousing()
	second := first.Clone()
	second.Status = model.StatusWaiting

	_, err := testDB.UpsertHousings(ctx, []model.Housing{first, second})
	require.NoError(t, err)

	got, err := testDB.GetHousing(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaiting, got.Status)
}

func TestUpsertHousingsEmpty(t *testing.T) {
	n, err := testDB.UpsertHousings(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetHousingNotFound(t *testing.T) {
	_, err := testDB.GetHousing(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHousingExists(t *testing.T) {
	ctx := context.Background()
	h := newHousing()
	_, err := testDB.UpsertHousings(ctx, []model.Housing{h})
	require.NoError(t, err)

	ok, err := testDB.HousingExists(ctx, h.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.HousingExists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamHousingsOrderedAndCounted(t *testing.T) {
	ctx := context.Background()
	batch := make([]model.Housing, 20)
	for i := range batch {
		batch[i] = newHousing()
	}
	_, err := testDB.UpsertHousings(ctx, batch)
	require.NoError(t, err)

	count, err := testDB.CountHousings(ctx)
	require.NoError(t, err)

	var (
		streamed int64
		prev     string
	)
	for h, err := range testDB.StreamHousings(ctx) {
		require.NoError(t, err)
		id := h.ID.String()
		assert.Greater(t, id, prev)
		prev = id
		streamed++
	}
	assert.Equal(t, count, streamed)
	assert.GreaterOrEqual(t, streamed, int64(20))
}

func TestStreamHousingsReleasesConnectionOnBreak(t *testing.T) {
	ctx := context.Background()
	_, err := testDB.UpsertHousings(ctx, []model.Housing{newHousing(), newHousing()})
	require.NoError(t, err)

	for range 50 {
		for _, err := range testDB.StreamHousings(ctx) {
			require.NoError(t, err)
			break
		}
	}
	assert.Zero(t, testDB.Pool().Stat().AcquiredConns())
}

func TestSourceHousingsStagedAndFound(t *testing.T) {
	ctx := context.Background()
	h := newHousing()
	h.DataYears = []int{2024}

	_, err := testDB.StageSourceHousings(ctx, []model.Housing{h})
	require.NoError(t, err)

	got, err := testDB.FindSourceHousing(ctx, h.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []int{2024}, got.DataYears)

	missing, err := testDB.FindSourceHousing(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	// The registry is untouched by staging.
	ok, err := testDB.HousingExists(ctx, h.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestModifications(t *testing.T) {
	ctx := context.Background()
	actor := newActor(t)
	h := newHousing()
	_, err := testDB.UpsertHousings(ctx, []model.Housing{h})
	require.NoError(t, err)

	mods, err := testDB.FindModifications(ctx, h.ID)
	require.NoError(t, err)
	assert.NotNil(t, mods)
	assert.Empty(t, mods)

	_, err = testDB.CreateModification(ctx, model.Modification{
		HousingID: h.ID,
		Kind:      model.ModificationOwnersUpdated,
		CreatedBy: actor.ID,
	})
	require.NoError(t, err)

	mods, err = testDB.FindModifications(ctx, h.ID)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.True(t, model.HasOwnershipModification(mods))
}

func TestGetUserByEmailIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	u, err := testDB.CreateUser(ctx, model.User{Email: "Automation.Case@vintagesync.test"})
	require.NoError(t, err)

	got, err := testDB.GetUserByEmail(ctx, "automation.case@VINTAGESYNC.test")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = testDB.GetUserByEmail(ctx, "nobody@vintagesync.test")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func conflictEvent(h model.Housing, actor uuid.UUID) model.HousingEvent {
	old := h.Clone()
	return model.HousingEvent{
		ID:        uuid.New(),
		Type:      model.EntityHousing,
		Name:      model.EventNameOccupancyConflict,
		Kind:      model.EventKindUpdate,
		Category:  model.CategoryFollowup,
		Section:   model.SectionOccupancy,
		Conflict:  true,
		Old:       &old,
		HousingID: h.ID,
		CreatedBy: actor,
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertHousingEventsAfterHousings(t *testing.T) {
	ctx := context.Background()
	actor := newActor(t)
	h := newHousing()
	_, err := testDB.UpsertHousings(ctx, []model.Housing{h})
	require.NoError(t, err)

	since := time.Now().UTC().Add(-time.Second)
	e := conflictEvent(h, actor.ID)
	n, err := testDB.InsertHousingEvents(ctx, []model.HousingEvent{e})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var (
		got      model.HousingEvent
		entity   string
		category string
	)
	err = testDB.Pool().QueryRow(ctx,
		`SELECT id, type, category, conflict, old, new, created_by
		 FROM housing_events WHERE housing_id = $1`, h.ID,
	).Scan(&got.ID, &entity, &category, &got.Conflict, &got.Old, &got.New, &got.CreatedBy)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, string(model.EntityHousing), entity)
	assert.Equal(t, string(model.CategoryFollowup), category)
	assert.True(t, got.Conflict)
	require.NotNil(t, got.Old)
	assert.Equal(t, h.ID, got.Old.ID)
	assert.Nil(t, got.New)
	assert.Equal(t, actor.ID, got.CreatedBy)

	conflicts, err := testDB.CountConflicts(ctx, since)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, conflicts, int64(1))
}

func TestInsertHousingEventsRequiresHousing(t *testing.T) {
	actor := newActor(t)
	orphan := newHousing()

	_, err := testDB.InsertHousingEvents(context.Background(), []model.HousingEvent{conflictEvent(orphan, actor.ID)})
	require.Error(t, err)
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "23503", pgErr.Code)
}

func TestHousingEventsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	actor := newActor(t)
	h := newHousing()
	_, err := testDB.UpsertHousings(ctx, []model.Housing{h})
	require.NoError(t, err)
	e := conflictEvent(h, actor.ID)
	_, err = testDB.InsertHousingEvents(ctx, []model.HousingEvent{e})
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `UPDATE housing_events SET conflict = false WHERE id = $1`, e.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = testDB.Pool().Exec(ctx, `DELETE FROM housing_events WHERE id = $1`, e.ID)
	require.Error(t, err)
}

func TestSyncRunLifecycle(t *testing.T) {
	ctx := context.Background()

	run, err := testDB.CreateSyncRun(ctx, map[string]any{"batch_size": 1000})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	err = testDB.CompleteSyncRun(ctx, run.ID, model.RunStatusCompleted, map[string]any{"scanned": 42})
	require.NoError(t, err)

	got, err := testDB.GetSyncRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.EqualValues(t, 1000, got.Metadata["batch_size"])
	assert.EqualValues(t, 42, got.Metadata["scanned"])

	// A finished run cannot be finished twice.
	err = testDB.CompleteSyncRun(ctx, run.ID, model.RunStatusFailed, nil)
	assert.Error(t, err)

	latest, err := testDB.LatestSyncRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, run.ID, latest.ID)

	_, err = testDB.GetSyncRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNotify(t *testing.T) {
	err := testDB.Notify(context.Background(), storage.ChannelSyncRuns, `{"status":"completed"}`)
	assert.NoError(t, err)
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("boom")
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesSerializationFailure(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "40P01", pgErr.Code)
	assert.Equal(t, 3, calls)
}
