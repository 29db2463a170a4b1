// Package coordinator implements the write coordinator (C4): primary key
// assignment, platform-based routing, master-first durability, and
// fallback to the pending queue when a slave is unreachable or its write
// fails.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/catalogsync/pkg/broker"
	"github.com/cuemby/catalogsync/pkg/catalog"
	"github.com/cuemby/catalogsync/pkg/log"
	"github.com/cuemby/catalogsync/pkg/metrics"
	"github.com/cuemby/catalogsync/pkg/registry"
	"github.com/cuemby/catalogsync/pkg/storage"
)

// ErrMasterDown is returned when the master node is unreachable; the
// caller's write is refused outright.
var ErrMasterDown = errors.New("coordinator: master is down")

// ErrMasterWriteFailed is returned when the master insert succeeds but
// the follow-up verification read does not find the row. No slave
// side-effects occur in this case.
var ErrMasterWriteFailed = errors.New("coordinator: master write could not be verified")

// ErrValidationFailed is returned for input missing a required field.
type ErrValidationFailed struct {
	MissingFields []string
}

func (e *ErrValidationFailed) Error() string {
	return fmt.Sprintf("coordinator: validation failed, missing fields: %v", e.MissingFields)
}

const maxIDAssignRetries = 5

// Result is the explicit outcome of a createGame call, replacing the
// source's broad catch-all exception handling with a structured record of
// what happened on each leg of the write (spec §9).
type Result struct {
	Record          catalog.GameRecord
	PrimaryOK       bool
	SecondaryOK     bool
	PendingEnqueued bool
}

// connBroker is the subset of *broker.Broker the coordinator depends on,
// narrowed to an interface so tests can substitute a fake without a real
// database connection.
type connBroker interface {
	Get(ctx context.Context, name string) (*sql.DB, bool)
}

// livenessRegistry is the subset of *registry.Registry the coordinator
// depends on.
type livenessRegistry interface {
	IsUp(name string) bool
}

// Coordinator is the write coordinator. Construct with New.
type Coordinator struct {
	registry livenessRegistry
	broker   connBroker
	store    storage.Store
}

// New builds a Coordinator over the given registry, broker, and store.
func New(reg *registry.Registry, brk *broker.Broker, store storage.Store) *Coordinator {
	return &Coordinator{registry: reg, broker: brk, store: store}
}

// newWithDeps builds a Coordinator over arbitrary implementations of its
// dependencies, used by unit tests to substitute in-memory fakes.
func newWithDeps(reg livenessRegistry, brk connBroker, store storage.Store) *Coordinator {
	return &Coordinator{registry: reg, broker: brk, store: store}
}

// Input is the boundary type for a create request. CreateGame validates
// the required fields itself before doing any I/O; the external request
// validation service named in spec §1 as out of scope is for payload
// shape (JSON parsing, type coercion), not for these business rules.
type Input struct {
	Name        string
	ReleaseDate time.Time
	RequiredAge int
	Price       float64
	AboutGame   string

	ShortDescription    string
	DetailedDescription string
	Reviews             string
	Website             string
	SupportURL          string
	SupportEmail        string
	HeaderImageURL      string

	Windows bool
	Mac     bool
	Linux   bool

	MetacriticScore     int
	MetacriticURL       string
	AchievementCount    int
	RecommendationCount int
	Notes               string
	UserScore           int
	ScoreRank           string
	PositiveReviews     int
	NegativeReviews     int
	EstimatedOwnersMin  int64
	EstimatedOwnersMax  int64

	AveragePlaytimeForever  int
	AveragePlaytimeTwoWeeks int
	MedianPlaytimeForever   int
	MedianPlaytimeTwoWeeks  int
	PeakConcurrentUsers     int

	SupportedLanguages []string
	FullAudioLanguages []string
	Developers         []string
	Publishers         []string
	Categories         []string
	Genres             []string
	Screenshots        []string
	Movies             []string

	TagWeights map[string]int
}

// validate checks the fields spec §6 names as required, returning their
// names in a stable order for the caller-facing error message.
func (in Input) validate() []string {
	var missing []string
	if in.Name == "" {
		missing = append(missing, "name")
	}
	if in.ReleaseDate.IsZero() {
		missing = append(missing, "release_date")
	}
	if in.AboutGame == "" {
		missing = append(missing, "about_game")
	}
	if !in.Windows && !in.Mac && !in.Linux {
		missing = append(missing, "platform")
	}
	return missing
}

func (in Input) toRecord(appID int64, now time.Time) catalog.GameRecord {
	return catalog.Canonicalize(catalog.GameRecord{
		AppID:                   appID,
		Name:                    in.Name,
		ReleaseDate:             in.ReleaseDate,
		RequiredAge:             in.RequiredAge,
		Price:                   in.Price,
		AboutGame:               in.AboutGame,
		ShortDescription:        in.ShortDescription,
		DetailedDescription:     in.DetailedDescription,
		Reviews:                 in.Reviews,
		Website:                 in.Website,
		SupportURL:              in.SupportURL,
		SupportEmail:            in.SupportEmail,
		HeaderImageURL:          in.HeaderImageURL,
		Windows:                 in.Windows,
		Mac:                     in.Mac,
		Linux:                   in.Linux,
		MetacriticScore:         in.MetacriticScore,
		MetacriticURL:           in.MetacriticURL,
		AchievementCount:        in.AchievementCount,
		RecommendationCount:     in.RecommendationCount,
		Notes:                   in.Notes,
		UserScore:               in.UserScore,
		ScoreRank:               in.ScoreRank,
		PositiveReviews:         in.PositiveReviews,
		NegativeReviews:         in.NegativeReviews,
		EstimatedOwnersMin:      in.EstimatedOwnersMin,
		EstimatedOwnersMax:      in.EstimatedOwnersMax,
		AveragePlaytimeForever:  in.AveragePlaytimeForever,
		AveragePlaytimeTwoWeeks: in.AveragePlaytimeTwoWeeks,
		MedianPlaytimeForever:   in.MedianPlaytimeForever,
		MedianPlaytimeTwoWeeks:  in.MedianPlaytimeTwoWeeks,
		PeakConcurrentUsers:     in.PeakConcurrentUsers,
		SupportedLanguages:      in.SupportedLanguages,
		FullAudioLanguages:      in.FullAudioLanguages,
		Developers:              in.Developers,
		Publishers:              in.Publishers,
		Categories:              in.Categories,
		Genres:                  in.Genres,
		Screenshots:             in.Screenshots,
		Movies:                  in.Movies,
		TagWeights:              in.TagWeights,
		CreatedAt:               now,
		UpdatedAt:               now,
	})
}

func partitionTarget(p catalog.Partition) (node string, queue storage.PendingQueue, ok bool) {
	switch p {
	case catalog.PartitionWindowsOnly:
		return "slave_a", storage.PendingWindows, true
	case catalog.PartitionMultiPlatform:
		return "slave_b", storage.PendingMultiOS, true
	default:
		return "", "", false
	}
}

// CreateGame implements the write coordinator's single public operation.
// It never returns an error for a slave-side failure: those are absorbed
// into Result.PendingEnqueued and a pending row, per spec §7's "never
// surfaced to caller" rule for SlaveUnavailable/SlaveWriteFailed.
func (c *Coordinator) CreateGame(ctx context.Context, input Input) (Result, error) {
	coordLog := log.WithComponent("coordinator")
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CreateGameDuration)

	if missing := input.validate(); len(missing) > 0 {
		metrics.CreateGameTotal.WithLabelValues("validation_failed").Inc()
		return Result{}, &ErrValidationFailed{MissingFields: missing}
	}

	if !c.registry.IsUp("master") {
		metrics.CreateGameTotal.WithLabelValues("master_down").Inc()
		return Result{}, ErrMasterDown
	}

	masterDB, ok := c.broker.Get(ctx, "master")
	if !ok {
		metrics.CreateGameTotal.WithLabelValues("master_down").Inc()
		return Result{}, ErrMasterDown
	}

	var appID int64
	var rec catalog.GameRecord
	now := time.Now().UTC()

	for attempt := 0; ; attempt++ {
		var err error
		appID, err = c.assignID(ctx, masterDB)
		if err != nil {
			return Result{}, fmt.Errorf("coordinator: assigning id: %w", err)
		}
		rec = input.toRecord(appID, now)

		err = c.store.InsertGame(ctx, masterDB, rec)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrDuplicateID) && attempt < maxIDAssignRetries {
			coordLog.Warn().Int64("app_id", appID).Int("attempt", attempt).
				Msg("id collision on master insert, retrying with fresh id")
			continue
		}
		metrics.CreateGameTotal.WithLabelValues("master_write_failed").Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrMasterWriteFailed, err)
	}

	if _, err := c.store.GetGame(ctx, masterDB, appID); err != nil {
		metrics.CreateGameTotal.WithLabelValues("master_write_failed").Inc()
		return Result{}, fmt.Errorf("%w: verification read: %v", ErrMasterWriteFailed, err)
	}

	result := Result{Record: rec, PrimaryOK: true}

	partition := catalog.ClassifyPartition(rec)
	slaveNode, queue, hasTarget := partitionTarget(partition)
	if !hasTarget {
		metrics.CreateGameTotal.WithLabelValues("master_only").Inc()
		return result, nil
	}

	slaveDB, slaveUp := c.broker.Get(ctx, slaveNode)
	if !slaveUp {
		c.enqueuePending(ctx, masterDB, queue, rec, coordLog)
		result.PendingEnqueued = true
		metrics.CreateGameTotal.WithLabelValues("pending_" + slaveNode).Inc()
		return result, nil
	}

	if err := c.writeSlave(ctx, slaveDB, rec); err != nil {
		coordLog.Warn().Err(err).Int64("app_id", appID).Str("node", slaveNode).
			Msg("slave write failed, enqueuing pending row")
		c.enqueuePending(ctx, masterDB, queue, rec, coordLog)
		result.PendingEnqueued = true
		metrics.CreateGameTotal.WithLabelValues("pending_" + slaveNode).Inc()
		return result, nil
	}

	result.SecondaryOK = true
	metrics.CreateGameTotal.WithLabelValues(slaveNode).Inc()
	return result, nil
}

// assignID reads max(AppID)+1. The actual race detection happens when the
// caller attempts InsertGame and gets ErrDuplicateID; CreateGame retries
// from here on that signal, bounded by maxIDAssignRetries.
func (c *Coordinator) assignID(ctx context.Context, masterDB *sql.DB) (int64, error) {
	maxID, err := c.store.MaxAppID(ctx, masterDB)
	if err != nil {
		return 0, err
	}
	return maxID + 1, nil
}

// writeSlave inserts rec on the slave unless it is already present
// (idempotent convergence), then verifies it is readable.
func (c *Coordinator) writeSlave(ctx context.Context, slaveDB *sql.DB, rec catalog.GameRecord) error {
	exists, err := c.store.GameExists(ctx, slaveDB, rec.AppID)
	if err != nil {
		return fmt.Errorf("checking slave existence: %w", err)
	}
	if !exists {
		if err := c.store.InsertGame(ctx, slaveDB, rec); err != nil && !errors.Is(err, storage.ErrDuplicateID) {
			return fmt.Errorf("inserting on slave: %w", err)
		}
	}
	if _, err := c.store.GetGame(ctx, slaveDB, rec.AppID); err != nil {
		return fmt.Errorf("verifying slave write: %w", err)
	}
	return nil
}

// enqueuePending inserts or resets the matching pending row. Failures
// here are logged, never raised: the caller has already received a
// successful master write and must not see a pending-enqueue failure as
// an overall failure (spec §7).
func (c *Coordinator) enqueuePending(ctx context.Context, masterDB *sql.DB, queue storage.PendingQueue, rec catalog.GameRecord, coordLog zerolog.Logger) {
	if err := c.store.UpsertPending(ctx, masterDB, queue, rec); err != nil {
		coordLog.Error().Err(err).Int64("app_id", rec.AppID).Str("queue", string(queue)).
			Msg("failed to enqueue pending row")
	}
}
