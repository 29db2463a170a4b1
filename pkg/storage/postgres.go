package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cuemby/catalogsync/pkg/catalog"
)

// Postgres is the database/sql + lib/pq backed Store implementation.
// It is stateless: every method receives the *sql.DB to operate against.
type Postgres struct{}

// NewPostgres builds a Postgres store.
func NewPostgres() *Postgres {
	return &Postgres{}
}

var _ Store = (*Postgres)(nil)

// gameColumnNames lists the game table's columns in the fixed order used
// by every read/write below. Keeping this as a slice, rather than just the
// comma-joined string, lets InsertGame/UpdateGame compute their
// placeholder numbering from len(gameColumnNames) instead of a hardcoded
// count that could drift out of sync with gameValues.
var gameColumnNames = []string{
	"app_id", "name", "release_date", "required_age", "price",
	"about_game", "short_description", "detailed_description", "reviews",
	"website", "support_url", "support_email", "header_image_url",
	"windows", "mac", "linux",
	"metacritic_score", "metacritic_url",
	"achievement_count", "recommendation_count", "notes",
	"user_score", "score_rank",
	"positive_reviews", "negative_reviews",
	"estimated_owners_min", "estimated_owners_max",
	"avg_playtime_forever", "avg_playtime_two_weeks", "median_playtime_forever", "median_playtime_two_weeks",
	"peak_concurrent_users",
	"supported_languages", "full_audio_languages", "developers", "publishers", "categories", "genres", "screenshots", "movies",
	"tag_weights",
	"created_at", "updated_at",
}

var gameColumns = strings.Join(gameColumnNames, ", ")

func gameValues(rec catalog.GameRecord) []any {
	return []any{
		rec.AppID, rec.Name, rec.ReleaseDate, rec.RequiredAge, rec.Price,
		rec.AboutGame, rec.ShortDescription, rec.DetailedDescription, rec.Reviews,
		rec.Website, rec.SupportURL, rec.SupportEmail, rec.HeaderImageURL,
		rec.Windows, rec.Mac, rec.Linux,
		rec.MetacriticScore, rec.MetacriticURL,
		rec.AchievementCount, rec.RecommendationCount, rec.Notes,
		rec.UserScore, rec.ScoreRank,
		rec.PositiveReviews, rec.NegativeReviews,
		rec.EstimatedOwnersMin, rec.EstimatedOwnersMax,
		rec.AveragePlaytimeForever, rec.AveragePlaytimeTwoWeeks, rec.MedianPlaytimeForever, rec.MedianPlaytimeTwoWeeks,
		rec.PeakConcurrentUsers,
		catalog.JoinStrings(rec.SupportedLanguages), catalog.JoinStrings(rec.FullAudioLanguages),
		catalog.JoinStrings(rec.Developers), catalog.JoinStrings(rec.Publishers),
		catalog.JoinStrings(rec.Categories), catalog.JoinStrings(rec.Genres),
		catalog.JoinStrings(rec.Screenshots), catalog.JoinStrings(rec.Movies),
		catalog.EncodeTagWeights(rec.TagWeights),
		rec.CreatedAt, rec.UpdatedAt,
	}
}

func scanGame(row interface{ Scan(dest ...any) error }) (catalog.GameRecord, error) {
	var rec catalog.GameRecord
	var supportedLanguages, fullAudioLanguages, developers, publishers, categories, genres, screenshots, movies, tagWeights string

	err := row.Scan(
		&rec.AppID, &rec.Name, &rec.ReleaseDate, &rec.RequiredAge, &rec.Price,
		&rec.AboutGame, &rec.ShortDescription, &rec.DetailedDescription, &rec.Reviews,
		&rec.Website, &rec.SupportURL, &rec.SupportEmail, &rec.HeaderImageURL,
		&rec.Windows, &rec.Mac, &rec.Linux,
		&rec.MetacriticScore, &rec.MetacriticURL,
		&rec.AchievementCount, &rec.RecommendationCount, &rec.Notes,
		&rec.UserScore, &rec.ScoreRank,
		&rec.PositiveReviews, &rec.NegativeReviews,
		&rec.EstimatedOwnersMin, &rec.EstimatedOwnersMax,
		&rec.AveragePlaytimeForever, &rec.AveragePlaytimeTwoWeeks, &rec.MedianPlaytimeForever, &rec.MedianPlaytimeTwoWeeks,
		&rec.PeakConcurrentUsers,
		&supportedLanguages, &fullAudioLanguages, &developers, &publishers, &categories, &genres, &screenshots, &movies,
		&tagWeights,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return catalog.GameRecord{}, ErrNotFound
	}
	if err != nil {
		return catalog.GameRecord{}, fmt.Errorf("storage: scanning game row: %w", err)
	}

	rec.SupportedLanguages = catalog.SplitStrings(supportedLanguages)
	rec.FullAudioLanguages = catalog.SplitStrings(fullAudioLanguages)
	rec.Developers = catalog.SplitStrings(developers)
	rec.Publishers = catalog.SplitStrings(publishers)
	rec.Categories = catalog.SplitStrings(categories)
	rec.Genres = catalog.SplitStrings(genres)
	rec.Screenshots = catalog.SplitStrings(screenshots)
	rec.Movies = catalog.SplitStrings(movies)
	rec.TagWeights = catalog.DecodeTagWeights(tagWeights)

	return rec, nil
}

func (p *Postgres) MaxAppID(ctx context.Context, db *sql.DB) (int64, error) {
	var maxID sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(app_id) FROM games`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("storage: max app id: %w", err)
	}
	return maxID.Int64, nil
}

func (p *Postgres) GameExists(ctx context.Context, db *sql.DB, appID int64) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM games WHERE app_id = $1)`, appID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: game exists: %w", err)
	}
	return exists, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting the insert/
// update/delete bodies below run either as a standalone statement or as
// part of the transaction manager's per-node transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertGame(ctx context.Context, ex execer, rec catalog.GameRecord) error {
	query := fmt.Sprintf(`INSERT INTO games (%s) VALUES (%s)`, gameColumns, placeholders(1, len(gameColumnNames)))
	_, err := ex.ExecContext(ctx, query, gameValues(rec)...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("storage: insert game: %w", err)
	}
	return nil
}

// updateGame reassigns every column (including created_at, whose value the
// coordinator never actually changes) so the positional values from
// gameValues map directly onto the column list without a gap.
func updateGame(ctx context.Context, ex execer, rec catalog.GameRecord) error {
	rec.UpdatedAt = time.Now().UTC()

	sets := make([]string, 0, len(gameColumnNames)-1)
	for i, col := range gameColumnNames[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
	}
	query := fmt.Sprintf(`UPDATE games SET %s WHERE app_id = $1`, strings.Join(sets, ", "))

	_, err := ex.ExecContext(ctx, query, gameValues(rec)...)
	if err != nil {
		return fmt.Errorf("storage: update game: %w", err)
	}
	return nil
}

func deleteGame(ctx context.Context, ex execer, appID int64) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM games WHERE app_id = $1`, appID)
	if err != nil {
		return fmt.Errorf("storage: delete game: %w", err)
	}
	return nil
}

func (p *Postgres) InsertGame(ctx context.Context, db *sql.DB, rec catalog.GameRecord) error {
	return insertGame(ctx, db, rec)
}

func (p *Postgres) UpdateGame(ctx context.Context, db *sql.DB, rec catalog.GameRecord) error {
	return updateGame(ctx, db, rec)
}

func (p *Postgres) DeleteGame(ctx context.Context, db *sql.DB, appID int64) error {
	return deleteGame(ctx, db, appID)
}

// InsertGameTx, UpdateGameTx, and DeleteGameTx run the same DML inside an
// already-open transaction, used by the transaction manager (C6).
func (p *Postgres) InsertGameTx(ctx context.Context, tx *sql.Tx, rec catalog.GameRecord) error {
	return insertGame(ctx, tx, rec)
}

func (p *Postgres) UpdateGameTx(ctx context.Context, tx *sql.Tx, rec catalog.GameRecord) error {
	return updateGame(ctx, tx, rec)
}

func (p *Postgres) DeleteGameTx(ctx context.Context, tx *sql.Tx, appID int64) error {
	return deleteGame(ctx, tx, appID)
}

func (p *Postgres) GetGame(ctx context.Context, db *sql.DB, appID int64) (catalog.GameRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM games WHERE app_id = $1`, gameColumns)
	row := db.QueryRowContext(ctx, query, appID)
	return scanGame(row)
}

func pendingTable(queue PendingQueue) string {
	switch queue {
	case PendingWindows:
		return "pending_windows"
	case PendingMultiOS:
		return "pending_multi_os"
	default:
		return ""
	}
}

// pendingBookkeepingColumns are the sync-metadata columns added on top of
// the game columns in each pending table. pending_created_at (enqueue
// time) is named distinctly from the game's own created_at (audit time)
// since both live in the same row.
var pendingBookkeepingColumns = []string{"sync_status", "pending_created_at", "last_sync_attempt", "sync_retries", "error_message"}

func (p *Postgres) UpsertPending(ctx context.Context, db *sql.DB, queue PendingQueue, rec catalog.GameRecord) error {
	table := pendingTable(queue)
	now := time.Now().UTC()

	allColumns := append(append([]string{}, gameColumnNames...), pendingBookkeepingColumns...)
	gamePlaceholders := placeholders(1, len(gameColumnNames))
	bookkeepingIdx := len(gameColumnNames) + 1

	updateSets := make([]string, 0, len(gameColumnNames)-1)
	for _, col := range gameColumnNames[1:] {
		updateSets = append(updateSets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	updateSets = append(updateSets,
		"sync_status = 'PENDING'", "pending_created_at = EXCLUDED.pending_created_at",
		"last_sync_attempt = NULL", "sync_retries = 0", "error_message = NULL",
	)

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s, 'PENDING', $%d, NULL, 0, NULL)
		ON CONFLICT (app_id) DO UPDATE SET %s
	`, table, strings.Join(allColumns, ", "), gamePlaceholders, bookkeepingIdx, strings.Join(updateSets, ", "))

	values := append(gameValues(rec), now)
	_, err := db.ExecContext(ctx, query, values...)
	if err != nil {
		return fmt.Errorf("storage: upsert pending (%s): %w", queue, err)
	}
	return nil
}

func (p *Postgres) ListReady(ctx context.Context, db *sql.DB, queue PendingQueue) ([]catalog.PendingRecord, error) {
	table := pendingTable(queue)
	query := fmt.Sprintf(`
		SELECT %s, sync_status, pending_created_at, last_sync_attempt, sync_retries, error_message
		FROM %s
		WHERE sync_status IN ('PENDING', 'FAILED')
		ORDER BY pending_created_at ASC
	`, gameColumns, table)

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: list ready (%s): %w", queue, err)
	}
	defer rows.Close()

	var out []catalog.PendingRecord
	for rows.Next() {
		var pr catalog.PendingRecord
		var supportedLanguages, fullAudioLanguages, developers, publishers, categories, genres, screenshots, movies, tagWeights string
		var lastSyncAttempt sql.NullTime
		var errorMessage sql.NullString

		err := rows.Scan(
			&pr.AppID, &pr.Name, &pr.ReleaseDate, &pr.RequiredAge, &pr.Price,
			&pr.AboutGame, &pr.ShortDescription, &pr.DetailedDescription, &pr.Reviews,
			&pr.Website, &pr.SupportURL, &pr.SupportEmail, &pr.HeaderImageURL,
			&pr.Windows, &pr.Mac, &pr.Linux,
			&pr.MetacriticScore, &pr.MetacriticURL,
			&pr.AchievementCount, &pr.RecommendationCount, &pr.Notes,
			&pr.UserScore, &pr.ScoreRank,
			&pr.PositiveReviews, &pr.NegativeReviews,
			&pr.EstimatedOwnersMin, &pr.EstimatedOwnersMax,
			&pr.AveragePlaytimeForever, &pr.AveragePlaytimeTwoWeeks, &pr.MedianPlaytimeForever, &pr.MedianPlaytimeTwoWeeks,
			&pr.PeakConcurrentUsers,
			&supportedLanguages, &fullAudioLanguages, &developers, &publishers, &categories, &genres, &screenshots, &movies,
			&tagWeights,
			&pr.GameRecord.CreatedAt, &pr.GameRecord.UpdatedAt,
			&pr.SyncStatus, &pr.CreatedAt, &lastSyncAttempt, &pr.SyncRetries, &errorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: scanning pending row (%s): %w", queue, err)
		}

		pr.SupportedLanguages = catalog.SplitStrings(supportedLanguages)
		pr.FullAudioLanguages = catalog.SplitStrings(fullAudioLanguages)
		pr.Developers = catalog.SplitStrings(developers)
		pr.Publishers = catalog.SplitStrings(publishers)
		pr.Categories = catalog.SplitStrings(categories)
		pr.Genres = catalog.SplitStrings(genres)
		pr.Screenshots = catalog.SplitStrings(screenshots)
		pr.Movies = catalog.SplitStrings(movies)
		pr.TagWeights = catalog.DecodeTagWeights(tagWeights)
		if lastSyncAttempt.Valid {
			t := lastSyncAttempt.Time
			pr.LastSyncAttempt = &t
		}
		if errorMessage.Valid {
			m := errorMessage.String
			pr.ErrorMessage = &m
		}

		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkSynced(ctx context.Context, db *sql.DB, queue PendingQueue, appID int64, at time.Time) error {
	table := pendingTable(queue)
	query := fmt.Sprintf(`UPDATE %s SET sync_status = 'SYNCED', last_sync_attempt = $2, error_message = NULL WHERE app_id = $1`, table)
	_, err := db.ExecContext(ctx, query, appID, at)
	if err != nil {
		return fmt.Errorf("storage: mark synced (%s): %w", queue, err)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, db *sql.DB, queue PendingQueue, appID int64, at time.Time, errMsg string) error {
	table := pendingTable(queue)
	query := fmt.Sprintf(`UPDATE %s SET sync_status = 'FAILED', last_sync_attempt = $2, error_message = $3 WHERE app_id = $1`, table)
	_, err := db.ExecContext(ctx, query, appID, at, errMsg)
	if err != nil {
		return fmt.Errorf("storage: mark failed (%s): %w", queue, err)
	}
	return nil
}

func (p *Postgres) CountOutstanding(ctx context.Context, db *sql.DB, queue PendingQueue) (int, error) {
	table := pendingTable(queue)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE sync_status IN ('PENDING', 'FAILED')`, table)
	var count int
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("storage: count outstanding (%s): %w", queue, err)
	}
	return count, nil
}

func (p *Postgres) SeedNodeStatus(ctx context.Context, db *sql.DB, nodeName string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO node_status (node_name, is_available, last_checked, failure_count)
		VALUES ($1, true, $2, 0)
		ON CONFLICT (node_name) DO NOTHING
	`, nodeName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storage: seed node status: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateNodeStatus(ctx context.Context, db *sql.DB, status NodeStatus) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO node_status (node_name, is_available, last_checked, last_sync, failure_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_name) DO UPDATE SET
			is_available = EXCLUDED.is_available, last_checked = EXCLUDED.last_checked,
			last_sync = COALESCE(EXCLUDED.last_sync, node_status.last_sync),
			failure_count = EXCLUDED.failure_count, last_error = EXCLUDED.last_error
	`, status.NodeName, status.IsAvailable, status.LastChecked, status.LastSync, status.FailureCount, status.LastError)
	if err != nil {
		return fmt.Errorf("storage: update node status: %w", err)
	}
	return nil
}

func (p *Postgres) GetNodeStatus(ctx context.Context, db *sql.DB, nodeName string) (NodeStatus, error) {
	var st NodeStatus
	var lastSync sql.NullTime
	var lastError sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT node_name, is_available, last_checked, last_sync, failure_count, last_error
		FROM node_status WHERE node_name = $1
	`, nodeName).Scan(&st.NodeName, &st.IsAvailable, &st.LastChecked, &lastSync, &st.FailureCount, &lastError)
	if err == sql.ErrNoRows {
		return NodeStatus{}, ErrNotFound
	}
	if err != nil {
		return NodeStatus{}, fmt.Errorf("storage: get node status: %w", err)
	}
	if lastSync.Valid {
		st.LastSync = &lastSync.Time
	}
	if lastError.Valid {
		st.LastError = &lastError.String
	}
	return st, nil
}

func (p *Postgres) ListNodeStatus(ctx context.Context, db *sql.DB) ([]NodeStatus, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT node_name, is_available, last_checked, last_sync, failure_count, last_error
		FROM node_status ORDER BY node_name
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list node status: %w", err)
	}
	defer rows.Close()

	var out []NodeStatus
	for rows.Next() {
		var st NodeStatus
		var lastSync sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(&st.NodeName, &st.IsAvailable, &st.LastChecked, &lastSync, &st.FailureCount, &lastError); err != nil {
			return nil, fmt.Errorf("storage: scanning node status row: %w", err)
		}
		if lastSync.Valid {
			st.LastSync = &lastSync.Time
		}
		if lastError.Valid {
			st.LastError = &lastError.String
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendLog(ctx context.Context, db *sql.DB, entry TransactionLogEntry) (int64, error) {
	var logID int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO transaction_log
			(transaction_id, node_name, operation, record_id, old_data, new_data, timestamp, status, error_message, processed, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING log_id
	`, entry.TransactionID, entry.NodeName, entry.Operation, entry.RecordID, entry.OldData, entry.NewData,
		entry.Timestamp, entry.Status, entry.ErrorMessage, entry.Processed, entry.RetryCount).Scan(&logID)
	if err != nil {
		return 0, fmt.Errorf("storage: append transaction log: %w", err)
	}
	return logID, nil
}

func (p *Postgres) UpdateLogStatus(ctx context.Context, db *sql.DB, logID int64, status TxLogStatus, errMsg *string, processed bool, retryCount int) error {
	_, err := db.ExecContext(ctx, `
		UPDATE transaction_log SET status = $2, error_message = $3, processed = $4, retry_count = $5
		WHERE log_id = $1
	`, logID, status, errMsg, processed, retryCount)
	if err != nil {
		return fmt.Errorf("storage: update transaction log status: %w", err)
	}
	return nil
}

func (p *Postgres) ListUnprocessed(ctx context.Context, db *sql.DB) ([]TransactionLogEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT log_id, transaction_id, node_name, operation, record_id, old_data, new_data, timestamp, status, error_message, processed, retry_count
		FROM transaction_log
		WHERE processed = false AND status IN ('PENDING', 'FAILED')
		ORDER BY timestamp ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list unprocessed transaction log: %w", err)
	}
	defer rows.Close()

	var out []TransactionLogEntry
	for rows.Next() {
		var e TransactionLogEntry
		if err := rows.Scan(&e.LogID, &e.TransactionID, &e.NodeName, &e.Operation, &e.RecordID, &e.OldData, &e.NewData,
			&e.Timestamp, &e.Status, &e.ErrorMessage, &e.Processed, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("storage: scanning transaction log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context, db *sql.DB) (map[TxLogStatus]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transaction_log GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count transaction log by status: %w", err)
	}
	defer rows.Close()

	counts := map[TxLogStatus]int{TxPending: 0, TxCommitted: 0, TxFailed: 0}
	for rows.Next() {
		var status TxLogStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("storage: scanning transaction log count row: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// placeholders returns a comma-joined list of $start .. $(start+count-1).
func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}
	return pqErr.Code == "23505"
}

// MarshalOldNewData is a small helper for the transaction manager to encode
// a snapshot into the log's JSON columns.
func MarshalOldNewData(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: marshaling transaction log data: %w", err)
	}
	s := string(b)
	return &s, nil
}
