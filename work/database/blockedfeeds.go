package database

import (
	"database/sql"
	"fmt"
	"time"
)

// BlockedFeed is one feed variant that failed terminally (geo-restricted
// or auth-rejected) and is skipped by the resolver until revived or
// pruned.
type BlockedFeed struct {
	GameID   string
	FeedTag  string
	Reason   string
	MarkedAt time.Time
}

// MarkFeedBlocked records a terminal failure for a (game, feed) pair.
// Re-marking updates the reason and timestamp.
func (db *DB) MarkFeedBlocked(gameID, feedTag, reason string) error {
	query := `
		INSERT INTO blocked_feeds (game_id, feed_tag, reason, marked_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(game_id, feed_tag) DO UPDATE SET
			reason = excluded.reason,
			marked_at = CURRENT_TIMESTAMP
	`

	if _, err := db.Exec(query, gameID, feedTag, reason); err != nil {
		return fmt.Errorf("failed to mark feed blocked: %w", err)
	}
	return nil
}

// IsFeedBlocked reports whether a (game, feed) pair has a recorded
// terminal failure, along with the recorded reason.
func (db *DB) IsFeedBlocked(gameID, feedTag string) (bool, string, error) {
	var reason string
	err := db.QueryRow(
		`SELECT reason FROM blocked_feeds WHERE game_id = ? AND feed_tag = ?`,
		gameID, feedTag,
	).Scan(&reason)

	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// ReviveFeed removes the block for a (game, feed) pair so the resolver
// will try it again.
func (db *DB) ReviveFeed(gameID, feedTag string) error {
	if _, err := db.Exec(
		`DELETE FROM blocked_feeds WHERE game_id = ? AND feed_tag = ?`,
		gameID, feedTag,
	); err != nil {
		return fmt.Errorf("failed to revive feed: %w", err)
	}
	return nil
}

// ListBlockedFeeds returns every recorded block, newest first.
func (db *DB) ListBlockedFeeds() ([]BlockedFeed, error) {
	rows, err := db.Query(
		`SELECT game_id, feed_tag, reason, marked_at FROM blocked_feeds ORDER BY marked_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []BlockedFeed
	for rows.Next() {
		var bf BlockedFeed
		if err := rows.Scan(&bf.GameID, &bf.FeedTag, &bf.Reason, &bf.MarkedAt); err != nil {
			return nil, err
		}
		feeds = append(feeds, bf)
	}
	return feeds, rows.Err()
}

// PruneBlockedFeeds drops blocks older than the given age. Games roll
// out of the schedule window quickly, so old rows are pure dead weight.
func (db *DB) PruneBlockedFeeds(olderThan time.Duration) (int64, error) {
	// CURRENT_TIMESTAMP stores UTC text, so the cutoff compares as UTC text too
	cutoff := time.Now().Add(-olderThan).UTC().Format("2006-01-02 15:04:05")
	res, err := db.Exec(`DELETE FROM blocked_feeds WHERE marked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune blocked feeds: %w", err)
	}
	return res.RowsAffected()
}
