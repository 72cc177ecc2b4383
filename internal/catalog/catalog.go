// Package catalog reads the channel/stream/profile tables from the PlexBridge
// SQLite database. The database is owned by an external admin process; this
// package never writes to it.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/plexbridge/plexbridge/internal/clientdetect"
)

// ErrNotFound is returned when a channel is unknown, disabled, or has no
// usable default stream, and when a profile id resolves to nothing.
var ErrNotFound = errors.New("catalog: not found")

// LineupEntry is one channel in the published lineup, sorted by number.
type LineupEntry struct {
	ChannelID   int64
	GuideNumber string
	GuideName   string
	LogoURL     string
}

// Resolution is the streamable view of a channel: where to pull from and
// which profile shapes the transcode.
type Resolution struct {
	ChannelID   int64
	GuideNumber string
	GuideName   string
	UpstreamURL string
	ProfileID   int64
}

// DB is the read-only catalog handle.
type DB struct {
	db *sql.DB
}

// Open opens the catalog database read-only. The file must already exist;
// a missing catalog is a startup error, not something to create silently.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog open %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying connection pool.
func (c *DB) Close() error { return c.db.Close() }

// ListLineup returns every enabled channel that has at least one enabled
// stream, sorted by guide number ascending. Channels whose streams are all
// missing or disabled are omitted rather than published as dead entries.
func (c *DB) ListLineup(ctx context.Context) ([]LineupEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT ch.id, ch.number, ch.name, COALESCE(ch.logo, '')
		FROM channels ch
		WHERE ch.enabled = 1
		  AND EXISTS (
			SELECT 1 FROM streams s
			WHERE s.channel_id = ch.id AND s.enabled = 1
		  )
		ORDER BY CAST(ch.number AS REAL) ASC, ch.number ASC`)
	if err != nil {
		return nil, fmt.Errorf("catalog lineup: %w", err)
	}
	defer rows.Close()

	var out []LineupEntry
	for rows.Next() {
		var e LineupEntry
		if err := rows.Scan(&e.ChannelID, &e.GuideNumber, &e.GuideName, &e.LogoURL); err != nil {
			return nil, fmt.Errorf("catalog lineup: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Resolve maps a channel id to its default (first enabled) stream URL and
// profile. ErrNotFound covers unknown ids, disabled channels, and channels
// with no enabled stream.
func (c *DB) Resolve(ctx context.Context, channelID int64) (*Resolution, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT ch.id, ch.number, ch.name, s.url, COALESCE(s.profile_id, 0)
		FROM channels ch
		JOIN streams s ON s.channel_id = ch.id AND s.enabled = 1
		WHERE ch.id = ? AND ch.enabled = 1
		ORDER BY s.id ASC
		LIMIT 1`, channelID)
	return scanResolution(row, channelID)
}

// ResolveByNumber is Resolve keyed by guide number, for the HDHomeRun
// /auto/v{number} and /stream/{number}.ts URL forms.
func (c *DB) ResolveByNumber(ctx context.Context, number string) (*Resolution, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT ch.id, ch.number, ch.name, s.url, COALESCE(s.profile_id, 0)
		FROM channels ch
		JOIN streams s ON s.channel_id = ch.id AND s.enabled = 1
		WHERE ch.number = ? AND ch.enabled = 1
		ORDER BY s.id ASC
		LIMIT 1`, number)
	res, err := scanResolution(row, 0)
	if err != nil {
		return nil, fmt.Errorf("number %s: %w", number, err)
	}
	return res, nil
}

func scanResolution(row *sql.Row, channelID int64) (*Resolution, error) {
	var r Resolution
	err := row.Scan(&r.ChannelID, &r.GuideNumber, &r.GuideName, &r.UpstreamURL, &r.ProfileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %d: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog resolve: %w", err)
	}
	return &r, nil
}

// ProfileTemplate returns the command template for (profileID, clientType),
// falling back to the profile's "unknown" row when the specific client type
// has no mapping. ErrNotFound when neither exists.
func (c *DB) ProfileTemplate(ctx context.Context, profileID int64, clientType clientdetect.Type) (string, error) {
	var tpl string
	err := c.db.QueryRowContext(ctx, `
		SELECT command_template FROM ffmpeg_profile_args
		WHERE profile_id = ? AND client_type = ?`, profileID, string(clientType)).Scan(&tpl)
	if errors.Is(err, sql.ErrNoRows) && clientType != clientdetect.Unknown {
		err = c.db.QueryRowContext(ctx, `
			SELECT command_template FROM ffmpeg_profile_args
			WHERE profile_id = ? AND client_type = 'unknown'`, profileID).Scan(&tpl)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("profile %d client %s: %w", profileID, clientType, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("catalog profile: %w", err)
	}
	return tpl, nil
}
