// Package store is the observer's persistent state: lives, vote rounds,
// votes, the activity log, and the visitor inbox. One SQLite database,
// opened once; writers are serialized by the lifecycle lock above.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amialive/amialive/internal/lifecycle"
	"github.com/amialive/amialive/internal/voting"
)

// ErrDuplicateVote is returned when a fingerprint already voted in a round.
var ErrDuplicateVote = errors.New("already voted in this round")

// Store wraps the observer database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the observer database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open observer db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	// Best-effort migrations for databases created before these columns.
	_, _ = db.Exec(`ALTER TABLE lives ADD COLUMN pronoun TEXT`)
	_, _ = db.Exec(`ALTER TABLE current_state ADD COLUMN model TEXT`)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for maintenance tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// ---------------------------------------------------------------------------
// Life state
// ---------------------------------------------------------------------------

// RestoreState loads the persisted singleton state for machine recovery.
func (s *Store) RestoreState() (lifecycle.Snapshot, error) {
	row := s.db.QueryRow(`SELECT life_number, is_alive, born_at, last_seen, bootstrap_mode FROM current_state WHERE id = 1`)
	var (
		snap     lifecycle.Snapshot
		isAlive  bool
		bornAt   sql.NullTime
		lastSeen sql.NullTime
		mode     sql.NullString
	)
	if err := row.Scan(&snap.LifeNumber, &isAlive, &bornAt, &lastSeen, &mode); err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("restore state: %w", err)
	}
	snap.IsAlive = isAlive
	if isAlive {
		snap.State = lifecycle.StateAlive
	} else {
		snap.State = lifecycle.StateDead
	}
	if bornAt.Valid {
		snap.BornAt = bornAt.Time
	}
	if lastSeen.Valid {
		snap.LastSeen = lastSeen.Time
	}
	snap.Mode = lifecycle.Mode(mode.String)
	return snap, nil
}

// SaveState persists the singleton state.
func (s *Store) SaveState(snap lifecycle.Snapshot) error {
	_, err := s.db.Exec(`
		UPDATE current_state
		SET life_number = ?, is_alive = ?, born_at = ?, last_seen = ?, bootstrap_mode = ?
		WHERE id = 1`,
		snap.LifeNumber, snap.IsAlive, nullTime(snap.BornAt), nullTime(snap.LastSeen), string(snap.Mode))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// Life is a public view of one incarnation.
type Life struct {
	LifeNumber      int64           `json:"life_number"`
	BornAt          time.Time       `json:"born_at"`
	DiedAt          *time.Time      `json:"died_at,omitempty"`
	DeathCause      lifecycle.Cause `json:"death_cause,omitempty"`
	BootstrapMode   lifecycle.Mode  `json:"bootstrap_mode"`
	Model           string          `json:"model,omitempty"`
	Name            string          `json:"name,omitempty"`
	Icon            string          `json:"icon,omitempty"`
	Pronoun         string          `json:"pronoun,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	DurationSeconds int64           `json:"duration_seconds,omitempty"`
}

// RecordBirth inserts the life row once the agent accepted /birth.
// Repeated calls for the same life are no-ops.
func (s *Store) RecordBirth(life Life) error {
	_, err := s.db.Exec(`
		INSERT INTO lives (life_number, born_at, bootstrap_mode, model, name, icon, pronoun)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(life_number) DO NOTHING`,
		life.LifeNumber, life.BornAt.UTC(), string(life.BootstrapMode), life.Model, life.Name, life.Icon, life.Pronoun)
	if err != nil {
		return fmt.Errorf("record birth: %w", err)
	}
	return nil
}

// UpdateIdentity refreshes the identity triple once the agent names itself.
func (s *Store) UpdateIdentity(lifeNumber int64, name, icon, pronoun, model string) error {
	_, err := s.db.Exec(`
		UPDATE lives SET name = ?, icon = ?, pronoun = ?, model = ? WHERE life_number = ?`,
		name, icon, pronoun, model, lifeNumber)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	return nil
}

// RecordDeath closes the life row. Writing the legacy token_exhaustion
// cause is refused; it exists only in historical rows.
func (s *Store) RecordDeath(lifeNumber int64, cause lifecycle.Cause, summary string, diedAt time.Time) error {
	if !cause.Valid() {
		return fmt.Errorf("unsupported death cause %q", cause)
	}
	var bornAt sql.NullTime
	err := s.db.QueryRow(`SELECT born_at FROM lives WHERE life_number = ? AND died_at IS NULL`, lifeNumber).Scan(&bornAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record death: %w", err)
	}
	var duration any
	if bornAt.Valid {
		duration = int64(diedAt.Sub(bornAt.Time) / time.Second)
	}
	_, err = s.db.Exec(`
		UPDATE lives
		SET died_at = ?, death_cause = ?, summary = ?, duration_seconds = ?
		WHERE life_number = ? AND died_at IS NULL`,
		diedAt.UTC(), string(cause), summary, duration, lifeNumber)
	if err != nil {
		return fmt.Errorf("record death: %w", err)
	}
	return nil
}

// PreviousDeathCause returns the cause of the most recent closed life.
func (s *Store) PreviousDeathCause() (lifecycle.Cause, error) {
	row := s.db.QueryRow(`SELECT death_cause FROM lives WHERE died_at IS NOT NULL ORDER BY life_number DESC LIMIT 1`)
	var cause sql.NullString
	if err := row.Scan(&cause); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("previous death cause: %w", err)
	}
	return lifecycle.Cause(cause.String), nil
}

// MaxLifeNumber returns the highest allocated life number.
func (s *Store) MaxLifeNumber() (int64, error) {
	row := s.db.QueryRow(`SELECT COALESCE(MAX(life_number), 0) FROM lives`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("max life number: %w", err)
	}
	return n, nil
}

// DeathCount returns how many lives have ended. Hidden from the agent.
func (s *Store) DeathCount() (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM lives WHERE died_at IS NOT NULL`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("death count: %w", err)
	}
	return n, nil
}

// LifeHistory returns past lives, newest first.
func (s *Store) LifeHistory(limit int) ([]Life, error) {
	rows, err := s.db.Query(`
		SELECT life_number, born_at, died_at, death_cause, bootstrap_mode,
		       COALESCE(model, ''), COALESCE(name, ''), COALESCE(icon, ''),
		       COALESCE(pronoun, ''), COALESCE(summary, ''), COALESCE(duration_seconds, 0)
		FROM lives ORDER BY life_number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("life history: %w", err)
	}
	defer rows.Close()

	var lives []Life
	for rows.Next() {
		var (
			l      Life
			diedAt sql.NullTime
			cause  sql.NullString
			mode   sql.NullString
		)
		if err := rows.Scan(&l.LifeNumber, &l.BornAt, &diedAt, &cause, &mode,
			&l.Model, &l.Name, &l.Icon, &l.Pronoun, &l.Summary, &l.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan life: %w", err)
		}
		if diedAt.Valid {
			t := diedAt.Time
			l.DiedAt = &t
		}
		l.DeathCause = lifecycle.Cause(cause.String)
		l.BootstrapMode = lifecycle.Mode(mode.String)
		lives = append(lives, l)
	}
	return lives, rows.Err()
}

// ---------------------------------------------------------------------------
// Vote rounds
// ---------------------------------------------------------------------------

// OpenRound inserts a new open round and returns it with its id.
func (s *Store) OpenRound(r voting.Round) (voting.Round, error) {
	res, err := s.db.Exec(`
		INSERT INTO vote_rounds (life_number, opened_at, closes_at, status)
		VALUES (?, ?, ?, 'open')`,
		r.LifeNumber, r.OpenedAt.UTC(), r.ClosesAt.UTC())
	if err != nil {
		return voting.Round{}, fmt.Errorf("open round: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return voting.Round{}, fmt.Errorf("open round id: %w", err)
	}
	r.Status = voting.RoundOpen
	return r, nil
}

// CurrentRound returns the newest open round, or ok=false.
func (s *Store) CurrentRound() (voting.Round, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, life_number, opened_at, closes_at, live_count, die_count, status
		FROM vote_rounds WHERE status = 'open' ORDER BY id DESC LIMIT 1`)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return voting.Round{}, false, nil
	}
	if err != nil {
		return voting.Round{}, false, err
	}
	return r, true, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRound(row rowScanner) (voting.Round, error) {
	var (
		r      voting.Round
		status string
	)
	if err := row.Scan(&r.ID, &r.LifeNumber, &r.OpenedAt, &r.ClosesAt, &r.Live, &r.Die, &status); err != nil {
		return voting.Round{}, err
	}
	r.Status = voting.RoundStatus(status)
	return r, nil
}

// CastVote inserts a vote and refreshes the round counters in one
// transaction. The unique constraint is the tie-break between concurrent
// submissions from the same fingerprint.
func (s *Store) CastVote(roundID int64, fingerprint string, choice voting.Choice, now time.Time) (live, die int, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin vote tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO votes (round_id, voter_fingerprint, choice, cast_at)
		VALUES (?, ?, ?, ?)`,
		roundID, fingerprint, string(choice), now.UTC()); err != nil {
		if isUniqueViolation(err) {
			return 0, 0, ErrDuplicateVote
		}
		return 0, 0, fmt.Errorf("insert vote: %w", err)
	}

	row := tx.QueryRow(`
		SELECT
			SUM(CASE WHEN choice = 'live' THEN 1 ELSE 0 END),
			SUM(CASE WHEN choice = 'die' THEN 1 ELSE 0 END)
		FROM votes WHERE round_id = ?`, roundID)
	if err := row.Scan(&live, &die); err != nil {
		return 0, 0, fmt.Errorf("count votes: %w", err)
	}
	if _, err := tx.Exec(`UPDATE vote_rounds SET live_count = ?, die_count = ? WHERE id = ?`,
		live, die, roundID); err != nil {
		return 0, 0, fmt.Errorf("update counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit vote: %w", err)
	}
	return live, die, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// HasVoted reports whether a fingerprint already voted in a round.
func (s *Store) HasVoted(roundID int64, fingerprint string) (bool, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM votes WHERE round_id = ? AND voter_fingerprint = ?`,
		roundID, fingerprint)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("has voted: %w", err)
	}
	return n > 0, nil
}

// LastAcceptedVote returns the most recent accepted vote time for a
// fingerprint across all rounds. Zero time means never.
func (s *Store) LastAcceptedVote(fingerprint string) (time.Time, error) {
	row := s.db.QueryRow(`
		SELECT cast_at FROM votes WHERE voter_fingerprint = ?
		ORDER BY cast_at DESC LIMIT 1`, fingerprint)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("last vote: %w", err)
	}
	return t, nil
}

// CloseRound marks a round with its verdict status.
func (s *Store) CloseRound(roundID int64, status voting.RoundStatus) error {
	if status == voting.RoundOpen {
		return fmt.Errorf("cannot close a round to open")
	}
	_, err := s.db.Exec(`UPDATE vote_rounds SET status = ? WHERE id = ? AND status = 'open'`,
		string(status), roundID)
	if err != nil {
		return fmt.Errorf("close round: %w", err)
	}
	return nil
}

// CloseOpenRounds closes every open round (used on death before respawn).
func (s *Store) CloseOpenRounds(status voting.RoundStatus) error {
	_, err := s.db.Exec(`UPDATE vote_rounds SET status = ? WHERE status = 'open'`, string(status))
	if err != nil {
		return fmt.Errorf("close open rounds: %w", err)
	}
	return nil
}

// AdjustVotes overwrites the counters of the open round (admin only).
func (s *Store) AdjustVotes(live, die int) error {
	if live < 0 || die < 0 {
		return fmt.Errorf("vote counts must be non-negative")
	}
	res, err := s.db.Exec(`
		UPDATE vote_rounds SET live_count = ?, die_count = ?
		WHERE id = (SELECT id FROM vote_rounds WHERE status = 'open' ORDER BY id DESC LIMIT 1)`,
		live, die)
	if err != nil {
		return fmt.Errorf("adjust votes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no open round")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Activity log
// ---------------------------------------------------------------------------

// Activity is one append-only activity event.
type Activity struct {
	ID         int64     `json:"id"`
	LifeNumber int64     `json:"life_number"`
	Kind       string    `json:"kind"`
	Payload    string    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendActivity records an event and returns its monotonic id.
func (s *Store) AppendActivity(lifeNumber int64, kind, payload string, public bool) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO activity_log (life_number, kind, payload, is_public, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		lifeNumber, kind, payload, public, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	return res.LastInsertId()
}

// RecentActivity returns public events newest first.
func (s *Store) RecentActivity(limit int) ([]Activity, error) {
	rows, err := s.db.Query(`
		SELECT id, life_number, kind, COALESCE(payload, ''), created_at
		FROM activity_log WHERE is_public = 1 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.LifeNumber, &a.Kind, &a.Payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Thoughts and blog posts
// ---------------------------------------------------------------------------

// RecordThought stores one reported thought.
func (s *Store) RecordThought(lifeNumber int64, content, thoughtType string) error {
	_, err := s.db.Exec(`
		INSERT INTO thoughts (life_number, content, thought_type) VALUES (?, ?, ?)`,
		lifeNumber, content, thoughtType)
	if err != nil {
		return fmt.Errorf("record thought: %w", err)
	}
	return nil
}

// ThoughtsBefore returns thought contents from lives before the given one,
// in random order. Feeds fragment generation only.
func (s *Store) ThoughtsBefore(lifeNumber int64, limit int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT content FROM thoughts WHERE life_number < ? ORDER BY RANDOM() LIMIT ?`,
		lifeNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("thoughts before: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentThoughts returns the newest thoughts for death summaries.
func (s *Store) RecentThoughts(limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT content FROM thoughts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent thoughts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BlogPost is one long-form post by the agent.
type BlogPost struct {
	ID         int64     `json:"id"`
	LifeNumber int64     `json:"life_number"`
	Title      string    `json:"title"`
	Slug       string    `json:"slug"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags"`
	CreatedAt  time.Time `json:"created_at"`
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL slug from a title.
func Slugify(title string) string {
	s := strings.ToLower(title)
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// CreateBlogPost stores a post, deduplicating the slug with a life prefix.
func (s *Store) CreateBlogPost(lifeNumber int64, title, content string, tags []string) (BlogPost, error) {
	if title == "" || content == "" {
		return BlogPost{}, fmt.Errorf("title and content required")
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return BlogPost{}, fmt.Errorf("marshal tags: %w", err)
	}
	slug := fmt.Sprintf("life-%d-%s", lifeNumber, Slugify(title))
	post := BlogPost{LifeNumber: lifeNumber, Title: title, Slug: slug, Content: content, Tags: tags, CreatedAt: time.Now().UTC()}
	res, err := s.db.Exec(`
		INSERT INTO blog_posts (life_number, title, slug, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		lifeNumber, title, slug, content, string(tagsJSON), post.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return BlogPost{}, fmt.Errorf("post with this title already exists")
		}
		return BlogPost{}, fmt.Errorf("create blog post: %w", err)
	}
	post.ID, _ = res.LastInsertId()
	return post, nil
}

// BlogPosts returns posts for one life, newest first.
func (s *Store) BlogPosts(lifeNumber int64, limit int) ([]BlogPost, error) {
	rows, err := s.db.Query(`
		SELECT id, life_number, title, slug, content, tags, created_at
		FROM blog_posts WHERE life_number = ? ORDER BY id DESC LIMIT ?`,
		lifeNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("blog posts: %w", err)
	}
	defer rows.Close()

	var out []BlogPost
	for rows.Next() {
		var (
			p       BlogPost
			tagsRaw string
		)
		if err := rows.Scan(&p.ID, &p.LifeNumber, &p.Title, &p.Slug, &p.Content, &tagsRaw, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan blog post: %w", err)
		}
		_ = json.Unmarshal([]byte(tagsRaw), &p.Tags)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Oracle messages
// ---------------------------------------------------------------------------

// OracleMessage is an administrative out-of-band directive.
type OracleMessage struct {
	ID             int64      `json:"id"`
	Kind           string     `json:"kind"`
	Message        string     `json:"message"`
	DeliveredAt    time.Time  `json:"delivered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// SubmitOracleMessage stores a directive for delivery.
func (s *Store) SubmitOracleMessage(kind, message string) (int64, error) {
	switch kind {
	case "oracle", "whisper", "architect":
	default:
		return 0, fmt.Errorf("unknown oracle kind %q", kind)
	}
	res, err := s.db.Exec(`INSERT INTO oracle_messages (kind, message) VALUES (?, ?)`, kind, message)
	if err != nil {
		return 0, fmt.Errorf("submit oracle message: %w", err)
	}
	return res.LastInsertId()
}

// AcknowledgeOracle marks a directive as acknowledged by the agent.
func (s *Store) AcknowledgeOracle(id int64) error {
	_, err := s.db.Exec(`UPDATE oracle_messages SET acknowledged_at = ? WHERE id = ? AND acknowledged_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("acknowledge oracle: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Visitor messages and visitors
// ---------------------------------------------------------------------------

// VisitorMessage is one inbox entry from the public.
type VisitorMessage struct {
	ID        int64     `json:"id"`
	FromName  string    `json:"from_name"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitVisitorMessage stores a message from a visitor.
func (s *Store) SubmitVisitorMessage(fromName, message, ipHash string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO visitor_messages (from_name, message, ip_hash) VALUES (?, ?, ?)`,
		fromName, message, ipHash)
	if err != nil {
		return 0, fmt.Errorf("submit message: %w", err)
	}
	return res.LastInsertId()
}

// LastMessageAt returns when a visitor last wrote. Zero time means never.
func (s *Store) LastMessageAt(ipHash string) (time.Time, error) {
	row := s.db.QueryRow(`
		SELECT created_at FROM visitor_messages WHERE ip_hash = ?
		ORDER BY created_at DESC LIMIT 1`, ipHash)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("last message: %w", err)
	}
	return t, nil
}

// UnreadMessages returns unread inbox entries, oldest first.
func (s *Store) UnreadMessages(limit int) ([]VisitorMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, from_name, message, created_at
		FROM visitor_messages WHERE read_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("unread messages: %w", err)
	}
	defer rows.Close()

	var out []VisitorMessage
	for rows.Next() {
		var m VisitorMessage
		if err := rows.Scan(&m.ID, &m.FromName, &m.Message, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadMessageCount returns the unread counter for prompts and the UI.
func (s *Store) UnreadMessageCount() (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM visitor_messages WHERE read_at IS NULL`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// MarkMessagesRead marks inbox entries read.
func (s *Store) MarkMessagesRead(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE visitor_messages SET read_at = ? WHERE id = ? AND read_at IS NULL`, now, id); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return nil
}

// TrackVisitor upserts the anonymous visitor counter.
func (s *Store) TrackVisitor(ipHash string) error {
	_, err := s.db.Exec(`
		INSERT INTO visitors (ip_hash) VALUES (?)
		ON CONFLICT(ip_hash) DO UPDATE SET last_seen = CURRENT_TIMESTAMP, visits = visits + 1`,
		ipHash)
	if err != nil {
		return fmt.Errorf("track visitor: %w", err)
	}
	return nil
}

// VisitorCount returns the distinct visitor total.
func (s *Store) VisitorCount() (int, error) {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM visitors`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("visitor count: %w", err)
	}
	return n, nil
}
