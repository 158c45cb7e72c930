package store

// Schema is the observer database schema. Applied on every open; all
// statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS lives (
	life_number INTEGER PRIMARY KEY,
	born_at DATETIME,
	died_at DATETIME,
	death_cause TEXT,
	bootstrap_mode TEXT,
	model TEXT,
	name TEXT,
	icon TEXT,
	pronoun TEXT,
	summary TEXT,
	duration_seconds INTEGER
);

CREATE TABLE IF NOT EXISTS current_state (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	life_number INTEGER NOT NULL DEFAULT 0,
	is_alive BOOLEAN NOT NULL DEFAULT 0,
	born_at DATETIME,
	last_seen DATETIME,
	bootstrap_mode TEXT,
	model TEXT
);

CREATE TABLE IF NOT EXISTS vote_rounds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	life_number INTEGER NOT NULL,
	opened_at DATETIME NOT NULL,
	closes_at DATETIME NOT NULL,
	live_count INTEGER NOT NULL DEFAULT 0,
	die_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'open'
		CHECK(status IN ('open', 'closed_survived', 'closed_died'))
);
CREATE INDEX IF NOT EXISTS idx_vote_rounds_status ON vote_rounds(status);

CREATE TABLE IF NOT EXISTS votes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round_id INTEGER NOT NULL REFERENCES vote_rounds(id),
	voter_fingerprint TEXT NOT NULL,
	choice TEXT NOT NULL CHECK(choice IN ('live', 'die')),
	cast_at DATETIME NOT NULL,
	UNIQUE(round_id, voter_fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_votes_fingerprint ON votes(voter_fingerprint, cast_at);

CREATE TABLE IF NOT EXISTS activity_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	life_number INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT,
	is_public BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at);

CREATE TABLE IF NOT EXISTS thoughts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	life_number INTEGER NOT NULL,
	content TEXT NOT NULL,
	thought_type TEXT NOT NULL DEFAULT 'thought',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_thoughts_life ON thoughts(life_number);

CREATE TABLE IF NOT EXISTS blog_posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	life_number INTEGER NOT NULL,
	title TEXT NOT NULL,
	slug TEXT UNIQUE NOT NULL,
	content TEXT NOT NULL,
	tags TEXT DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_blog_life ON blog_posts(life_number);

CREATE TABLE IF NOT EXISTS oracle_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL DEFAULT 'oracle' CHECK(kind IN ('oracle', 'whisper', 'architect')),
	message TEXT NOT NULL,
	delivered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	acknowledged_at DATETIME
);

CREATE TABLE IF NOT EXISTS visitor_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_name TEXT NOT NULL DEFAULT 'Anonymous',
	message TEXT NOT NULL,
	ip_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	read_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_visitor_messages_read ON visitor_messages(read_at);
CREATE INDEX IF NOT EXISTS idx_visitor_messages_hash ON visitor_messages(ip_hash, created_at);

CREATE TABLE IF NOT EXISTS visitors (
	ip_hash TEXT PRIMARY KEY,
	first_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	visits INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO current_state (id, life_number, is_alive) VALUES (1, 0, 0);
`
