package storage

// schema is applied by PostgresStore.Migrate. Partial unique indexes back
// the in-process pre-checks: one pending offer per driver per trip, one
// live call per trip, one rating per rater per trip.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	phone         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL,
	vehicle_type  TEXT NOT NULL DEFAULT '',
	verified      BOOLEAN NOT NULL DEFAULT FALSE,
	available     BOOLEAN NOT NULL DEFAULT FALSE,
	total_trips   INTEGER NOT NULL DEFAULT 0,
	rating        DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating_count  INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trusted_contacts (
	user_id TEXT NOT NULL REFERENCES users(id),
	phone   TEXT NOT NULL,
	name    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, phone)
);

CREATE TABLE IF NOT EXISTS trips (
	id              TEXT PRIMARY KEY,
	rider_id        TEXT NOT NULL REFERENCES users(id),
	driver_id       TEXT REFERENCES users(id),
	pickup_lat      DOUBLE PRECISION NOT NULL,
	pickup_lon      DOUBLE PRECISION NOT NULL,
	dropoff_lat     DOUBLE PRECISION NOT NULL,
	dropoff_lon     DOUBLE PRECISION NOT NULL,
	pickup_address  TEXT NOT NULL DEFAULT '',
	dropoff_address TEXT NOT NULL DEFAULT '',
	vehicle_type    TEXT NOT NULL,
	proposed_price  DOUBLE PRECISION NOT NULL,
	accepted_price  DOUBLE PRECISION,
	status          TEXT NOT NULL,
	shared_with     TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL,
	accepted_at     TIMESTAMPTZ,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	cancelled_at    TIMESTAMPTZ,
	cancelled_by    TEXT NOT NULL DEFAULT '',
	CHECK ((driver_id IS NULL) = (status = 'requested') OR status = 'cancelled'),
	CHECK ((accepted_price IS NOT NULL) = (status IN ('accepted','in_progress','completed')) OR status = 'cancelled')
);
CREATE INDEX IF NOT EXISTS trips_rider_idx ON trips(rider_id, created_at DESC);
CREATE INDEX IF NOT EXISTS trips_driver_idx ON trips(driver_id, created_at DESC);

CREATE TABLE IF NOT EXISTS offers (
	id          TEXT PRIMARY KEY,
	trip_id     TEXT NOT NULL REFERENCES trips(id),
	driver_id   TEXT NOT NULL REFERENCES users(id),
	price       DOUBLE PRECISION NOT NULL,
	eta_minutes INTEGER NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS offers_pending_uniq ON offers(trip_id, driver_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS calls (
	id           TEXT PRIMARY KEY,
	trip_id      TEXT NOT NULL REFERENCES trips(id),
	caller_id    TEXT NOT NULL,
	callee_id    TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	connected_at TIMESTAMPTZ,
	ended_at     TIMESTAMPTZ,
	duration     INTEGER NOT NULL DEFAULT 0,
	end_reason   TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS calls_active_uniq ON calls(trip_id) WHERE status IN ('ringing','connected');

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	trip_id    TEXT NOT NULL REFERENCES trips(id),
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	flagged    BOOLEAN NOT NULL DEFAULT FALSE,
	read_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_trip_idx ON messages(trip_id, created_at);

CREATE TABLE IF NOT EXISTS ratings (
	id         TEXT PRIMARY KEY,
	trip_id    TEXT NOT NULL REFERENCES trips(id),
	rater_id   TEXT NOT NULL,
	ratee_id   TEXT NOT NULL,
	score      INTEGER NOT NULL CHECK (score BETWEEN 1 AND 5),
	comment    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (trip_id, rater_id)
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS refresh_tokens_user_idx ON refresh_tokens(user_id);

CREATE TABLE IF NOT EXISTS revoked_tokens (
	token_hash TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS otps (
	phone      TEXT PRIMARY KEY,
	code_hash  BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0
);
`
