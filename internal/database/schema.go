// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// Schema contains the SQL statements run on every startup. All statements
// are idempotent.
const Schema = `
-- oauth_sessions: One signed-in session per browser device.
-- device_id is the random id carried in the signed device cookie.
-- dpop_key holds the private JWK the tokens are bound to; it is written
-- once at sign-in and never rotated by a refresh.
-- dpop_nonce is the last nonce issued by the PDS, authserver_nonce the
-- last one issued by the token endpoint.
CREATE TABLE IF NOT EXISTS oauth_sessions (
    device_id        VARCHAR(64) PRIMARY KEY,
    did              VARCHAR(255) NOT NULL,
    handle           VARCHAR(253),
    pds_url          TEXT NOT NULL,
    issuer           TEXT NOT NULL,
    token_endpoint   TEXT NOT NULL,
    access_token     TEXT NOT NULL,
    refresh_token    TEXT NOT NULL,
    scope            TEXT NOT NULL DEFAULT '',
    dpop_key         JSONB NOT NULL,
    dpop_nonce       TEXT NOT NULL DEFAULT '',
    authserver_nonce TEXT NOT NULL DEFAULT '',
    issued_at        TIMESTAMPTZ NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_oauth_sessions_did ON oauth_sessions(did);
`
