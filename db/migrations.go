package db

import (
	"database/sql"
	"log"
)

const (
	// Accounts: local and remote actors share one table. An account is
	// local when its handle's domain belongs to the node; only local
	// rows have a private_key.
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		ap_id TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT,
		following_uri TEXT,
		followers_uri TEXT,
		url TEXT,
		actor_type TEXT DEFAULT 'Person',
		name TEXT,
		summary TEXT,
		locked INTEGER DEFAULT 0,
		public_key TEXT NOT NULL,
		private_key TEXT,
		followers_count INTEGER DEFAULT 0,
		following_count INTEGER DEFAULT 0,
		posts_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_accounts_ap_id ON accounts(ap_id);
		CREATE INDEX IF NOT EXISTS idx_accounts_username ON accounts(username);
	`

	// Content objects; a row never outlives persistence without a
	// resolved context_uri.
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		context_uri TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_uri ON objects(object_uri);
		CREATE INDEX IF NOT EXISTS idx_objects_context ON objects(context_uri);
	`

	// Activity envelopes (dedup by activity_uri)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		recipients TEXT,
		status TEXT DEFAULT 'normal',
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	// Follow edges, ordered by creation time
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL,
		followee_id TEXT NOT NULL,
		uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(follower_id, followee_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_follower_id ON follows(follower_id);
		CREATE INDEX IF NOT EXISTS idx_follows_followee_id ON follows(followee_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	// Outbound delivery queue
	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`
)

// RunMigrations creates all tables and indices. Statements are
// idempotent, so running on every start is safe.
func (db *DB) RunMigrations() error {
	log.Println("Running database migrations...")

	return db.wrapTransaction(func(tx *sql.Tx) error {
		statements := []string{
			sqlCreateAccountsTable,
			sqlCreateAccountsIndices,
			sqlCreateObjectsTable,
			sqlCreateObjectsIndices,
			sqlCreateActivitiesTable,
			sqlCreateActivitiesIndices,
			sqlCreateFollowsTable,
			sqlCreateFollowsIndices,
			sqlCreateDeliveryQueueTable,
			sqlCreateDeliveryQueueIndices,
		}

		for _, stmt := range statements {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
