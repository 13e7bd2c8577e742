package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/quollsocial/quoll/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db *sql.DB
}

const (
	//Accounts
	sqlInsertAccount = `INSERT INTO accounts(id, username, ap_id, inbox_uri, outbox_uri, following_uri, followers_uri, url, actor_type, name, summary, locked, public_key, private_key, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlAccountColumns = `id, username, ap_id, inbox_uri, outbox_uri, following_uri, followers_uri, url, actor_type, name, summary, locked, public_key, private_key, followers_count, following_count, posts_count, created_at`
	sqlSelectAccountByApID     = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE ap_id = ?`
	sqlSelectAccountByUsername = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE username = ?`
	sqlSelectAccountById       = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE id = ?`
	sqlSelectAccountByFollowersURI = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE followers_uri = ?`
	sqlUpdateAccountProfile    = `UPDATE accounts SET inbox_uri = ?, outbox_uri = ?, following_uri = ?, followers_uri = ?, url = ?, actor_type = ?, name = ?, summary = ?, locked = ?, public_key = ? WHERE ap_id = ?`
	sqlUpdateAccountCounters   = `UPDATE accounts SET followers_count = ?, following_count = ? WHERE id = ?`
	sqlIncrementPostsCount     = `UPDATE accounts SET posts_count = posts_count + 1 WHERE id = ?`
)

// Open opens (or creates) the sqlite database at the given path and
// configures it for a concurrent federation workload.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	return &DB{db: sqlDB}, nil
}

// IsUniqueViolation reports whether err is a sqlite unique-constraint
// failure. Callers racing on first insertion of the same identifier
// check this and re-read instead of failing.
func IsUniqueViolation(err error) bool {
	serr, ok := err.(*sqlite.Error)
	if !ok {
		return false
	}
	switch serr.Code() {
	case sqlitelib.SQLITE_CONSTRAINT,
		sqlitelib.SQLITE_CONSTRAINT_UNIQUE,
		sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

func (db *DB) CreateAccount(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.ApID,
			acc.InboxURI,
			acc.OutboxURI,
			acc.FollowingURI,
			acc.FollowersURI,
			acc.URL,
			acc.ActorType,
			acc.Name,
			acc.Summary,
			acc.Locked,
			acc.PublicKey,
			acc.PrivateKey,
			acc.CreatedAt,
		)
		return err
	})
}

func scanAccount(row interface{ Scan(...any) error }) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.ApID,
		&acc.InboxURI,
		&acc.OutboxURI,
		&acc.FollowingURI,
		&acc.FollowersURI,
		&acc.URL,
		&acc.ActorType,
		&acc.Name,
		&acc.Summary,
		&acc.Locked,
		&acc.PublicKey,
		&acc.PrivateKey,
		&acc.FollowersCount,
		&acc.FollowingCount,
		&acc.PostsCount,
		&acc.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

func (db *DB) ReadAccountByApID(apID string) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountByApID, apID))
}

func (db *DB) ReadAccountByUsername(username string) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountByUsername, username))
}

func (db *DB) ReadAccountById(id uuid.UUID) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountById, id.String()))
}

// ReadAccountByFollowersURI finds the account owning a followers
// collection IRI, used when expanding delivery recipients.
func (db *DB) ReadAccountByFollowersURI(uri string) (error, *domain.Account) {
	return scanAccount(db.db.QueryRow(sqlSelectAccountByFollowersURI, uri))
}

// UpdateAccountProfile overwrites the mutable profile fields of an
// account, keyed by ap_id. Used on remote re-fetch.
func (db *DB) UpdateAccountProfile(acc *domain.Account) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAccountProfile,
			acc.InboxURI,
			acc.OutboxURI,
			acc.FollowingURI,
			acc.FollowersURI,
			acc.URL,
			acc.ActorType,
			acc.Name,
			acc.Summary,
			acc.Locked,
			acc.PublicKey,
			acc.ApID,
		)
		return err
	})
}

func (db *DB) UpdateAccountCounters(id uuid.UUID, followers, following int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAccountCounters, followers, following, id.String())
		return err
	})
}

func (db *DB) IncrementPostsCount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlIncrementPostsCount, id.String())
		return err
	})
}

// Objects queries
const (
	sqlInsertObject      = `INSERT INTO objects(id, object_uri, context_uri, raw_json, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlUpdateObject      = `UPDATE objects SET context_uri = ?, raw_json = ? WHERE object_uri = ?`
	sqlSelectObjectByURI = `SELECT id, object_uri, context_uri, raw_json, created_at FROM objects WHERE object_uri = ?`
)

func (db *DB) CreateObject(obj *domain.ASObject) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertObject,
			obj.Id.String(),
			obj.ObjectURI,
			obj.ContextURI,
			obj.RawJSON,
			obj.CreatedAt,
		)
		return err
	})
}

func (db *DB) UpdateObject(obj *domain.ASObject) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateObject, obj.ContextURI, obj.RawJSON, obj.ObjectURI)
		return err
	})
}

func (db *DB) ReadObjectByURI(uri string) (error, *domain.ASObject) {
	row := db.db.QueryRow(sqlSelectObjectByURI, uri)
	var obj domain.ASObject
	var idStr string
	err := row.Scan(&idStr, &obj.ObjectURI, &obj.ContextURI, &obj.RawJSON, &obj.CreatedAt)
	if err != nil {
		return err, nil
	}
	obj.Id, _ = uuid.Parse(idStr)
	return nil, &obj
}

// Activity queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, recipients, status, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, recipients, status, local, created_at FROM activities WHERE activity_uri = ?`
	sqlSelectCreateActivityByObjectURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, recipients, status, local, created_at FROM activities WHERE object_uri = ? AND activity_type = 'Create'`
	sqlSelectLocalCreateActivitiesByActor = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, recipients, status, local, created_at FROM activities WHERE actor_uri = ? AND activity_type = 'Create' AND local = 1 ORDER BY created_at DESC LIMIT ?`
	sqlUpdateActivityStatus = `UPDATE activities SET status = ? WHERE activity_uri = ?`
	sqlDeleteActivityByURI  = `DELETE FROM activities WHERE activity_uri = ?`
)

func (db *DB) CreateActivityRecord(activity *domain.ASActivity) error {
	recipients, err := json.Marshal(activity.Recipients)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			string(recipients),
			activity.Status,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
}

func scanActivity(row interface{ Scan(...any) error }) (error, *domain.ASActivity) {
	var activity domain.ASActivity
	var idStr string
	var recipients sql.NullString
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&recipients,
		&activity.Status,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	if recipients.Valid && recipients.String != "" {
		json.Unmarshal([]byte(recipients.String), &activity.Recipients)
	}
	return nil, &activity
}

func (db *DB) ReadActivityByURI(uri string) (error, *domain.ASActivity) {
	return scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
}

// ReadCreateActivityByObjectURI finds the Create envelope that wrapped
// the given object, used to derive an object's actor when the document
// does not name one.
func (db *DB) ReadCreateActivityByObjectURI(objectURI string) (error, *domain.ASActivity) {
	return scanActivity(db.db.QueryRow(sqlSelectCreateActivityByObjectURI, objectURI))
}

func (db *DB) ReadLocalCreateActivitiesByActor(actorURI string, limit int) (error, *[]domain.ASActivity) {
	rows, err := db.db.Query(sqlSelectLocalCreateActivitiesByActor, actorURI, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var activities []domain.ASActivity
	for rows.Next() {
		err, activity := scanActivity(rows)
		if err != nil {
			return err, &activities
		}
		activities = append(activities, *activity)
	}
	if err = rows.Err(); err != nil {
		return err, &activities
	}
	return nil, &activities
}

func (db *DB) UpdateActivityStatus(uri string, status string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivityStatus, status, uri)
		return err
	})
}

func (db *DB) DeleteActivityByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivityByURI, uri)
		return err
	})
}

// Follow queries
const (
	sqlInsertFollow       = `INSERT INTO follows(id, follower_id, followee_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectFollowEdge   = `SELECT id, follower_id, followee_id, uri, created_at FROM follows WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollowEdge   = `DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollowByURI  = `DELETE FROM follows WHERE uri = ?`
	sqlCountFollowers     = `SELECT COUNT(*) FROM follows WHERE followee_id = ?`
	sqlCountFollowing     = `SELECT COUNT(*) FROM follows WHERE follower_id = ?`
	sqlSelectFollowersPage = `SELECT accounts.ap_id FROM follows
                              INNER JOIN accounts ON accounts.id = follows.follower_id
                              WHERE follows.followee_id = ?
                              ORDER BY follows.created_at ASC LIMIT ? OFFSET ?`
	sqlSelectFollowingPage = `SELECT accounts.ap_id FROM follows
                              INNER JOIN accounts ON accounts.id = follows.followee_id
                              WHERE follows.follower_id = ?
                              ORDER BY follows.created_at ASC LIMIT ? OFFSET ?`
	sqlSelectFollowerInboxes = `SELECT DISTINCT accounts.inbox_uri FROM follows
                              INNER JOIN accounts ON accounts.id = follows.follower_id
                              WHERE follows.followee_id = ?`
)

func (db *DB) CreateFollowEdge(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.FollowerId.String(),
			follow.FolloweeId.String(),
			follow.URI,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowEdge(followerId, followeeId uuid.UUID) (error, *domain.Follow) {
	row := db.db.QueryRow(sqlSelectFollowEdge, followerId.String(), followeeId.String())
	var follow domain.Follow
	var idStr, followerStr, followeeStr string
	err := row.Scan(&idStr, &followerStr, &followeeStr, &follow.URI, &follow.CreatedAt)
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.FollowerId, _ = uuid.Parse(followerStr)
	follow.FolloweeId, _ = uuid.Parse(followeeStr)
	return nil, &follow
}

func (db *DB) DeleteFollowEdge(followerId, followeeId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowEdge, followerId.String(), followeeId.String())
		return err
	})
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) CountFollowers(accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountFollowers, accountId.String()).Scan(&count)
	return count, err
}

func (db *DB) CountFollowing(accountId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRow(sqlCountFollowing, accountId.String()).Scan(&count)
	return count, err
}

func readStringColumn(rows *sql.Rows) (error, []string) {
	defer rows.Close()
	var items []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return err, items
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return err, items
	}
	return nil, items
}

// ReadFollowersPage returns follower ap_ids of the given followee,
// ascending by edge creation time.
func (db *DB) ReadFollowersPage(followeeId uuid.UUID, limit, offset int) (error, []string) {
	rows, err := db.db.Query(sqlSelectFollowersPage, followeeId.String(), limit, offset)
	if err != nil {
		return err, nil
	}
	return readStringColumn(rows)
}

func (db *DB) ReadFollowingPage(followerId uuid.UUID, limit, offset int) (error, []string) {
	rows, err := db.db.Query(sqlSelectFollowingPage, followerId.String(), limit, offset)
	if err != nil {
		return err, nil
	}
	return readStringColumn(rows)
}

// ReadFollowerInboxes returns the distinct inbox IRIs of everyone
// following the given account.
func (db *DB) ReadFollowerInboxes(followeeId uuid.UUID) (error, []string) {
	rows, err := db.db.Query(sqlSelectFollowerInboxes, followeeId.String())
	if err != nil {
		return err, nil
	}
	return readStringColumn(rows)
}

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, actor_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, actor_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.InboxURI,
			item.ActorURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActorURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}
