package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quollsocial/quoll/domain"
)

// setupTestDB creates a throwaway database with the full schema.
func setupTestDB(t *testing.T) *DB {
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return database
}

func testAccount(name, host string) *domain.Account {
	apID := "https://" + host + "/users/" + name
	return &domain.Account{
		Id:           uuid.New(),
		Username:     name + "@" + host,
		ApID:         apID,
		InboxURI:     apID + "/inbox",
		OutboxURI:    apID + "/outbox",
		FollowingURI: apID + "/following",
		FollowersURI: apID + "/followers",
		URL:          apID,
		ActorType:    "Person",
		CreatedAt:    time.Now(),
	}
}

func TestAccountRoundtrip(t *testing.T) {
	database := setupTestDB(t)

	acc := testAccount("ai", "quoll.example")
	acc.Name = "Ai"
	acc.Summary = "hello"
	acc.Locked = true
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	err, byApID := database.ReadAccountByApID(acc.ApID)
	if err != nil || byApID == nil {
		t.Fatalf("ReadAccountByApID failed: %v", err)
	}
	if byApID.Username != "ai@quoll.example" || !byApID.Locked || byApID.Name != "Ai" {
		t.Errorf("Account fields lost on roundtrip: %+v", byApID)
	}

	err, byUsername := database.ReadAccountByUsername(acc.Username)
	if err != nil || byUsername == nil || byUsername.Id != acc.Id {
		t.Errorf("ReadAccountByUsername mismatch: %v", err)
	}

	err, byFollowers := database.ReadAccountByFollowersURI(acc.FollowersURI)
	if err != nil || byFollowers == nil || byFollowers.Id != acc.Id {
		t.Errorf("ReadAccountByFollowersURI mismatch: %v", err)
	}

	err, missing := database.ReadAccountByApID("https://nowhere.example/users/x")
	if err == nil && missing != nil {
		t.Error("Expected miss for unknown ap_id")
	}
}

func TestCreateAccountUniqueViolation(t *testing.T) {
	database := setupTestDB(t)

	acc := testAccount("ai", "quoll.example")
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	dup := testAccount("ai", "quoll.example")
	err := database.CreateAccount(dup)
	if err == nil {
		t.Fatal("Expected uniqueness error")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("Expected IsUniqueViolation to match, got %T: %v", err, err)
	}
}

func TestUpdateAccountCountersAndPosts(t *testing.T) {
	database := setupTestDB(t)

	acc := testAccount("ai", "quoll.example")
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	if err := database.UpdateAccountCounters(acc.Id, 7, 3); err != nil {
		t.Fatalf("UpdateAccountCounters failed: %v", err)
	}
	if err := database.IncrementPostsCount(acc.Id); err != nil {
		t.Fatalf("IncrementPostsCount failed: %v", err)
	}

	err, got := database.ReadAccountById(acc.Id)
	if err != nil || got == nil {
		t.Fatalf("ReadAccountById failed: %v", err)
	}
	if got.FollowersCount != 7 || got.FollowingCount != 3 || got.PostsCount != 1 {
		t.Errorf("Counters wrong: %d/%d/%d", got.FollowersCount, got.FollowingCount, got.PostsCount)
	}
}

func TestObjectRoundtrip(t *testing.T) {
	database := setupTestDB(t)

	obj := &domain.ASObject{
		Id:         uuid.New(),
		ObjectURI:  "https://misskey.example/notes/1",
		ContextURI: "https://quoll.example/contexts/abc",
		RawJSON:    `{"id":"https://misskey.example/notes/1","type":"Note"}`,
		CreatedAt:  time.Now(),
	}
	if err := database.CreateObject(obj); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}

	err, got := database.ReadObjectByURI(obj.ObjectURI)
	if err != nil || got == nil {
		t.Fatalf("ReadObjectByURI failed: %v", err)
	}
	if got.ContextURI != obj.ContextURI {
		t.Errorf("Context lost: %q", got.ContextURI)
	}

	got.RawJSON = `{"id":"https://misskey.example/notes/1","type":"Note","content":"edited"}`
	if err := database.UpdateObject(got); err != nil {
		t.Fatalf("UpdateObject failed: %v", err)
	}
	err, updated := database.ReadObjectByURI(obj.ObjectURI)
	if err != nil || updated == nil || updated.RawJSON != got.RawJSON {
		t.Errorf("Update not persisted: %v", err)
	}

	dup := &domain.ASObject{Id: uuid.New(), ObjectURI: obj.ObjectURI, RawJSON: "{}", CreatedAt: time.Now()}
	if err := database.CreateObject(dup); !IsUniqueViolation(err) {
		t.Errorf("Expected uniqueness error on duplicate object_uri, got %v", err)
	}
}

func TestActivityRecordRoundtrip(t *testing.T) {
	database := setupTestDB(t)

	activity := &domain.ASActivity{
		Id:           uuid.New(),
		ActivityURI:  "https://misskey.example/activities/1",
		ActivityType: "Create",
		ActorURI:     "https://misskey.example/users/mei",
		ObjectURI:    "https://misskey.example/notes/1",
		RawJSON:      "{}",
		Recipients:   []string{"https://quoll.example/users/ai", "https://misskey.example/users/mei"},
		Status:       domain.StatusNormal,
		Local:        false,
		CreatedAt:    time.Now(),
	}
	if err := database.CreateActivityRecord(activity); err != nil {
		t.Fatalf("CreateActivityRecord failed: %v", err)
	}

	err, got := database.ReadActivityByURI(activity.ActivityURI)
	if err != nil || got == nil {
		t.Fatalf("ReadActivityByURI failed: %v", err)
	}
	if len(got.Recipients) != 2 || got.Recipients[0] != activity.Recipients[0] {
		t.Errorf("Recipients lost on roundtrip: %v", got.Recipients)
	}
	if got.Status != domain.StatusNormal {
		t.Errorf("Status lost: %q", got.Status)
	}

	err, byObject := database.ReadCreateActivityByObjectURI(activity.ObjectURI)
	if err != nil || byObject == nil || byObject.ActivityURI != activity.ActivityURI {
		t.Errorf("ReadCreateActivityByObjectURI mismatch: %v", err)
	}

	if err := database.UpdateActivityStatus(activity.ActivityURI, domain.StatusCanceled); err != nil {
		t.Fatalf("UpdateActivityStatus failed: %v", err)
	}
	err, canceled := database.ReadActivityByURI(activity.ActivityURI)
	if err != nil || canceled == nil || canceled.Status != domain.StatusCanceled {
		t.Errorf("Status update not persisted")
	}

	if err := database.DeleteActivityByURI(activity.ActivityURI); err != nil {
		t.Fatalf("DeleteActivityByURI failed: %v", err)
	}
	if err, gone := database.ReadActivityByURI(activity.ActivityURI); err == nil && gone != nil {
		t.Error("Activity still present after delete")
	}
}

func TestLocalCreateActivitiesByActor(t *testing.T) {
	database := setupTestDB(t)

	actorURI := "https://quoll.example/users/ai"
	for i := 0; i < 3; i++ {
		activity := &domain.ASActivity{
			Id:           uuid.New(),
			ActivityURI:  actorURI + "/activities/" + uuid.New().String(),
			ActivityType: "Create",
			ActorURI:     actorURI,
			ObjectURI:    actorURI + "/objects/" + uuid.New().String(),
			RawJSON:      "{}",
			Status:       domain.StatusNormal,
			Local:        true,
			CreatedAt:    time.Now(),
		}
		if err := database.CreateActivityRecord(activity); err != nil {
			t.Fatalf("CreateActivityRecord failed: %v", err)
		}
	}

	// A remote Create by someone else must not show up
	remote := &domain.ASActivity{
		Id:           uuid.New(),
		ActivityURI:  "https://misskey.example/activities/x",
		ActivityType: "Create",
		ActorURI:     "https://misskey.example/users/mei",
		ObjectURI:    "https://misskey.example/notes/x",
		RawJSON:      "{}",
		Status:       domain.StatusNormal,
		CreatedAt:    time.Now(),
	}
	if err := database.CreateActivityRecord(remote); err != nil {
		t.Fatalf("CreateActivityRecord failed: %v", err)
	}

	err, activities := database.ReadLocalCreateActivitiesByActor(actorURI, 10)
	if err != nil {
		t.Fatalf("ReadLocalCreateActivitiesByActor failed: %v", err)
	}
	if len(*activities) != 3 {
		t.Errorf("Expected 3 local creates, got %d", len(*activities))
	}

	err, limited := database.ReadLocalCreateActivitiesByActor(actorURI, 2)
	if err != nil || len(*limited) != 2 {
		t.Errorf("Limit not applied: %v", err)
	}
}

func TestFollowEdgesAndPages(t *testing.T) {
	database := setupTestDB(t)

	followee := testAccount("ai", "quoll.example")
	if err := database.CreateAccount(followee); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	var followers []*domain.Account
	for _, name := range []string{"mei", "rin", "yuki"} {
		f := testAccount(name, "misskey.example")
		if err := database.CreateAccount(f); err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
		followers = append(followers, f)

		follow := &domain.Follow{
			Id:         uuid.New(),
			FollowerId: f.Id,
			FolloweeId: followee.Id,
			URI:        "https://misskey.example/activities/follow-" + name,
			CreatedAt:  time.Now(),
		}
		if err := database.CreateFollowEdge(follow); err != nil {
			t.Fatalf("CreateFollowEdge failed: %v", err)
		}
	}

	count, err := database.CountFollowers(followee.Id)
	if err != nil || count != 3 {
		t.Errorf("Expected 3 followers, got %d (%v)", count, err)
	}

	err, edge := database.ReadFollowEdge(followers[0].Id, followee.Id)
	if err != nil || edge == nil {
		t.Fatalf("ReadFollowEdge failed: %v", err)
	}

	dup := &domain.Follow{
		Id:         uuid.New(),
		FollowerId: followers[0].Id,
		FolloweeId: followee.Id,
		CreatedAt:  time.Now(),
	}
	if err := database.CreateFollowEdge(dup); !IsUniqueViolation(err) {
		t.Errorf("Expected uniqueness error on duplicate edge, got %v", err)
	}

	err, page := database.ReadFollowersPage(followee.Id, 2, 0)
	if err != nil || len(page) != 2 {
		t.Fatalf("ReadFollowersPage failed: %v (%d items)", err, len(page))
	}
	if page[0] != followers[0].ApID {
		t.Errorf("Pages must be ordered by edge creation, got %s first", page[0])
	}

	// All three share the same server but have distinct inboxes here
	err, inboxes := database.ReadFollowerInboxes(followee.Id)
	if err != nil || len(inboxes) != 3 {
		t.Errorf("Expected 3 follower inboxes, got %d (%v)", len(inboxes), err)
	}

	if err := database.DeleteFollowByURI("https://misskey.example/activities/follow-mei"); err != nil {
		t.Fatalf("DeleteFollowByURI failed: %v", err)
	}
	count, err = database.CountFollowers(followee.Id)
	if err != nil || count != 2 {
		t.Errorf("Expected 2 followers after delete, got %d", count)
	}
}

func TestDeliveryQueue(t *testing.T) {
	database := setupTestDB(t)

	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     "https://misskey.example/inbox",
		ActorURI:     "https://quoll.example/users/ai",
		ActivityJSON: "{}",
		Attempts:     0,
		NextRetryAt:  time.Now().Add(-time.Minute),
		CreatedAt:    time.Now(),
	}
	if err := database.EnqueueDelivery(item); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	future := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     "https://pleroma.example/inbox",
		ActorURI:     "https://quoll.example/users/ai",
		ActivityJSON: "{}",
		NextRetryAt:  time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}
	if err := database.EnqueueDelivery(future); err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	err, pending := database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 1 || (*pending)[0].Id != item.Id {
		t.Fatalf("Expected only the due item, got %d", len(*pending))
	}

	if err := database.UpdateDeliveryAttempt(item.Id, 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	err, pending = database.ReadPendingDeliveries(10)
	if err != nil || len(*pending) != 0 {
		t.Errorf("Rescheduled item still pending: %v", err)
	}

	if err := database.DeleteDelivery(item.Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}
}
