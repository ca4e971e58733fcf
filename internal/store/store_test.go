package store

import (
	"path/filepath"
	"testing"

	"github.com/matheus3301/wsync/internal/graph"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + crypto)", result.Version)
	}

	v, dirty, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 || dirty {
		t.Errorf("SchemaVersion = %d dirty=%v, want 2 clean", v, dirty)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert object", "INSERT INTO objects (id, entity, remote_id, modified_keys, needs_update, failed, data, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", []any{1, "user", "u1", "{}", true, false, "{}", 1000}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
		{"save identity", "INSERT INTO crypto_identity (id, private_key, created_at) VALUES (1, ?, ?)", []any{[]byte{1}, 1000}},
		{"save session", "INSERT INTO crypto_sessions (user_id, client_id, session, created_at) VALUES (?, ?, ?, ?)", []any{"u1", "c1", []byte{1}, 1000}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestPersistAndLoadObjects(t *testing.T) {
	db := testDB(t)

	msg := &graph.Object{
		ID:           3,
		Entity:       graph.EntityMessage,
		ModifiedKeys: graph.KeySet{"asset": 7},
		Data: &graph.Message{
			Conversation:     1,
			Nonce:            "n1",
			Text:             "hello",
			State:            graph.DeliveryPending,
			Asset:            &graph.Asset{Name: "a.png", Step: graph.AssetThumbnail},
			FailedRecipients: graph.NewIDSet(9),
		},
	}
	user := &graph.Object{
		ID:          2,
		Entity:      graph.EntityUser,
		RemoteID:    "u1",
		NeedsUpdate: true,
		Data:        &graph.User{Name: "Ada", Clients: []graph.ID{4}},
	}
	if err := db.Persist([]*graph.Object{msg, user}, nil); err != nil {
		t.Fatal(err)
	}

	objs, err := db.LoadObjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 2 {
		t.Fatalf("loaded %d objects, want 2", len(objs))
	}
	if objs[0].ID != 2 || objs[1].ID != 3 {
		t.Errorf("objects not ordered by id: %d, %d", objs[0].ID, objs[1].ID)
	}

	u := objs[0].User()
	if u == nil || u.Name != "Ada" || len(u.Clients) != 1 || !objs[0].NeedsUpdate {
		t.Errorf("user not restored: %+v", objs[0])
	}
	m := objs[1].Message()
	if m == nil || m.Asset == nil || m.Asset.Step != graph.AssetThumbnail {
		t.Fatalf("message not restored: %+v", objs[1])
	}
	if !m.FailedRecipients.Has(9) {
		t.Error("failed recipients lost")
	}
	if objs[1].ModifiedKeys["asset"] != 7 {
		t.Errorf("modified keys = %v", objs[1].ModifiedKeys)
	}

	// Update and remove.
	user.Data.(*graph.User).Name = "Grace"
	if err := db.Persist([]*graph.Object{user}, []graph.ID{3}); err != nil {
		t.Fatal(err)
	}
	objs, err = db.LoadObjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 1 || objs[0].User().Name != "Grace" {
		t.Errorf("after update: %+v", objs)
	}

	counts, err := db.CountByEntity()
	if err != nil {
		t.Fatal(err)
	}
	if counts[graph.EntityUser] != 1 || counts[graph.EntityMessage] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestGraphStorePersistsThroughDB(t *testing.T) {
	db := testDB(t)
	g := graph.NewStore(db, nil, zap.NewNop())

	err := g.Write(func(tx *graph.Tx) error {
		_, _ = tx.FetchOrCreateClient("u1", "c1")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	objs, err := db.LoadObjects()
	if err != nil {
		t.Fatal(err)
	}
	restored := graph.NewStore(db, nil, zap.NewNop())
	restored.Load(objs)
	if _, ok := restored.LookupClient("u1", "c1"); !ok {
		t.Error("client not restored from db")
	}
}

func TestLastEventID(t *testing.T) {
	db := testDB(t)

	id, err := db.LastEventID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("fresh cursor = %q, want empty", id)
	}
	if err := db.SetLastEventID("e1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetLastEventID("e2"); err != nil {
		t.Fatal(err)
	}
	if id, _ = db.LastEventID(); id != "e2" {
		t.Errorf("cursor = %q, want e2", id)
	}
}

func TestCryptoSessions(t *testing.T) {
	db := testDB(t)

	if key, err := db.Identity(); err != nil || key != nil {
		t.Fatalf("fresh identity = %v, %v", key, err)
	}
	if err := db.SaveIdentity([]byte("secret")); err != nil {
		t.Fatal(err)
	}
	if key, _ := db.Identity(); string(key) != "secret" {
		t.Errorf("identity = %q", key)
	}

	if err := db.SaveSession("u1", "c1", []byte("s1")); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSession("u1", "c1", []byte("s2")); err != nil {
		t.Fatal(err)
	}
	s, err := db.Session("u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if string(s) != "s2" {
		t.Errorf("session = %q, want s2", s)
	}
	if n, _ := db.SessionCount(); n != 1 {
		t.Errorf("session count = %d, want 1", n)
	}

	if err := db.DeleteSession("u1", "c1"); err != nil {
		t.Fatal(err)
	}
	if s, _ := db.Session("u1", "c1"); s != nil {
		t.Error("session not deleted")
	}
}
