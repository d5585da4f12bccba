package history

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"scanlink/sane"
	"scanlink/scanman"
)

func TestFromJob(t *testing.T) {
	now := time.Now().UTC()
	info := scanman.JobInfo{
		ID:         "j1",
		Device:     "stub0",
		State:      "done",
		Status:     sane.StatusGood,
		StatusName: "GOOD",
		Created:    now,
		Started:    now,
		Finished:   now.Add(time.Second),
		Frames: []sane.Parameters{
			{Format: sane.FrameRed}, {Format: sane.FrameGreen}, {Format: sane.FrameBlue, LastFrame: true},
		},
		Bytes:  900,
		Width:  10,
		Height: 30,
		Output: "/tmp/j1.png",
	}
	r := FromJob(info)
	if r.ID != "j1" || r.Device != "stub0" || r.State != "done" || r.Status != 0 {
		t.Errorf("unexpected record %+v", r)
	}
	if strings.Join(r.Frames, ",") != "RED,GREEN,BLUE" {
		t.Errorf("Frames = %v", r.Frames)
	}
	if r.Bytes != 900 || r.Width != 10 || r.Height != 30 || r.Output != "/tmp/j1.png" {
		t.Errorf("unexpected record %+v", r)
	}
	if !r.Finished.Equal(now.Add(time.Second)) {
		t.Errorf("Finished = %v", r.Finished)
	}
}

func TestMigrations(t *testing.T) {
	tests := []struct {
		schema string
		want   string
	}{
		{"", `"scanlink".scan_jobs`},
		{"plant", `"plant".scan_jobs`},
		{`we"ird`, `"we""ird".scan_jobs`},
	}
	for _, tt := range tests {
		s := New(nil, tt.schema)
		if got := s.table(); got != tt.want {
			t.Errorf("table() = %q, want %q", got, tt.want)
		}
		m := s.migrations()
		if len(m) != 4 {
			t.Fatalf("expected 4 migrations, got %d", len(m))
		}
		if !strings.HasPrefix(m[0], "CREATE SCHEMA IF NOT EXISTS") {
			t.Errorf("first migration should create the schema: %q", m[0])
		}
		for _, stmt := range m[1:] {
			if !strings.Contains(stmt, tt.want) {
				t.Errorf("statement does not use %s: %q", tt.want, stmt)
			}
		}
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(time.Time{}).Valid {
		t.Error("zero time should be NULL")
	}
	if !nullTime(time.Now()).Valid {
		t.Error("non-zero time should be valid")
	}
}

// TestStore_Postgres runs against a real server when SCANLINK_TEST_POSTGRES
// holds a lib/pq DSN.
func TestStore_Postgres(t *testing.T) {
	dsn := os.Getenv("SCANLINK_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("SCANLINK_TEST_POSTGRES not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	schema := "scanlink_test_" + strings.ReplaceAll(time.Now().Format("150405.000"), ".", "")
	s := New(db, schema)
	defer func() {
		db.Exec(`DROP SCHEMA IF EXISTS "` + schema + `" CASCADE`)
		s.Close()
	}()

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrations should be repeatable: %v", err)
	}

	created := time.Now().UTC().Truncate(time.Millisecond)
	r := Record{ID: "a", Device: "stub0", State: "running", StatusName: "GOOD", Created: created, Frames: []string{}}
	if err := s.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.State = "done"
	r.Frames = []string{"RGB"}
	r.Finished = created.Add(time.Second)
	if err := s.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, Record{ID: "b", Device: "stub1", State: "failed", Status: 4, StatusName: "INVAL",
		Created: created.Add(time.Minute), Frames: []string{}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "done" || len(got.Frames) != 1 || got.Finished.IsZero() || !got.Started.IsZero() {
		t.Errorf("unexpected record %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, err := s.List(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "b" {
		t.Errorf("List should be newest first: %+v", all)
	}
	one, err := s.List(ctx, "stub0", 10)
	if err != nil || len(one) != 1 {
		t.Errorf("device filter: %v %+v", err, one)
	}

	n, err := s.Prune(ctx, created.Add(30*time.Second))
	if err != nil || n != 1 {
		t.Errorf("Prune = %d, %v", n, err)
	}
}
