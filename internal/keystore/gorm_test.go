// SPDX-License-Identifier: Apache 2.0

package keystore

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestGORM(t *testing.T) *GORM {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	store, err := OpenGORM(db, 10*time.Minute)
	if err != nil {
		t.Fatalf("OpenGORM: %v", err)
	}
	return store
}

func TestGORMSetKeyMonotonic(t *testing.T) {
	g := openTestGORM(t)

	g1, err := g.SetKey("home.local", []byte("ct1"), []byte("mac1"), false, nil)
	if err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	g2, err := g.SetKey("home.local", []byte("ct2"), []byte("mac2"), false, nil)
	if err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if g1 != 1 || g2 != 2 {
		t.Fatalf("expected generations 1, 2; got %d, %d", g1, g2)
	}
}

func TestGORMRoundTrip(t *testing.T) {
	g := openTestGORM(t)
	gen, err := g.SetKey("home.local", []byte("ciphertext"), []byte("mac"), false, nil)
	if err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	rec, err := g.GetKey("home.local", &gen)
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	if string(rec.Ciphertext) != "ciphertext" || string(rec.MAC) != "mac" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestGORMKindMismatch(t *testing.T) {
	g := openTestGORM(t)
	if _, err := g.SetKey("scheduler", []byte("ct"), []byte("mac"), false, nil); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if _, err := g.SetKey("scheduler", []byte("ct"), []byte("mac"), true, nil); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestGORMCreateGroupIdempotent(t *testing.T) {
	g := openTestGORM(t)
	created, err := g.CreateGroup("scheduler")
	if err != nil || !created {
		t.Fatalf("expected created=true, got created=%v err=%v", created, err)
	}
	created, err = g.CreateGroup("scheduler")
	if err != nil || created {
		t.Fatalf("expected created=false on second call, got created=%v err=%v", created, err)
	}
}

func TestGORMDeleteCascadesKeys(t *testing.T) {
	g := openTestGORM(t)
	gen, _ := g.SetKey("home.local", []byte("ct"), []byte("mac"), false, nil)

	removed, err := g.Delete("home.local", false)
	if err != nil || !removed {
		t.Fatalf("expected removed=true, got removed=%v err=%v", removed, err)
	}
	if _, err := g.GetKey("home.local", &gen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
