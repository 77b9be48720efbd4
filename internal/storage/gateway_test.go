package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"netsense/internal/config"
	"netsense/internal/storage"
)

func openGateway(t *testing.T) *storage.Gateway {
	t.Helper()
	db, err := storage.Open(config.SqliteConfig{
		Dsn:    filepath.Join(t.TempDir(), "netsense.sqlite3"),
		Prefix: "netsense_",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	g := storage.NewGateway(db, nil)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGateway_OriginSubpathCascade(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	if _, err := g.AddOrigin(ctx, "https://Example.com/landing"); err != nil {
		t.Fatal(err)
	}
	sp, err := g.AddSubpath(ctx, "example.com", "https://example.com/API")
	if err != nil {
		t.Fatal(err)
	}
	if sp.Key != "example.com_example.com/api" || sp.Version != 1 {
		t.Errorf("subpath = %+v", sp)
	}

	o, err := g.GetOrigin(ctx, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(o.Subpaths, []string{"example.com/api"}) {
		t.Errorf("origin subpaths = %v", o.Subpaths)
	}

	if err := g.RemoveOrigin(ctx, "example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := g.GetOrigin(ctx, "example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("origin err = %v", err)
	}
	if _, err := g.GetSubpath(ctx, sp.Key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("subpath should be removed with its origin, err = %v", err)
	}
}

func TestGateway_AddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	for i := 0; i < 2; i++ {
		if _, err := g.AddOrigin(ctx, "example.com"); err != nil {
			t.Fatal(err)
		}
		if _, err := g.AddSubpath(ctx, "example.com", "example.com/api"); err != nil {
			t.Fatal(err)
		}
		if _, err := g.AddScript(ctx, "gate", "status == 200"); err != nil {
			t.Fatal(err)
		}
	}
	o, _ := g.GetOrigin(ctx, "example.com")
	if len(o.Subpaths) != 1 {
		t.Errorf("subpaths = %v", o.Subpaths)
	}
	s, _ := g.GetScript(ctx, "gate")
	if s.Content != "status == 200" {
		t.Errorf("script = %+v", s)
	}
}

func TestGateway_SubpathRequiresOrigin(t *testing.T) {
	g := openGateway(t)
	if _, err := g.AddSubpath(context.Background(), "missing.com", "missing.com/api"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if _, err := g.AddOrigin(context.Background(), "  "); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("err = %v", err)
	}
}

func TestGateway_RemoveSubpathUpdatesOrigin(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	_, _ = g.AddOrigin(ctx, "example.com")
	a, _ := g.AddSubpath(ctx, "example.com", "example.com/a")
	_, _ = g.AddSubpath(ctx, "example.com", "example.com/b")

	if err := g.RemoveSubpath(ctx, a.Key); err != nil {
		t.Fatal(err)
	}
	o, _ := g.GetOrigin(ctx, "example.com")
	if !reflect.DeepEqual(o.Subpaths, []string{"example.com/b"}) {
		t.Errorf("subpaths = %v", o.Subpaths)
	}
	if err := g.RemoveSubpath(ctx, a.Key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second remove err = %v", err)
	}
}

func TestGateway_Associations(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	_, _ = g.AddOrigin(ctx, "example.com")
	sp, _ := g.AddSubpath(ctx, "example.com", "example.com/checkout")

	if _, err := g.SetSubpathEndpoint(ctx, sp.Key, "http://collector/a", true); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown endpoint err = %v", err)
	}
	_, _ = g.AddEndpoint(ctx, "http://collector/a")
	_, _ = g.AddEndpoint(ctx, "http://collector/b")
	_, _ = g.AddScript(ctx, "gate", "status < 400")

	_, _ = g.SetSubpathEndpoint(ctx, sp.Key, "http://collector/a", true)
	_, _ = g.SetSubpathEndpoint(ctx, sp.Key, "http://collector/b", true)
	_, _ = g.SetSubpathScript(ctx, sp.Key, "gate", true)
	got, err := g.SetSubpathLogging(ctx, sp.Key, true)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Logging || len(got.Endpoints) != 2 || !reflect.DeepEqual(got.Scripts, []string{"gate"}) {
		t.Errorf("subpath = %+v", got)
	}
	if got.Version != 5 {
		t.Errorf("version = %d, want 5", got.Version)
	}

	if err := g.RemoveEndpoint(ctx, "http://collector/a"); err != nil {
		t.Fatal(err)
	}
	if err := g.RemoveScript(ctx, "gate"); err != nil {
		t.Fatal(err)
	}
	got, _ = g.GetSubpath(ctx, sp.Key)
	if !reflect.DeepEqual(got.Endpoints, []string{"http://collector/b"}) || len(got.Scripts) != 0 {
		t.Errorf("after detach = %+v", got)
	}
}

func TestGateway_ConcurrentAssociationsCompose(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	_, _ = g.AddOrigin(ctx, "example.com")
	sp, _ := g.AddSubpath(ctx, "example.com", "example.com/api")
	const n = 8
	for i := 0; i < n; i++ {
		if _, err := g.AddEndpoint(ctx, fmt.Sprintf("http://collector/%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.SetSubpathEndpoint(ctx, sp.Key, fmt.Sprintf("http://collector/%d", i), true); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	got, err := g.GetSubpath(ctx, sp.Key)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Endpoints) != n {
		t.Errorf("endpoints = %v, want %d", got.Endpoints, n)
	}
	if got.Version != 1+n {
		t.Errorf("version = %d, want %d", got.Version, 1+n)
	}
}

func TestGateway_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	for _, o := range []string{"shop.example", "shop.test", "blog.example"} {
		_, _ = g.AddOrigin(ctx, o)
	}
	list, err := g.ListOrigins(ctx, "shop")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "shop.example" {
		t.Errorf("origins = %+v", list)
	}
	all, _ := g.ListOrigins(ctx, "")
	if len(all) != 3 {
		t.Errorf("all = %d", len(all))
	}

	_, _ = g.AddSubpath(ctx, "shop.example", "shop.example/api/cart")
	_, _ = g.AddSubpath(ctx, "shop.example", "shop.example/static")
	subs, _ := g.ListSubpaths(ctx, "shop.example", "shop.example/api")
	if len(subs) != 1 || subs[0].Subpath != "shop.example/api/cart" {
		t.Errorf("subpaths = %+v", subs)
	}
}

func TestGateway_RecordCountFollowsMutations(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	if err := g.SaveRecordCount(ctx, 0); err != nil {
		t.Fatal(err)
	}
	_, _ = g.AddOrigin(ctx, "example.com")
	_, _ = g.AddSubpath(ctx, "example.com", "example.com/api")
	_, _ = g.AddEndpoint(ctx, "http://collector")
	_, _ = g.AddScript(ctx, "gate", "true")
	_, _ = g.AddOrigin(ctx, "example.com")

	snap, err := g.IntegritySnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.HasStored || snap.Stored != 4 || snap.Live != 4 {
		t.Errorf("snapshot = %+v", snap)
	}

	_ = g.RemoveOrigin(ctx, "example.com")
	snap, _ = g.IntegritySnapshot(ctx)
	if snap.Stored != 2 || snap.Live != 2 {
		t.Errorf("after cascade = %+v", snap)
	}
}

func TestGateway_OutOfBandInsertIsNotCounted(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	_ = g.SaveRecordCount(ctx, 0)
	_, _ = g.AddOrigin(ctx, "example.com")
	if err := g.DB().Create(&storage.EndpointRecord{URL: "http://attacker"}).Error; err != nil {
		t.Fatal(err)
	}
	_, _ = g.AddScript(ctx, "gate", "true")

	snap, _ := g.IntegritySnapshot(ctx)
	if snap.Stored == snap.Live {
		t.Errorf("out-of-band row absorbed into count: %+v", snap)
	}
}

func TestGateway_Settings(t *testing.T) {
	ctx := context.Background()
	g := openGateway(t)

	if _, ok, err := g.Setting(ctx, storage.SettingKeyOwnerContact); err != nil || ok {
		t.Fatalf("ok = %v err = %v", ok, err)
	}
	_ = g.SetSetting(ctx, storage.SettingKeyOwnerContact, "https://hooks.example/a")
	_ = g.SetSetting(ctx, storage.SettingKeyOwnerContact, "https://hooks.example/b")
	v, ok, err := g.Setting(ctx, storage.SettingKeyOwnerContact)
	if err != nil || !ok || v != "https://hooks.example/b" {
		t.Errorf("setting = %q %v %v", v, ok, err)
	}

	snap, _ := g.IntegritySnapshot(ctx)
	if snap.HasStored {
		t.Errorf("fresh store must have no record count: %+v", snap)
	}
}
