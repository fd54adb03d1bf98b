package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type staticCodes map[string]string

func (c staticCodes) Matches(deviceID, candidate string) bool {
	code, ok := c[deviceID]
	return ok && code != "" && code == candidate
}

func newTestRepo(t *testing.T, codes CodeChecker) *Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db, codes)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	return repo
}

func TestPairFirstClaimGrantsOwnership(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	view, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", "Garage Pump")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if view.ID != "d1" || view.Name != "Garage Pump" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if !view.IsOwner {
		t.Fatalf("first claimant must be owner")
	}
	if view.AddedAt.IsZero() || view.CreatedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", view)
	}
}

func TestPairWrongCode(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})

	_, err := repo.Pair(context.Background(), 1001, "Alice", "d1", "482910", "")
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
	devices, err := repo.GetDevicesFor(context.Background(), 1001)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("failed pair must leave no rows, got %v", devices)
	}
}

func TestPairNoAdvertisedCode(t *testing.T) {
	repo := newTestRepo(t, staticCodes{})
	_, err := repo.Pair(context.Background(), 1001, "Alice", "ghost", "000000", "")
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestPairSecondClaimantIsNotOwner(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("first pair: %v", err)
	}
	view, err := repo.Pair(ctx, 2002, "Bob", "d1", "482913", "")
	if err != nil {
		t.Fatalf("second pair: %v", err)
	}
	if view.IsOwner {
		t.Fatalf("second claimant of an existing device must not be owner")
	}
}

func TestPairTwiceSameUser(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	_, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", "")
	if !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
}

func TestShareRequiresOwnership(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if _, err := repo.Pair(ctx, 2002, "Bob", "d1", "482913", ""); err != nil {
		t.Fatalf("second pair: %v", err)
	}

	// Bob is a non-owner; sharing is owner-only.
	if err := repo.Share(ctx, 2002, "d1", 3003); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	// An identity that never paired anything cannot share either.
	if err := repo.Share(ctx, 9999, "d1", 3003); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for unknown caller, got %v", err)
	}
}

func TestShareCreatesNonOwnerEdge(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := repo.Share(ctx, 1001, "d1", 3003); err != nil {
		t.Fatalf("share: %v", err)
	}

	devices, err := repo.GetDevicesFor(ctx, 3003)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "d1" {
		t.Fatalf("target must see the device, got %v", devices)
	}
	if devices[0].IsOwner {
		t.Fatalf("shared edge must not be owner")
	}

	if err := repo.Share(ctx, 1001, "d1", 3003); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked on duplicate share, got %v", err)
	}
}

func TestUnpairLastEdgeDeletesDevice(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if stored, err := repo.StoreSample(ctx, "d1", []byte(`{"relayState":true}`), time.Now()); err != nil || !stored {
		t.Fatalf("store sample: stored=%v err=%v", stored, err)
	}

	if err := repo.Unpair(ctx, 1001, "d1"); err != nil {
		t.Fatalf("unpair: %v", err)
	}

	// Device row and history are gone; telemetry is no longer persisted.
	if stored, err := repo.StoreSample(ctx, "d1", []byte(`{}`), time.Now()); err != nil || stored {
		t.Fatalf("sample for deleted device must not store: stored=%v err=%v", stored, err)
	}

	// The freed id can be claimed from scratch and grants ownership again.
	view, err := repo.Pair(ctx, 2002, "Bob", "d1", "482913", "")
	if err != nil {
		t.Fatalf("re-pair: %v", err)
	}
	if !view.IsOwner {
		t.Fatalf("fresh claim after delete must grant ownership")
	}
}

func TestUnpairKeepsDeviceWhileEdgesRemain(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := repo.Share(ctx, 1001, "d1", 2002); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := repo.Unpair(ctx, 1001, "d1"); err != nil {
		t.Fatalf("unpair: %v", err)
	}

	devices, err := repo.GetDevicesFor(ctx, 2002)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("device must survive while an edge remains, got %v", devices)
	}
}

func TestUnpairUnknown(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if err := repo.Unpair(ctx, 1001, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if err := repo.Unpair(ctx, 1001, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown device, got %v", err)
	}
}

func TestGetDevicesForUnknownUser(t *testing.T) {
	repo := newTestRepo(t, staticCodes{})
	devices, err := repo.GetDevicesFor(context.Background(), 424242)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("unknown user must get empty list, got %v", devices)
	}
}

func TestStoreSampleOnlyForPairedDevices(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	stored, err := repo.StoreSample(ctx, "unpaired", []byte(`{"wifiRSSI":-60}`), time.Now())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored {
		t.Fatalf("telemetry for unpaired device must not persist")
	}

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	stored, err = repo.StoreSample(ctx, "d1", []byte(`{"wifiRSSI":-60}`), time.Now())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !stored {
		t.Fatalf("telemetry for paired device must persist")
	}
}

func TestPruneSamples(t *testing.T) {
	repo := newTestRepo(t, staticCodes{"d1": "482913"})
	ctx := context.Background()

	if _, err := repo.Pair(ctx, 1001, "Alice", "d1", "482913", ""); err != nil {
		t.Fatalf("pair: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if _, err := repo.StoreSample(ctx, "d1", []byte(`{}`), old); err != nil {
		t.Fatalf("store old: %v", err)
	}
	if _, err := repo.StoreSample(ctx, "d1", []byte(`{}`), time.Now()); err != nil {
		t.Fatalf("store fresh: %v", err)
	}

	pruned, err := repo.PruneSamples(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned sample, got %d", pruned)
	}
}
