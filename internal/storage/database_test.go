package storage

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertDeviceThenGetRoundTrips(t *testing.T) {
	db := openTestDB(t)
	model := uint16(20)
	dev := &DeviceConfig{
		Name:             "garage",
		Address:          "AA:BB:CC:DD:EE:FF",
		DeviceType:       "portable",
		EncryptionKeyB64: "a2V5bWF0ZXJpYWw=",
		ModelCode:        &model,
		PollInterval:     30,
	}
	if err := db.UpsertDevice(dev); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	got, err := db.GetDevice("garage")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Address != dev.Address || got.DeviceType != dev.DeviceType || got.EncryptionKeyB64 != dev.EncryptionKeyB64 {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, dev)
	}
	if got.ModelCode == nil || *got.ModelCode != 20 {
		t.Fatalf("expected model code 20, got %+v", got.ModelCode)
	}
}

func TestUpsertDeviceUpdatesRatherThanDuplicates(t *testing.T) {
	db := openTestDB(t)
	dev := &DeviceConfig{Name: "garage", Address: "AA:BB:CC:DD:EE:FF", DeviceType: "portable", PollInterval: 30}
	if err := db.UpsertDevice(dev); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	dev.Address = "11:22:33:44:55:66"
	if err := db.UpsertDevice(dev); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	all, err := db.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one row after re-upsert, got %d", len(all))
	}
	if all[0].Address != "11:22:33:44:55:66" {
		t.Fatalf("expected updated address, got %s", all[0].Address)
	}
}

func TestRecordPollPrunesToMaxHistory(t *testing.T) {
	db := openTestDB(t)
	dev := &DeviceConfig{Name: "shed", Address: "00:00:00:00:00:01", DeviceType: "box", PollInterval: 30}
	if err := db.UpsertDevice(dev); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	for i := 0; i < 10; i++ {
		rec := &PollRecord{DeviceName: "shed", Success: i%2 == 0}
		if err := db.RecordPoll(rec, 3); err != nil {
			t.Fatalf("RecordPoll: %v", err)
		}
	}

	recent, err := db.RecentPolls("shed", 100)
	if err != nil {
		t.Fatalf("RecentPolls: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected history pruned to 3 rows, got %d", len(recent))
	}
}

func TestConsecutiveFailuresCountsFromMostRecent(t *testing.T) {
	db := openTestDB(t)
	dev := &DeviceConfig{Name: "shed", Address: "00:00:00:00:00:01", DeviceType: "box", PollInterval: 30}
	if err := db.UpsertDevice(dev); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	for _, ok := range []bool{true, false, false, false} {
		if err := db.RecordPoll(&PollRecord{DeviceName: "shed", Success: ok}, 50); err != nil {
			t.Fatalf("RecordPoll: %v", err)
		}
	}

	n, err := db.ConsecutiveFailures("shed")
	if err != nil {
		t.Fatalf("ConsecutiveFailures: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", n)
	}
}
