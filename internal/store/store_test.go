package store

import (
	"path/filepath"
	"testing"
	"time"

	"i4.energy/across/modemfleet/internal/modemdriver"
)

func setup(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "fleet.db")
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return st
}

func teardown(st *Store) {
	st.Close()
}

func TestOpenCreatesSchema(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "fleet.db")
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer teardown(st)

	if err := st.CreateUser(User{UserName: "alice", PasswordHash: "h", PasswordSalt: "s", Role: RoleUser}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// re-opening the same dsn must not fail or re-run migrations twice.
	st2, err := Open(dsn)
	if err != nil {
		t.Fatalf("unexpected error reopening: %v", err)
	}
	defer teardown(st2)
	u, err := st2.GetUserByName("alice")
	if err != nil || u.UserName != "alice" {
		t.Errorf("expected reopened store to see prior data, got %+v err %v", u, err)
	}
}

func TestUserCRUD(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	if err := st.CreateUser(User{ID: "u1", UserName: "alice", PasswordHash: "h", PasswordSalt: "s", Role: RoleUser}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// duplicate user name
	if err := st.CreateUser(User{ID: "u2", UserName: "alice", PasswordHash: "h", PasswordSalt: "s", Role: RoleUser}); err == nil {
		t.Error("unexpected success creating duplicate user name")
	}

	u, err := st.GetUserByName("alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != "u1" || u.Role != RoleUser {
		t.Errorf("unexpected user: %+v", u)
	}

	byID, err := st.GetUserByID("u1")
	if err != nil || byID.UserName != "alice" {
		t.Errorf("GetUserByID: got %+v, err %v", byID, err)
	}

	users, err := st.ListUsers()
	if err != nil || len(users) != 1 {
		t.Errorf("ListUsers: got %v users, err %v", len(users), err)
	}

	if err := st.SoftDeleteUser("u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := st.GetUserByName("alice"); err == nil {
		t.Error("expected soft-deleted user to be invisible")
	}
	users, err = st.ListUsers()
	if err != nil || len(users) != 0 {
		t.Errorf("ListUsers after delete: got %v users, err %v", len(users), err)
	}
}

func TestAllocationCRUD(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	if err := st.PutAllocation(ComAllocation{ID: "a1", UserID: "u1", DeviceID: "D1", ComPorts: []string{"COM3", "COM5"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.PutAllocation(ComAllocation{ID: "a2", UserID: "u1", DeviceID: "D2", ComPorts: []string{"COM7"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.PutAllocation(ComAllocation{ID: "a3", UserID: "u2", DeviceID: "D3", ComPorts: []string{"COM3"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	allocs, err := st.AllocationsForUser("u1")
	if err != nil || len(allocs) != 2 {
		t.Fatalf("AllocationsForUser: got %v, err %v", allocs, err)
	}

	all, err := st.ListAllocations()
	if err != nil || len(all) != 3 {
		t.Fatalf("ListAllocations: got %v, err %v", all, err)
	}

	if err := st.DeleteAllocation("a3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all, err = st.ListAllocations()
	if err != nil || len(all) != 2 {
		t.Errorf("ListAllocations after delete: got %v, err %v", all, err)
	}

	// replacing an allocation by id overwrites its com ports.
	if err := st.PutAllocation(ComAllocation{ID: "a1", UserID: "u1", DeviceID: "D1", ComPorts: []string{"COM9"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	allocs, err = st.AllocationsForUser("u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var found bool
	for _, a := range allocs {
		if a.ID == "a1" {
			found = true
			if len(a.ComPorts) != 1 || a.ComPorts[0] != "COM9" {
				t.Errorf("expected replaced com ports [COM9], got %v", a.ComPorts)
			}
		}
	}
	if !found {
		t.Error("expected allocation a1 to still exist")
	}
}

func TestSmsMessageLifecycle(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	id, err := st.InsertSmsMessage(SmsMessage{DeviceID: "D1", ComPort: "COM3", SenderNumber: "+1", MessageContent: "hi", ReceivedTime: time.Now().UTC()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, total, err := st.ListSmsMessages(SmsFilter{PageNumber: 1, PageSize: 50})
	if err != nil || total != 1 || len(rows) != 1 {
		t.Fatalf("ListSmsMessages: rows=%v total=%d err=%v", rows, total, err)
	}

	if err := st.SoftDeleteSmsMessage(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, total, err = st.ListSmsMessages(SmsFilter{PageNumber: 1, PageSize: 50})
	if err != nil || total != 0 {
		t.Errorf("expected soft-deleted row excluded by default, total=%d err=%v", total, err)
	}
	_, total, err = st.ListSmsMessages(SmsFilter{IncludeDeleted: true, PageNumber: 1, PageSize: 50})
	if err != nil || total != 1 {
		t.Errorf("expected soft-deleted row visible with IncludeDeleted, total=%d err=%v", total, err)
	}

	if err := st.HardDeleteSmsMessage(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, total, err = st.ListSmsMessages(SmsFilter{IncludeDeleted: true, PageNumber: 1, PageSize: 50})
	if err != nil || total != 0 {
		t.Errorf("expected hard-deleted row gone entirely, total=%d err=%v", total, err)
	}
}

func TestCallHangupRecordLifecycle(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	id, err := st.InsertCallHangupRecord(CallHangupRecord{DeviceID: "D1", ComPort: "COM3", CallerNumber: "+1", HangupTime: time.Now().UTC(), Reason: "NoCarrier"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, total, err := st.ListCallHangupRecords(HangupFilter{PageNumber: 1, PageSize: 50})
	if err != nil || total != 1 {
		t.Fatalf("ListCallHangupRecords: total=%d err=%v", total, err)
	}

	if err := st.SoftDeleteCallHangupRecord(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, total, err = st.ListCallHangupRecords(HangupFilter{PageNumber: 1, PageSize: 50})
	if err != nil || total != 0 {
		t.Errorf("expected soft-deleted hangup excluded, total=%d err=%v", total, err)
	}

	if err := st.HardDeleteCallHangupRecord(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, total, err = st.ListCallHangupRecords(HangupFilter{IncludeDeleted: true, PageNumber: 1, PageSize: 50})
	if err != nil || total != 0 {
		t.Errorf("expected hard-deleted hangup gone entirely, total=%d err=%v", total, err)
	}
}

func TestDeviceSnapshot(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	if ports, err := st.DeviceSnapshot("D1"); err != nil || ports != nil {
		t.Fatalf("expected nil snapshot before any write, got %v err %v", ports, err)
	}

	if err := st.PutDeviceSnapshot("D1", []modemdriver.PortInfo{{PortName: "COM3"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ports, err := st.DeviceSnapshot("D1")
	if err != nil || len(ports) != 1 || ports[0].PortName != "COM3" {
		t.Fatalf("unexpected snapshot: %v, err %v", ports, err)
	}

	// overwrite-semantic: a second write replaces, not appends.
	if err := st.PutDeviceSnapshot("D1", []modemdriver.PortInfo{{PortName: "COM5"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ports, err = st.DeviceSnapshot("D1")
	if err != nil || len(ports) != 1 || ports[0].PortName != "COM5" {
		t.Fatalf("expected overwrite to COM5, got %v, err %v", ports, err)
	}
}

func TestSmsSendRecordStatus(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	id, err := st.CreateSmsSendRecord(SmsSendRecord{DeviceID: "D1", ComPort: "COM3", TargetNumber: "+1", MessageContent: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.UpdateSmsSendStatus(id, "Sent", ""); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadReceipts(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	if err := st.MarkRead("u1", MessageTypeSms, "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// duplicate mark is a no-op success, not an error.
	if err := st.MarkRead("u1", MessageTypeSms, "m1"); err != nil {
		t.Errorf("expected duplicate MarkRead to succeed, got %v", err)
	}

	read, err := st.ReadSourceIDs("u1", MessageTypeSms)
	if err != nil || !read["m1"] || len(read) != 1 {
		t.Errorf("unexpected read set: %v, err %v", read, err)
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	st := setup(t)
	defer teardown(st)

	future := time.Now().UTC().Add(time.Hour)
	if err := st.PutRefreshToken("hash1", "u1", future); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	userID, ok, err := st.ConsumeRefreshToken("hash1")
	if err != nil || !ok || userID != "u1" {
		t.Fatalf("expected to consume token, got userID=%q ok=%v err=%v", userID, ok, err)
	}

	// single-use: a second consume of the same hash must fail.
	_, ok, err = st.ConsumeRefreshToken("hash1")
	if err != nil || ok {
		t.Errorf("expected already-consumed token to be rejected, ok=%v err=%v", ok, err)
	}

	// unknown hash.
	_, ok, err = st.ConsumeRefreshToken("nonexistent")
	if err != nil || ok {
		t.Errorf("expected unknown hash to be rejected, ok=%v err=%v", ok, err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	if err := st.PutRefreshToken("hash2", "u1", past); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, ok, err = st.ConsumeRefreshToken("hash2")
	if err != nil || ok {
		t.Errorf("expected expired token to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestStoreErrorsAfterClose(t *testing.T) {
	st := setup(t)
	st.Close()

	if err := st.CreateUser(User{UserName: "alice", PasswordHash: "h", PasswordSalt: "s", Role: RoleUser}); err == nil {
		t.Error("expected error writing to a closed store")
	}
	if _, _, err := st.ListSmsMessages(SmsFilter{PageNumber: 1, PageSize: 10}); err == nil {
		t.Error("expected error querying a closed store")
	}
}
