package pool

import (
	"testing"

	stratisd "github.com/stratis-storage/stratisd-go"
)

func TestAvailabilityMonotoneWithinEpoch(t *testing.T) {
	p := New(stratisd.NewPoolUUID(), "pA")

	if err := p.SetAvailability(stratisd.NoRequests); err != nil {
		t.Fatalf("degrade to NoRequests: %v", err)
	}
	if err := p.SetAvailability(stratisd.MaintenanceMode); err != nil {
		t.Fatalf("degrade to MaintenanceMode: %v", err)
	}
	if err := p.SetAvailability(stratisd.Full); err == nil {
		t.Fatalf("expected refusal to re-permit without a stop+start cycle")
	}

	p.Restart()
	if p.Availability != stratisd.Full {
		t.Fatalf("Restart should leave pool Full, got %s", p.Availability)
	}
	if err := p.SetAvailability(stratisd.NoRequests); err != nil {
		t.Fatalf("degrade after restart: %v", err)
	}
}

func TestAdmitRejectsBelowFloor(t *testing.T) {
	p := New(stratisd.NewPoolUUID(), "pA")
	if err := p.SetAvailability(stratisd.NoRequests); err != nil {
		t.Fatal(err)
	}

	if err := p.Admit(OpFilesystemCreate); err == nil {
		t.Fatalf("expected filesystem_create to be rejected in NoRequests")
	}
	if err := p.Admit(OpPoolStop); err != nil {
		t.Fatalf("pool_stop must be admitted in NoRequests: %v", err)
	}
	if err := p.Admit(OpMetadataRead); err != nil {
		t.Fatalf("metadata_read must always be admitted: %v", err)
	}
}

func TestNextThinIDDense(t *testing.T) {
	p := New(stratisd.NewPoolUUID(), "pA")
	p.Filesystems[stratisd.NewFilesystemUUID()] = &Filesystem{ThinID: 0}
	p.Filesystems[stratisd.NewFilesystemUUID()] = &Filesystem{ThinID: 1}
	if got := p.NextThinID(); got != 2 {
		t.Fatalf("NextThinID = %d, want 2", got)
	}
}
