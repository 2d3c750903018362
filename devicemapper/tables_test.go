package devicemapper

import (
	"strings"
	"testing"
)

func TestLinearTableConcatenatesSegments(t *testing.T) {
	segs := []Segment{
		{SourceDevice: "/dev/sda", PhysicalStart: 2048, SectorCount: 1000},
		{SourceDevice: "/dev/sdb", PhysicalStart: 0, SectorCount: 2000},
	}
	table, err := LinearTable(segs)
	if err != nil {
		t.Fatalf("LinearTable: %v", err)
	}
	lines := strings.Split(table, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), table)
	}
	if lines[0] != "0 1000 linear /dev/sda 2048" {
		t.Errorf("unexpected first line: %q", lines[0])
	}
	if lines[1] != "1000 2000 linear /dev/sdb 0" {
		t.Errorf("unexpected second line: %q", lines[1])
	}
}

func TestLinearTableRejectsEmpty(t *testing.T) {
	if _, err := LinearTable(nil); err == nil {
		t.Fatal("expected error for empty segment list")
	}
}

func TestLinearTableRejectsZeroLengthSegment(t *testing.T) {
	if _, err := LinearTable([]Segment{{SourceDevice: "/dev/sda", SectorCount: 0}}); err == nil {
		t.Fatal("expected error for zero-length segment")
	}
}

func TestThinPoolTableFormat(t *testing.T) {
	table := ThinPoolTable(1<<20, "/dev/mapper/meta", "/dev/mapper/data", 2048, 32768, true)
	want := "0 1048576 thin-pool /dev/mapper/meta /dev/mapper/data 2048 32768 1 skip_block_zeroing"
	if table != want {
		t.Errorf("got %q, want %q", table, want)
	}
}

func TestThinTableFormat(t *testing.T) {
	table := ThinTable(2048, "/dev/mapper/pool", 7)
	want := "0 2048 thin /dev/mapper/pool 7"
	if table != want {
		t.Errorf("got %q, want %q", table, want)
	}
}

func TestThinPoolMessageFormat(t *testing.T) {
	if got := ThinPoolMessage("create_thin", 5); got != "create_thin 5" {
		t.Errorf("got %q", got)
	}
	if got := ThinPoolMessage("create_snap", 6, 5); got != "create_snap 6 5" {
		t.Errorf("got %q", got)
	}
}

func TestParsePoolStatusLine(t *testing.T) {
	status := "0 4194304 thin-pool 3 12/1024 5000/32768 - rw discard_passdown queue_if_no_space"
	info, err := ParsePoolStatusLine("mypool", status)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.TransactionID != 3 {
		t.Errorf("transaction id: got %d, want 3", info.TransactionID)
	}
	if info.UsedMetaBlocks != 12 || info.TotalMetaBlocks != 1024 {
		t.Errorf("meta blocks: got %d/%d", info.UsedMetaBlocks, info.TotalMetaBlocks)
	}
	if info.UsedDataBlocks != 5000 || info.TotalDataBlocks != 32768 {
		t.Errorf("data blocks: got %d/%d", info.UsedDataBlocks, info.TotalDataBlocks)
	}
}

func TestParsePoolStatusLineRejectsShort(t *testing.T) {
	if _, err := ParsePoolStatusLine("mypool", "0 4194304"); err == nil {
		t.Fatal("expected error for short status line")
	}
}

func TestPoolFullErrorMessage(t *testing.T) {
	err := &PoolFullError{PoolName: "p1", UsedPercent: 75.5, Threshold: 70, FreeBlocks: 100, RequiredBytes: 4096}
	if !strings.Contains(err.Error(), "75.5%") {
		t.Errorf("expected percentage in message, got %q", err.Error())
	}
}

func TestValidateDeviceName(t *testing.T) {
	if err := validateDeviceName(""); err == nil {
		t.Error("expected error for empty name")
	}
	if err := validateDeviceName("bad name!"); err == nil {
		t.Error("expected error for invalid characters")
	}
	if err := validateDeviceName("thin-pool_1"); err != nil {
		t.Errorf("expected valid name to pass, got %v", err)
	}
}
