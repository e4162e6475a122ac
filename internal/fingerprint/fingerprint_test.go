// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package fingerprint

import (
	"testing"

	"github.com/hyper-ai-inc/fleetd/internal/model"
)

func baseFacts() model.MachineFacts {
	return model.MachineFacts{
		CPUID:            "cpu-1",
		MotherboardUUID:  "mb-1",
		DiskSerial:       "disk-1",
		TotalRAMMB:       16384,
		OSInstallationID: "os-1",
		Hostname:         "host-a",
		LocalUsername:    "alice",
		LocalIPAddress:   "10.0.0.2",
		IPAddress:        "1.2.3.4",
	}
}

func TestComputeStableAcrossCalls(t *testing.T) {
	f := baseFacts()
	a := Compute(f, "")
	b := Compute(f, "")
	if a != b {
		t.Fatalf("expected stable fingerprint, got %q vs %q", a, b)
	}
}

func TestComputeChangesWithLicenseUUID(t *testing.T) {
	f := baseFacts()
	provisional := Compute(f, "")
	activated := Compute(f, "license-1")
	if provisional == activated {
		t.Fatal("expected fingerprint to change once a license UUID is assigned")
	}
}

func TestClassifyMatch(t *testing.T) {
	f := baseFacts()
	kind, _ := Classify(f, f)
	if kind != DriftMatch {
		t.Fatalf("expected DriftMatch, got %v", kind)
	}
}

func TestClassifyMinorIP(t *testing.T) {
	stored := baseFacts()
	live := baseFacts()
	live.IPAddress = "5.6.7.8"
	live.LocalIPAddress = "10.0.0.9"

	kind, change := Classify(stored, live)
	if kind != DriftMinor || change != model.ChangeIPChange {
		t.Fatalf("expected minor ip_change, got %v/%v", kind, change)
	}
}

func TestClassifyMinorUsername(t *testing.T) {
	stored := baseFacts()
	live := baseFacts()
	live.LocalUsername = "bob"

	kind, change := Classify(stored, live)
	if kind != DriftMinor || change != model.ChangeUsernameChange {
		t.Fatalf("expected minor username_change, got %v/%v", kind, change)
	}
}

func TestClassifyMajorHardware(t *testing.T) {
	stored := baseFacts()
	live := baseFacts()
	live.DiskSerial = "disk-2"

	kind, change := Classify(stored, live)
	if kind != DriftMajor || change != model.ChangeHardwareChange {
		t.Fatalf("expected major hardware_change, got %v/%v", kind, change)
	}
}

func TestNewLicenseUUIDUnique(t *testing.T) {
	a := NewLicenseUUID()
	b := NewLicenseUUID()
	if a == b {
		t.Fatal("expected distinct license UUIDs")
	}
}
