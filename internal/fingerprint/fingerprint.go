// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package fingerprint implements the stable-hash fingerprint computation
// and drift classification of spec.md §4.2 (C2).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/hyper-ai-inc/fleetd/internal/model"
)

// Compute returns the stable hash over {cpuId, motherboardUuid,
// diskSerial, totalRamMb, osInstallationId, licenseUuid}. Before
// activation licenseUUID is empty and the resulting fingerprint is
// "provisional" (the spec's term — it is still a valid fingerprint, it
// simply changes once licenseUUID is assigned).
func Compute(facts model.MachineFacts, licenseUUID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s",
		facts.CPUID, facts.MotherboardUUID, facts.DiskSerial,
		facts.TotalRAMMB, facts.OSInstallationID, licenseUUID)
	return hex.EncodeToString(h.Sum(nil))
}

// DriftKind classifies the result of comparing a presented fingerprint's
// raw facts against the stored Agent's facts.
type DriftKind int

const (
	// DriftMatch: presented and stored facts are identical.
	DriftMatch DriftKind = iota
	// DriftMinor: ip/hostname/username changed but hardware identical.
	DriftMinor
	// DriftMajor: at least one hardware component differs.
	DriftMajor
)

// Classify compares live facts against the stored Agent's facts and
// returns the drift classification plus, for DriftMinor, which change
// type to audit.
func Classify(stored, live model.MachineFacts) (DriftKind, model.FingerprintChangeType) {
	if hardwareDiffers(stored, live) {
		return DriftMajor, model.ChangeHardwareChange
	}
	if stored.LocalIPAddress != live.LocalIPAddress || stored.IPAddress != live.IPAddress {
		return DriftMinor, model.ChangeIPChange
	}
	if stored.LocalUsername != live.LocalUsername || stored.Hostname != live.Hostname {
		return DriftMinor, model.ChangeUsernameChange
	}
	return DriftMatch, ""
}

func hardwareDiffers(a, b model.MachineFacts) bool {
	return a.CPUID != b.CPUID ||
		a.MotherboardUUID != b.MotherboardUUID ||
		a.DiskSerial != b.DiskSerial ||
		a.TotalRAMMB != b.TotalRAMMB
}

// NewLicenseUUID mints a license UUID for an activated agent.
func NewLicenseUUID() string {
	return uuid.NewString()
}
