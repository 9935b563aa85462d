// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sev

import (
	"fmt"

	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/logger"
	"github.com/google/sevsnp-launch-digest/ovmf"
	oabi "github.com/google/sevsnp-launch-digest/ovmf/abi"
)

// Stage is how far a Chainer has folded the launch sequence.
type Stage int

const (
	// StageNotStarted is a fresh Chainer with the all-zero digest.
	StageNotStarted Stage = iota
	// StageFirmwareFolded follows the firmware pages.
	StageFirmwareFolded
	// StageTableFolded follows the firmware's metadata pages, the hash table page included.
	StageTableFolded
	// StageVmsas is partway through the VMSA pages.
	StageVmsas
	// StageComplete follows the last VMSA page.
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageNotStarted:
		return "NotStarted"
	case StageFirmwareFolded:
		return "FirmwareFolded"
	case StageTableFolded:
		return "TableFolded"
	case StageVmsas:
		return "Vmsas"
	case StageComplete:
		return "Complete"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// MetadataInput is what the metadata pass of a launch measures.
type MetadataInput struct {
	// Sections are the firmware's SEV metadata sections in firmware order.
	Sections []oabi.SevMetadataSection
	// Hashes is nil when no kernel is measured.
	Hashes *SevHashes
	// HashTableGPA is where the hash table goes. Only used with Hashes.
	HashTableGPA uint64
	// CpuidLast measures the CPUID page after every other section.
	CpuidLast bool
}

// Chainer folds the pages of one launch into a launch digest in the order the platform measures
// them: firmware, metadata pages, then one VMSA per vCPU in index order.
type Chainer struct {
	measurement SnpMeasurement
	stage       Stage
	vcpus       int
	nextVcpu    int
}

// NewChainer returns a Chainer for a launch of vcpus vCPUs on product.
func NewChainer(product sgpb.SevProduct_SevProductName, vcpus int) (*Chainer, error) {
	if vcpus < 1 {
		return nil, wrapf(ErrVcpuCount, "vcpus at launch is %d. Want at least 1", vcpus)
	}
	return &Chainer{measurement: SnpMeasurement{Product: product}, vcpus: vcpus}, nil
}

// Stage returns how far the fold has progressed.
func (c *Chainer) Stage() Stage {
	return c.stage
}

// Current returns the running digest at any stage.
func (c *Chainer) Current() Digest {
	return c.measurement.Digest
}

func (c *Chainer) expect(op string, stages ...Stage) error {
	for _, s := range stages {
		if c.stage == s {
			return nil
		}
	}
	return wrapf(ErrChainOrder, "%s at stage %s", op, c.stage)
}

// FoldFirmware adopts a firmware digest. A firmware fold starts from the all-zero digest, so the
// firmware digest is exactly the running digest after the firmware pages.
func (c *Chainer) FoldFirmware(firmware Digest) error {
	if err := c.expect("FoldFirmware", StageNotStarted); err != nil {
		return err
	}
	c.measurement.Digest = firmware
	c.stage = StageFirmwareFolded
	logger.V(1).Infof("firmware digest %s", firmware)
	return nil
}

func (c *Chainer) foldHashTable(in *MetadataInput) error {
	page, err := in.Hashes.Page(int(in.HashTableGPA & (pageSize - 1)))
	if err != nil {
		return err
	}
	return c.measurement.Update(in.HashTableGPA&^(pageSize-1), page, PageTypeNormal)
}

func (c *Chainer) foldSection(section oabi.SevMetadataSection, in *MetadataInput) error {
	gpa := uint64(section.Address)
	switch section.Kind {
	case oabi.SevUnmeasuredSection, oabi.SevSvsmCaaSection:
		return c.measurement.ZeroContentUpdate(gpa, section.Length, PageTypeZero)
	case oabi.SevSecretSection, oabi.SevCpuidSection, oabi.SevKernelHashesSection:
	default:
		return wrapf(ErrFirmwareLayout, "unknown OVMF page section type: %v", section.Kind)
	}
	if section.Length != pageSize {
		return wrapf(ErrFirmwareLayout, "%s section at 0x%x is 0x%x bytes, want one 0x%x byte page",
			ovmf.SevSectionTypeToString(section.Kind), gpa, section.Length, pageSize)
	}
	switch section.Kind {
	case oabi.SevSecretSection:
		return c.measurement.ZeroContentUpdate(gpa, pageSize, PageTypeSecret)
	case oabi.SevCpuidSection:
		return c.measurement.ZeroContentUpdate(gpa, pageSize, PageTypeCpuid)
	}
	if in.Hashes != nil {
		return c.foldHashTable(in)
	}
	return c.measurement.ZeroContentUpdate(gpa, pageSize, PageTypeZero)
}

// FoldMetadata measures the firmware's metadata sections, the hash table page among them. On error
// the running digest is left as it was after the firmware.
func (c *Chainer) FoldMetadata(in *MetadataInput) error {
	if err := c.expect("FoldMetadata", StageFirmwareFolded); err != nil {
		return err
	}
	hasHashesSection := false
	for _, section := range in.Sections {
		if section.Kind == oabi.SevKernelHashesSection {
			hasHashesSection = true
		}
	}
	if in.Hashes != nil && !hasHashesSection {
		return wrapf(ErrFirmwareLayout, "kernel hashes given but the firmware has no %s section",
			ovmf.SevSectionTypeToString(oabi.SevKernelHashesSection))
	}
	firmware := c.measurement.Digest
	if err := c.foldSections(in); err != nil {
		c.measurement.Digest = firmware
		return err
	}
	c.stage = StageTableFolded
	logger.V(1).Infof("digest after metadata %s", c.measurement.Digest)
	return nil
}

func (c *Chainer) foldSections(in *MetadataInput) error {
	for _, section := range in.Sections {
		if in.CpuidLast && section.Kind == oabi.SevCpuidSection {
			continue
		}
		if err := c.foldSection(section, in); err != nil {
			return err
		}
		logger.V(2).Infof("measured %s at 0x%x: %s", ovmf.SevSectionTypeToString(section.Kind),
			section.Address, c.measurement.Digest)
	}
	if !in.CpuidLast {
		return nil
	}
	for _, section := range in.Sections {
		if section.Kind != oabi.SevCpuidSection {
			continue
		}
		if err := c.foldSection(section, in); err != nil {
			return err
		}
	}
	return nil
}

// FoldVmsa measures the VMSA page of vCPU index, which must be the next vCPU in order.
func (c *Chainer) FoldVmsa(index int, page []byte) error {
	if err := c.expect("FoldVmsa", StageTableFolded, StageVmsas); err != nil {
		return err
	}
	if index != c.nextVcpu {
		return wrapf(ErrChainOrder, "FoldVmsa for vCPU %d, want vCPU %d", index, c.nextVcpu)
	}
	if len(page) != pageSize {
		return wrapf(ErrLengthInvariant, "VMSA page is 0x%x bytes, want 0x%x", len(page), pageSize)
	}
	if err := c.measurement.Update(VmsaGPA, page, PageTypeVmsa); err != nil {
		return err
	}
	c.nextVcpu++
	c.stage = StageVmsas
	if c.nextVcpu == c.vcpus {
		c.stage = StageComplete
	}
	logger.V(2).Infof("digest after vCPU %d: %s", index, c.measurement.Digest)
	return nil
}

// Digest returns the launch digest once every vCPU is measured.
func (c *Chainer) Digest() (Digest, error) {
	if err := c.expect("Digest", StageComplete); err != nil {
		return Digest{}, err
	}
	return c.measurement.Digest, nil
}
