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

package ovmf

import (
	"errors"
	"fmt"

	"github.com/google/sevsnp-launch-digest/ovmf/abi"
	"golang.org/x/exp/slices"
)

// SevData represents SEV-SNP specific data that is extracted from an OVMF binary.
type SevData struct {
	// Reset block for SEV-ES. This block is needed when SEV-ES is enabled to
	// initialize Application Processors (APs), as SEV-ES does
	// not allow the INIT-SIPI-SIPI procedure to be emulated by the VMM (CPU state
	// is encrypted).
	sevEsResetBlock *abi.SevEsResetBlock

	// The sections defined by the SEV OVMF Metadata contain information about
	// the GPA and sizes of special memory (CPUID page, secret page, kernel hashes
	// page and hypervisor validated pages). The VMM finds those pages by extracting
	// the metadata from the UEFI ROM and initializes them, which measures them.
	snpMetadataSections []abi.SevMetadataSection

	// Where OVMF expects the SEV hash table for measured direct boot. Optional.
	sevHashTable *abi.SevHashTableRV

	extracted bool
}

func extractGUIDBlockFromMap(
	guidBlockMap map[string][]byte, guid string, blockSize int) ([]byte, bool, error) {
	entry, ok := guidBlockMap[guid]
	if !ok {
		return nil, false, nil
	}
	if len(entry) != blockSize {
		return nil, true, fmt.Errorf("mismatch with GUID block size, GUID: %s expected %d found: %d", guid, blockSize, len(entry))
	}
	return entry, true, nil
}

// SevSectionTypeToString returns section type names for section type codes.
func SevSectionTypeToString(kind uint32) string {
	switch kind {
	case abi.SevCpuidSection:
		return "OVMF_SECTION_TYPE_CPUID"
	case abi.SevSecretSection:
		return "OVMF_SECTION_TYPE_SNP_SECRETS"
	case abi.SevUnmeasuredSection:
		return "OVMF_SECTION_TYPE_SNP_SEC_MEM"
	case abi.SevSvsmCaaSection:
		return "OVMF_SECTION_TYPE_SVSM_CAA"
	case abi.SevKernelHashesSection:
		return "OVMF_SECTION_TYPE_KERNEL_HASHES"
	default:
		return fmt.Sprintf("[unknown SNP metadata section type: 0x%x]", kind)
	}
}

func extractSevOvmfMetadata(guidBlock []byte, firmware []byte) ([]abi.SevMetadataSection, error) {
	metadataOffset, err := abi.MetadataOffsetFromBytes(guidBlock)
	if err != nil {
		return nil, fmt.Errorf("could not extract SEV metadata offset: %v", err)
	}
	offset := int(metadataOffset.Offset)
	if offset < abi.SizeofSevMetadata || len(firmware) < offset {
		return nil, fmt.Errorf("SEV metadata offset 0x%x is outside firmware of size 0x%x", offset, len(firmware))
	}
	start := len(firmware) - offset
	sevMetadata, err := abi.SevMetadataFromBytes(firmware[start:])
	if err != nil {
		return nil, err
	}
	if sevMetadata.Signature != abi.SevSnpMetadataSignature {
		return nil, fmt.Errorf("the signature of the SEV memory offset is incorrect: 0x%x",
			sevMetadata.Signature)
	}

	// Both "length" and "sections" are present, so they must agree with each other.
	if uint64(sevMetadata.Length) != uint64(sevMetadata.Sections)*abi.SizeofSevMetadataSection+abi.SizeofSevMetadata {
		return nil, fmt.Errorf("mismatch between SEV memory offset length: %d and SEV metadata offset sections count: %d",
			sevMetadata.Length, sevMetadata.Sections)
	}
	if metadataOffset.Offset < sevMetadata.Length {
		return nil, fmt.Errorf(
			"SEV OVMF Metadata Offset is not large enough to contain the metadata: %d < %d",
			metadataOffset.Offset, sevMetadata.Length)
	}

	sections := make([]abi.SevMetadataSection, 0, sevMetadata.Sections)
	sectionStart := start + abi.SizeofSevMetadata
	for i := 0; i < int(sevMetadata.Sections); i++ {
		section, err := abi.SevMetadataSectionFromBytes(firmware[sectionStart+i*abi.SizeofSevMetadataSection:])
		if err != nil {
			return nil, err
		}
		sections = append(sections, section)
	}
	return sections, nil
}

// ExtractFromFirmware parses an OVMF binary for SEV-SNP specific data. May only call once.
//
// The SEV metadata is required. The SEV-ES reset block and the hash table area are optional here
// and checked by their accessors, since only some launches need them.
func (d *SevData) ExtractFromFirmware(firmware []byte) error {
	if d.extracted {
		return errors.New("SEV data already extracted")
	}
	guidBlockMap, err := GetFwGUIDToBlockMap(firmware)
	if err != nil {
		return fmt.Errorf("could not get GUID table from firmware: %v", err)
	}

	block, found, err := extractGUIDBlockFromMap(guidBlockMap, abi.SevEsResetBlockGUID, abi.SizeofSevEsResetBlock)
	if err != nil {
		return fmt.Errorf("could not extract SEV-ES reset block: %v", err)
	}
	if found {
		if d.sevEsResetBlock, err = abi.SevEsResetBlockFromBytes(block); err != nil {
			return fmt.Errorf("could not extract SEV-ES reset block: %v", err)
		}
	}

	block, found, err = extractGUIDBlockFromMap(guidBlockMap, abi.SevMetadataOffsetGUID, abi.SizeofMetadataOffset)
	if err != nil {
		return fmt.Errorf("could not extract SEV metadata offset GUID block: %v", err)
	}
	if !found {
		return fmt.Errorf("no matching block found for GUID: %s", abi.SevMetadataOffsetGUID)
	}
	sections, err := extractSevOvmfMetadata(block, firmware)
	if err != nil {
		return fmt.Errorf("could not extract SEV OVMF Metadata: %v", err)
	}
	d.snpMetadataSections = sections

	block, found, err = extractGUIDBlockFromMap(guidBlockMap, abi.SevHashTableRVGUID, abi.SizeofSevHashTableRV)
	if err != nil {
		return fmt.Errorf("could not extract SEV hash table area: %v", err)
	}
	if found {
		if d.sevHashTable, err = abi.SevHashTableRVFromBytes(block); err != nil {
			return fmt.Errorf("could not extract SEV hash table area: %v", err)
		}
	}
	d.extracted = true
	return nil
}

// ApResetEIP returns the reset vector address from the OVMF SEV-ES reset block if it was found,
// otherwise error.
func (d *SevData) ApResetEIP() (uint32, error) {
	if d.sevEsResetBlock == nil {
		return 0, errors.New("no SEV-ES reset block available")
	}
	return d.sevEsResetBlock.Addr, nil
}

// SevHashTableGPA returns the guest physical address where OVMF expects the SEV hash table.
func (d *SevData) SevHashTableGPA() (uint64, error) {
	if d.sevHashTable == nil {
		return 0, errors.New("no SEV hash table area found in the firmware")
	}
	return uint64(d.sevHashTable.Address), nil
}

// SnpMetadataSections returns the OVMF SEV-SNP metadata sections in firmware order if they were
// found and are well formed, otherwise error.
func (d *SevData) SnpMetadataSections() ([]abi.SevMetadataSection, error) {
	if err := d.validateSections(); err != nil {
		return nil, err
	}
	return d.snpMetadataSections, nil
}

// HasKernelHashesSection returns true iff the firmware designates a page for the SEV hash table.
func (d *SevData) HasKernelHashesSection() bool {
	for _, section := range d.snpMetadataSections {
		if section.Kind == abi.SevKernelHashesSection {
			return true
		}
	}
	return false
}

// isSinglePageSection is true for the section kinds the platform measures as one page at the
// section's address.
func isSinglePageSection(kind uint32) bool {
	return kind == abi.SevSecretSection || kind == abi.SevCpuidSection || kind == abi.SevKernelHashesSection
}

func (d *SevData) validateSections() error {
	if d.snpMetadataSections == nil {
		return errors.New("SEV OVMF metadata not found")
	}
	allocatedTypeAddress := make(map[uint32]uint32)

	type sectionCheck struct {
		start uint64
		end   uint64
		kind  uint32
	}
	checkData := make([]sectionCheck, len(d.snpMetadataSections))
	for i, section := range d.snpMetadataSections {
		if v, ok := allocatedTypeAddress[section.Kind]; ok {
			// By convention there is only 1 secrets page, 1 CPUID page and 1 hash table page. The
			// guest firmware and kernel that consume them assume as much.
			if isSinglePageSection(section.Kind) {
				return fmt.Errorf(
					"expected only 1 section of type %s. Previous section at address 0x%x conflicts with extra section at address 0x%x",
					SevSectionTypeToString(section.Kind), v, section.Address)
			}
		}
		allocatedTypeAddress[section.Kind] = section.Address

		if (section.Length%abi.PageSize != 0) || section.Length == 0 {
			return fmt.Errorf(
				"section %s has length that's not a positive multiple of a 4K page size: 0x%x",
				SevSectionTypeToString(section.Kind), section.Length)
		}
		if isSinglePageSection(section.Kind) && section.Length != abi.PageSize {
			return fmt.Errorf("section %s must be exactly one 4K page, has length 0x%x",
				SevSectionTypeToString(section.Kind), section.Length)
		}
		if section.Address%abi.PageSize != 0 {
			return fmt.Errorf("section %s is not page aligned: 0x%x",
				SevSectionTypeToString(section.Kind), section.Address)
		}
		checkData[i] = sectionCheck{
			start: uint64(section.Address),
			end:   uint64(section.Address) + uint64(section.Length),
			kind:  section.Kind}
	}

	if _, ok := allocatedTypeAddress[abi.SevUnmeasuredSection]; !ok {
		return errors.New("no proper pre-validated addresses found in the SEV OVMF Metadata")
	}
	if _, ok := allocatedTypeAddress[abi.SevSecretSection]; !ok {
		return errors.New("no secret page address found from the SEV OVMF Metadata")
	}
	if _, ok := allocatedTypeAddress[abi.SevCpuidSection]; !ok {
		return errors.New("no CPUID page address found in the SEV OVMF Metadata")
	}
	if addr, ok := allocatedTypeAddress[abi.SevKernelHashesSection]; ok && d.sevHashTable != nil {
		table := uint64(d.sevHashTable.Address)
		if table/abi.PageSize != uint64(addr)/abi.PageSize {
			return fmt.Errorf("SEV hash table at 0x%x is outside the kernel hashes page at 0x%x", table, addr)
		}
	}

	// Sort a copy so the firmware order of the sections survives for measurement.
	slices.SortFunc(checkData, func(a, b sectionCheck) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	for i := 0; i < len(checkData)-1; i++ {
		if checkData[i].end > checkData[i+1].start {
			return fmt.Errorf("SEV section %s: [0x%x-0x%x] overlaps with %s: [0x%x-0x%x]",
				SevSectionTypeToString(checkData[i].kind), checkData[i].start,
				checkData[i].end, SevSectionTypeToString(checkData[i+1].kind),
				checkData[i+1].start, checkData[i+1].end)
		}
	}
	return nil
}
