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

// Package fakeovmf generates small OVMF-shaped firmware images for tests.
package fakeovmf

import (
	"fmt"
	"testing"

	"github.com/google/sevsnp-launch-digest/ovmf/abi"
	"github.com/google/uuid"
)

const (
	// DefaultSize is the size of CleanExample's firmware image.
	DefaultSize = 0x4000

	// SevEsAddrVal is the addr value in the SEV-ES reset block for testing.
	SevEsAddrVal = 0xffffb004

	// SevSnpValidatedStartAddr is a test-only SNP_SEC_MEM start address.
	SevSnpValidatedStartAddr = 0x800000
	// SevSnpValidatedLength is a test-only length of the first SNP_SEC_MEM section.
	SevSnpValidatedLength = 0x3000
	// SevSnpSecretAddr is a test-only secrets page address.
	SevSnpSecretAddr = 0x803000
	// SevSnpCpuidAddr is a test-only CPUID page address.
	SevSnpCpuidAddr = 0x804000
	// SevSnpKernelHashesAddr is a test-only kernel hashes page address.
	SevSnpKernelHashesAddr = 0x805000
	// SevSnpValidatedTailAddr is a test-only address of the second SNP_SEC_MEM section.
	SevSnpValidatedTailAddr = 0x806000
	// SevSnpValidatedTailLength is the length of the second SNP_SEC_MEM section.
	SevSnpValidatedTailLength = 0x2000

	// SevHashTableAddr is where the test firmware expects the SEV hash table.
	SevHashTableAddr = 0x805c00
	// SevHashTableLength is the size of the reserved hash table area.
	SevHashTableLength = 0x400
)

// Block is one GUIDed block of the firmware's GUID table. Put must write exactly Size bytes, the
// block's trailing FwGUIDEntry included.
type Block struct {
	Size uint16
	Put  func(data []byte) error
}

// Options describes the shape of a fake firmware image.
type Options struct {
	// Size is the firmware size in bytes.
	Size int
	// ResetAddr is the SEV-ES reset block address. Ignored if OmitResetBlock.
	ResetAddr      uint32
	OmitResetBlock bool
	// Sections are the SEV metadata sections. A nil slice omits the metadata altogether.
	Sections []abi.SevMetadataSection
	// HashTable is the SEV hash table reserved area. Nil omits the GUID block.
	HashTable *abi.SevHashTableRV
}

// SnpValidatedSection returns a SevMetadataSection of type SNP_SEC_MEM at the given address and
// the given length.
func SnpValidatedSection(address, length uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: length, Kind: abi.SevUnmeasuredSection}
}

// SnpCpuidSection returns a SevMetadataSection of Cpuid type at the given address.
func SnpCpuidSection(address uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: abi.PageSize, Kind: abi.SevCpuidSection}
}

// SnpSecretSection returns a SevMetadataSection of Secret type at the given address.
func SnpSecretSection(address uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: abi.PageSize, Kind: abi.SevSecretSection}
}

// SnpKernelHashesSection returns a SevMetadataSection of kernel hashes type at the given address.
func SnpKernelHashesSection(address uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: abi.PageSize, Kind: abi.SevKernelHashesSection}
}

// DefaultSnpSections returns the metadata sections of CleanExample in firmware order.
func DefaultSnpSections() []abi.SevMetadataSection {
	return []abi.SevMetadataSection{
		SnpValidatedSection(SevSnpValidatedStartAddr, SevSnpValidatedLength),
		SnpSecretSection(SevSnpSecretAddr),
		SnpCpuidSection(SevSnpCpuidAddr),
		SnpKernelHashesSection(SevSnpKernelHashesAddr),
		SnpValidatedSection(SevSnpValidatedTailAddr, SevSnpValidatedTailLength),
	}
}

// DefaultHashTable returns the hash table area of CleanExample.
func DefaultHashTable() *abi.SevHashTableRV {
	return &abi.SevHashTableRV{Address: SevHashTableAddr, Length: SevHashTableLength}
}

// DefaultOptions returns the options CleanExample builds from.
func DefaultOptions() *Options {
	return &Options{
		Size:      DefaultSize,
		ResetAddr: SevEsAddrVal,
		Sections:  DefaultSnpSections(),
		HashTable: DefaultHashTable(),
	}
}

// InitializeGUIDTable writes blocks bottom-up into the GUID table that ends baseOffsetFromEnd
// bytes before the end of the firmware, followed by the table footer.
func InitializeGUIDTable(firmware []byte, baseOffsetFromEnd int, blocks []Block) error {
	// If GUID table is used in the firmware, the footer GUID will be
	// `FwGuidTableFooterGuid`. Make sure that the firmware is large
	// enough to have the footer block.
	footerOffsetFromEnd := baseOffsetFromEnd + abi.SizeofFwGUIDEntry
	if len(firmware) < footerOffsetFromEnd {
		return fmt.Errorf("firmware size is too small to copy the footer block")
	}
	tableSize := uint16(abi.SizeofFwGUIDEntry)
	offsetFromEnd := footerOffsetFromEnd
	for _, block := range blocks {
		offsetFromEnd += int(block.Size)
		if len(firmware) < offsetFromEnd {
			return fmt.Errorf("firmware size 0x%x is too small for GUID table of 0x%x bytes",
				len(firmware), offsetFromEnd)
		}
		start := len(firmware) - offsetFromEnd
		if err := block.Put(firmware[start : start+int(block.Size)]); err != nil {
			return err
		}
		tableSize += block.Size
	}
	return (&abi.FwGUIDEntry{
		GUID: uuid.MustParse(abi.FwGUIDTableFooterGUID),
		// The footer's size covers itself and every other block in the table.
		Size: tableSize,
	}).Put(firmware[len(firmware)-footerOffsetFromEnd:])
}

// ResetBlock returns the GUID table block for an SEV-ES reset block at addr.
func ResetBlock(addr uint32) Block {
	block := &abi.SevEsResetBlock{
		Addr: addr,
		GUIDEntry: abi.FwGUIDEntry{
			Size: abi.SizeofSevEsResetBlock,
			GUID: uuid.MustParse(abi.SevEsResetBlockGUID),
		},
	}
	return Block{Size: abi.SizeofSevEsResetBlock, Put: block.Put}
}

// MetadataOffsetBlock returns the GUID table block pointing offsetFromEnd bytes back from the end
// of the firmware for the SEV metadata.
func MetadataOffsetBlock(offsetFromEnd uint32) Block {
	block := &abi.MetadataOffset{
		Offset: offsetFromEnd,
		GUIDEntry: abi.FwGUIDEntry{
			Size: abi.SizeofMetadataOffset,
			GUID: uuid.MustParse(abi.SevMetadataOffsetGUID),
		},
	}
	return Block{Size: abi.SizeofMetadataOffset, Put: block.Put}
}

// HashTableBlock returns the GUID table block for the SEV hash table reserved area.
func HashTableBlock(area *abi.SevHashTableRV) Block {
	block := *area
	block.GUIDEntry = abi.FwGUIDEntry{
		Size: abi.SizeofSevHashTableRV,
		GUID: uuid.MustParse(abi.SevHashTableRVGUID),
	}
	return Block{Size: abi.SizeofSevHashTableRV, Put: block.Put}
}

// InitializeOvmfSevMetadata writes the SEV metadata header and its sections to the start of the
// firmware. The GUID table entry pointing at it must then say len(firmware) as the offset.
func InitializeOvmfSevMetadata(firmware []byte, sections []abi.SevMetadataSection) error {
	header := abi.SevMetadata{
		Signature: abi.SevSnpMetadataSignature,
		Length:    uint32(len(sections)*abi.SizeofSevMetadataSection + abi.SizeofSevMetadata),
		Version:   1,
		Sections:  uint32(len(sections)),
	}
	if len(firmware) < int(header.Length) {
		return fmt.Errorf("the given firmware is smaller than the OVMF Metadata which is expected to hold. buffer size: %d, OVMF metadata size: %d",
			len(firmware), header.Length)
	}
	if err := header.Put(firmware); err != nil {
		return err
	}
	offset := abi.SizeofSevMetadata
	for _, section := range sections {
		if err := section.Put(firmware[offset:]); err != nil {
			return err
		}
		offset += abi.SizeofSevMetadataSection
	}
	return nil
}

// Build returns a firmware image shaped by opts.
func Build(opts *Options) ([]byte, error) {
	if opts.Size < abi.PageSize || opts.Size%abi.PageSize != 0 {
		return nil, fmt.Errorf("firmware size 0x%x is not a positive multiple of 0x%x", opts.Size, abi.PageSize)
	}
	firmware := make([]byte, opts.Size)
	copy(firmware[0x800:], []byte("LGTMLGTMLGTMLGTM"))
	copy(firmware[0xa00:], []byte("LGTMLGTMLGTMLGTM"))

	var blocks []Block
	if !opts.OmitResetBlock {
		blocks = append(blocks, ResetBlock(opts.ResetAddr))
	}
	if opts.Sections != nil {
		// The metadata sits at the start of the image, so its offset from the end is the image size.
		if err := InitializeOvmfSevMetadata(firmware, opts.Sections); err != nil {
			return nil, err
		}
		blocks = append(blocks, MetadataOffsetBlock(uint32(len(firmware))))
	}
	if opts.HashTable != nil {
		blocks = append(blocks, HashTableBlock(opts.HashTable))
	}
	if err := InitializeGUIDTable(firmware, abi.FwGUIDTableEndOffset, blocks); err != nil {
		return nil, err
	}
	return firmware, nil
}

// MustBuild is Build for tests.
func MustBuild(t testing.TB, opts *Options) []byte {
	t.Helper()
	firmware, err := Build(opts)
	if err != nil {
		t.Fatalf("fakeovmf.Build() errored unexpectedly: %v", err)
	}
	return firmware
}

// CleanExample returns an example "UEFI" binary that contains expected metadata.
func CleanExample(t testing.TB) []byte {
	t.Helper()
	return MustBuild(t, DefaultOptions())
}
