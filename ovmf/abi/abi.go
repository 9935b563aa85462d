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

// Package abi defines binary interface conversion functions for the OVMF binary format.
package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// SizeofFwGUIDEntry is the ABI size of the FwGUIDEntry type.
	SizeofFwGUIDEntry = 18

	// FwGUIDTableFooterGUID is the GUIDed Table Footer GUID defined at upstream edk2
	// https://github.com/tianocore/edk2/blob/01726b6d23d4c8a870dbd5b96c0b9e3caf38ef3c/OvmfPkg/ResetVector/Ia16/ResetVectorVtf0.asm.
	FwGUIDTableFooterGUID = "96b582de-1fb2-45f7-baea-a366c55a082d"

	// FwGUIDTableEndOffset is the offset from the end of the Firmware ROM to the end of the GUIDed
	// Table structure.
	FwGUIDTableEndOffset = 0x20

	// PageSize is the default size of a page used in OVMF SEV sections
	PageSize = 4096

	// SevEsResetBlockGUID is the SEV-ES Reset Block GUID defined at upstream edk2
	// https://github.com/tianocore/edk2/blob/01726b6d23d4c8a870dbd5b96c0b9e3caf38ef3c/OvmfPkg/ResetVector/Ia16/ResetVectorVtf0.asm.
	SevEsResetBlockGUID = "00f771de-1a7e-4fcb-890e-68c77e2fb44e"

	// SevMetadataOffsetGUID is the SEV OVMF Metadata Offset GUID. In the firmware the GUID is
	// "dc886566-984a-4798-A75e-5585a7bf67cc" (notice the single capital letter), which uuid
	// renders in lowercase.
	SevMetadataOffsetGUID = "dc886566-984a-4798-a75e-5585a7bf67cc"

	// SevHashTableRVGUID marks the area OVMF reserves for the kernel/initrd/cmdline hash table
	// that QEMU fills in for measured direct boot.
	// https://github.com/tianocore/edk2/blob/master/OvmfPkg/ResetVector/Ia16/ResetVectorVtf0.asm
	SevHashTableRVGUID = "7255371f-3a3b-4b04-927b-1da6efa8d454"

	// SevSnpMetadataSignature is "A" "S" "E" "V". It will get read as "VESA", which in hex maps to
	// 0x56 0x45 0x53 0x41.
	SevSnpMetadataSignature = 0x56455341

	// SevUnmeasuredSection is the OVMF value of the SNP_SEC_MEM section, memory that the VMM
	// pre-validates for the guest. Can be found here:
	// https://github.com/tianocore/edk2/blob/master/OvmfPkg/ResetVector/X64/OvmfSevMetadata.asm
	SevUnmeasuredSection = uint32(0x1)
	// SevSecretSection is the OVMF value of the SEV secret section.
	SevSecretSection = uint32(0x2)
	// SevCpuidSection is the OVMF value of the SEV CPUID section.
	SevCpuidSection = uint32(0x3)
	// SevSvsmCaaSection is the OVMF value of the SVSM calling area section. Can be found here:
	// https://github.com/coconut-svsm/edk2/blob/svsm/OvmfPkg/ResetVector/X64/OvmfSevMetadata.asm
	SevSvsmCaaSection = uint32(0x4)
	// SevKernelHashesSection is the OVMF value of the page that holds the SEV hash table for
	// measured direct boot.
	SevKernelHashesSection = uint32(0x10)

	// SizeofSevEsResetBlock is the ABI size of the packed struct of an SevEsResetBlock.
	SizeofSevEsResetBlock = 4 + SizeofFwGUIDEntry
	// SizeofMetadataOffset is the ABI size of the packed struct of a MetadataOffset.
	SizeofMetadataOffset = 4 + SizeofFwGUIDEntry
	// SizeofSevHashTableRV is the ABI size of the packed struct of a SevHashTableRV.
	SizeofSevHashTableRV = 8 + SizeofFwGUIDEntry
	// SizeofSevMetadata is the ABI size of the packed struct of a SevMetadata.
	SizeofSevMetadata = 16
	// SizeofSevMetadataSection is the ABI size of the packed struct of a SevMetadataSection.
	SizeofSevMetadataSection = 12
)

// FwGUIDEntry is an ABI type found in OVMF binaries for describing a run of data in the binary as
// associated with a given GUID.
type FwGUIDEntry struct {
	Size uint16
	GUID uuid.UUID
}

// FromEFIGUID parses an EFI_GUID in its mixed-endian firmware format into a uuid.UUID.
func FromEFIGUID(efiguid []byte) (uuid.UUID, error) {
	var result uuid.UUID
	if len(efiguid) != 16 {
		return result, fmt.Errorf("incorrect data size for EFI GUID: %d, want 16", len(efiguid))
	}
	binary.BigEndian.PutUint32(result[0:4], binary.LittleEndian.Uint32(efiguid[0:4]))
	binary.BigEndian.PutUint16(result[4:6], binary.LittleEndian.Uint16(efiguid[4:6]))
	binary.BigEndian.PutUint16(result[6:8], binary.LittleEndian.Uint16(efiguid[6:8]))
	copy(result[8:16], efiguid[8:16])
	return result, nil
}

// PutUUID writes a uuid.UUID to binary in EFI_GUID little endian format.
func PutUUID(data []byte, guid uuid.UUID) error {
	if len(data) < 16 {
		return fmt.Errorf("data too small for GUID: %d < 16", len(data))
	}
	binary.LittleEndian.PutUint32(data[0:4], binary.BigEndian.Uint32(guid[0:4]))
	binary.LittleEndian.PutUint16(data[4:6], binary.BigEndian.Uint16(guid[4:6]))
	binary.LittleEndian.PutUint16(data[6:8], binary.BigEndian.Uint16(guid[6:8]))
	copy(data[8:16], guid[8:16])
	return nil
}

// Put writes f in its ABI format to the beginning of data.
func (f *FwGUIDEntry) Put(data []byte) error {
	if len(data) < SizeofFwGUIDEntry {
		return fmt.Errorf("data too small for FwGUIDEntry: %d < %d", len(data), SizeofFwGUIDEntry)
	}
	binary.LittleEndian.PutUint16(data[0:2], f.Size)
	return PutUUID(data[2:SizeofFwGUIDEntry], f.GUID)
}

// PopulateFromBytes sets f's fields from data by interpreting data as a packed struct FwGUIDEntry.
func (f *FwGUIDEntry) PopulateFromBytes(data []byte) (err error) {
	if len(data) < SizeofFwGUIDEntry {
		return fmt.Errorf("data too small for FwGUIDEntry: %d < %d", len(data), SizeofFwGUIDEntry)
	}
	f.Size = binary.LittleEndian.Uint16(data[0:2])
	f.GUID, err = FromEFIGUID(data[2:SizeofFwGUIDEntry])
	return err
}

// SevMetadataSection is an ABI-specific type for OVMF binaries. A single section containing
// information about a page that the VMM will have to set for the guest.
type SevMetadataSection struct {
	Address uint32
	Length  uint32
	Kind    uint32
}

// Put writes s in its ABI format to the beginning of data.
func (s *SevMetadataSection) Put(data []byte) error {
	if len(data) < SizeofSevMetadataSection {
		return fmt.Errorf("data too small for SEV metadata section: %d < %d", len(data), SizeofSevMetadataSection)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Address)
	binary.LittleEndian.PutUint32(data[4:8], s.Length)
	binary.LittleEndian.PutUint32(data[8:12], s.Kind)
	return nil
}

// SevMetadataSectionFromBytes returns the structured type interpretation of the ABI format of the
// same type.
func SevMetadataSectionFromBytes(data []byte) (SevMetadataSection, error) {
	if len(data) < SizeofSevMetadataSection {
		return SevMetadataSection{}, fmt.Errorf("data too small for SEV metadata section: %d < %d", len(data), SizeofSevMetadataSection)
	}
	return SevMetadataSection{
		Address: binary.LittleEndian.Uint32(data[0:4]),
		Length:  binary.LittleEndian.Uint32(data[4:8]),
		Kind:    binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// SevMetadata is the header of the SEV-SNP metadata that OVMF embeds for the VMM. It is followed
// by Sections SevMetadataSection entries that tell the VMM which ranges to pre-validate or
// populate (SEC_MEM, secrets page, CPUID page, kernel hashes page).
type SevMetadata struct {
	Signature uint32
	Length    uint32
	Version   uint32
	Sections  uint32
}

// Put writes s in its ABI format to the beginning of data.
func (s *SevMetadata) Put(data []byte) error {
	if len(data) < SizeofSevMetadata {
		return fmt.Errorf("data too small for SEV metadata: %d < %d", len(data), SizeofSevMetadata)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Signature)
	binary.LittleEndian.PutUint32(data[4:8], s.Length)
	binary.LittleEndian.PutUint32(data[8:12], s.Version)
	binary.LittleEndian.PutUint32(data[12:16], s.Sections)
	return nil
}

// SevMetadataFromBytes interprets the start of data as SevMetadata.
func SevMetadataFromBytes(data []byte) (*SevMetadata, error) {
	if len(data) < SizeofSevMetadata {
		return nil, fmt.Errorf("data too small for SEV metadata: %d < %d", len(data), SizeofSevMetadata)
	}
	return &SevMetadata{
		Signature: binary.LittleEndian.Uint32(data[0:4]),
		Length:    binary.LittleEndian.Uint32(data[4:8]),
		Version:   binary.LittleEndian.Uint32(data[8:12]),
		Sections:  binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// MetadataOffset represents the offset information in the GUIDed table pointing to the SNP
// metadata. The offset is counted back from the end of the firmware.
type MetadataOffset struct {
	Offset    uint32
	GUIDEntry FwGUIDEntry
}

// Put writes s in its ABI format to the beginning of data.
func (s *MetadataOffset) Put(data []byte) error {
	if len(data) < SizeofMetadataOffset {
		return fmt.Errorf("data too small for SEV metadata offset: %d < %d", len(data), SizeofMetadataOffset)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Offset)
	if err := s.GUIDEntry.Put(data[4:SizeofMetadataOffset]); err != nil {
		return fmt.Errorf("could not write GUIDEntry: %v", err)
	}
	return nil
}

// MetadataOffsetFromBytes interprets an OVMF GUID block as MetadataOffset.
func MetadataOffsetFromBytes(guidBlock []byte) (*MetadataOffset, error) {
	if len(guidBlock) < SizeofMetadataOffset {
		return nil, fmt.Errorf("data too small for SEV metadata offset: %d < %d", len(guidBlock), SizeofMetadataOffset)
	}
	result := &MetadataOffset{
		Offset: binary.LittleEndian.Uint32(guidBlock[0:4]),
	}
	if err := result.GUIDEntry.PopulateFromBytes(guidBlock[4:SizeofMetadataOffset]); err != nil {
		return nil, fmt.Errorf("could not populate GUIDEntry: %v", err)
	}
	return result, nil
}

// SevEsResetBlock holds the address SEV-ES application processors start executing from. SEV-ES
// forbids the VMM from emulating INIT-SIPI-SIPI, so the AP reset vector has to come from the
// firmware itself.
type SevEsResetBlock struct {
	Addr      uint32
	GUIDEntry FwGUIDEntry
}

// Put writes s in its ABI format to the beginning of data.
func (s *SevEsResetBlock) Put(data []byte) error {
	if len(data) < SizeofSevEsResetBlock {
		return fmt.Errorf("data too small for SEV-ES reset block: %d < %d", len(data), SizeofSevEsResetBlock)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Addr)
	return s.GUIDEntry.Put(data[4:SizeofSevEsResetBlock])
}

// SevEsResetBlockFromBytes interprets an SevEsResetBlock's binary format into a Golang struct.
func SevEsResetBlockFromBytes(data []byte) (*SevEsResetBlock, error) {
	if len(data) != SizeofSevEsResetBlock {
		return nil, fmt.Errorf("unexpected SEV-ES reset block size %d, want: %d", len(data), SizeofSevEsResetBlock)
	}
	result := &SevEsResetBlock{Addr: binary.LittleEndian.Uint32(data[0:4])}
	if err := result.GUIDEntry.PopulateFromBytes(data[4:]); err != nil {
		return nil, err
	}
	return result, nil
}

// SevHashTableRV describes the guest physical range OVMF reserves for the SEV hash table.
type SevHashTableRV struct {
	Address   uint32
	Length    uint32
	GUIDEntry FwGUIDEntry
}

// Put writes s in its ABI format to the beginning of data.
func (s *SevHashTableRV) Put(data []byte) error {
	if len(data) < SizeofSevHashTableRV {
		return fmt.Errorf("data too small for SEV hash table area: %d < %d", len(data), SizeofSevHashTableRV)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Address)
	binary.LittleEndian.PutUint32(data[4:8], s.Length)
	return s.GUIDEntry.Put(data[8:SizeofSevHashTableRV])
}

// SevHashTableRVFromBytes interprets an OVMF GUID block as SevHashTableRV.
func SevHashTableRVFromBytes(data []byte) (*SevHashTableRV, error) {
	if len(data) != SizeofSevHashTableRV {
		return nil, fmt.Errorf("unexpected SEV hash table area size %d, want: %d", len(data), SizeofSevHashTableRV)
	}
	result := &SevHashTableRV{
		Address: binary.LittleEndian.Uint32(data[0:4]),
		Length:  binary.LittleEndian.Uint32(data[4:8]),
	}
	if err := result.GUIDEntry.PopulateFromBytes(data[8:]); err != nil {
		return nil, err
	}
	return result, nil
}
