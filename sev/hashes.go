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
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"

	oabi "github.com/google/sevsnp-launch-digest/ovmf/abi"
	"github.com/google/uuid"
)

// GUIDs of the SEV hash table OVMF reads for measured direct boot. Defined in edk2's
// OvmfPkg/AmdSev/BlobVerifierLibSevHashes/BlobVerifierSevHashes.c.
const (
	SevHashTableHeaderGUID = "9438d606-4f22-4cc9-b479-a793d411fd21"
	SevCmdlineEntryGUID    = "97d02dd8-bd20-4c94-aa78-e7714d36ab2a"
	SevInitrdEntryGUID     = "44baf731-3a2f-4bd7-9af1-41e29169781d"
	SevKernelEntryGUID     = "4de79437-abd2-427f-b835-d5b172d2045b"
)

const (
	// HashSize is the width of the kernel, initrd, and cmdline hashes.
	HashSize = sha256.Size

	sizeofSevHashTableEntry = 16 + 2 + HashSize
	// SizeofSevHashTable is the ABI size of the hash table: a GUIDed header and three entries.
	SizeofSevHashTable = 16 + 2 + 3*sizeofSevHashTableEntry
	// SizeofPaddedSevHashTable is the hash table's size once padded to 16 bytes, which is how
	// QEMU writes it into guest memory.
	SizeofPaddedSevHashTable = (SizeofSevHashTable + 15) &^ 15
)

var (
	sevHashTableHeaderGUID = uuid.MustParse(SevHashTableHeaderGUID)
	sevCmdlineEntryGUID    = uuid.MustParse(SevCmdlineEntryGUID)
	sevInitrdEntryGUID     = uuid.MustParse(SevInitrdEntryGUID)
	sevKernelEntryGUID     = uuid.MustParse(SevKernelEntryGUID)
)

// SevHashes holds the SHA-256 hashes OVMF checks the kernel, initrd, and command line against
// before booting them.
type SevHashes struct {
	KernelHash  [HashSize]byte
	InitrdHash  [HashSize]byte
	CmdlineHash [HashSize]byte
}

// cmdlineHash hashes the command line the way the VMM passes it to the guest: NUL-terminated.
func cmdlineHash(cmdline string) [HashSize]byte {
	h := sha256.New()
	io.WriteString(h, cmdline)
	h.Write([]byte{0})
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewSevHashes returns the hashes of in-memory kernel and initrd contents and a command line. A
// nil or empty initrd stands for no initrd and gets the hash of the empty string.
func NewSevHashes(kernel, initrd []byte, cmdline string) *SevHashes {
	return &SevHashes{
		KernelHash:  sha256.Sum256(kernel),
		InitrdHash:  sha256.Sum256(initrd),
		CmdlineHash: cmdlineHash(cmdline),
	}
}

func hashFile(path string) ([HashSize]byte, error) {
	var out [HashSize]byte
	f, err := os.Open(path)
	if err != nil {
		return out, wrapf(ErrInputRead, "%v", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, wrapf(ErrInputRead, "could not read %q: %v", path, err)
	}
	sum := h.Sum(nil)
	if len(sum) != HashSize {
		return out, wrapf(ErrLengthInvariant, "hash of %q is %d bytes, want %d", path, len(sum), HashSize)
	}
	copy(out[:], sum)
	return out, nil
}

// SevHashesFromFiles streams the kernel and initrd files through SHA-256. An empty initrdPath means
// no initrd.
func SevHashesFromFiles(kernelPath, initrdPath, cmdline string) (*SevHashes, error) {
	kernelHash, err := hashFile(kernelPath)
	if err != nil {
		return nil, err
	}
	hashes := &SevHashes{
		KernelHash:  kernelHash,
		InitrdHash:  sha256.Sum256(nil),
		CmdlineHash: cmdlineHash(cmdline),
	}
	if initrdPath != "" {
		if hashes.InitrdHash, err = hashFile(initrdPath); err != nil {
			return nil, err
		}
	}
	return hashes, nil
}

func putHashTableEntry(data []byte, guid uuid.UUID, hash []byte) error {
	if len(hash) != HashSize {
		return wrapf(ErrLengthInvariant, "hash table entry %v has a %d byte hash, want %d", guid, len(hash), HashSize)
	}
	if err := oabi.PutUUID(data, guid); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(data[16:18], sizeofSevHashTableEntry)
	copy(data[18:sizeofSevHashTableEntry], hash)
	return nil
}

// Put writes the hash table in its ABI format to the beginning of data. The table's entries are
// ordered cmdline, initrd, kernel.
func (h *SevHashes) Put(data []byte) error {
	if len(data) < SizeofSevHashTable {
		return wrapf(ErrLength, "data too small for SEV hash table: %d < %d", len(data), SizeofSevHashTable)
	}
	if err := oabi.PutUUID(data, sevHashTableHeaderGUID); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(data[16:18], SizeofSevHashTable)
	entries := []struct {
		guid uuid.UUID
		hash []byte
	}{
		{sevCmdlineEntryGUID, h.CmdlineHash[:]},
		{sevInitrdEntryGUID, h.InitrdHash[:]},
		{sevKernelEntryGUID, h.KernelHash[:]},
	}
	offset := 18
	for _, entry := range entries {
		if err := putHashTableEntry(data[offset:], entry.guid, entry.hash); err != nil {
			return err
		}
		offset += sizeofSevHashTableEntry
	}
	return nil
}

// Table returns the zero-padded hash table.
func (h *SevHashes) Table() ([]byte, error) {
	table := make([]byte, SizeofPaddedSevHashTable)
	if err := h.Put(table); err != nil {
		return nil, err
	}
	return table, nil
}

// Page returns the 4K page that holds the padded hash table at the given offset, as measured.
func (h *SevHashes) Page(offset int) ([]byte, error) {
	if offset < 0 || offset+SizeofPaddedSevHashTable > pageSize {
		return nil, wrapf(ErrLength, "SEV hash table at page offset 0x%x does not fit in a page", offset)
	}
	page := make([]byte, pageSize)
	if err := h.Put(page[offset:]); err != nil {
		return nil, err
	}
	return page, nil
}
