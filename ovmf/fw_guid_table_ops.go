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

// Package ovmf includes tools for parsing OVMF binaries for measurement-specific values.
package ovmf

import (
	"fmt"

	"github.com/google/sevsnp-launch-digest/ovmf/abi"
	"github.com/google/uuid"
)

var footerGUID = uuid.MustParse(abi.FwGUIDTableFooterGUID)

// GetFwGUIDTable returns OVMF's embedded GUID table without its footer entry.
//
// The table ends FwGUIDTableEndOffset bytes before the end of the image with a footer entry whose
// size covers the whole table, footer included.
func GetFwGUIDTable(firmware []byte) ([]byte, error) {
	footerOffsetFromEnd := abi.FwGUIDTableEndOffset + abi.SizeofFwGUIDEntry
	if len(firmware) < footerOffsetFromEnd {
		return nil, fmt.Errorf("firmware is too small: found size 0x%x < 0x%x", len(firmware),
			footerOffsetFromEnd)
	}

	footerStart := len(firmware) - footerOffsetFromEnd
	var footer abi.FwGUIDEntry
	if err := footer.PopulateFromBytes(firmware[footerStart : footerStart+abi.SizeofFwGUIDEntry]); err != nil {
		return nil, err
	}
	if footer.GUID != footerGUID {
		return nil, fmt.Errorf("invalid firmware image without the GUIDed table. Got %v, want %v",
			footer.GUID, footerGUID)
	}

	tableSize := int(footer.Size)
	if tableSize < abi.SizeofFwGUIDEntry || len(firmware) < tableSize+abi.FwGUIDTableEndOffset {
		return nil, fmt.Errorf("invalid GUIDed table size: found size %d fw_size: %d", footer.Size,
			len(firmware))
	}
	tableStart := len(firmware) - abi.FwGUIDTableEndOffset - tableSize
	return firmware[tableStart:footerStart], nil
}

// GetFwGUIDToBlockMap returns a map of GUID string to the slice of firmware the GUID names. Each
// slice includes the block's trailing FwGUIDEntry.
func GetFwGUIDToBlockMap(firmware []byte) (map[string][]byte, error) {
	table, err := GetFwGUIDTable(firmware)
	if err != nil {
		return nil, err
	}

	blocks := make(map[string][]byte)
	// Entries trail their data, so walk from the bottom of the table upwards.
	for end := len(table); end > 0; {
		if end < abi.SizeofFwGUIDEntry {
			return nil, fmt.Errorf("GUIDed table size unexpected, min exp size: %d remaining size: %d table length: %d",
				abi.SizeofFwGUIDEntry, end, len(table))
		}
		var entry abi.FwGUIDEntry
		if err := entry.PopulateFromBytes(table[end-abi.SizeofFwGUIDEntry : end]); err != nil {
			return nil, err
		}
		size := int(entry.Size)
		if size < abi.SizeofFwGUIDEntry || size > end {
			return nil, fmt.Errorf("GUIDed table entries are corrupted, remaining size: %d, size found: %d, table length: %d",
				end, entry.Size, len(table))
		}
		key := entry.GUID.String()
		if _, ok := blocks[key]; ok {
			return nil, fmt.Errorf("duplicate GUIDs in the table, repeated GUID: %s", key)
		}
		blocks[key] = table[end-size : end]
		end -= size
	}
	return blocks, nil
}
