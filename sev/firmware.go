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
	"os"

	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
)

// Firmware placement constants. OVMF is mapped so that it ends at the 4GiB boundary.
const (
	KiB    = 1024
	MiB    = 1024 * KiB
	GiB    = 1024 * MiB
	RomTop = 4 * GiB
)

// FirmwareGPA returns the guest physical address the firmware image starts at.
func FirmwareGPA(size int) uint64 {
	return uint64(RomTop - size)
}

func checkFirmwareSize(size int) error {
	if size == 0 {
		return wrapf(ErrLength, "firmware image is empty")
	}
	if size%pageSize != 0 {
		return wrapf(ErrLength, "firmware image size 0x%x is not a multiple of the 0x%x page size", size, pageSize)
	}
	if size > RomTop {
		return wrapf(ErrLength, "firmware image size 0x%x does not fit below 4GiB", size)
	}
	return nil
}

// FirmwareDigest returns the launch digest after measuring every page of the firmware image as
// normal pages, starting from the all-zero digest. This is the value that seeds the rest of the
// launch measurement.
func FirmwareDigest(product sgpb.SevProduct_SevProductName, image []byte) (Digest, error) {
	if err := checkFirmwareSize(len(image)); err != nil {
		return Digest{}, err
	}
	measurement := &SnpMeasurement{Product: product}
	if err := measurement.Update(FirmwareGPA(len(image)), image, PageTypeNormal); err != nil {
		return Digest{}, err
	}
	return measurement.Digest, nil
}

// ReadFirmware reads a firmware image from path.
func ReadFirmware(path string) ([]byte, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapf(ErrInputRead, "%v", err)
	}
	return image, nil
}

// FirmwareDigestFromFile is FirmwareDigest of the firmware image at path.
func FirmwareDigestFromFile(product sgpb.SevProduct_SevProductName, path string) (Digest, error) {
	image, err := ReadFirmware(path)
	if err != nil {
		return Digest{}, err
	}
	return FirmwareDigest(product, image)
}
