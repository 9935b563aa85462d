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

// Package sev implements launch measurement reconstruction given a few inputs such as firmware.
package sev

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	oabi "github.com/google/sevsnp-launch-digest/ovmf/abi"
	"github.com/pkg/errors"
)

const pageSize = oabi.PageSize

var bitWidth = map[sgpb.SevProduct_SevProductName]int{
	sgpb.SevProduct_SEV_PRODUCT_MILAN: 48,
	sgpb.SevProduct_SEV_PRODUCT_GENOA: 52,
}

// DigestSize is the byte width of a SHA-384 launch digest.
const DigestSize = sha512.Size384

// Digest is an SEV-SNP launch digest, the value the MEASUREMENT field of an attestation report
// holds after launch.
type Digest [DigestSize]byte

// String returns the digest in lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// DigestFromBytes returns b as a Digest if it has the right width.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, wrapf(ErrLengthInvariant, "digest is %d bytes, want %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

// ProductHighAddress returns the highest GPA allowed for a PAGE_INFO on a given product.
// According to the SEV-SNP API documentation SNP_LAUNCH_UPDATE Actions section,
//
// "the guest physical address space is limited according to CPUID Fn80000008_EAX and
// thus the GPAs used by the firmware in measurement calculation are equally limited. Hypervisors
// should not attempt to map pages outside of this limit."
//
// Upon further clarification with AMD architects, we also should expect the address to be truncated
// to be page-aligned.
func ProductHighAddress(product sgpb.SevProduct_SevProductName) uint64 {
	return ((uint64(1) << bitWidth[product]) - 1) & ^uint64(0xfff)
}

func infoWithoutContents(digestCur *Digest, gpa uint64, pageType PageType) PageInfo {
	var info PageInfo
	copy(info.digestCur[:], digestCur[:])
	info.length = SizeofPageInfo
	info.pageType = uint8(pageType)
	info.gpa = gpa
	return info
}

func putPageInfoDigest(info *PageInfo, out *Digest) error {
	b, err := info.Bytes()
	if err != nil {
		return err
	}
	*out = sha512.Sum384(b)
	return nil
}

// SnpMeasurement represents the expected MEASUREMENT field of an SEV-SNP ATTESTATION_REPORT.
type SnpMeasurement struct {
	Digest  Digest
	Product sgpb.SevProduct_SevProductName
}

// Update4K extends an SnpMeasurement with a 4K page of data with a page type that measures the
// page contents.
func (m *SnpMeasurement) Update4K(gpa uint64, data []byte, pageType PageType) error {
	if len(data) != pageSize {
		return wrapf(ErrLengthInvariant, "measured page is 0x%x bytes, want 0x%x", len(data), pageSize)
	}
	info := infoWithoutContents(&m.Digest, gpa, pageType)
	info.contents = sha512.Sum384(data)
	return putPageInfoDigest(&info, &m.Digest)
}

// ZeroContentUpdate4K extends an SnpMeasurement with a 4K page of data with a page type that
// requires that the Contents component of its PAGE_INFO is all zeroes.
func (m *SnpMeasurement) ZeroContentUpdate4K(gpa uint64, pageType PageType) error {
	info := infoWithoutContents(&m.Digest, gpa, pageType)
	return putPageInfoDigest(&info, &m.Digest)
}

// Update extends an SnpMeasurement with several pages of data with a page type that measures the
// page contents.
func (m *SnpMeasurement) Update(gpa uint64, data []byte, pageType PageType) error {
	if err := m.checkUpdateDataGuestMemoryAlignment(gpa, uint64(len(data)), pageSize); err != nil {
		return err
	}
	for page4k := uint64(0); page4k < uint64(len(data)); page4k += pageSize {
		if err := m.Update4K(gpa+page4k, data[page4k:page4k+pageSize], pageType); err != nil {
			return err
		}
	}
	return nil
}

// ZeroContentUpdate extends an SnpMeasurement with several pages of data with a page type that
// requires the Contents component of its PAGE_INFO is all zeroes.
func (m *SnpMeasurement) ZeroContentUpdate(gpa uint64, size uint32, pageType PageType) error {
	switch pageType {
	case PageTypeVmsa:
		return errors.New("update for VMSA page type needs data contents")
	case PageTypeNormal:
		return errors.New("update for Normal page type needs data contents")
	case PageTypeUnmeasured:
	case PageTypeSecret:
	case PageTypeCpuid:
	case PageTypeZero:
	default:
		return fmt.Errorf("unknown pageType: %v", pageType)
	}
	if err := m.checkUpdateDataGuestMemoryAlignment(gpa, uint64(size), pageSize); err != nil {
		return err
	}
	for page4k := gpa; page4k < gpa+uint64(size); page4k += pageSize {
		if err := m.ZeroContentUpdate4K(page4k, pageType); err != nil {
			return err
		}
	}
	return nil
}

// checkUpdateDataGuestMemoryAlignment returns an error if the given address span isn't aligned on
// the given alignment or doesn't fit in the product's guest physical address space.
func (m *SnpMeasurement) checkUpdateDataGuestMemoryAlignment(guestUaddr uint64,
	guestLen uint64,
	alignment uint16) error {
	// Guest data must be aligned on |alignment| bytes.
	if guestUaddr%uint64(alignment) != 0 {
		return wrapf(ErrLength, "guest data must be of aligned on 0x%x bytes. Got address 0x%x", alignment, guestUaddr)
	}
	// Guest data size must be a multiple of the alignment.
	if guestLen%uint64(alignment) != 0 {
		return wrapf(ErrLength, "guest data must be of multiple of: 0x%x. Given data is size: 0x%x", alignment, guestLen)
	}
	// The high address is 1 page less than the highest byte, so we add 0x1000 on the right.
	limit := ProductHighAddress(m.Product) + pageSize
	if guestLen > limit || guestUaddr > limit-guestLen {
		return wrapf(ErrLength, "address range is larger than the product can represent: [0x%x, 0x%x)",
			guestUaddr, guestUaddr+guestLen)
	}
	return nil
}
