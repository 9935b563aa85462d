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
	"encoding/binary"
	"fmt"
)

// Types and values specified in AMD SNP API revision 1.51
// https://www.amd.com/system/files/TechDocs/56860.pdf

// Permissions assignable in the RMP for a page's assess permissions by a vCPU
// with VPML number specified in vmpl[n]_perms.
// VMPL0 has all access permissions.
const (
	VmplPermissionExecuteSupervisor = uint8(1 << 3)
	VmplPermissionExecuteUser       = uint8(1 << 2)
	VmplPermissionWrite             = uint8(1 << 1)
	VmplPermissionRead              = uint8(1 << 0)

	// Flag for whether a page is included in the Initial Measured Image (IMI).
	IsInitialMeasuredImage = 1

	// SizeofPageInfo is the ABI size of PAGE_INFO.
	SizeofPageInfo = 0x70

	// SizeofVmcbSeg is the ABI size of an AMD-V VMCB segment struct.
	SizeofVmcbSeg = 16
	// SizeofVmsa is the ABI size of the SEV-ES VMCB secure save area.
	SizeofVmsa = 0x670
)

// PageType is an enum to safe-guard validity of Secure Nested Paging (SNP) page types.
// SNP ABI documentation for SNP_LAUNCH_UPDATE, Encodings for the PAGE_TYPE Field.
type PageType uint8

const (
	// PageTypeNormal is the SEV-SNP ABI encoding of a normally measured page.
	PageTypeNormal PageType = iota + 1
	// PageTypeVmsa is the SEV-SNP ABI encoding of an encrypted VMCB save area.
	PageTypeVmsa
	// PageTypeZero is the SEV-SNP ABI encoding of a zero page.
	PageTypeZero
	// PageTypeUnmeasured is the SEV-SNP ABI encoding of an unmeasured page
	PageTypeUnmeasured
	// PageTypeSecret is the SEV-SNP ABI encoding of the special Secrets page that the firmware will
	// populate at launch.
	PageTypeSecret
	// PageTypeCpuid is the SEV-SNP ABI encoding of a CPUID table page that the firmware will check
	// at launch.
	PageTypeCpuid
)

func (t PageType) String() string {
	switch t {
	case PageTypeNormal:
		return "NORMAL"
	case PageTypeVmsa:
		return "VMSA"
	case PageTypeZero:
		return "ZERO"
	case PageTypeUnmeasured:
		return "UNMEASURED"
	case PageTypeSecret:
		return "SECRETS"
	case PageTypeCpuid:
		return "CPUID"
	}
	return fmt.Sprintf("PageType(%d)", uint8(t))
}

// PageInfo represents an extension to the running launch_digest of an SNP launch. This
// struct is documented AMD ABI in SNP firmware API revision 1.51 as PAGE_INFO:
type PageInfo struct {
	// 48 is SHA384_DIGEST_LENGTH
	digestCur  [48]byte
	contents   [48]byte
	length     uint16
	pageType   uint8
	imi        uint8 // Bits 7:1 are reserved.
	vmpl3Perms uint8
	vmpl2Perms uint8
	vmpl1Perms uint8
	gpa        uint64
}

// Put writes the PageInfo into data as an SEV-SNP PAGE_INFO byte sequence.
func (p *PageInfo) Put(data []byte) error {
	if len(data) < SizeofPageInfo {
		return fmt.Errorf("data too small for PageInfo: %d < %d", len(data), SizeofPageInfo)
	}
	copy(data[0:0x30], p.digestCur[:])
	copy(data[0x30:0x60], p.contents[:])
	binary.LittleEndian.PutUint16(data[0x60:0x62], p.length)
	data[0x62] = p.pageType
	data[0x63] = p.imi
	data[0x64] = p.vmpl3Perms
	data[0x65] = p.vmpl2Perms
	data[0x66] = p.vmpl1Perms
	data[0x67] = 0
	binary.LittleEndian.PutUint64(data[0x68:0x70], p.gpa)
	return nil
}

// Bytes serializes a PageInfo into an SEV-SNP PAGE_INFO byte sequence.
func (p *PageInfo) Bytes() ([]byte, error) {
	result := make([]byte, SizeofPageInfo)
	if err := p.Put(result); err != nil {
		return nil, err
	}
	return result, nil
}

// VmcbSeg is an AMD-V VMCB segment register.
type VmcbSeg struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// Put writes s in its ABI format to the beginning of data.
func (s *VmcbSeg) Put(data []byte) error {
	if len(data) < SizeofVmcbSeg {
		return fmt.Errorf("data too small for VmcbSeg: %d < %d", len(data), SizeofVmcbSeg)
	}
	binary.LittleEndian.PutUint16(data[0:2], s.Selector)
	binary.LittleEndian.PutUint16(data[2:4], s.Attrib)
	binary.LittleEndian.PutUint32(data[4:8], s.Limit)
	binary.LittleEndian.PutUint64(data[8:SizeofVmcbSeg], s.Base)
	return nil
}

// SaveArea is the SEV-ES VMCB save area (VMSA) as the VMM sets it up before launch. Fields
// absent here are reserved or zero at reset.
type SaveArea struct {
	Es, Cs, Ss, Ds, Fs, Gs     VmcbSeg
	Gdtr, Ldtr, Idtr, Tr       VmcbSeg
	Cpl                        uint8
	Efer                       uint64
	Xss, Cr4, Cr3, Cr0         uint64
	Dr7, Dr6                   uint64
	Rflags, Rip                uint64
	Rsp, Rax                   uint64
	GPat                       uint64
	Pkru                       uint32
	Rcx, Rdx, Rbx, Rbp         uint64
	Rsi, Rdi                   uint64
	SevFeatures                uint64
	Xcr0                       uint64
	Mxcsr                      uint32
	X87Fcw                     uint16
	Star, Lstar, Cstar, Sfmask uint64
}

// Put writes the VMCB Save area (VMSA) in its ABI format to data. Bytes of data past SizeofVmsa
// are left untouched.
func (v *SaveArea) Put(data []byte) error {
	if len(data) < SizeofVmsa {
		return fmt.Errorf("data too small for VMSA: %d < %d", len(data), SizeofVmsa)
	}
	for i := 0; i < SizeofVmsa; i++ {
		data[i] = 0
	}
	segs := []struct {
		name string
		seg  *VmcbSeg
	}{
		{"ES", &v.Es}, {"CS", &v.Cs}, {"SS", &v.Ss}, {"DS", &v.Ds}, {"FS", &v.Fs},
		{"GS", &v.Gs}, {"GDTR", &v.Gdtr}, {"LDTR", &v.Ldtr}, {"IDTR", &v.Idtr}, {"TR", &v.Tr},
	}
	for i, s := range segs {
		if err := s.seg.Put(data[i*SizeofVmcbSeg:]); err != nil {
			return fmt.Errorf("could not write VMSA.%s: %v", s.name, err)
		}
	}
	data[0xCB] = v.Cpl
	binary.LittleEndian.PutUint64(data[0xD0:0xD8], v.Efer)
	binary.LittleEndian.PutUint64(data[0x140:0x148], v.Xss)
	binary.LittleEndian.PutUint64(data[0x148:0x150], v.Cr4)
	binary.LittleEndian.PutUint64(data[0x150:0x158], v.Cr3)
	binary.LittleEndian.PutUint64(data[0x158:0x160], v.Cr0)
	binary.LittleEndian.PutUint64(data[0x160:0x168], v.Dr7)
	binary.LittleEndian.PutUint64(data[0x168:0x170], v.Dr6)
	binary.LittleEndian.PutUint64(data[0x170:0x178], v.Rflags)
	binary.LittleEndian.PutUint64(data[0x178:0x180], v.Rip)
	binary.LittleEndian.PutUint64(data[0x1D8:0x1E0], v.Rsp)
	binary.LittleEndian.PutUint64(data[0x1F8:0x200], v.Rax)
	binary.LittleEndian.PutUint64(data[0x200:0x208], v.Star)
	binary.LittleEndian.PutUint64(data[0x208:0x210], v.Lstar)
	binary.LittleEndian.PutUint64(data[0x210:0x218], v.Cstar)
	binary.LittleEndian.PutUint64(data[0x218:0x220], v.Sfmask)
	binary.LittleEndian.PutUint64(data[0x268:0x270], v.GPat)

	// SEV-ES fields
	binary.LittleEndian.PutUint32(data[0x2E8:0x2EC], v.Pkru)
	binary.LittleEndian.PutUint64(data[0x308:0x310], v.Rcx)
	binary.LittleEndian.PutUint64(data[0x310:0x318], v.Rdx)
	binary.LittleEndian.PutUint64(data[0x318:0x320], v.Rbx)
	binary.LittleEndian.PutUint64(data[0x328:0x330], v.Rbp)
	binary.LittleEndian.PutUint64(data[0x330:0x338], v.Rsi)
	binary.LittleEndian.PutUint64(data[0x338:0x340], v.Rdi)
	binary.LittleEndian.PutUint64(data[0x3B0:0x3B8], v.SevFeatures)
	binary.LittleEndian.PutUint64(data[0x3E8:0x3F0], v.Xcr0)
	binary.LittleEndian.PutUint32(data[0x408:0x40C], v.Mxcsr)
	binary.LittleEndian.PutUint16(data[0x410:0x412], v.X87Fcw)
	return nil
}

// Bytes returns the VMSA in a zero-padded 4K page, which is how it is measured.
func (v *SaveArea) Bytes() ([]byte, error) {
	page := make([]byte, pageSize)
	if err := v.Put(page); err != nil {
		return nil, err
	}
	return page, nil
}
