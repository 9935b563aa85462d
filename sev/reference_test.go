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
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"testing"

	"github.com/google/sevsnp-launch-digest/testing/fakeovmf"
)

// refDigest is a second, append-based rendition of the PAGE_INFO fold for cross-checking.
type refDigest [48]byte

func (r *refDigest) extend(pageType byte, gpa uint64, contents []byte) {
	var buf bytes.Buffer
	buf.Write(r[:])
	if contents == nil {
		buf.Write(make([]byte, 48))
	} else {
		sum := sha512.Sum384(contents)
		buf.Write(sum[:])
	}
	binary.Write(&buf, binary.LittleEndian, uint16(0x70))
	buf.WriteByte(pageType)
	buf.WriteByte(0)              // imi
	buf.Write([]byte{0, 0, 0, 0}) // vmpl3, vmpl2, vmpl1, reserved
	binary.Write(&buf, binary.LittleEndian, gpa)
	*r = sha512.Sum384(buf.Bytes())
}

func (r *refDigest) zeroPages(pageType byte, gpa uint64, length int) {
	for off := 0; off < length; off += 0x1000 {
		r.extend(pageType, gpa+uint64(off), nil)
	}
}

type refVmsaParams struct {
	eip      uint32
	csAttrib uint16
	ssAttrib uint16
	trAttrib uint16
	rdx      uint64
	mxcsr    uint32
	fcw      uint16
	features uint64
}

func qemuVmsaParams(eip, sig uint32, features uint64) refVmsaParams {
	return refVmsaParams{
		eip:      eip,
		csAttrib: 0x9b,
		ssAttrib: 0x93,
		trAttrib: 0x8b,
		rdx:      uint64(sig),
		mxcsr:    0x1f80,
		fcw:      0x37f,
		features: features,
	}
}

// refVmsa writes the expected reset state at its fixed save area offsets.
func refVmsa(p refVmsaParams) []byte {
	page := make([]byte, 0x1000)
	le := binary.LittleEndian
	seg := func(off int, selector, attrib uint16, limit uint32, base uint64) {
		le.PutUint16(page[off:], selector)
		le.PutUint16(page[off+2:], attrib)
		le.PutUint32(page[off+4:], limit)
		le.PutUint64(page[off+8:], base)
	}
	seg(0x00, 0, 0x93, 0xffff, 0)                                   // es
	seg(0x10, 0xf000, p.csAttrib, 0xffff, uint64(p.eip&0xffff0000)) // cs
	seg(0x20, 0, p.ssAttrib, 0xffff, 0)                             // ss
	seg(0x30, 0, 0x93, 0xffff, 0)                                   // ds
	seg(0x40, 0, 0x93, 0xffff, 0)                                   // fs
	seg(0x50, 0, 0x93, 0xffff, 0)                                   // gs
	seg(0x60, 0, 0, 0xffff, 0)                                      // gdtr
	seg(0x70, 0, 0x82, 0xffff, 0)                                   // ldtr
	seg(0x80, 0, 0, 0xffff, 0)                                      // idtr
	seg(0x90, 0, p.trAttrib, 0xffff, 0)                             // tr
	le.PutUint64(page[0xd0:], 0x1000)                               // efer
	le.PutUint64(page[0x148:], 0x40)                                // cr4
	le.PutUint64(page[0x158:], 0x10)                                // cr0
	le.PutUint64(page[0x160:], 0x400)                               // dr7
	le.PutUint64(page[0x168:], 0xffff0ff0)                          // dr6
	le.PutUint64(page[0x170:], 0x2)                                 // rflags
	le.PutUint64(page[0x178:], uint64(p.eip&0xffff))                // rip
	le.PutUint64(page[0x268:], 0x0007040600070406)                  // g_pat
	le.PutUint64(page[0x310:], p.rdx)                               // rdx
	le.PutUint64(page[0x3b0:], p.features)                          // sev_features
	le.PutUint64(page[0x3e8:], 0x1)                                 // xcr0
	le.PutUint32(page[0x408:], p.mxcsr)                             // mxcsr
	le.PutUint16(page[0x410:], p.fcw)                               // x87 fcw
	return page
}

type refLaunchParams struct {
	image    []byte
	table    []byte // padded hash table, nil for none
	vcpus    int
	vmsa     func(index int) refVmsaParams
	ec2Order bool
}

// refLaunch folds the fakeovmf.CleanExample launch sequence with its section layout spelled out.
func refLaunch(t testing.TB, p refLaunchParams) Digest {
	t.Helper()
	var r refDigest
	base := uint64(1<<32) - uint64(len(p.image))
	for off := 0; off < len(p.image); off += 0x1000 {
		r.extend(1, base+uint64(off), p.image[off:off+0x1000])
	}
	r.zeroPages(3, fakeovmf.SevSnpValidatedStartAddr, fakeovmf.SevSnpValidatedLength)
	r.zeroPages(5, fakeovmf.SevSnpSecretAddr, 0x1000)
	if !p.ec2Order {
		r.zeroPages(6, fakeovmf.SevSnpCpuidAddr, 0x1000)
	}
	if p.table != nil {
		page := make([]byte, 0x1000)
		copy(page[fakeovmf.SevHashTableAddr&0xfff:], p.table)
		r.extend(1, fakeovmf.SevSnpKernelHashesAddr, page)
	} else {
		r.zeroPages(3, fakeovmf.SevSnpKernelHashesAddr, 0x1000)
	}
	r.zeroPages(3, fakeovmf.SevSnpValidatedTailAddr, fakeovmf.SevSnpValidatedTailLength)
	if p.ec2Order {
		r.zeroPages(6, fakeovmf.SevSnpCpuidAddr, 0x1000)
	}
	for i := 0; i < p.vcpus; i++ {
		r.extend(2, 0xFFFFFFFFF000, refVmsa(p.vmsa(i)))
	}
	return Digest(r)
}

func qemuRefVmsas(sig uint32, features uint64) func(int) refVmsaParams {
	return func(index int) refVmsaParams {
		if index == 0 {
			return qemuVmsaParams(0xfffffff0, sig, features)
		}
		return qemuVmsaParams(fakeovmf.SevEsAddrVal, sig, features)
	}
}
