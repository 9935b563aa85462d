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
	"strings"

	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// VMMType identifies the hypervisor that launches the guest. Each sets up the initial vCPU state
// slightly differently.
type VMMType int

const (
	// VMMTypeUnknown is the zero value and never valid.
	VMMTypeUnknown VMMType = iota
	// VMMTypeQEMU is QEMU/KVM.
	VMMTypeQEMU
	// VMMTypeEC2 is the AWS EC2 hypervisor.
	VMMTypeEC2
	// VMMTypeKRUN is libkrun.
	VMMTypeKRUN
)

var vmmTypeNames = map[VMMType]string{
	VMMTypeQEMU: "QEMU",
	VMMTypeEC2:  "EC2",
	VMMTypeKRUN: "KRUN",
}

func (t VMMType) String() string {
	if name, ok := vmmTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("VMMType(%d)", int(t))
}

// ParseVMMType returns the VMMType a case-insensitive name stands for.
func ParseVMMType(name string) (VMMType, error) {
	for t, n := range vmmTypeNames {
		if strings.EqualFold(n, name) {
			return t, nil
		}
	}
	names := maps.Values(vmmTypeNames)
	slices.Sort(names)
	return VMMTypeUnknown, wrapf(ErrUnsupportedConfiguration, "unknown VMM type %q, want one of %s",
		name, strings.Join(names, ", "))
}

// Initial vCPU register values that every supported VMM shares. The BSP starts at the reset vector;
// APs start where the SEV-ES reset block says.
const (
	BspResetEIP = 0xfffffff0

	// VmsaGPA is where KVM measures every VMSA page, -1 truncated to a 48-bit page address.
	VmsaGPA = 0xFFFFFFFFF000

	defaultGPat = 0x0007040600070406
)

// CPUSignature returns the CPUID Fn0000_0001_EAX value for a CPU family, model, and stepping.
func CPUSignature(family, model, stepping uint32) uint32 {
	familyLow, familyHigh := family, uint32(0)
	if family > 0xf {
		familyLow, familyHigh = 0xf, (family-0xf)&0xff
	}
	modelLow := model & 0xf
	modelHigh := (model >> 4) & 0xf
	steppingLow := stepping & 0xf
	return (familyHigh << 20) | (modelHigh << 16) | (familyLow << 8) | (modelLow << 4) | steppingLow
}

var (
	sigEpyc      = CPUSignature(23, 1, 2)
	sigEpycRome  = CPUSignature(23, 49, 0)
	sigEpycMilan = CPUSignature(25, 1, 1)
	sigEpycGenoa = CPUSignature(25, 17, 0)
)

// vcpuSignatures maps QEMU CPU model names to the signature QEMU reports for them.
var vcpuSignatures = map[string]uint32{
	"EPYC":          sigEpyc,
	"EPYC-v1":       sigEpyc,
	"EPYC-v2":       sigEpyc,
	"EPYC-IBPB":     sigEpyc,
	"EPYC-v3":       sigEpyc,
	"EPYC-v4":       sigEpyc,
	"EPYC-Rome":     sigEpycRome,
	"EPYC-Rome-v1":  sigEpycRome,
	"EPYC-Rome-v2":  sigEpycRome,
	"EPYC-Rome-v3":  sigEpycRome,
	"EPYC-Milan":    sigEpycMilan,
	"EPYC-Milan-v1": sigEpycMilan,
	"EPYC-Milan-v2": sigEpycMilan,
	"EPYC-Genoa":    sigEpycGenoa,
	"EPYC-Genoa-v1": sigEpycGenoa,
}

var defaultVcpuTypes = map[sgpb.SevProduct_SevProductName]string{
	sgpb.SevProduct_SEV_PRODUCT_MILAN: "EPYC-Milan",
	sgpb.SevProduct_SEV_PRODUCT_GENOA: "EPYC-Genoa",
}

// VcpuTypes returns the known vCPU type names in sorted order.
func VcpuTypes() []string {
	names := maps.Keys(vcpuSignatures)
	slices.Sort(names)
	return names
}

// VcpuSignature returns the CPU signature of a vCPU type name.
func VcpuSignature(vcpuType string) (uint32, error) {
	sig, ok := vcpuSignatures[vcpuType]
	if !ok {
		return 0, wrapf(ErrUnsupportedConfiguration, "unknown vCPU type %q, want one of %s",
			vcpuType, strings.Join(VcpuTypes(), ", "))
	}
	return sig, nil
}

// DefaultVcpuType returns the vCPU type a host CPU generation presents when none is requested.
func DefaultVcpuType(product sgpb.SevProduct_SevProductName) (string, error) {
	name, ok := defaultVcpuTypes[product]
	if !ok {
		return "", wrapf(ErrUnsupportedConfiguration, "no default vCPU type for CPU generation %s", productName(product))
	}
	return name, nil
}

func productName(product sgpb.SevProduct_SevProductName) string {
	return kds.ProductLine(&sgpb.SevProduct{Name: product})
}

// vmmDefaults are the VMM-specific parts of the initial vCPU state and launch sequence.
type vmmDefaults struct {
	// csAttribBsp applies to a vCPU starting at BspResetEIP, csAttrib to every other.
	csAttribBsp uint16
	csAttrib    uint16
	ssAttrib    uint16
	trAttrib    uint16
	// rdxSignature puts the vCPU signature in RDX as the reset state of a real CPU does.
	rdxSignature bool
	mxcsr        uint32
	x87Fcw       uint16
	// cpuidLast measures the CPUID page after every other metadata section.
	cpuidLast bool
}

var (
	qemuDefaults = vmmDefaults{
		csAttribBsp:  0x9b,
		csAttrib:     0x9b,
		ssAttrib:     0x93,
		trAttrib:     0x8b,
		rdxSignature: true,
		mxcsr:        0x1f80,
		x87Fcw:       0x37f,
	}
	ec2Defaults = vmmDefaults{
		csAttribBsp: 0x9a,
		csAttrib:    0x9b,
		ssAttrib:    0x92,
		trAttrib:    0x83,
		cpuidLast:   true,
	}
	krunDefaults = vmmDefaults{
		csAttribBsp: 0x9b,
		csAttrib:    0x9b,
		ssAttrib:    0x93,
		trAttrib:    0x8b,
		mxcsr:       0x1f80,
		x87Fcw:      0x37f,
	}
)

type platformKey struct {
	product sgpb.SevProduct_SevProductName
	vmm     VMMType
}

func (k platformKey) String() string {
	return fmt.Sprintf("%s/%s", productName(k.product), k.vmm)
}

// platformDefaults lists every supported {CPU generation, VMM} pair. Pairs missing here have no
// known measurement and are rejected.
var platformDefaults = map[platformKey]*vmmDefaults{
	{sgpb.SevProduct_SEV_PRODUCT_MILAN, VMMTypeQEMU}: &qemuDefaults,
	{sgpb.SevProduct_SEV_PRODUCT_GENOA, VMMTypeQEMU}: &qemuDefaults,
	{sgpb.SevProduct_SEV_PRODUCT_MILAN, VMMTypeEC2}:  &ec2Defaults,
	{sgpb.SevProduct_SEV_PRODUCT_MILAN, VMMTypeKRUN}: &krunDefaults,
	{sgpb.SevProduct_SEV_PRODUCT_GENOA, VMMTypeKRUN}: &krunDefaults,
}

// SupportedPlatforms returns the supported "generation/VMM" pairs in sorted order.
func SupportedPlatforms() []string {
	var result []string
	for key := range platformDefaults {
		result = append(result, key.String())
	}
	slices.Sort(result)
	return result
}

func lookupPlatform(product sgpb.SevProduct_SevProductName, vmm VMMType) (*vmmDefaults, error) {
	key := platformKey{product: product, vmm: vmm}
	defaults, ok := platformDefaults[key]
	if !ok {
		return nil, wrapf(ErrUnsupportedConfiguration, "no launch defaults for CPU generation and VMM %s, want one of %s",
			key, strings.Join(SupportedPlatforms(), ", "))
	}
	return defaults, nil
}

// CheckPlatform returns an error if the CPU generation and VMM pair has no launch defaults.
func CheckPlatform(product sgpb.SevProduct_SevProductName, vmm VMMType) error {
	_, err := lookupPlatform(product, vmm)
	return err
}

// VmsaOptions configures the initial vCPU state of a launch.
type VmsaOptions struct {
	Product       sgpb.SevProduct_SevProductName
	VMMType       VMMType
	VcpuSignature uint32
	GuestFeatures uint64
	// ApEIP is the AP start address from the firmware's SEV-ES reset block. Nil if the firmware
	// has none, which only a single vCPU launch allows.
	ApEIP *uint32
}

// VmsaBuilder produces the VMSA pages of one launch configuration.
type VmsaBuilder struct {
	opts     VmsaOptions
	defaults *vmmDefaults
}

// NewVmsaBuilder returns a VmsaBuilder for a supported configuration.
func NewVmsaBuilder(opts *VmsaOptions) (*VmsaBuilder, error) {
	defaults, err := lookupPlatform(opts.Product, opts.VMMType)
	if err != nil {
		return nil, err
	}
	return &VmsaBuilder{opts: *opts, defaults: defaults}, nil
}

func (b *VmsaBuilder) eip(index int) (uint32, error) {
	if index < 0 {
		return 0, wrapf(ErrChainOrder, "negative vCPU index %d", index)
	}
	if index == 0 {
		return BspResetEIP, nil
	}
	if b.opts.ApEIP == nil {
		return 0, wrapf(ErrFirmwareLayout, "vCPU %d needs the SEV-ES reset block, which the firmware lacks", index)
	}
	return *b.opts.ApEIP, nil
}

// SaveArea returns the initial save area of vCPU index. Index 0 is the bootstrap processor.
func (b *VmsaBuilder) SaveArea(index int) (*SaveArea, error) {
	eip, err := b.eip(index)
	if err != nil {
		return nil, err
	}
	d := b.defaults
	csAttrib := d.csAttrib
	if eip == BspResetEIP {
		csAttrib = d.csAttribBsp
	}
	data := VmcbSeg{Attrib: 0x93, Limit: 0xffff}
	v := &SaveArea{
		Es:          data,
		Cs:          VmcbSeg{Selector: 0xf000, Attrib: csAttrib, Limit: 0xffff, Base: uint64(eip & 0xffff0000)},
		Ss:          VmcbSeg{Attrib: d.ssAttrib, Limit: 0xffff},
		Ds:          data,
		Fs:          data,
		Gs:          data,
		Gdtr:        VmcbSeg{Limit: 0xffff},
		Ldtr:        VmcbSeg{Attrib: 0x82, Limit: 0xffff},
		Idtr:        VmcbSeg{Limit: 0xffff},
		Tr:          VmcbSeg{Attrib: d.trAttrib, Limit: 0xffff},
		Efer:        0x1000,
		Cr4:         0x40,
		Cr0:         0x10,
		Dr7:         0x400,
		Dr6:         0xffff0ff0,
		Rflags:      0x2,
		Rip:         uint64(eip & 0xffff),
		GPat:        defaultGPat,
		SevFeatures: b.opts.GuestFeatures,
		Xcr0:        0x1,
		Mxcsr:       d.mxcsr,
		X87Fcw:      d.x87Fcw,
	}
	if d.rdxSignature {
		v.Rdx = uint64(b.opts.VcpuSignature)
	}
	return v, nil
}

// Page returns the measured 4K page of vCPU index's initial save area.
func (b *VmsaBuilder) Page(index int) ([]byte, error) {
	v, err := b.SaveArea(index)
	if err != nil {
		return nil, err
	}
	page, err := v.Bytes()
	if err != nil {
		return nil, err
	}
	if len(page) != pageSize {
		return nil, wrapf(ErrLengthInvariant, "VMSA page is 0x%x bytes, want 0x%x", len(page), pageSize)
	}
	return page, nil
}
