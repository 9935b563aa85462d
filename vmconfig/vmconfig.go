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

// Package vmconfig loads the TOML description of a VM whose launch digest is to be computed.
package vmconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/go-sev-guest/abi"
	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/logger"
	"github.com/google/sevsnp-launch-digest/sev"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// ErrConfiguration is returned when a VM description is missing, unparsable, or invalid.
var ErrConfiguration = errors.New("invalid VM description")

// IDBlockIDSize is the width of the FAMILY_ID and IMAGE_ID values of an SEV-SNP ID block.
const IDBlockIDSize = 16

// TCB is the minimum committed TCB a VM description requires, as its component security patch
// levels.
type TCB struct {
	Bootloader uint8
	Tee        uint8
	Snp        uint8
	Microcode  uint8
}

// VMDescription is a validated description of a VM launch. Only the firmware, kernel, initrd,
// command line, vCPU count and type, CPU generation, VMM type, and guest features affect the
// launch digest. The remaining fields are validated and passed through.
type VMDescription struct {
	HostCPUFamily sgpb.SevProduct_SevProductName
	VcpuCount     int
	// VcpuType is the QEMU CPU model name. Empty means the CPU generation's default.
	VcpuType      string
	VMMType       sev.VMMType
	GuestFeatures uint64
	OvmfFile      string
	// KernelFile is empty for a launch without a measured kernel.
	KernelFile string
	// InitrdFile is empty for a launch without an initrd.
	InitrdFile    string
	KernelCmdline string

	PlatformInfo    uint64
	GuestPolicy     uint64
	MinCommittedTCB TCB
	FamilyID        [IDBlockIDSize]byte
	ImageID         [IDBlockIDSize]byte
}

// TCBVersion returns the minimum committed TCB in its packed form.
func (d *VMDescription) TCBVersion() (kds.TCBVersion, error) {
	return kds.ComposeTCBParts(kds.TCBParts{
		BlSpl:    d.MinCommittedTCB.Bootloader,
		TeeSpl:   d.MinCommittedTCB.Tee,
		SnpSpl:   d.MinCommittedTCB.Snp,
		UcodeSpl: d.MinCommittedTCB.Microcode,
	})
}

type tcbFile struct {
	Bootloader uint8   `toml:"bootloader"`
	Tee        uint8   `toml:"tee"`
	Snp        uint8   `toml:"snp"`
	Microcode  uint8   `toml:"microcode"`
	Reserved   []uint8 `toml:"_reserved"`
}

// descriptionFile is the on-disk shape of a VM description. The min_commited_tcb spelling matches
// the files existing build scripts write.
type descriptionFile struct {
	HostCPUFamily  string   `toml:"host_cpu_family"`
	VcpuCount      int      `toml:"vcpu_count"`
	VcpuType       string   `toml:"vcpu_type"`
	VMMType        string   `toml:"vmm_type"`
	OvmfFile       string   `toml:"ovmf_file"`
	GuestFeatures  uint64   `toml:"guest_features"`
	KernelFile     string   `toml:"kernel_file"`
	InitrdFile     string   `toml:"initrd_file"`
	KernelCmdline  string   `toml:"kernel_cmdline"`
	PlatformInfo   uint64   `toml:"platform_info"`
	MinCommitedTCB *tcbFile `toml:"min_commited_tcb"`
	GuestPolicy    uint64   `toml:"guest_policy"`
	FamilyID       string   `toml:"family_id"`
	ImageID        string   `toml:"image_id"`
}

func fieldErr(field string, format string, args ...any) error {
	return fmt.Errorf("%s: %s", field, fmt.Sprintf(format, args...))
}

func wrapField(field string, err error) error {
	return fmt.Errorf("%s: %w", field, err)
}

func parseID(field, value string) ([IDBlockIDSize]byte, error) {
	var id [IDBlockIDSize]byte
	if value == "" {
		return id, nil
	}
	// uuid.Parse accepts both the dashed form and the 32 hex digit form.
	u, err := uuid.Parse(value)
	if err != nil {
		return id, fieldErr(field, "%q is not 32 hex digits: %v", value, err)
	}
	copy(id[:], u[:])
	return id, nil
}

func (f *descriptionFile) product() (sgpb.SevProduct_SevProductName, error) {
	if f.HostCPUFamily == "" {
		return sgpb.SevProduct_SEV_PRODUCT_UNKNOWN, fieldErr("host_cpu_family", "missing, want Milan or Genoa")
	}
	product, err := kds.ParseProductLine(f.HostCPUFamily)
	if err != nil {
		return sgpb.SevProduct_SEV_PRODUCT_UNKNOWN, wrapField("host_cpu_family", err)
	}
	return product.Name, nil
}

func (f *descriptionFile) vmmType() (sev.VMMType, error) {
	if f.VMMType == "" {
		return sev.VMMTypeUnknown, fieldErr("vmm_type", "missing, want one of QEMU, EC2, KRUN")
	}
	t, err := sev.ParseVMMType(f.VMMType)
	if err != nil {
		return sev.VMMTypeUnknown, wrapField("vmm_type", err)
	}
	return t, nil
}

func (f *descriptionFile) tcb() (TCB, error) {
	if f.MinCommitedTCB == nil {
		return TCB{}, fieldErr("min_commited_tcb", "missing table")
	}
	t := f.MinCommitedTCB
	for i, b := range t.Reserved {
		if b != 0 {
			return TCB{}, fieldErr("min_commited_tcb._reserved", "byte %d is 0x%x, want 0", i, b)
		}
	}
	if len(t.Reserved) > 4 {
		return TCB{}, fieldErr("min_commited_tcb._reserved", "has %d bytes, want at most 4", len(t.Reserved))
	}
	return TCB{Bootloader: t.Bootloader, Tee: t.Tee, Snp: t.Snp, Microcode: t.Microcode}, nil
}

// validate converts the file into a VMDescription and collects every invalid field.
func (f *descriptionFile) validate() (*VMDescription, error) {
	var errs error
	d := &VMDescription{
		VcpuCount:     f.VcpuCount,
		VcpuType:      f.VcpuType,
		GuestFeatures: f.GuestFeatures,
		OvmfFile:      f.OvmfFile,
		KernelFile:    f.KernelFile,
		InitrdFile:    f.InitrdFile,
		KernelCmdline: f.KernelCmdline,
		PlatformInfo:  f.PlatformInfo,
		GuestPolicy:   f.GuestPolicy,
	}
	var productErr, vmmErr error
	d.HostCPUFamily, productErr = f.product()
	d.VMMType, vmmErr = f.vmmType()
	errs = multierr.Append(errs, productErr)
	errs = multierr.Append(errs, vmmErr)
	if productErr == nil && vmmErr == nil {
		if err := sev.CheckPlatform(d.HostCPUFamily, d.VMMType); err != nil {
			errs = multierr.Append(errs, wrapField("vmm_type", err))
		}
	}
	if f.VcpuCount < 1 {
		errs = multierr.Append(errs, fieldErr("vcpu_count", "%d, want at least 1", f.VcpuCount))
	}
	if f.VcpuType != "" {
		if _, err := sev.VcpuSignature(f.VcpuType); err != nil {
			errs = multierr.Append(errs, wrapField("vcpu_type", err))
		}
	}
	if f.OvmfFile == "" {
		errs = multierr.Append(errs, fieldErr("ovmf_file", "missing"))
	}
	if f.KernelFile == "" && (f.InitrdFile != "" || f.KernelCmdline != "") {
		errs = multierr.Append(errs, fieldErr("kernel_file", "missing, but initrd_file or kernel_cmdline is set"))
	}
	if _, err := abi.ParseSnpPlatformInfo(f.PlatformInfo); err != nil {
		errs = multierr.Append(errs, fieldErr("platform_info", "0x%x: %v", f.PlatformInfo, err))
	}
	if _, err := abi.ParseSnpPolicy(f.GuestPolicy); err != nil {
		errs = multierr.Append(errs, fieldErr("guest_policy", "0x%x: %v", f.GuestPolicy, err))
	}
	var err error
	if d.MinCommittedTCB, err = f.tcb(); err != nil {
		errs = multierr.Append(errs, err)
	} else if _, err := d.TCBVersion(); err != nil {
		errs = multierr.Append(errs, wrapField("min_commited_tcb", err))
	}
	if d.FamilyID, err = parseID("family_id", f.FamilyID); err != nil {
		errs = multierr.Append(errs, err)
	}
	if d.ImageID, err = parseID("image_id", f.ImageID); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, errs)
	}
	return d, nil
}

// Parse returns the validated VM description in a TOML document. Every invalid field is reported,
// not just the first.
func Parse(data string) (*VMDescription, error) {
	var f descriptionFile
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logger.Warningf("ignoring unknown VM description keys: %s", strings.Join(keys, ", "))
	}
	return f.validate()
}

// Load reads and validates the VM description at path. Paths in the description are used as
// given, so relative paths resolve against the working directory.
func Load(path string) (*VMDescription, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read %s: %v", ErrConfiguration, path, err)
	}
	d, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
