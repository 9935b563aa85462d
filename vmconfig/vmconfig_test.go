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

package vmconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/sevsnp-launch-digest/sev"
	"github.com/google/sevsnp-launch-digest/testing/match"
)

const goodDescription = `host_cpu_family = "Milan"
vcpu_count = 2
vmm_type = "QEMU"
ovmf_file = "OVMF.fd"
guest_features = 0x1
kernel_file = "bzImage"
initrd_file = "initrd.img"
kernel_cmdline = "console=ttyS0"
platform_info = 0x3
guest_policy = 0x30000
family_id = "00000000000000000000000000000000"
image_id = "0123456789abcdef0123456789ABCDEF"
[min_commited_tcb]
bootloader = 4
tee = 0
snp = 22
microcode = 213
_reserved = [0, 0, 0, 0]
`

// withLines replaces each line of goodDescription that starts with a key of replacements.
func withLines(replacements map[string]string) string {
	lines := strings.Split(goodDescription, "\n")
	for i, l := range lines {
		for key, line := range replacements {
			if strings.HasPrefix(l, key+" ") {
				lines[i] = line
			}
		}
	}
	return strings.Join(lines, "\n")
}

func withLine(key, line string) string {
	return withLines(map[string]string{key: line})
}

func TestParse(t *testing.T) {
	got, err := Parse(goodDescription)
	if err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	want := &VMDescription{
		HostCPUFamily:   sgpb.SevProduct_SEV_PRODUCT_MILAN,
		VcpuCount:       2,
		VMMType:         sev.VMMTypeQEMU,
		GuestFeatures:   1,
		OvmfFile:        "OVMF.fd",
		KernelFile:      "bzImage",
		InitrdFile:      "initrd.img",
		KernelCmdline:   "console=ttyS0",
		PlatformInfo:    3,
		GuestPolicy:     0x30000,
		MinCommittedTCB: TCB{Bootloader: 4, Snp: 22, Microcode: 213},
		ImageID: [IDBlockIDSize]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
			0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got): %s", diff)
	}
	tcb, err := got.TCBVersion()
	if err != nil {
		t.Fatal(err)
	}
	if tcb != 0xd516000000000004 {
		t.Errorf("TCBVersion() = 0x%x, want 0xd516000000000004", uint64(tcb))
	}
}

func TestParseOptionalFields(t *testing.T) {
	tcs := []struct {
		name  string
		input string
		check func(*VMDescription) bool
	}{
		{
			name:  "genoa with vcpu type",
			input: withLine("host_cpu_family", `host_cpu_family = "Genoa"`+"\nvcpu_type = \"EPYC-Rome\""),
			check: func(d *VMDescription) bool {
				return d.HostCPUFamily == sgpb.SevProduct_SEV_PRODUCT_GENOA && d.VcpuType == "EPYC-Rome"
			},
		},
		{
			name:  "no initrd",
			input: withLine("initrd_file", `initrd_file = ""`),
			check: func(d *VMDescription) bool { return d.InitrdFile == "" },
		},
		{
			name:  "dashed image id",
			input: withLine("image_id", `image_id = "01234567-89ab-cdef-0123-456789abcdef"`),
			check: func(d *VMDescription) bool { return d.ImageID[0] == 0x01 && d.ImageID[15] == 0xef },
		},
		{
			name: "no kernel",
			input: withLines(map[string]string{
				"kernel_file":    `kernel_file = ""`,
				"initrd_file":    `initrd_file = ""`,
				"kernel_cmdline": `kernel_cmdline = ""`,
			}),
			check: func(d *VMDescription) bool { return d.KernelFile == "" },
		},
		{
			name:  "lowercase vmm",
			input: withLine("vmm_type", `vmm_type = "krun"`),
			check: func(d *VMDescription) bool { return d.VMMType == sev.VMMTypeKRUN },
		},
		{
			name:  "unknown keys ignored",
			input: goodDescription[:strings.Index(goodDescription, "[")] + "extra = 1\n" + goodDescription[strings.Index(goodDescription, "["):],
			check: func(d *VMDescription) bool { return d.VcpuCount == 2 },
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Parse(tc.input)
			if err != nil {
				t.Fatalf("Parse() = %v", err)
			}
			if !tc.check(d) {
				t.Errorf("Parse() = %+v, failed check", d)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tcs := []struct {
		name     string
		input    string
		wantErrs []string
	}{
		{
			name:     "not toml",
			input:    "host_cpu_family = ",
			wantErrs: []string{"invalid VM description"},
		},
		{
			name:     "unknown family",
			input:    withLine("host_cpu_family", `host_cpu_family = "Pentium"`),
			wantErrs: []string{"host_cpu_family"},
		},
		{
			name:     "missing vmm",
			input:    withLine("vmm_type", ""),
			wantErrs: []string{"vmm_type: missing"},
		},
		{
			name:     "unknown vmm",
			input:    withLine("vmm_type", `vmm_type = "bhyve"`),
			wantErrs: []string{`vmm_type: unknown VMM type "bhyve"`},
		},
		{
			name: "unsupported platform",
			input: withLines(map[string]string{
				"host_cpu_family": `host_cpu_family = "Genoa"`,
				"vmm_type":        `vmm_type = "EC2"`,
			}),
			wantErrs: []string{"vmm_type: ", "Genoa/EC2"},
		},
		{
			name:     "zero vcpus",
			input:    withLine("vcpu_count", "vcpu_count = 0"),
			wantErrs: []string{"vcpu_count: 0, want at least 1"},
		},
		{
			name:     "unknown vcpu type",
			input:    withLine("vmm_type", `vmm_type = "QEMU"`+"\nvcpu_type = \"Skylake\""),
			wantErrs: []string{`vcpu_type: unknown vCPU type "Skylake"`},
		},
		{
			name:     "missing ovmf",
			input:    withLine("ovmf_file", ""),
			wantErrs: []string{"ovmf_file: missing"},
		},
		{
			name:     "initrd without kernel",
			input:    withLine("kernel_file", `kernel_file = ""`),
			wantErrs: []string{"kernel_file: missing, but initrd_file or kernel_cmdline is set"},
		},
		{
			name:     "bad policy",
			input:    withLine("guest_policy", "guest_policy = 0x0"),
			wantErrs: []string{"guest_policy: 0x0"},
		},
		{
			name:     "bad family id",
			input:    withLine("family_id", `family_id = "nope"`),
			wantErrs: []string{`family_id: "nope" is not 32 hex digits`},
		},
		{
			name:     "tcb out of range",
			input:    withLine("microcode", "microcode = 256"),
			wantErrs: []string{"invalid VM description"},
		},
		{
			name:     "reserved tcb bytes",
			input:    withLine("_reserved", "_reserved = [0, 1, 0, 0]"),
			wantErrs: []string{"min_commited_tcb._reserved: byte 1 is 0x1, want 0"},
		},
		{
			name:     "missing tcb",
			input:    goodDescription[:strings.Index(goodDescription, "[")],
			wantErrs: []string{"min_commited_tcb: missing table"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Parse() = %v, want ErrConfiguration", err)
			}
			for _, want := range tc.wantErrs {
				if !match.Error(err, want) {
					t.Errorf("Parse() = %v, want it to mention %q", err, want)
				}
			}
		})
	}
}

func TestParseNamesEveryBadField(t *testing.T) {
	input := withLine("vcpu_count", "vcpu_count = 0")
	input = strings.Replace(input, `ovmf_file = "OVMF.fd"`, "", 1)
	input = strings.Replace(input, `family_id = "00000000000000000000000000000000"`, `family_id = "zz"`, 1)
	input = strings.Replace(input, `vmm_type = "QEMU"`, `vmm_type = "Xen"`, 1)
	_, err := Parse(input)
	for _, field := range []string{"vcpu_count", "ovmf_file", "family_id", "vmm_type"} {
		if !match.Error(err, field+":") {
			t.Errorf("Parse() = %v, want it to name %s", err, field)
		}
	}
	if !errors.Is(err, sev.ErrUnsupportedConfiguration) {
		t.Errorf("Parse() = %v, want it to wrap sev.ErrUnsupportedConfiguration", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.toml")
	if err := os.WriteFile(path, []byte(goodDescription), 0644); err != nil {
		t.Fatal(err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) = %v", path, err)
	}
	if d.VcpuCount != 2 {
		t.Errorf("Load(%q).VcpuCount = %d, want 2", path, d.VcpuCount)
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Load(missing) = %v, want ErrConfiguration", err)
	}
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte(withLine("vcpu_count", "vcpu_count = 0")), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); !match.Error(err, bad+": invalid VM description") {
		t.Errorf("Load(bad) = %v, want the path and ErrConfiguration", err)
	}
}
