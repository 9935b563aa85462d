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
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/sevsnp-launch-digest/testing/fakeovmf"
	"github.com/google/sevsnp-launch-digest/testing/match"
)

func mustTable(t *testing.T, h *SevHashes) []byte {
	t.Helper()
	table, err := h.Table()
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func mustLaunchDigest(t *testing.T, opts *LaunchOptions, image []byte, hashes *SevHashes) Digest {
	t.Helper()
	result, err := LaunchDigest(opts, image, hashes)
	if err != nil {
		t.Fatalf("LaunchDigest(%+v) = %v", opts, err)
	}
	return result.Digest
}

func TestLaunchDigestQemu(t *testing.T) {
	image := fakeovmf.CleanExample(t)
	hashes := NewSevHashes([]byte("bzImage"), []byte("initrd"), "console=ttyS0")
	for _, vcpus := range []int{1, 2, 4} {
		for _, withHashes := range []bool{false, true} {
			t.Run(fmt.Sprintf("vcpus=%d,hashes=%v", vcpus, withHashes), func(t *testing.T) {
				opts := &LaunchOptions{
					Vcpus:         vcpus,
					Product:       milan,
					VMMType:       VMMTypeQEMU,
					GuestFeatures: 0x1,
				}
				ref := refLaunchParams{image: image, vcpus: vcpus, vmsa: qemuRefVmsas(sigEpycMilan, 0x1)}
				var h *SevHashes
				if withHashes {
					h = hashes
					ref.table = mustTable(t, hashes)
				}
				result, err := LaunchDigest(opts, image, h)
				if err != nil {
					t.Fatalf("LaunchDigest() = %v", err)
				}
				if want := refLaunch(t, ref); result.Digest != want {
					t.Errorf("LaunchDigest() = %v, want %v", result.Digest, want)
				}
				fw, err := FirmwareDigest(milan, image)
				if err != nil {
					t.Fatal(err)
				}
				want := &LaunchResult{
					FirmwareDigest: fw,
					Digest:         result.Digest,
					VcpuType:       "EPYC-Milan",
					VcpuSignature:  0xa00f11,
					VMMType:        VMMTypeQEMU,
				}
				if diff := cmp.Diff(want, result); diff != "" {
					t.Errorf("LaunchDigest() result mismatch (-want +got): %s", diff)
				}
			})
		}
	}
}

// Known answers for fakeovmf.CleanExample launched on Milan by QEMU with 1 vCPU of the default
// EPYC-Milan type and guest features 0. The hashes case measures kernel "vmlinuz", initrd "initrd"
// and command line "console=ttyS0". The values were computed outside Go by a standalone Python
// hashlib script that rebuilds the same 16 KiB image byte for byte, folds PAGE_INFO as
// sev-snp-measure's gctx.py does, and lays out the VMSA field by field after the VMCB save area
// struct of Fraunhofer AISEC cmc's precompute_snp.go.
func TestLaunchDigestKnownAnswer(t *testing.T) {
	const wantFirmware = "1a3e2a3c03ef9a2d91b8ec16c90b2dbe7ead74f798d4dbea48b0b44c2419341a23b24be7868558f601f31d0013d69b32"
	tcs := []struct {
		name   string
		hashes *SevHashes
		want   string
	}{
		{
			name: "no hashes",
			want: "34d03b209515e6627ccaf823437dbc73cdb010c1c12e00e11fcfeaf1b1cb342590d634f57e381fb8bb172ebf732e8314",
		},
		{
			name:   "hashes",
			hashes: NewSevHashes([]byte("vmlinuz"), []byte("initrd"), "console=ttyS0"),
			want:   "981548f0ba541cb2c91d27f8e20a20eae220f1435c378a9a8a672150bbb9be92f1451cb172e16b020d4c844c5d41d9e8",
		},
	}
	image := fakeovmf.CleanExample(t)
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			result, err := LaunchDigest(LaunchOptionsDefault(), image, tc.hashes)
			if err != nil {
				t.Fatalf("LaunchDigest() = %v", err)
			}
			if got := result.FirmwareDigest.String(); got != wantFirmware {
				t.Errorf("LaunchDigest().FirmwareDigest = %s, want %s", got, wantFirmware)
			}
			if got := result.Digest.String(); got != tc.want {
				t.Errorf("LaunchDigest().Digest = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestLaunchDigestGenoaVcpuType(t *testing.T) {
	image := fakeovmf.CleanExample(t)
	opts := &LaunchOptions{Vcpus: 2, Product: genoa, VMMType: VMMTypeQEMU, VcpuType: "EPYC-Rome"}
	result, err := LaunchDigest(opts, image, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.VcpuType != "EPYC-Rome" || result.VcpuSignature != 0x830f10 {
		t.Errorf("LaunchDigest() vCPU = %s/0x%x, want EPYC-Rome/0x830f10", result.VcpuType, result.VcpuSignature)
	}
	want := refLaunch(t, refLaunchParams{image: image, vcpus: 2, vmsa: qemuRefVmsas(sigEpycRome, 0)})
	if result.Digest != want {
		t.Errorf("LaunchDigest() = %v, want %v", result.Digest, want)
	}
	opts.VcpuType = ""
	if got := mustLaunchDigest(t, opts, image, nil); got == want {
		t.Error("the default Genoa vCPU type measures the same as EPYC-Rome")
	}
}

func TestLaunchDigestEc2(t *testing.T) {
	image := fakeovmf.CleanExample(t)
	hashes := NewSevHashes([]byte("vmlinuz"), nil, "")
	opts := &LaunchOptions{Vcpus: 2, Product: milan, VMMType: VMMTypeEC2}
	got := mustLaunchDigest(t, opts, image, hashes)
	want := refLaunch(t, refLaunchParams{
		image: image,
		table: mustTable(t, hashes),
		vcpus: 2,
		vmsa: func(index int) refVmsaParams {
			if index == 0 {
				return refVmsaParams{eip: BspResetEIP, csAttrib: 0x9a, ssAttrib: 0x92, trAttrib: 0x83}
			}
			return refVmsaParams{eip: fakeovmf.SevEsAddrVal, csAttrib: 0x9b, ssAttrib: 0x92, trAttrib: 0x83}
		},
		ec2Order: true,
	})
	if got != want {
		t.Errorf("LaunchDigest(EC2) = %v, want %v", got, want)
	}
}

func TestLaunchDigestDeterministic(t *testing.T) {
	hashes := NewSevHashes([]byte("k"), []byte("i"), "c")
	opts := &LaunchOptions{Vcpus: 3, Product: genoa, VMMType: VMMTypeKRUN, GuestFeatures: 0x1}
	first := mustLaunchDigest(t, opts, fakeovmf.CleanExample(t), hashes)
	for i := 0; i < 3; i++ {
		if got := mustLaunchDigest(t, opts, fakeovmf.CleanExample(t), hashes); got != first {
			t.Fatalf("run %d: LaunchDigest() = %v, first run %v", i, got, first)
		}
	}
}

func TestLaunchDigestGuestFeatures(t *testing.T) {
	image := fakeovmf.CleanExample(t)
	seen := map[Digest]uint64{}
	for _, features := range []uint64{0x0, 0x1, 0x21, 0x1 | 1<<5 | 1<<7} {
		opts := &LaunchOptions{Vcpus: 1, Product: milan, VMMType: VMMTypeQEMU, GuestFeatures: features}
		got := mustLaunchDigest(t, opts, image, nil)
		if prev, ok := seen[got]; ok {
			t.Errorf("guest features 0x%x and 0x%x give the same digest", features, prev)
		}
		seen[got] = features
	}
}

func TestLaunchDigestAbsentInitrd(t *testing.T) {
	image := fakeovmf.CleanExample(t)
	opts := LaunchOptionsDefault()
	kernel := []byte("kernel")
	absent := mustLaunchDigest(t, opts, image, NewSevHashes(kernel, nil, "quiet"))
	if again := mustLaunchDigest(t, opts, image, NewSevHashes(kernel, []byte{}, "quiet")); again != absent {
		t.Errorf("absent initrd digest is unstable: %v vs %v", absent, again)
	}
	if present := mustLaunchDigest(t, opts, image, NewSevHashes(kernel, []byte{0}, "quiet")); present == absent {
		t.Error("a one byte initrd measures the same as no initrd")
	}
	if none := mustLaunchDigest(t, opts, image, nil); none == absent {
		t.Error("a kernel launch measures the same as no kernel")
	}
}

func TestLaunchDigestAvalanche(t *testing.T) {
	image := fakeovmf.CleanExample(t)
	opts := LaunchOptionsDefault()
	kernel := bytes.Repeat([]byte{0x5a}, 3000)
	base := mustLaunchDigest(t, opts, image, NewSevHashes(kernel, nil, "ro"))

	flippedImage := bytes.Clone(image)
	flippedImage[0x900] ^= 0x01
	if got := mustLaunchDigest(t, opts, flippedImage, NewSevHashes(kernel, nil, "ro")); got == base {
		t.Error("flipping a firmware bit did not change the digest")
	}
	flippedKernel := bytes.Clone(kernel)
	flippedKernel[len(kernel)-1] ^= 0x80
	if got := mustLaunchDigest(t, opts, image, NewSevHashes(flippedKernel, nil, "ro")); got == base {
		t.Error("flipping a kernel bit did not change the digest")
	}
	if got := mustLaunchDigest(t, opts, image, NewSevHashes(kernel, nil, "rw")); got == base {
		t.Error("changing the command line did not change the digest")
	}
}

func TestLaunchDigests(t *testing.T) {
	image := fakeovmf.CleanExample(t)
	hashes := NewSevHashes([]byte("k"), nil, "")
	opts := &LaunchOptions{Product: milan, VMMType: VMMTypeQEMU, GuestFeatures: 0x1}
	got, err := LaunchDigests(opts, image, hashes, []int{4, 1, 2, 4})
	if err != nil {
		t.Fatal(err)
	}
	want := map[int]Digest{}
	for _, vcpus := range []int{1, 2, 4} {
		each := *opts
		each.Vcpus = vcpus
		want[vcpus] = mustLaunchDigest(t, &each, image, hashes)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LaunchDigests() mismatch (-want +got): %s", diff)
	}

	if empty, err := LaunchDigests(opts, image, hashes, nil); err != nil || len(empty) != 0 {
		t.Errorf("LaunchDigests(no counts) = %v, %v, want empty", empty, err)
	}
	if _, err := LaunchDigests(opts, image, hashes, []int{0, 2}); !errors.Is(err, ErrVcpuCount) {
		t.Errorf("LaunchDigests(0 vCPUs) = %v, want ErrVcpuCount", err)
	}
}

func TestLaunchDigestErrors(t *testing.T) {
	clean := fakeovmf.CleanExample(t)
	noHashTable := fakeovmf.DefaultOptions()
	noHashTable.HashTable = nil
	noResetBlock := fakeovmf.DefaultOptions()
	noResetBlock.OmitResetBlock = true
	hashes := NewSevHashes(nil, nil, "")
	bigHashesSection := fakeovmf.DefaultOptions()
	bigHashesSection.Sections[3].Length = 4 * pageSize

	tcs := []struct {
		name     string
		opts     *LaunchOptions
		image    []byte
		hashes   *SevHashes
		sentinel error
		wantErr  string
	}{
		{
			name:     "partial page firmware",
			opts:     LaunchOptionsDefault(),
			image:    clean[:len(clean)-1],
			sentinel: ErrLength,
			wantErr:  "not a multiple of the 0x1000 page size",
		},
		{
			name:     "empty firmware",
			opts:     LaunchOptionsDefault(),
			image:    nil,
			sentinel: ErrLength,
			wantErr:  "firmware image is empty",
		},
		{
			name:     "firmware without metadata",
			opts:     LaunchOptionsDefault(),
			image:    make([]byte, 0x4000),
			sentinel: ErrFirmwareLayout,
		},
		{
			name:     "hashes without hash table",
			opts:     LaunchOptionsDefault(),
			image:    fakeovmf.MustBuild(t, noHashTable),
			hashes:   hashes,
			sentinel: ErrFirmwareLayout,
			wantErr:  "no SEV hash table area found in the firmware",
		},
		{
			name:     "multi-page kernel hashes section",
			opts:     LaunchOptionsDefault(),
			image:    fakeovmf.MustBuild(t, bigHashesSection),
			hashes:   hashes,
			sentinel: ErrFirmwareLayout,
			wantErr:  "section OVMF_SECTION_TYPE_KERNEL_HASHES must be exactly one 4K page, has length 0x4000",
		},
		{
			name:     "no vcpus",
			opts:     &LaunchOptions{Product: milan, VMMType: VMMTypeQEMU},
			image:    clean,
			sentinel: ErrVcpuCount,
			wantErr:  "vcpus at launch is 0",
		},
		{
			name:     "APs without reset block",
			opts:     &LaunchOptions{Vcpus: 2, Product: milan, VMMType: VMMTypeQEMU},
			image:    fakeovmf.MustBuild(t, noResetBlock),
			sentinel: ErrFirmwareLayout,
			wantErr:  "vCPU 1 needs the SEV-ES reset block",
		},
		{
			name:     "Genoa on EC2",
			opts:     &LaunchOptions{Vcpus: 1, Product: genoa, VMMType: VMMTypeEC2},
			image:    clean,
			sentinel: ErrUnsupportedConfiguration,
			wantErr:  "Genoa/EC2",
		},
		{
			name:     "unknown vcpu type",
			opts:     &LaunchOptions{Vcpus: 1, Product: milan, VMMType: VMMTypeQEMU, VcpuType: "Haswell"},
			image:    clean,
			sentinel: ErrUnsupportedConfiguration,
			wantErr:  `unknown vCPU type "Haswell"`,
		},
		{
			name:     "unknown product",
			opts:     &LaunchOptions{Vcpus: 1, Product: sgpb.SevProduct_SEV_PRODUCT_UNKNOWN, VMMType: VMMTypeQEMU},
			image:    clean,
			sentinel: ErrUnsupportedConfiguration,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			result, err := LaunchDigest(tc.opts, tc.image, tc.hashes)
			if !match.ErrorIs(err, tc.sentinel, tc.wantErr) {
				t.Fatalf("LaunchDigest() = %v, %v, want %v with %q", result, err, tc.sentinel, tc.wantErr)
			}
			if IsInternal(err) {
				t.Errorf("LaunchDigest() = %v is internal, want an input error", err)
			}
		})
	}
}

func TestLaunchDigestSingleVcpuWithoutResetBlock(t *testing.T) {
	opts := fakeovmf.DefaultOptions()
	opts.OmitResetBlock = true
	if _, err := LaunchDigest(LaunchOptionsDefault(), fakeovmf.MustBuild(t, opts), nil); err != nil {
		t.Errorf("LaunchDigest(1 vCPU, no reset block) = %v, want nil", err)
	}
}
