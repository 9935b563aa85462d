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
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/sevsnp-launch-digest/ovmf"
	"golang.org/x/exp/slices"
)

// LaunchOptions represents the expected measurement-impacting configurable features of a VM launch.
type LaunchOptions struct {
	// Vcpus is the number of VCPUs measured at launch.
	Vcpus   int
	Product sgpb.SevProduct_SevProductName
	VMMType VMMType
	// VcpuType is the QEMU CPU model name the guest sees. Empty means the product's default.
	VcpuType      string
	GuestFeatures uint64
}

// LaunchOptionsDefault returns a default object of LaunchOptions (Vcpus == 1).
func LaunchOptionsDefault() *LaunchOptions {
	return &LaunchOptions{
		Vcpus:   1,
		Product: sgpb.SevProduct_SEV_PRODUCT_MILAN,
		VMMType: VMMTypeQEMU,
	}
}

// LaunchResult is the expected launch digest along with the intermediate values that went into it.
type LaunchResult struct {
	// FirmwareDigest is the running digest after the firmware pages alone.
	FirmwareDigest Digest
	// Digest is the expected MEASUREMENT.
	Digest        Digest
	VcpuType      string
	VcpuSignature uint32
	VMMType       VMMType
}

// launch is everything a fold needs, resolved and validated.
type launch struct {
	opts           LaunchOptions
	vcpuType       string
	vcpuSignature  uint32
	firmwareDigest Digest
	metadata       MetadataInput
	vmsas          *VmsaBuilder
}

func resolveVcpuType(opts *LaunchOptions) (string, uint32, error) {
	vcpuType := opts.VcpuType
	if vcpuType == "" {
		var err error
		if vcpuType, err = DefaultVcpuType(opts.Product); err != nil {
			return "", 0, err
		}
	}
	sig, err := VcpuSignature(vcpuType)
	if err != nil {
		return "", 0, err
	}
	return vcpuType, sig, nil
}

func prepareLaunch(opts *LaunchOptions, image []byte, hashes *SevHashes) (*launch, error) {
	if opts.Vcpus < 1 {
		return nil, wrapf(ErrVcpuCount, "vcpus at launch is %d. Want at least 1", opts.Vcpus)
	}
	defaults, err := lookupPlatform(opts.Product, opts.VMMType)
	if err != nil {
		return nil, err
	}
	vcpuType, sig, err := resolveVcpuType(opts)
	if err != nil {
		return nil, err
	}
	firmwareDigest, err := FirmwareDigest(opts.Product, image)
	if err != nil {
		return nil, err
	}

	data := &ovmf.SevData{}
	if err := data.ExtractFromFirmware(image); err != nil {
		return nil, wrapf(ErrFirmwareLayout, "%v", err)
	}
	sections, err := data.SnpMetadataSections()
	if err != nil {
		return nil, wrapf(ErrFirmwareLayout, "%v", err)
	}
	result := &launch{
		opts:           *opts,
		vcpuType:       vcpuType,
		vcpuSignature:  sig,
		firmwareDigest: firmwareDigest,
		metadata: MetadataInput{
			Sections:  sections,
			Hashes:    hashes,
			CpuidLast: defaults.cpuidLast,
		},
	}
	if hashes != nil {
		if !data.HasKernelHashesSection() {
			return nil, wrapf(ErrFirmwareLayout, "kernel hashes given but the firmware does not measure them")
		}
		if result.metadata.HashTableGPA, err = data.SevHashTableGPA(); err != nil {
			return nil, wrapf(ErrFirmwareLayout, "%v", err)
		}
	}

	vmsaOpts := &VmsaOptions{
		Product:       opts.Product,
		VMMType:       opts.VMMType,
		VcpuSignature: sig,
		GuestFeatures: opts.GuestFeatures,
	}
	if eip, err := data.ApResetEIP(); err == nil {
		vmsaOpts.ApEIP = &eip
	}
	if result.vmsas, err = NewVmsaBuilder(vmsaOpts); err != nil {
		return nil, err
	}
	return result, nil
}

// fold runs the launch sequence for vcpus vCPUs and calls visit with the running digest after
// each VMSA.
func (l *launch) fold(vcpus int, visit func(count int, d Digest)) (Digest, error) {
	chain, err := NewChainer(l.opts.Product, vcpus)
	if err != nil {
		return Digest{}, err
	}
	if err := chain.FoldFirmware(l.firmwareDigest); err != nil {
		return Digest{}, err
	}
	if err := chain.FoldMetadata(&l.metadata); err != nil {
		return Digest{}, err
	}
	for i := 0; i < vcpus; i++ {
		page, err := l.vmsas.Page(i)
		if err != nil {
			return Digest{}, err
		}
		if err := chain.FoldVmsa(i, page); err != nil {
			return Digest{}, err
		}
		if visit != nil {
			visit(i+1, chain.Current())
		}
	}
	return chain.Digest()
}

// LaunchDigest computes the SEV-SNP expected MEASUREMENT from a given UEFI image, the kernel hashes
// (nil if no kernel is measured), and the launch options.
func LaunchDigest(opts *LaunchOptions, image []byte, hashes *SevHashes) (*LaunchResult, error) {
	l, err := prepareLaunch(opts, image, hashes)
	if err != nil {
		return nil, err
	}
	digest, err := l.fold(opts.Vcpus, nil)
	if err != nil {
		return nil, err
	}
	return &LaunchResult{
		FirmwareDigest: l.firmwareDigest,
		Digest:         digest,
		VcpuType:       l.vcpuType,
		VcpuSignature:  l.vcpuSignature,
		VMMType:        opts.VMMType,
	}, nil
}

// LaunchDigests computes the launch digest for each of several vCPU counts with one fold. Since
// the VMSAs come last and in index order, the digest for n vCPUs is a prefix of the fold for any
// larger count. opts.Vcpus is ignored.
func LaunchDigests(opts *LaunchOptions, image []byte, hashes *SevHashes, counts []int) (map[int]Digest, error) {
	if len(counts) == 0 {
		return map[int]Digest{}, nil
	}
	sorted := slices.Clone(counts)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	maxVcpus := sorted[len(sorted)-1]

	// Validating the smallest count rejects counts below 1.
	smallest := *opts
	smallest.Vcpus = sorted[0]
	l, err := prepareLaunch(&smallest, image, hashes)
	if err != nil {
		return nil, err
	}
	result := make(map[int]Digest, len(sorted))
	if _, err := l.fold(maxVcpus, func(count int, d Digest) {
		if _, found := slices.BinarySearch(sorted, count); found {
			result[count] = d
		}
	}); err != nil {
		return nil, err
	}
	return result, nil
}
