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

// Package measure computes the expected SEV-SNP launch digest of a described VM and renders it
// alongside the intermediate hashes that produced it.
package measure

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/sevsnp-launch-digest/cmd/output"
	"github.com/google/sevsnp-launch-digest/sev"
	"github.com/google/sevsnp-launch-digest/vmconfig"
)

var (
	// ErrNoContext is returned when a function requires a measure.Context but it is missing from
	// the context.
	ErrNoContext = errors.New("no measure context found")
	// ErrSerialization is returned when a Result cannot be rendered.
	ErrSerialization = errors.New("result serialization error")
)

// Context encapsulates all information needed to compute a VM's launch digest.
type Context struct {
	// Description is the validated VM to measure.
	Description *vmconfig.VMDescription
	// VcpuCounts, if non-empty, requests the digests for these vCPU counts in addition to the
	// description's own count.
	VcpuCounts []int
}

type measureKeyType struct{}

var measureKey measureKeyType

// NewContext returns the context extended with the given measure.Context.
func NewContext(ctx context.Context, mc *Context) context.Context {
	return context.WithValue(ctx, measureKey, mc)
}

// FromContext returns the measure.Context in the context or an error.
func FromContext(ctx context.Context) (*Context, error) {
	if mc, ok := ctx.Value(measureKey).(*Context); ok {
		return mc, nil
	}
	return nil, ErrNoContext
}

// Result is the launch digest of a VM and the values that went into it. Binary values are
// lowercase hex.
type Result struct {
	KernelHash    string `json:"kernel_hash"`
	InitrdHash    string `json:"initrd_hash"`
	CmdlineHash   string `json:"cmdline_hash"`
	OvmfHash      string `json:"ovmf_hash"`
	Vcpus         int    `json:"vcpus"`
	VcpuType      string `json:"vcputype"`
	VMMType       string `json:"vmmtype"`
	GuestFeatures string `json:"guest_features"`
	ExpectedHash  string `json:"expected_hash"`
	// ExpectedHashes maps extra vCPU counts to their launch digests.
	ExpectedHashes map[int]string `json:"expected_hashes,omitempty"`
}

// JSON returns the indented JSON rendering of r.
func (r *Result) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// LaunchOptions returns the measurement-impacting options of a VM description.
func LaunchOptions(desc *vmconfig.VMDescription) *sev.LaunchOptions {
	return &sev.LaunchOptions{
		Vcpus:         desc.VcpuCount,
		Product:       desc.HostCPUFamily,
		VMMType:       desc.VMMType,
		VcpuType:      desc.VcpuType,
		GuestFeatures: desc.GuestFeatures,
	}
}

func readHashes(desc *vmconfig.VMDescription) (*sev.SevHashes, error) {
	if desc.KernelFile == "" {
		return nil, nil
	}
	return sev.SevHashesFromFiles(desc.KernelFile, desc.InitrdFile, desc.KernelCmdline)
}

// Compute reads the files desc names and returns the expected launch digest together with its
// inputs' hashes. Kernel, initrd, and cmdline hashes are empty when desc measures no kernel.
func Compute(ctx context.Context, desc *vmconfig.VMDescription, extraVcpuCounts ...int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	image, err := sev.ReadFirmware(desc.OvmfFile)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hashes, err := readHashes(desc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := LaunchOptions(desc)
	launch, err := sev.LaunchDigest(opts, image, hashes)
	if err != nil {
		return nil, err
	}
	result := &Result{
		OvmfHash:      launch.FirmwareDigest.String(),
		Vcpus:         desc.VcpuCount,
		VcpuType:      launch.VcpuType,
		VMMType:       launch.VMMType.String(),
		GuestFeatures: fmt.Sprintf("0x%X", desc.GuestFeatures),
		ExpectedHash:  launch.Digest.String(),
	}
	if hashes != nil {
		result.KernelHash = hex.EncodeToString(hashes.KernelHash[:])
		result.InitrdHash = hex.EncodeToString(hashes.InitrdHash[:])
		result.CmdlineHash = hex.EncodeToString(hashes.CmdlineHash[:])
	}
	if len(extraVcpuCounts) > 0 {
		digests, err := sev.LaunchDigests(opts, image, hashes, extraVcpuCounts)
		if err != nil {
			return nil, err
		}
		result.ExpectedHashes = make(map[int]string, len(digests))
		for count, d := range digests {
			result.ExpectedHashes[count] = d.String()
		}
	}
	return result, nil
}

// VirtualMachine computes the launch digest of the VM in the context's measure.Context and writes
// the result as JSON.
func VirtualMachine(ctx context.Context) error {
	mc, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if mc.Description == nil {
		return fmt.Errorf("%w: no VM description loaded", vmconfig.ErrConfiguration)
	}
	result, err := Compute(ctx, mc.Description, mc.VcpuCounts...)
	if err != nil {
		return err
	}
	output.Debugf(ctx, "firmware digest: %s", result.OvmfHash)
	output.Debugf(ctx, "vCPU type: %s", result.VcpuType)
	data, err := result.JSON()
	if err != nil {
		return err
	}
	if _, err := output.Result(ctx, data); err != nil {
		return err
	}
	return nil
}
