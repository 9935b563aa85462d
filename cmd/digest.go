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

package cmd

import (
	"context"
	"errors"
	"fmt"

	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/sevsnp-launch-digest/cmd/output"
	"github.com/google/sevsnp-launch-digest/measure"
	"github.com/google/sevsnp-launch-digest/sev"
	"github.com/google/sevsnp-launch-digest/vmconfig"
	"github.com/spf13/cobra"
)

// digestCommand stores the flag values for computing a launch digest that aren't directly
// represented in measure.Context.
type digestCommand struct {
	VMDefinition string
	// HostCPUFamily overrides the description's host_cpu_family unless unknown.
	HostCPUFamily sgpb.SevProduct_SevProductName
	VcpuCounts    []int
}

// AddFlags adds any implementation-specific flags for this command component.
func (f *digestCommand) AddFlags(cmd *cobra.Command) {
	addVMDefinitionFlag(cmd, &f.VMDefinition)
	addVcpuCountsFlag(cmd, &f.VcpuCounts)
	cmd.Flags().AddGoFlag(amdProductVar(&f.HostCPUFamily, "host_cpu_family",
		sgpb.SevProduct_SEV_PRODUCT_UNKNOWN,
		"Overrides the VM description's CPU generation. One of Milan or Genoa."))
}

// PersistentPreRunE returns an error if the results of the parsed flags constitute an error.
func (f *digestCommand) PersistentPreRunE(*cobra.Command, []string) error {
	if f.VMDefinition == "" {
		return errors.New("expected --vm-definition path")
	}
	for _, count := range f.VcpuCounts {
		if count < 1 {
			return fmt.Errorf("--vcpu_counts=%d, want at least 1", count)
		}
	}
	return nil
}

// InitContext extends the given context with whatever else the component needs before execution.
func (f *digestCommand) InitContext(ctx context.Context) (context.Context, error) {
	mc, err := measure.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	// Though this file path is from a flag, the read interpretation of the flag is done in
	// initialization.
	desc, err := vmconfig.Load(f.VMDefinition)
	if err != nil {
		return nil, err
	}
	if f.HostCPUFamily != sgpb.SevProduct_SEV_PRODUCT_UNKNOWN && f.HostCPUFamily != desc.HostCPUFamily {
		output.Debugf(ctx, "host_cpu_family overridden to %v", f.HostCPUFamily)
		desc.HostCPUFamily = f.HostCPUFamily
		if err := sev.CheckPlatform(desc.HostCPUFamily, desc.VMMType); err != nil {
			return nil, fmt.Errorf("--host_cpu_family: %w", err)
		}
	}
	mc.Description = desc
	mc.VcpuCounts = f.VcpuCounts
	return ctx, nil
}

// MeasureSetE returns the setter's result given the context's measure.Context if it exists, or
// returns the missing context error.
func MeasureSetE(ctx context.Context, setter func(mc *measure.Context) error) error {
	mc, err := measure.FromContext(ctx)
	if err != nil {
		return err
	}
	return setter(mc)
}

// MeasureSetterE returns a CommandComponent whose InitContext returns the setter's result given
// the context's measure.Context. Use it as AppComponents.Digest to adjust a loaded description.
func MeasureSetterE(setter func(mc *measure.Context) error) CommandComponent {
	return &PartialComponent{
		FInitContext: func(ctx context.Context) (context.Context, error) {
			return ctx, MeasureSetE(ctx, setter)
		},
	}
}
