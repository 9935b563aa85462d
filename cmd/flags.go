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
	"flag"

	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/spf13/cobra"
)

// Lets this command specify the VM description file.
func addVMDefinitionFlag(cmd *cobra.Command, f *string) {
	cmd.Flags().StringVar(f, "vm-definition", "", "Path to the TOML description of the VM")
}

// Lets this command request digests for more vCPU counts than the description's.
func addVcpuCountsFlag(cmd *cobra.Command, f *[]int) {
	cmd.Flags().IntSliceVar(f, "vcpu_counts", nil,
		"Additional vCPU counts to compute launch digests for, reported under expected_hashes")
}

type amdProductFlag struct {
	v *sgpb.SevProduct_SevProductName
}

func (p *amdProductFlag) String() string {
	if p.v == nil {
		return "<unset>"
	}
	return kds.ProductLine(&sgpb.SevProduct{Name: *p.v})
}

func (p *amdProductFlag) Set(value string) error {
	if value != "" {
		product, err := kds.ParseProductLine(value)
		if err != nil {
			return err
		}
		*p.v = product.Name
		return nil
	}
	return nil
}

func amdProductVar(v *sgpb.SevProduct_SevProductName, name string, defaultValue sgpb.SevProduct_SevProductName, usage string) *flag.Flag {
	f := &amdProductFlag{v: v}
	*v = defaultValue
	return &flag.Flag{
		Name:     name,
		Value:    f,
		Usage:    usage,
		DefValue: kds.ProductLine(&sgpb.SevProduct{Name: defaultValue}),
	}
}
