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

// Package cmd provides the snpdigest CLI command abstractions.
package cmd

import (
	"context"

	"github.com/google/sevsnp-launch-digest/cmd/output"
	"github.com/google/sevsnp-launch-digest/measure"
	"github.com/google/sevsnp-launch-digest/sev"
	"github.com/spf13/cobra"
)

// makeRootCmd creates an entrypoint for snpdigest. The root command itself computes the launch
// digest of the VM described by --vm-definition.
func makeRootCmd(ctx0 context.Context, app *AppComponents) *cobra.Command {
	flags := &output.Options{}
	ctx := output.NewContext(ctx0, flags)
	cmp := Compose(app.Global, &digestCommand{}, app.Digest)
	cmd := &cobra.Command{
		Use:   "snpdigest",
		Short: "Compute the expected AMD SEV-SNP launch digest of a VM",
		Long: `Command line tool for computing AMD SEV-SNP launch digests offline

The digest is computed from the firmware, kernel, initrd, kernel command line, and vCPU
configuration a VM description file names, and printed as JSON with its intermediate hashes.
`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(cmd); err != nil {
				return err
			}
			// Subcommands do not take the digest flags.
			if cmd.Name() != "snpdigest" {
				if app.Global != nil {
					return app.Global.PersistentPreRunE(cmd, args)
				}
				return nil
			}
			return cmp.PersistentPreRunE(cmd, args)
		},
		RunE: ComposeRun(cmp, measure.VirtualMachine),
		// Errors are reported through the output package by Report.
		SilenceErrors: true,
	}
	cmd.SetContext(measure.NewContext(ctx, &measure.Context{}))
	cmp.AddFlags(cmd)
	flags.AddFlags(cmd)
	return cmd
}

func makePlatformsCmd(ctx context.Context, app *AppComponents) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platforms",
		Short: "List the supported CPU generation and VMM type pairs",
		Args:  cobra.NoArgs,
		RunE: ComposeRun(app.Global, func(ctx context.Context) error {
			for _, p := range sev.SupportedPlatforms() {
				if _, err := output.Infof(ctx, "%s", p); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.SetContext(ctx)
	return cmd
}

// Report writes err to the context's error output, marking failures of internal invariants as
// such.
func Report(ctx context.Context, err error) {
	if sev.IsInternal(err) {
		output.InternalErrorf(ctx, "%v", err)
		return
	}
	output.Errorf(ctx, "%v", err)
}

// RunFn is the signature of a cobra command's RunE.
type RunFn func(*cobra.Command, []string) error
