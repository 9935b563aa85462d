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

	"github.com/spf13/cobra"
)

// CommandComponent is a unit of flags, flag validation, and context setup that a command is built
// from.
type CommandComponent interface {
	// InitContext extends ctx with what the component provides. It runs after every component's
	// flags validate, so it may read files.
	InitContext(ctx context.Context) (context.Context, error)
	// AddFlags registers the component's flags on cmd.
	AddFlags(cmd *cobra.Command)
	// PersistentPreRunE validates the component's parsed flags.
	PersistentPreRunE(cmd *cobra.Command, args []string) error
}

// AppComponents contains implementations of application interfaces needed to instantiate the entire
// launch digest CLI tool. Nil components are skipped.
type AppComponents struct {
	// Global provides flags, validation, and context for every command.
	Global CommandComponent
	// Digest runs after the VM description is loaded and before the digest is computed, so it may
	// adjust the measure.Context.
	Digest CommandComponent
}

// MakeApp returns an initialized cobra root command for a CLI tool that includes all expected
// subcommands.
func MakeApp(ctx context.Context, app *AppComponents) *cobra.Command {
	root := makeRootCmd(ctx, app)
	root.AddCommand(makePlatformsCmd(root.Context(), app))
	return root
}

// ComposedComponent runs each of its components in order. Nil components are skipped.
type ComposedComponent struct {
	Components []CommandComponent
}

func (c *ComposedComponent) each(f func(CommandComponent) error) error {
	for _, cmp := range c.Components {
		if cmp == nil {
			continue
		}
		if err := f(cmp); err != nil {
			return err
		}
	}
	return nil
}

// InitContext threads ctx through every component's InitContext and stops at the first error.
func (c *ComposedComponent) InitContext(ctx context.Context) (context.Context, error) {
	err := c.each(func(cmp CommandComponent) error {
		var err error
		ctx, err = cmp.InitContext(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

// AddFlags registers every component's flags on cmd.
func (c *ComposedComponent) AddFlags(cmd *cobra.Command) {
	c.each(func(cmp CommandComponent) error {
		cmp.AddFlags(cmd)
		return nil
	})
}

// PersistentPreRunE returns the first component's flag validation error.
func (c *ComposedComponent) PersistentPreRunE(cmd *cobra.Command, args []string) error {
	return c.each(func(cmp CommandComponent) error { return cmp.PersistentPreRunE(cmd, args) })
}

// Compose returns a component that composes all the given components in the order given.
func Compose(cmps ...CommandComponent) *ComposedComponent { return &ComposedComponent{cmps} }

// PartialComponent implements a CommandComponent with the provided functions. A nil function does
// nothing.
type PartialComponent struct {
	FInitContext       func(ctx context.Context) (context.Context, error)
	FAddFlags          func(cmd *cobra.Command)
	FPersistentPreRunE func(cmd *cobra.Command, args []string) error
}

// InitContext calls FInitContext if set.
func (p *PartialComponent) InitContext(ctx context.Context) (context.Context, error) {
	if p.FInitContext == nil {
		return ctx, nil
	}
	return p.FInitContext(ctx)
}

// AddFlags calls FAddFlags if set.
func (p *PartialComponent) AddFlags(cmd *cobra.Command) {
	if p.FAddFlags != nil {
		p.FAddFlags(cmd)
	}
}

// PersistentPreRunE calls FPersistentPreRunE if set.
func (p *PartialComponent) PersistentPreRunE(cmd *cobra.Command, args []string) error {
	if p.FPersistentPreRunE == nil {
		return nil
	}
	return p.FPersistentPreRunE(cmd, args)
}

// ComposeRun returns a RunE that calls run with the command's context as extended by cmp's
// InitContext. A nil cmp leaves the context as is.
func ComposeRun(cmp CommandComponent, run func(context.Context) error) RunFn {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if cmp != nil {
			var err error
			if ctx, err = cmp.InitContext(ctx); err != nil {
				return err
			}
		}
		return run(ctx)
	}
}
