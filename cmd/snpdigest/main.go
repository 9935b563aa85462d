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

// The snpdigest tool prints the expected AMD SEV-SNP launch digest of a described VM as JSON.
package main

import (
	"context"
	"os"

	"github.com/google/logger"
	"github.com/google/sevsnp-launch-digest/cmd"
)

func run() int {
	defer logger.Init("snpdigest", false, false, os.Stderr).Close()
	root := cmd.MakeApp(context.Background(), &cmd.AppComponents{})
	if err := root.Execute(); err != nil {
		cmd.Report(root.Context(), err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
