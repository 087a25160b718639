// SPDX-License-Identifier: Apache 2.0

package main

import "github.com/keystone/kds/cmd"

func main() {
	cmd.Execute()
}
